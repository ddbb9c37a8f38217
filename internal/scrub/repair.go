// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/internal/volume"
	"github.com/westerndigitalcorporation/scrub/pkg/retry"
)

// scheduleRepair queues a repair. The scrub can't drain until it's done.
func (c *scrubCtx) scheduleRepair(r repairRequest) {
	c.get()
	c.ring.addPending(1)
	c.stats.hold(r.block.Physical)
	if r.stage != nil {
		r.stage.hold()
	}
	c.s.workers.schedule(RepairPri, r)
}

// repair looks for a good copy of a block among the other mirrors and puts it
// back: over the bad copy, or on the replace target in replace mode. It's run
// by a worker.
func (c *scrubCtx) repair(r repairRequest) {
	blk := r.block

	c.s.blockLocks.LockBlock(blk.Logical)
	c.s.repairSem.Acquire()
	op := repairOps.Start(c.devLabel)

	good, mirror := c.findGoodCopy(blk)
	switch {
	case good == nil:
		op.Failed()
		c.stats.inc(cUncorrectable)
		log.Errorf("dev %s: no good copy of %s block at logical %v among %d mirrors", c.dev, r.why, blk.Logical, c.pool.NumMirrors(blk.Logical))
	case r.stage != nil:
		r.stage.blocks[r.slot].data = good
		c.stats.inc(cCorrected)
		log.Infof("dev %s: staged mirror %d of logical %v for the replace target", c.dev, mirror, blk.Logical)
	default:
		if err := c.pool.WriteBlock(c.dev, blk.Physical, good); err != nil {
			op.Failed()
			c.stats.inc(cUncorrectable)
			log.Errorf("dev %s: failed to rewrite logical %v at %v: %s", c.dev, blk.Logical, blk.Physical, err)
		} else {
			c.stats.inc(cCorrected)
			log.Infof("dev %s: repaired logical %v at %v from mirror %d", c.dev, blk.Logical, blk.Physical, mirror)
		}
	}

	op.End()
	c.s.repairSem.Release()
	c.s.blockLocks.UnlockBlock(blk.Logical)

	if r.stage != nil {
		c.finishStage(r.stage)
	}
	c.stats.unhold(blk.Physical)
	c.ring.addPending(-1)
	c.put()
}

// findGoodCopy reads the other mirrors of 'blk' until one verifies.
func (c *scrubCtx) findGoodCopy(blk volume.Block) ([]byte, int) {
	ctx := context.Background()
	n := c.pool.NumMirrors(blk.Logical)
	for m := 1; m <= n; m++ {
		if m == blk.Mirror {
			continue
		}
		c.s.repairBucket.Wait(ctx, float64(blk.Length))

		var data []byte
		err := c.s.retrier.Do(ctx, func(seq int) error {
			d, err := c.pool.ReadMirror(ctx, blk.Logical, blk.Length, m)
			if err != nil {
				log.V(1).Infof("dev %s: read %d of mirror %d of %v failed: %s", c.dev, seq, m, blk.Logical, err)
				if core.FromError(err) == core.ErrInvalidArgument {
					return retry.Permanent(err)
				}
				return err
			}
			data = d
			return nil
		})
		if err != nil {
			continue
		}
		if why, _ := c.verify(blk, data); why == blockOK {
			return data, m
		}
		log.V(1).Infof("dev %s: mirror %d of %v is bad too", c.dev, m, blk.Logical)
	}
	return nil, 0
}
