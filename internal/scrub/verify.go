// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/volume"
)

// blockError is what's wrong with a block.
type blockError int

const (
	blockOK blockError = iota
	errRead
	errCsum
	errVerify
	errGeneration
)

func (e blockError) String() string {
	switch e {
	case blockOK:
		return "ok"
	case errRead:
		return "read"
	case errCsum:
		return "csum"
	case errVerify:
		return "verify"
	case errGeneration:
		return "generation"
	}
	return "unknown"
}

// verify checks the contents of a block. Data without a checksum can't be
// checked; hasCsum is false for it.
func (c *scrubCtx) verify(blk volume.Block, data []byte) (why blockError, hasCsum bool) {
	typ := c.pool.CsumType()
	if blk.Tree {
		if !volume.CheckSealed(typ, data) {
			return errCsum, true
		}
		h, err := volume.ParseTreeHeader(data)
		if err != nil || h.Bytenr != blk.Logical || h.FSID != c.pool.FSID() {
			return errVerify, true
		}
		if h.Generation != blk.Generation {
			return errGeneration, true
		}
		return blockOK, true
	}

	want, ok, err := c.pool.LookupCsum(blk.Logical)
	if err != nil {
		log.Errorf("dev %s: checksum lookup of %v failed: %s", c.dev, blk.Logical, err)
		return blockOK, false
	}
	if !ok {
		return blockOK, false
	}
	if !typ.Verify(data, want) {
		return errCsum, true
	}
	return blockOK, true
}

// account counts a block as scrubbed.
func (c *scrubCtx) account(blk volume.Block, hasCsum bool) {
	if blk.Tree {
		c.stats.inc(cTreeExtents)
		c.stats.add(cTreeBytes, uint64(blk.Length))
		return
	}
	c.stats.inc(cDataExtents)
	c.stats.add(cDataBytes, uint64(blk.Length))
	if !hasCsum {
		c.stats.inc(cNoCsum)
	}
}

// noteError counts an error found in a block, here and in the device's
// error counters.
func (c *scrubCtx) noteError(blk volume.Block, why blockError) {
	log.Errorf("dev %s: %s error at logical %v physical %v (tree=%t)", c.dev, why, blk.Logical, blk.Physical, blk.Tree)
	switch why {
	case errRead:
		c.stats.inc(cReadErrors)
		c.pool.BumpDevStat(c.dev, volume.StatRead)
	case errCsum:
		c.stats.inc(cCsumErrors)
		c.pool.BumpDevStat(c.dev, volume.StatCorruption)
	case errVerify:
		c.stats.inc(cVerifyErrors)
		c.pool.BumpDevStat(c.dev, volume.StatCorruption)
	case errGeneration:
		c.stats.inc(cVerifyErrors)
		c.pool.BumpDevStat(c.dev, volume.StatGeneration)
	}
}

// readBio reads and verifies a bio, and schedules repairs of the blocks that
// failed. It's run by a worker.
func (c *scrubCtx) readBio(b *scrubBio) {
	defer c.put()

	op := bioReadOps.Start(c.devLabel)
	err := c.pool.ReadDevice(c.dev, b.physical, b.buf[:b.length])
	if err != nil {
		op.Failed()
	}
	op.End()
	if c.cfg.DropCache {
		c.pool.DropCache(c.dev, b.physical, int64(b.length))
	}

	why := make([]blockError, len(b.blocks))
	if err != nil {
		// Find out which blocks can't be read.
		log.V(1).Infof("dev %s: read of %d bytes at %v failed: %s, rechecking %d blocks", c.dev, b.length, b.physical, err, len(b.blocks))
		clean := true
		for i, blk := range b.blocks {
			if c.pool.ReadDevice(c.dev, blk.Physical, b.data(i)) != nil {
				why[i] = errRead
				clean = false
			}
		}
		if clean {
			c.stats.inc(cUnverified)
		}
	}

	var st *stage
	if c.wr != nil {
		st = newStage(b.seq, len(b.blocks))
	}
	for i, blk := range b.blocks {
		hasCsum := !blk.Tree
		if why[i] == blockOK {
			why[i], hasCsum = c.verify(blk, b.data(i))
		} else if !blk.Tree {
			_, hasCsum, _ = c.pool.LookupCsum(blk.Logical)
		}
		c.account(blk, hasCsum)
		if st != nil {
			st.set(i, blk.Physical, b.data(i))
		}
		if why[i] == blockOK {
			continue
		}
		c.noteError(blk, why[i])
		if c.readonly {
			c.stats.inc(cUncorrectable)
			continue
		}
		c.scheduleRepair(repairRequest{sctx: c, block: blk, why: why[i], stage: st, slot: i})
	}

	// Staging may submit a write, which must be counted before the slot
	// stops being in flight.
	if st != nil {
		c.finishStage(st)
	}
	c.stats.unhold(b.physical)
	c.ring.release(b.index)
}
