// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/internal/volume"
)

// scrubSupers checks the superblock copies of the device that lie in the
// scrubbed range. Bad copies are counted but not rewritten; the next commit
// of the filesystem does that.
func (c *scrubCtx) scrubSupers() {
	size, ok := c.pool.DeviceSize(c.dev)
	if !ok {
		return
	}
	buf := make([]byte, core.SuperInfoSize)
	for _, off := range volume.SuperCopies(size) {
		if off < c.start || off >= c.end {
			continue
		}
		if c.isCanceled() {
			return
		}
		if err := c.pool.ReadDevice(c.dev, off, buf); err != nil {
			log.Errorf("dev %s: failed to read super at %v: %s", c.dev, off, err)
			c.stats.inc(cSuperErrors)
			c.pool.BumpDevStat(c.dev, volume.StatRead)
			continue
		}
		sb, err := volume.ParseSuper(buf)
		switch {
		case err != nil, sb.Bytenr != off, sb.FSID != c.pool.FSID(), sb.Dev != c.dev:
			log.Errorf("dev %s: bad super at %v: %v", c.dev, off, err)
			c.stats.inc(cSuperErrors)
			c.pool.BumpDevStat(c.dev, volume.StatCorruption)
		case sb.Generation != c.pool.Generation():
			log.Errorf("dev %s: super at %v has generation %d, want %d", c.dev, off, sb.Generation, c.pool.Generation())
			c.stats.inc(cSuperErrors)
			c.pool.BumpDevStat(c.dev, volume.StatGeneration)
		}
	}
}

// scrubParity checks the parity rows of a RAID5/6 parity stripe. The data
// stripes of the row are read and verified by the pool, so everything before
// it is completed first.
func (c *scrubCtx) scrubParity(de volume.DevExtent) {
	c.submit()
	c.ring.waitIdle()

	ss := c.pool.SectorSize()
	c.pool.ParityRows(de, c.start, c.end, func(row int64) bool {
		if d := c.throttle.delay(int64(ss), time.Now()); d > 0 {
			c.sleep(d)
		}
		if c.isCanceled() {
			return false
		}
		phys := c.pool.RowPhysical(de, row)
		res, err := c.pool.CheckParity(context.Background(), de, row, !c.readonly && !c.isDevReplace)
		if err != nil {
			log.Errorf("dev %s: parity check of row %d at %v failed: %s", c.dev, row, phys, err)
			res = volume.ParityUnverified
		}
		c.noteParity(res, phys)

		if c.wr != nil {
			c.stageParity(phys, ss)
		}
		c.stats.setLast(phys.Add(core.AddrDelta(ss)))
		c.s.blockedIfNeeded(c)
		return !c.isCanceled()
	})
}

func (c *scrubCtx) noteParity(res volume.ParityResult, phys core.PhysicalAddr) {
	switch res {
	case volume.ParityOK:
		return
	case volume.ParityMismatch:
		c.stats.inc(cCsumErrors)
		c.stats.inc(cUncorrectable)
	case volume.ParityRepaired:
		c.stats.inc(cCsumErrors)
		c.stats.inc(cCorrected)
	case volume.ParityUnverified:
		c.stats.inc(cUnverified)
	}
	if res != volume.ParityUnverified {
		c.pool.BumpDevStat(c.dev, volume.StatCorruption)
	}
	log.Errorf("dev %s: parity at %v: %s", c.dev, phys, res)
}

// stageParity copies a parity sector to the replace target, in order with
// the data bios around it.
func (c *scrubCtx) stageParity(phys core.PhysicalAddr, n int) {
	buf := make([]byte, n)
	if err := c.pool.ReadDevice(c.dev, phys, buf); err != nil {
		log.Errorf("dev %s: failed to read parity at %v for the replace target: %s", c.dev, phys, err)
		c.stats.inc(cReadErrors)
		c.stats.inc(cUncorrectable)
	}
	st := newStage(c.wr.ticket(), 1)
	st.set(0, phys, buf)
	c.finishStage(st)
}
