// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"github.com/klauspost/reedsolomon"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

/*

RAID5/6 chunks stripe data across all but the last one (RAID5) or two (RAID6)
stripes, one sector at a time, and keep Reed-Solomon parity of each row on the
remaining stripes:

	           stripe 0   stripe 1   stripe 2   stripe 3 (parity)
	row 0:     L+0        L+1s       L+2s       P(row 0)
	row 1:     L+3s       L+4s       L+5s       P(row 1)
	...

Parity doesn't rotate. A block can be read directly (mirror 1) or rebuilt from
the rest of its row (mirror 2).

*/

// ParityResult is the outcome of checking one row's parity.
type ParityResult int

// Results of CheckParity.
const (
	// ParityOK means the stored parity matches the data.
	ParityOK ParityResult = iota
	// ParityMismatch means the stored parity is wrong and wasn't rewritten.
	ParityMismatch
	// ParityRepaired means the stored parity was wrong and has been rewritten.
	ParityRepaired
	// ParityUnverified means the data of the row couldn't be read or
	// verified, so parity couldn't be checked.
	ParityUnverified
)

func (r ParityResult) String() string {
	return [...]string{"ok", "mismatch", "repaired", "unverified"}[r]
}

type rsCache struct {
	lock sync.Mutex
	encs map[[2]int]reedsolomon.Encoder
}

func (r *rsCache) get(data, parity int) (reedsolomon.Encoder, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	key := [2]int{data, parity}
	if enc, ok := r.encs[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, err
	}
	if r.encs == nil {
		r.encs = make(map[[2]int]reedsolomon.Encoder)
	}
	r.encs[key] = enc
	return enc, nil
}

// rowOf returns the row and column of the sector at 'logical'.
func (p *Pool) rowOf(c *Chunk, logical core.LogicalAddr) (row int64, col int) {
	b := int64(logical.Sub(c.Logical)) / int64(p.layout.SectorSize)
	return b / int64(c.DataStripes()), int(b % int64(c.DataStripes()))
}

// rowLogical returns the logical address of (row, col).
func (p *Pool) rowLogical(c *Chunk, row int64, col int) core.LogicalAddr {
	ss := int64(p.layout.SectorSize)
	return c.Logical.Add(core.AddrDelta((row*int64(c.DataStripes()) + int64(col)) * ss))
}

func (p *Pool) rowPhysical(c *Chunk, row int64, stripe int) core.PhysicalAddr {
	return c.Stripes[stripe].Physical.Add(core.AddrDelta(row * int64(p.layout.SectorSize)))
}

// RowPhysical returns where 'row' of dev extent 'de' starts on its device.
func (p *Pool) RowPhysical(de DevExtent, row int64) core.PhysicalAddr {
	return p.rowPhysical(de.Chunk, row, de.Stripe)
}

// rowRange returns the rows of 'de' whose physical start is in [from, to).
func (p *Pool) rowRange(de DevExtent, from, to core.PhysicalAddr) (int64, int64) {
	ss := int64(p.layout.SectorSize)
	r0 := (int64(from.Sub(de.Physical)) + ss - 1) / ss
	r1 := (int64(to.Sub(de.Physical)) + ss - 1) / ss
	return r0, r1
}

func (p *Pool) walkParityData(de DevExtent, from, to core.PhysicalAddr, fn func(Extent, []Block) bool) {
	c := de.Chunk
	r0, r1 := p.rowRange(de, from, to)
	lfrom, lto := p.rowLogical(c, r0, 0), p.rowLogical(c, r1, 0)
	ss := core.LogicalAddr(p.layout.SectorSize)

	p.extents.ascend(lfrom, lto, func(e Extent) bool {
		var blocks []Block
		for l := e.Logical; l < e.End(); l += ss {
			if l < lfrom || l >= lto {
				continue
			}
			row, col := p.rowOf(c, l)
			if col != de.Stripe {
				continue
			}
			blocks = append(blocks, Block{l, p.rowPhysical(c, row, col), int(ss), false, e.Generation, 1})
		}
		if len(blocks) == 0 {
			return true
		}
		return fn(e, blocks)
	})
}

// ParityRows calls fn, in order, for each row of parity stripe 'de' with
// physical start in [from, to) that holds allocated data.
func (p *Pool) ParityRows(de DevExtent, from, to core.PhysicalAddr, fn func(row int64) bool) {
	if !de.IsParity() {
		return
	}
	if from < de.Physical {
		from = de.Physical
	}
	if to > de.End() {
		to = de.End()
	}
	if from >= to {
		return
	}
	c := de.Chunk
	r0, r1 := p.rowRange(de, from, to)
	lfrom, lto := p.rowLogical(c, r0, 0), p.rowLogical(c, r1, 0)
	ss := core.LogicalAddr(p.layout.SectorSize)

	last := int64(-1)
	p.extents.ascend(lfrom, lto, func(e Extent) bool {
		for l := e.Logical; l < e.End(); l += ss {
			if l < lfrom || l >= lto {
				continue
			}
			row, _ := p.rowOf(c, l)
			if row == last {
				continue
			}
			last = row
			if !fn(row) {
				return false
			}
		}
		return true
	})
}

// readRow reads every stripe of a row. Stripes in 'skip' are left nil.
func (p *Pool) readRow(c *Chunk, row int64, skip int) ([][]byte, error) {
	shards := make([][]byte, len(c.Stripes))
	for i := range c.Stripes {
		if i == skip {
			continue
		}
		buf := make([]byte, p.layout.SectorSize)
		if err := p.ReadDevice(c.Stripes[i].Dev, p.rowPhysical(c, row, i), buf); err != nil {
			return nil, err
		}
		shards[i] = buf
	}
	return shards, nil
}

func (p *Pool) readParityMirror(ctx context.Context, c *Chunk, logical core.LogicalAddr, length int, mirror int) ([]byte, error) {
	ss := p.layout.SectorSize
	if mirror < 1 || mirror > 2 || length%ss != 0 || int64(logical.Sub(c.Logical))%int64(ss) != 0 {
		return nil, core.ErrInvalidArgument.Error()
	}
	enc, err := p.rs.get(c.DataStripes(), c.Profile.parity())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	for off := 0; off < length; off += ss {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, col := p.rowOf(c, logical.Add(core.AddrDelta(off)))
		if mirror == 1 {
			buf := make([]byte, ss)
			if err := p.ReadDevice(c.Stripes[col].Dev, p.rowPhysical(c, row, col), buf); err != nil {
				return nil, err
			}
			out = append(out, buf...)
			continue
		}

		// Rebuild from the rest of the row. Use ReconstructData so we don't
		// waste time rebuilding parity.
		shards, err := p.readRow(c, row, col)
		if err != nil {
			return nil, err
		}
		if err := enc.ReconstructData(shards); err != nil {
			log.Errorf("rs reconstruct of %v failed: %s", logical, err)
			return nil, err
		}
		log.V(2).Infof("rs reconstruct of row %d col %d in chunk %v: success", row, col, c.Logical)
		out = append(out, shards[col]...)
	}
	return out, nil
}

// CheckParity recomputes the parity of 'row' from its data and compares it
// with what parity stripe 'de' holds. Allocated data sectors with a checksum
// must verify first; if they don't the row is unverified. With 'repair' a
// mismatched parity sector is rewritten.
func (p *Pool) CheckParity(ctx context.Context, de DevExtent, row int64, repair bool) (ParityResult, error) {
	if !de.IsParity() {
		return ParityUnverified, fmt.Errorf("%s isn't a parity stripe", de)
	}
	if err := ctx.Err(); err != nil {
		return ParityUnverified, err
	}
	c := de.Chunk
	nd := c.DataStripes()
	enc, err := p.rs.get(nd, c.Profile.parity())
	if err != nil {
		return ParityUnverified, err
	}

	shards, err := p.readRow(c, row, -1)
	if err != nil {
		log.V(1).Infof("row %d of chunk %v unreadable: %s", row, c.Logical, err)
		return ParityUnverified, nil
	}
	for col := 0; col < nd; col++ {
		l := p.rowLogical(c, row, col)
		if _, ok := p.extents.find(l); !ok {
			continue
		}
		want, ok, err := p.meta.lookupCsum(l)
		if err != nil {
			return ParityUnverified, err
		}
		if ok && !p.layout.CsumType.Verify(shards[col], want) {
			return ParityUnverified, nil
		}
	}

	stored := shards[de.Stripe]
	for i := nd; i < len(shards); i++ {
		shards[i] = make([]byte, p.layout.SectorSize)
	}
	if err := enc.Encode(shards); err != nil {
		return ParityUnverified, err
	}
	if bytes.Equal(stored, shards[de.Stripe]) {
		return ParityOK, nil
	}
	if !repair {
		return ParityMismatch, nil
	}
	if err := p.WriteBlock(c.Stripes[de.Stripe].Dev, p.rowPhysical(c, row, de.Stripe), shards[de.Stripe]); err != nil {
		return ParityMismatch, err
	}
	return ParityRepaired, nil
}

// writeParity recomputes and writes the parity of 'rows'.
func (p *Pool) writeParity(c *Chunk, rows []int64) error {
	nd := c.DataStripes()
	enc, err := p.rs.get(nd, c.Profile.parity())
	if err != nil {
		return err
	}
	for _, row := range rows {
		shards := make([][]byte, len(c.Stripes))
		for i := range shards {
			shards[i] = make([]byte, p.layout.SectorSize)
			if i < nd {
				if err := p.ReadDevice(c.Stripes[i].Dev, p.rowPhysical(c, row, i), shards[i]); err != nil {
					return err
				}
			}
		}
		if err := enc.Encode(shards); err != nil {
			return err
		}
		for i := nd; i < len(shards); i++ {
			if err := p.WriteBlock(c.Stripes[i].Dev, p.rowPhysical(c, row, i), shards[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
