// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/pkg/csum"
	"github.com/westerndigitalcorporation/scrub/pkg/testutil"
)

func randBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func memPool(t *testing.T, o MkfsOptions) *Pool {
	l, err := NewLayout(o)
	require.NoError(t, err)
	p, err := NewMemPool(l)
	require.NoError(t, err)
	return p
}

func dataChunk(t *testing.T, p *Pool) *Chunk {
	for _, c := range p.chunks {
		if c.Type == ChunkData {
			return c
		}
	}
	t.Fatal("no data chunk")
	return nil
}

func TestLayoutValidate(t *testing.T) {
	good, err := NewLayout(DefaultMkfsOptions())
	require.NoError(t, err)

	bad := good
	bad.Chunks = append([]Chunk(nil), good.Chunks...)
	bad.Chunks[1].Stripes = []Stripe{good.Chunks[1].Stripes[0]}
	assert.Error(t, bad.Validate(), "raid1 with one stripe")

	bad.Chunks = append([]Chunk(nil), good.Chunks...)
	bad.Chunks[1].Stripes = []Stripe{good.Chunks[0].Stripes[0], good.Chunks[0].Stripes[1]}
	assert.Error(t, bad.Validate(), "overlapping stripes")

	bad.Chunks = append([]Chunk(nil), good.Chunks...)
	bad.Chunks[0].Stripes = []Stripe{{Dev: 1, Physical: core.SuperInfoOffset}, {Dev: 2, Physical: core.SuperInfoOffset}}
	assert.Error(t, bad.Validate(), "stripe over the superblock")

	o := DefaultMkfsOptions()
	o.Devices, o.Metadata, o.Data = 3, RAID5, RAID5
	_, err = NewLayout(o)
	assert.Error(t, err, "raid5 metadata")

	dir := testutil.Dir(t)
	require.NoError(t, good.Save(dir+"/pool.json"))
	back, err := LoadLayout(dir + "/pool.json")
	require.NoError(t, err)
	assert.Equal(t, good, *back)
}

func TestMirrorsAndWalk(t *testing.T) {
	p := memPool(t, DefaultMkfsOptions())
	c := dataChunk(t, p)

	data := randBytes(3*4096, 1)
	e := Extent{Logical: c.Logical + 8192, Length: int64(len(data)), Generation: 7}
	require.NoError(t, p.WriteExtent(e, data, false))
	assert.Error(t, p.WriteExtent(Extent{Logical: e.Logical + 4096, Length: 4096}, data[:4096], false), "overlap")

	require.Equal(t, 2, p.NumMirrors(e.Logical))
	for m := 1; m <= 2; m++ {
		got, err := p.ReadMirror(context.Background(), e.Logical, len(data), m)
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, got), "mirror %d", m)
	}

	sum, ok, err := p.LookupCsum(e.Logical + 4096)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.CsumType().Verify(data[4096:8192], sum))

	// Every device sees the three sectors.
	for _, dev := range p.Devices() {
		var blocks []Block
		for _, de := range p.DevExtents(dev) {
			p.WalkDevExtent(de, 0, de.End(), func(_ Extent, b []Block) bool {
				blocks = append(blocks, b...)
				return true
			})
		}
		require.Len(t, blocks, 3)
		for i, b := range blocks {
			assert.Equal(t, e.Logical+core.LogicalAddr(i*4096), b.Logical)
			assert.False(t, b.Tree)
			assert.Equal(t, uint64(7), b.Generation)
			if i > 0 {
				assert.Equal(t, blocks[i-1].Physical+4096, b.Physical)
			}
		}
	}

	// A sub range walk only yields the blocks that start in it.
	de := p.DevExtents(1)[1]
	first := de.Physical.Add(8192)
	var n int
	p.WalkDevExtent(de, first+4096, first+8192, func(_ Extent, b []Block) bool {
		n += len(b)
		return true
	})
	assert.Equal(t, 1, n)
}

func TestTreeBlocks(t *testing.T) {
	p := memPool(t, DefaultMkfsOptions())
	meta := p.chunks[0]
	require.Equal(t, ChunkMetadata, meta.Type)

	e := Extent{Logical: meta.Logical + 16384, Length: 16384, Tree: true, Generation: 3}
	require.NoError(t, p.WriteExtent(e, make([]byte, 16384), false))

	b, err := p.ReadMirror(context.Background(), e.Logical, 16384, 2)
	require.NoError(t, err)
	assert.True(t, CheckSealed(p.CsumType(), b))
	h, err := ParseTreeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, p.FSID(), h.FSID)
	assert.Equal(t, e.Logical, h.Bytenr)
	assert.Equal(t, uint64(3), h.Generation)

	b[200] ^= 1
	assert.False(t, CheckSealed(p.CsumType(), b))

	// Tree blocks only go in metadata chunks.
	assert.Error(t, p.WriteExtent(Extent{Logical: dataChunk(t, p).Logical, Length: 16384, Tree: true}, make([]byte, 16384), false))
}

func TestSupers(t *testing.T) {
	p := memPool(t, DefaultMkfsOptions())
	offs := SuperCopies(64 << 20)
	require.Equal(t, []core.PhysicalAddr{64 << 10}, offs, "64MiB copy doesn't fit on a 64MiB device")

	buf := make([]byte, core.SuperInfoSize)
	require.NoError(t, p.ReadDevice(2, offs[0], buf))
	s, err := ParseSuper(buf)
	require.NoError(t, err)
	assert.Equal(t, core.DeviceID(2), s.Dev)
	assert.Equal(t, offs[0], s.Bytenr)
	assert.Equal(t, p.FSID(), s.FSID)

	buf[1000] ^= 1
	_, err = ParseSuper(buf)
	assert.Equal(t, ErrBadCsum, err)
	buf[64] = 'x'
	_, err = ParseSuper(buf)
	assert.Equal(t, ErrBadMagic, err)
}

func TestRAID5(t *testing.T) {
	o := DefaultMkfsOptions()
	o.Devices, o.Data = 3, RAID5
	p := memPool(t, o)
	c := dataChunk(t, p)
	require.Equal(t, 2, c.DataStripes())

	data := randBytes(5*4096, 2)
	e := Extent{Logical: c.Logical, Length: int64(len(data)), Generation: 1}
	require.NoError(t, p.WriteExtent(e, data, false))

	// Damage sector 3 (row 1, col 1) on its device; mirror 2 rebuilds it.
	l := e.Logical + 3*4096
	row, col := p.rowOf(c, l)
	require.Equal(t, int64(1), row)
	require.Equal(t, 1, col)
	dev, _ := p.Device(c.Stripes[col].Dev)
	dev.(*MemDevice).Corrupt(int64(p.rowPhysical(c, row, col)) + 10)

	direct, err := p.ReadMirror(context.Background(), l, 4096, 1)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(data[3*4096:4*4096], direct))
	rebuilt, err := p.ReadMirror(context.Background(), l, 4096, 2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[3*4096:4*4096], rebuilt))

	var parity DevExtent
	for _, de := range p.DevExtents(c.Stripes[2].Dev) {
		if de.Chunk == c {
			parity = de
		}
	}
	require.True(t, parity.IsParity())

	var rows []int64
	p.ParityRows(parity, 0, parity.End(), func(r int64) bool {
		rows = append(rows, r)
		return true
	})
	assert.Equal(t, []int64{0, 1, 2}, rows)

	res, err := p.CheckParity(context.Background(), parity, 0, true)
	require.NoError(t, err)
	assert.Equal(t, ParityOK, res)
	res, err = p.CheckParity(context.Background(), parity, 1, true)
	require.NoError(t, err)
	assert.Equal(t, ParityUnverified, res, "data of row 1 is bad")

	pdev, _ := p.Device(c.Stripes[2].Dev)
	pdev.(*MemDevice).Corrupt(int64(p.rowPhysical(c, 2, 2)))
	res, err = p.CheckParity(context.Background(), parity, 2, false)
	require.NoError(t, err)
	assert.Equal(t, ParityMismatch, res)
	res, err = p.CheckParity(context.Background(), parity, 2, true)
	require.NoError(t, err)
	assert.Equal(t, ParityRepaired, res)
	res, _ = p.CheckParity(context.Background(), parity, 2, false)
	assert.Equal(t, ParityOK, res)

	// Data stripes yield only their own column.
	var blocks []Block
	for _, de := range p.DevExtents(c.Stripes[0].Dev) {
		p.WalkDevExtent(de, 0, de.End(), func(_ Extent, b []Block) bool {
			blocks = append(blocks, b...)
			return true
		})
	}
	require.Len(t, blocks, 3)
	for i, b := range blocks {
		assert.Equal(t, e.Logical+core.LogicalAddr(2*i*4096), b.Logical)
	}
}

func TestFaults(t *testing.T) {
	p := memPool(t, DefaultMkfsOptions())
	c := dataChunk(t, p)
	require.NoError(t, p.WriteExtent(Extent{Logical: c.Logical, Length: 4096}, randBytes(4096, 3), false))

	s := c.Stripes[0]
	cfg, _ := json.Marshal(map[core.DeviceID][]Fault{s.Dev: {{Start: s.Physical, End: s.Physical + 4096, Op: "read"}}})
	require.NoError(t, p.Faults().Handler(cfg))

	_, err := p.ReadMirror(context.Background(), c.Logical, 4096, 1)
	assert.Equal(t, syscall.EIO, err)
	_, err = p.ReadMirror(context.Background(), c.Logical, 4096, 2)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), p.Faults().Injected())

	require.NoError(t, p.Faults().Handler(nil))
	_, err = p.ReadMirror(context.Background(), c.Logical, 4096, 1)
	assert.NoError(t, err)

	assert.Error(t, p.Faults().Handler(json.RawMessage(`{"1": [{"start": 10, "end": 5}]}`)))
}

func TestCreateOpen(t *testing.T) {
	dir := testutil.Dir(t)
	o := DefaultMkfsOptions()
	o.CsumType = csum.XXHash64
	l, err := NewLayout(o)
	require.NoError(t, err)

	p, err := Create(dir, l)
	require.NoError(t, err)
	c := dataChunk(t, p)
	data := randBytes(2*4096, 4)
	e := Extent{Logical: c.Logical + 4096, Length: 8192, Generation: 2}
	require.NoError(t, p.WriteExtent(e, data, false))
	require.NoError(t, p.WriteExtent(Extent{Logical: c.Logical + 65536, Length: 4096}, data[:4096], true))
	require.NoError(t, p.Close())

	p, err = Open(dir)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 2, p.NumExtents())
	got, ok := p.FindExtent(e.Logical + 5000)
	require.True(t, ok)
	assert.Equal(t, e, got)

	sum, ok, err := p.LookupCsum(e.Logical + 4096)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, csum.XXHash64.Verify(data[4096:], sum))
	_, ok, _ = p.LookupCsum(c.Logical + 65536)
	assert.False(t, ok, "written without checksum")

	// Second lookup is served from the cache.
	_, _, _ = p.LookupCsum(e.Logical + 4096)
	hits, _ := p.CsumCacheStats()
	assert.True(t, hits >= 1)

	require.NoError(t, p.DeleteExtent(e.Logical))
	_, ok, _ = p.LookupCsum(e.Logical)
	assert.False(t, ok)

	b, err := p.ReadMirror(context.Background(), c.Logical+65536, 4096, 2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[:4096], b))
}
