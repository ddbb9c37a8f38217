// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package volume implements a pool of devices glued together by chunks: the
// extent tree, the checksum tree and the mirror/parity read and write paths
// that the scrubber verifies and repairs through.
package volume

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/pkg/csum"
)

const (
	layoutFile = "pool.json"
	treeFile   = "tree.db"

	csumCacheEntries = 1 << 16
)

// Pool is an open pool.
type Pool struct {
	layout  Layout
	chunks  []*Chunk // sorted by logical
	devs    map[core.DeviceID]Device
	stats   map[core.DeviceID]*devStats
	extents *extentIndex
	meta    *csumCache
	faults  *Faults
	rs      rsCache

	// Serializes writers. Readers don't need it.
	writeLock sync.Mutex
}

func newPool(l Layout, devs map[core.DeviceID]Device, store metaStore) (*Pool, error) {
	p := &Pool{
		layout:  l,
		devs:    make(map[core.DeviceID]Device),
		stats:   make(map[core.DeviceID]*devStats),
		extents: newExtentIndex(),
		meta:    newCsumCache(store, csumCacheEntries),
		faults:  NewFaults(),
	}
	for id, d := range devs {
		p.devs[id] = faultyDevice{Device: d, faults: p.faults}
		p.stats[id] = new(devStats)
	}
	for i := range p.layout.Chunks {
		p.chunks = append(p.chunks, &p.layout.Chunks[i])
	}
	sort.Slice(p.chunks, func(i, j int) bool { return p.chunks[i].Logical < p.chunks[j].Logical })

	err := store.loadExtents(func(e Extent) error {
		return p.extents.insert(e)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewMemPool creates a pool on in-memory devices.
func NewMemPool(l Layout) (*Pool, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	devs := make(map[core.DeviceID]Device)
	for _, d := range l.Devices {
		devs[d.ID] = NewMemDevice(d.ID, d.Size)
	}
	p, err := newPool(l, devs, newMemStore())
	if err != nil {
		return nil, err
	}
	if err := p.FormatSupers(); err != nil {
		return nil, err
	}
	return p, nil
}

// Create creates a new pool in 'dir'. Devices without a path get an image
// file in 'dir'.
func Create(dir string, l Layout) (*Pool, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	for i := range l.Devices {
		if l.Devices[i].Path == "" {
			l.Devices[i].Path = fmt.Sprintf("dev%d.img", l.Devices[i].ID)
		}
	}
	if err := l.Save(filepath.Join(dir, layoutFile)); err != nil {
		return nil, err
	}
	p, err := open(dir, &l, true)
	if err != nil {
		return nil, err
	}
	if err := p.FormatSupers(); err != nil {
		p.Close()
		return nil, err
	}
	log.Infof("created pool %s in %s with %d devices", l.FSID, dir, len(l.Devices))
	return p, nil
}

// Open opens the pool in 'dir'.
func Open(dir string) (*Pool, error) {
	l, err := LoadLayout(filepath.Join(dir, layoutFile))
	if err != nil {
		return nil, err
	}
	return open(dir, l, false)
}

func open(dir string, l *Layout, create bool) (*Pool, error) {
	devs := make(map[core.DeviceID]Device)
	closeAll := func() {
		for _, d := range devs {
			d.Close()
		}
	}
	for _, info := range l.Devices {
		path := info.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		d, err := OpenFileDevice(info.ID, path, info.Size, create)
		if err != nil {
			closeAll()
			return nil, err
		}
		if d.Size() < info.Size {
			closeAll()
			d.Close()
			return nil, fmt.Errorf("device %s at %s is %d bytes, expected %d", info.ID, path, d.Size(), info.Size)
		}
		devs[info.ID] = d
	}
	store, err := openBoltStore(filepath.Join(dir, treeFile), l.CsumType)
	if err != nil {
		closeAll()
		return nil, err
	}
	p, err := newPool(*l, devs, store)
	if err != nil {
		store.close()
		closeAll()
		return nil, err
	}
	return p, nil
}

// Close closes the devices and the trees.
func (p *Pool) Close() error {
	var first error
	for _, d := range p.devs {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := p.meta.close(); err != nil && first == nil {
		first = err
	}
	return first
}

// FSID returns the pool's uuid.
func (p *Pool) FSID() core.FSID { return p.layout.FSID }

// SectorSize returns the data block size.
func (p *Pool) SectorSize() int { return p.layout.SectorSize }

// NodeSize returns the tree block size.
func (p *Pool) NodeSize() int { return p.layout.NodeSize }

// CsumType returns the checksum algorithm.
func (p *Pool) CsumType() csum.Type { return p.layout.CsumType }

// Generation returns the pool generation written to superblocks.
func (p *Pool) Generation() uint64 { return p.layout.Generation }

// Layout returns a copy of the layout.
func (p *Pool) Layout() Layout { return p.layout }

// Faults returns the pool's fault injector.
func (p *Pool) Faults() *Faults { return p.faults }

// Devices returns the ids of all devices, sorted.
func (p *Pool) Devices() []core.DeviceID {
	out := make([]core.DeviceID, 0, len(p.devs))
	for id := range p.devs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Device returns the device 'id', unwrapped from fault injection.
func (p *Pool) Device(id core.DeviceID) (Device, bool) {
	d, ok := p.devs[id]
	if !ok {
		return nil, false
	}
	return d.(faultyDevice).Device, true
}

// DeviceSize returns the size of device 'id'.
func (p *Pool) DeviceSize(id core.DeviceID) (int64, bool) {
	d, ok := p.devs[id]
	if !ok {
		return 0, false
	}
	return d.Size(), true
}

// DevStats returns the error counters of a device.
func (p *Pool) DevStats(id core.DeviceID) DevStats {
	if s, ok := p.stats[id]; ok {
		return s.snapshot()
	}
	return DevStats{}
}

// BumpDevStat increments an error counter of a device.
func (p *Pool) BumpDevStat(id core.DeviceID, kind DevStatKind) {
	if s, ok := p.stats[id]; ok {
		atomic.AddUint64(s.counter(kind), 1)
	}
}

// CsumCacheStats returns the hit and miss counts of the checksum cache.
func (p *Pool) CsumCacheStats() (hits, misses uint64) {
	return p.meta.stats()
}

// ReadDevice fills 'buf' from device 'id' at 'physical'.
func (p *Pool) ReadDevice(id core.DeviceID, physical core.PhysicalAddr, buf []byte) error {
	d, ok := p.devs[id]
	if !ok {
		return core.ErrNoSuchDevice.Error()
	}
	n, err := d.ReadAt(buf, int64(physical))
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// DropCache tells the device the range won't be read again soon.
func (p *Pool) DropCache(id core.DeviceID, physical core.PhysicalAddr, length int64) {
	if d, ok := p.devs[id].(DropCacher); ok {
		d.DropCache(int64(physical), length)
	}
}

// WriteBlock writes 'data' to device 'id' at 'physical'. Failures bump the
// device's write error counter.
func (p *Pool) WriteBlock(id core.DeviceID, physical core.PhysicalAddr, data []byte) error {
	d, ok := p.devs[id]
	if !ok {
		return core.ErrNoSuchDevice.Error()
	}
	if _, err := d.WriteAt(data, int64(physical)); err != nil {
		p.BumpDevStat(id, StatWrite)
		return err
	}
	return nil
}

// SyncDevice flushes device 'id'.
func (p *Pool) SyncDevice(id core.DeviceID) error {
	d, ok := p.devs[id]
	if !ok {
		return core.ErrNoSuchDevice.Error()
	}
	if err := d.Sync(); err != nil {
		p.BumpDevStat(id, StatFlush)
		return err
	}
	return nil
}

// LookupCsum returns the stored checksum of the data sector at 'logical'.
func (p *Pool) LookupCsum(logical core.LogicalAddr) (csum.Sum, bool, error) {
	return p.meta.lookupCsum(logical)
}

// FindExtent returns the extent containing 'logical'.
func (p *Pool) FindExtent(logical core.LogicalAddr) (Extent, bool) {
	return p.extents.find(logical)
}

// Extents calls fn for every extent overlapping [from, to) in order.
func (p *Pool) Extents(from, to core.LogicalAddr, fn func(Extent) bool) {
	p.extents.ascend(from, to, fn)
}

// NumExtents returns the number of allocated extents.
func (p *Pool) NumExtents() int { return p.extents.len() }

// chunkFor returns the chunk holding 'logical'.
func (p *Pool) chunkFor(logical core.LogicalAddr) (*Chunk, error) {
	i := sort.Search(len(p.chunks), func(i int) bool { return p.chunks[i].End() > logical })
	if i == len(p.chunks) || p.chunks[i].Logical > logical {
		return nil, fmt.Errorf("no chunk holds %v", logical)
	}
	return p.chunks[i], nil
}

// NumMirrors returns how many ways the block at 'logical' can be read.
// Parity profiles have two: directly, or rebuilt from the rest of the row.
func (p *Pool) NumMirrors(logical core.LogicalAddr) int {
	c, err := p.chunkFor(logical)
	if err != nil {
		return 0
	}
	if c.Profile.IsParity() {
		return 2
	}
	return len(c.Stripes)
}

// ReadMirror reads [logical, logical+length) through mirror 'mirror'
// (1-based). The range must not cross a chunk.
func (p *Pool) ReadMirror(ctx context.Context, logical core.LogicalAddr, length int, mirror int) ([]byte, error) {
	c, err := p.chunkFor(logical)
	if err != nil {
		return nil, err
	}
	if logical.Add(core.AddrDelta(length)) > c.End() {
		return nil, core.ErrInvalidArgument.Error()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Profile.IsParity() {
		return p.readParityMirror(ctx, c, logical, length, mirror)
	}
	if mirror < 1 || mirror > len(c.Stripes) {
		return nil, core.ErrInvalidArgument.Error()
	}
	s := c.Stripes[mirror-1]
	buf := make([]byte, length)
	phys := s.Physical.Add(logical.Sub(c.Logical))
	if err := p.ReadDevice(s.Dev, phys, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DevExtent is a stripe of a chunk, seen from the device it lives on.
type DevExtent struct {
	Chunk    *Chunk
	Stripe   int // index into Chunk.Stripes
	Physical core.PhysicalAddr
	Length   int64
}

// End returns the first physical address past the dev extent.
func (d DevExtent) End() core.PhysicalAddr { return d.Physical + core.PhysicalAddr(d.Length) }

// IsParity reports whether the stripe holds parity.
func (d DevExtent) IsParity() bool {
	return d.Chunk.Profile.IsParity() && d.Stripe >= d.Chunk.DataStripes()
}

// Mirror returns the mirror number blocks on this stripe are read as.
func (d DevExtent) Mirror() int {
	if d.Chunk.Profile.IsParity() {
		return 1
	}
	return d.Stripe + 1
}

func (d DevExtent) String() string {
	return fmt.Sprintf("%s stripe %d of chunk %v at [%v, %v)", d.Chunk.Profile, d.Stripe, d.Chunk.Logical, d.Physical, d.End())
}

// DevExtents returns the stripes on device 'id' sorted by physical address.
func (p *Pool) DevExtents(id core.DeviceID) []DevExtent {
	var out []DevExtent
	for _, c := range p.chunks {
		for i, s := range c.Stripes {
			if s.Dev == id {
				out = append(out, DevExtent{Chunk: c, Stripe: i, Physical: s.Physical, Length: c.StripeLen()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Physical < out[j].Physical })
	return out
}

// Block is one unit of verification found on a device: a data sector or a
// whole tree block.
type Block struct {
	Logical    core.LogicalAddr
	Physical   core.PhysicalAddr
	Length     int
	Tree       bool
	Generation uint64
	Mirror     int
}

// WalkDevExtent calls fn, in physical order, for each extent with blocks on
// 'de' whose physical start is in [from, to), until fn returns false. Parity
// stripes have no blocks; see ParityRows.
func (p *Pool) WalkDevExtent(de DevExtent, from, to core.PhysicalAddr, fn func(Extent, []Block) bool) {
	if from < de.Physical {
		from = de.Physical
	}
	if to > de.End() {
		to = de.End()
	}
	if from >= to || de.IsParity() {
		return
	}
	c := de.Chunk
	if c.Profile.IsParity() {
		p.walkParityData(de, from, to, fn)
		return
	}

	lfrom := c.Logical.Add(from.Sub(de.Physical))
	lto := c.Logical.Add(to.Sub(de.Physical))
	toPhys := func(l core.LogicalAddr) core.PhysicalAddr { return de.Physical.Add(l.Sub(c.Logical)) }

	p.extents.ascend(lfrom, lto, func(e Extent) bool {
		var blocks []Block
		if e.Tree {
			if e.Logical >= lfrom {
				blocks = append(blocks, Block{e.Logical, toPhys(e.Logical), int(e.Length), true, e.Generation, de.Mirror()})
			}
		} else {
			ss := core.LogicalAddr(p.layout.SectorSize)
			for l := e.Logical; l < e.End(); l += ss {
				if l >= lfrom && l < lto {
					blocks = append(blocks, Block{l, toPhys(l), int(ss), false, e.Generation, de.Mirror()})
				}
			}
		}
		if len(blocks) == 0 {
			return true
		}
		return fn(e, blocks)
	})
}
