// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"crypto/rand"
	"fmt"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/pkg/csum"
)

// firstPhysical is where allocation starts on every device, past the primary
// superblock.
const firstPhysical = 1 << 20

// MkfsOptions describes a new pool for NewLayout.
type MkfsOptions struct {
	Devices    int
	DevSize    int64
	Data       Profile
	Metadata   Profile
	DataChunks int
	ChunkSize  int64 // logical length of each chunk
	CsumType   csum.Type
	SectorSize int
	NodeSize   int
}

// DefaultMkfsOptions returns options for a small two device raid1 pool.
func DefaultMkfsOptions() MkfsOptions {
	return MkfsOptions{
		Devices:    2,
		DevSize:    64 << 20,
		Data:       RAID1,
		Metadata:   RAID1,
		DataChunks: 1,
		ChunkSize:  8 << 20,
		CsumType:   csum.CRC32C,
		SectorSize: core.DefaultSectorSize,
		NodeSize:   core.DefaultNodeSize,
	}
}

func (p Profile) stripes(devices int) int {
	switch p {
	case Dup, RAID1:
		return 2
	case RAID1C3:
		return 3
	case RAID5, RAID6:
		return devices
	}
	return 1
}

// NewLayout lays out one metadata chunk and o.DataChunks data chunks over
// o.Devices devices, with a fresh fsid.
func NewLayout(o MkfsOptions) (Layout, error) {
	l := Layout{
		SectorSize: o.SectorSize,
		NodeSize:   o.NodeSize,
		CsumType:   o.CsumType,
		Generation: 1,
	}
	if _, err := rand.Read(l.FSID[:]); err != nil {
		return l, err
	}
	next := make(map[core.DeviceID]int64)
	for i := 1; i <= o.Devices; i++ {
		id := core.DeviceID(i)
		l.Devices = append(l.Devices, DeviceInfo{ID: id, Size: o.DevSize})
		next[id] = firstPhysical
	}

	logical := core.LogicalAddr(firstPhysical)
	add := func(typ ChunkType, prof Profile, idx int) error {
		n := prof.stripes(o.Devices)
		if prof != Dup && n > o.Devices {
			return fmt.Errorf("%s needs %d devices, have %d", prof, n, o.Devices)
		}
		c := Chunk{Logical: logical, Length: o.ChunkSize, Type: typ, Profile: prof}
		c.Stripes = make([]Stripe, n)
		stripeLen := o.ChunkSize
		if prof.IsParity() {
			stripeLen = o.ChunkSize / int64(n-prof.parity())
		}
		for s := 0; s < n; s++ {
			dev := core.DeviceID((idx+s)%o.Devices + 1)
			if prof == Dup {
				dev = core.DeviceID(idx%o.Devices + 1)
			}
			at := skipSupers(next[dev], stripeLen)
			if at+stripeLen > o.DevSize {
				return fmt.Errorf("device %s is full", dev)
			}
			c.Stripes[s] = Stripe{Dev: dev, Physical: core.PhysicalAddr(at)}
			next[dev] = at + stripeLen
		}
		l.Chunks = append(l.Chunks, c)
		logical = c.End()
		return nil
	}

	if err := add(ChunkMetadata, o.Metadata, 0); err != nil {
		return l, err
	}
	for i := 0; i < o.DataChunks; i++ {
		if err := add(ChunkData, o.Data, i+1); err != nil {
			return l, err
		}
	}
	return l, l.Validate()
}

// skipSupers moves 'at' past any superblock copy [at, at+length) would cover.
func skipSupers(at, length int64) int64 {
	for i := 0; i < core.SuperMirrorMax; i++ {
		s := int64(core.SuperOffset(i))
		if s < at+length && s+core.SuperInfoSize > at {
			at = s + firstPhysical
		}
	}
	return at
}
