// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"sort"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/pkg/csum"
)

// ChunkType says what kind of extents a chunk holds.
type ChunkType string

// Chunk types.
const (
	ChunkData     ChunkType = "data"
	ChunkMetadata ChunkType = "metadata"
	ChunkSystem   ChunkType = "system"
)

// Profile is the redundancy scheme of a chunk.
type Profile string

// Profiles.
const (
	Single  Profile = "single"
	Dup     Profile = "dup"
	RAID1   Profile = "raid1"
	RAID1C3 Profile = "raid1c3"
	RAID5   Profile = "raid5"
	RAID6   Profile = "raid6"
)

// parity returns the number of parity stripes of a profile.
func (p Profile) parity() int {
	switch p {
	case RAID5:
		return 1
	case RAID6:
		return 2
	}
	return 0
}

// IsParity reports whether p is RAID5 or RAID6.
func (p Profile) IsParity() bool { return p.parity() > 0 }

// Stripe is the part of a chunk that lives on one device.
type Stripe struct {
	Dev      core.DeviceID     `json:"dev"`
	Physical core.PhysicalAddr `json:"physical"`
}

// Chunk maps a logical range onto stripes.
type Chunk struct {
	Logical core.LogicalAddr `json:"logical"`
	Length  int64            `json:"length"`
	Type    ChunkType        `json:"type"`
	Profile Profile          `json:"profile"`
	Stripes []Stripe         `json:"stripes"`
}

// End returns the first logical address past the chunk.
func (c *Chunk) End() core.LogicalAddr { return c.Logical + core.LogicalAddr(c.Length) }

// DataStripes returns the number of stripes holding data (as opposed to
// parity). For mirrored profiles every stripe is a full copy.
func (c *Chunk) DataStripes() int { return len(c.Stripes) - c.Profile.parity() }

// StripeLen returns the physical length of each stripe.
func (c *Chunk) StripeLen() int64 {
	if c.Profile.IsParity() {
		return c.Length / int64(c.DataStripes())
	}
	return c.Length
}

// DeviceInfo describes one device of a pool.
type DeviceInfo struct {
	ID   core.DeviceID `json:"id"`
	Path string        `json:"path,omitempty"` // relative to the pool dir
	Size int64         `json:"size"`
}

// Layout is the static description of a pool, stored as pool.json.
type Layout struct {
	FSID       core.FSID    `json:"fsid"`
	SectorSize int          `json:"sector_size"`
	NodeSize   int          `json:"node_size"`
	CsumType   csum.Type    `json:"csum_type"`
	Generation uint64       `json:"generation"`
	Devices    []DeviceInfo `json:"devices"`
	Chunks     []Chunk      `json:"chunks"`
}

// Device returns the info for 'id'.
func (l *Layout) Device(id core.DeviceID) (DeviceInfo, bool) {
	for _, d := range l.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// Validate checks that the layout is self-consistent.
func (l *Layout) Validate() error {
	if l.SectorSize <= 0 || l.SectorSize%core.PageSize != 0 {
		return fmt.Errorf("sector size %d must be a positive multiple of %d", l.SectorSize, core.PageSize)
	}
	if l.NodeSize < l.SectorSize || l.NodeSize%l.SectorSize != 0 {
		return fmt.Errorf("node size %d must be a multiple of the sector size", l.NodeSize)
	}
	if l.NodeSize > core.PageSize*core.PagesPerBio {
		return fmt.Errorf("node size %d doesn't fit in a bio", l.NodeSize)
	}
	if _, err := l.CsumType.Sum(nil); err != nil {
		return err
	}

	devs := make(map[core.DeviceID]int64)
	for _, d := range l.Devices {
		if d.ID == 0 {
			return fmt.Errorf("device ids start at 1")
		}
		if _, ok := devs[d.ID]; ok {
			return fmt.Errorf("duplicate device %s", d.ID)
		}
		devs[d.ID] = d.Size
	}

	type span struct{ start, end int64 }
	used := make(map[core.DeviceID][]span)
	chunks := make([]Chunk, len(l.Chunks))
	copy(chunks, l.Chunks)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Logical < chunks[j].Logical })

	for i := range chunks {
		c := &chunks[i]
		if i > 0 && chunks[i-1].End() > c.Logical {
			return fmt.Errorf("chunk at %v overlaps the previous one", c.Logical)
		}
		if err := l.validateChunk(c); err != nil {
			return fmt.Errorf("chunk at %v: %s", c.Logical, err)
		}
		for _, s := range c.Stripes {
			size, ok := devs[s.Dev]
			if !ok {
				return fmt.Errorf("chunk at %v: unknown device %s", c.Logical, s.Dev)
			}
			end := int64(s.Physical) + c.StripeLen()
			if s.Physical < 0 || end > size {
				return fmt.Errorf("chunk at %v: stripe on %s beyond the device", c.Logical, s.Dev)
			}
			for _, super := range SuperCopies(size) {
				if int64(super) < end && int64(super)+core.SuperInfoSize > int64(s.Physical) {
					return fmt.Errorf("chunk at %v: stripe on %s covers the superblock at %v", c.Logical, s.Dev, super)
				}
			}
			used[s.Dev] = append(used[s.Dev], span{int64(s.Physical), end})
		}
	}

	for dev, spans := range used {
		sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
		for i := 1; i < len(spans); i++ {
			if spans[i].start < spans[i-1].end {
				return fmt.Errorf("stripes overlap on device %s at %d", dev, spans[i].start)
			}
		}
	}
	return nil
}

func (l *Layout) validateChunk(c *Chunk) error {
	if c.Length <= 0 || c.Length%int64(l.NodeSize) != 0 {
		return fmt.Errorf("length %d isn't a multiple of the node size", c.Length)
	}
	switch c.Type {
	case ChunkData, ChunkMetadata, ChunkSystem:
	default:
		return fmt.Errorf("unknown type %q", c.Type)
	}
	n := len(c.Stripes)
	want := map[Profile]int{Single: 1, Dup: 2, RAID1: 2, RAID1C3: 3}
	switch c.Profile {
	case Single, Dup, RAID1, RAID1C3:
		if n != want[c.Profile] {
			return fmt.Errorf("%s needs %d stripes, has %d", c.Profile, want[c.Profile], n)
		}
	case RAID5, RAID6:
		if c.Type != ChunkData {
			return fmt.Errorf("%s is only supported for data", c.Profile)
		}
		if c.DataStripes() < 2 {
			return fmt.Errorf("%s needs at least %d stripes", c.Profile, 2+c.Profile.parity())
		}
		if c.Length%int64(c.DataStripes()*l.SectorSize) != 0 {
			return fmt.Errorf("length isn't a whole number of stripe rows")
		}
	default:
		return fmt.Errorf("unknown profile %q", c.Profile)
	}

	if c.Profile == Dup {
		if c.Stripes[0].Dev != c.Stripes[1].Dev {
			return fmt.Errorf("dup stripes must be on one device")
		}
		return nil
	}
	seen := make(map[core.DeviceID]bool)
	for _, s := range c.Stripes {
		if seen[s.Dev] {
			return fmt.Errorf("two stripes on device %s", s.Dev)
		}
		seen[s.Dev] = true
	}
	return nil
}

// LoadLayout reads a layout from a pool.json file.
func LoadLayout(path string) (*Layout, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Layout
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("%s: %s", path, err)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %s", path, err)
	}
	return &l, nil
}

// Save writes the layout to 'path'.
func (l *Layout) Save(path string) error {
	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, b, 0644)
}
