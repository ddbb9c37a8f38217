// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"time"
)

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for single component, probably it should not be
// placed here.
const (
	// PageSize is the unit bios are sized in.
	PageSize = 4096

	// BiosPerCtx is the default number of read bios a scrub context may have
	// in flight. With PagesPerBio pages each this is 8MB per device.
	BiosPerCtx = 64

	// PagesPerBio is the default number of pages in one read or write bio.
	PagesPerBio = 32

	// MaxBiosPerCtx bounds the configurable number of bios.
	MaxBiosPerCtx = 1024

	// SuperInfoOffset is the offset of the primary superblock copy.
	SuperInfoOffset PhysicalAddr = 64 << 10

	// SuperInfoSize is the size of a superblock copy.
	SuperInfoSize = 4096

	// SuperMagic identifies a superblock.
	SuperMagic = "_BHRfS_M"

	// SuperMirrorMax is the number of superblock copies a device may carry.
	SuperMirrorMax = 3

	// CsumSize is the room reserved for a checksum at the start of tree
	// blocks and superblocks.
	CsumSize = 32

	// DefaultSectorSize is the data block size of new pools.
	DefaultSectorSize = 4096

	// DefaultNodeSize is the tree block size of new pools.
	DefaultNodeSize = 16384

	// ScrubDrainTimeout is how long a canceled scrub may take to drain before
	// it's considered stuck and logged.
	ScrubDrainTimeout = 30 * time.Second
)

// SuperOffset returns the physical offset of superblock copy i.
func SuperOffset(i int) PhysicalAddr {
	if i == 0 {
		return SuperInfoOffset
	}
	// 64MiB, 256GiB
	return PhysicalAddr(16*1024) << uint(12*i)
}
