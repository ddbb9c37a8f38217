// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"io"
	"sync/atomic"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// Device is one member of a pool. Offsets are physical.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// ID returns the device's id within its pool.
	ID() core.DeviceID

	// Size returns the usable size of the device in bytes.
	Size() int64

	// Sync flushes written data to stable storage.
	Sync() error

	// Close releases the device. Calls after Close fail with os.ErrClosed.
	Close() error
}

// DropCacher is implemented by devices that can drop data from the page cache
// once it has been read, so a scrub doesn't evict everything else.
type DropCacher interface {
	DropCache(off, length int64)
}

// DevStats are the persistent error counters of a device, bumped whenever
// scrub (or anyone else) trips over a problem on it.
type DevStats struct {
	ReadErrs       uint64
	WriteErrs      uint64
	FlushErrs      uint64
	CorruptionErrs uint64
	GenerationErrs uint64
}

type devStats struct {
	read, write, flush, corruption, generation uint64
}

func (s *devStats) snapshot() DevStats {
	return DevStats{
		ReadErrs:       atomic.LoadUint64(&s.read),
		WriteErrs:      atomic.LoadUint64(&s.write),
		FlushErrs:      atomic.LoadUint64(&s.flush),
		CorruptionErrs: atomic.LoadUint64(&s.corruption),
		GenerationErrs: atomic.LoadUint64(&s.generation),
	}
}

// DevStatKind names one of the DevStats counters.
type DevStatKind int

// Counters in DevStats.
const (
	StatRead DevStatKind = iota
	StatWrite
	StatFlush
	StatCorruption
	StatGeneration
)

func (s *devStats) counter(k DevStatKind) *uint64 {
	switch k {
	case StatRead:
		return &s.read
	case StatWrite:
		return &s.write
	case StatFlush:
		return &s.flush
	case StatCorruption:
		return &s.corruption
	}
	return &s.generation
}
