// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// MemDevice is a Device backed by memory. It's used by tests.
type MemDevice struct {
	id core.DeviceID

	lock   sync.RWMutex
	data   []byte
	closed bool

	// ReadHook, if set, is called before every read. It may block to hold a
	// read in flight, or return an error to fail it.
	ReadHook func(off int64, n int) error

	// WriteHook is the same for writes.
	WriteHook func(off int64, n int) error

	reads, writes int64
}

// NewMemDevice returns a zeroed in-memory device of 'size' bytes.
func NewMemDevice(id core.DeviceID, size int64) *MemDevice {
	return &MemDevice{id: id, data: make([]byte, size)}
}

// ID implements Device.
func (m *MemDevice) ID() core.DeviceID { return m.id }

// Size implements Device.
func (m *MemDevice) Size() int64 { return int64(len(m.data)) }

// Reads returns how many reads were issued.
func (m *MemDevice) Reads() int64 { return atomic.LoadInt64(&m.reads) }

// Writes returns how many writes were issued.
func (m *MemDevice) Writes() int64 { return atomic.LoadInt64(&m.writes) }

// ReadAt implements Device.
func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	atomic.AddInt64(&m.reads, 1)
	if m.ReadHook != nil {
		if err := m.ReadHook(off, len(p)); err != nil {
			return 0, err
		}
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return 0, os.ErrClosed
	}
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements Device.
func (m *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	atomic.AddInt64(&m.writes, 1)
	if m.WriteHook != nil {
		if err := m.WriteHook(off, len(p)); err != nil {
			return 0, err
		}
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0, os.ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

// Corrupt flips the bits of the byte at 'off' without counting as a write.
func (m *MemDevice) Corrupt(off int64) {
	m.lock.Lock()
	m.data[off] ^= 0xff
	m.lock.Unlock()
}

// Bytes returns a copy of [off, off+n).
func (m *MemDevice) Bytes(off int64, n int) []byte {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]byte, n)
	copy(out, m.data[off:])
	return out
}

// Sync implements Device.
func (m *MemDevice) Sync() error { return nil }

// Close implements Device.
func (m *MemDevice) Close() error {
	m.lock.Lock()
	m.closed = true
	m.lock.Unlock()
	return nil
}
