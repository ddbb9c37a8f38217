// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"encoding/json"
	"fmt"
	"sync"
	"syscall"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/pkg/failures"
)

// FaultsKey is the failure service key that controls device faults. Its value
// maps a device id to a list of Faults:
//
//	{"2": [{"start": 1048576, "end": 1052672, "op": "read"}]}
const FaultsKey = "device_faults"

// Fault makes I/O touching [Start, End) of a device fail with EIO.
type Fault struct {
	Start core.PhysicalAddr `json:"start"`
	End   core.PhysicalAddr `json:"end"`
	Op    string            `json:"op"` // "read", "write" or "" for both
}

func (f Fault) hits(op string, off int64, n int) bool {
	if f.Op != "" && f.Op != op {
		return false
	}
	return off < int64(f.End) && off+int64(n) > int64(f.Start)
}

// Faults holds the injected faults of a pool.
type Faults struct {
	lock   sync.Mutex
	byDev  map[core.DeviceID][]Fault
	events uint64
}

// NewFaults returns an empty fault set.
func NewFaults() *Faults {
	return &Faults{byDev: make(map[core.DeviceID][]Fault)}
}

// Set replaces the faults of a device.
func (f *Faults) Set(dev core.DeviceID, faults []Fault) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(faults) == 0 {
		delete(f.byDev, dev)
		return
	}
	f.byDev[dev] = faults
}

// Clear drops all faults.
func (f *Faults) Clear() {
	f.lock.Lock()
	f.byDev = make(map[core.DeviceID][]Fault)
	f.lock.Unlock()
}

// Injected returns how many I/Os were failed.
func (f *Faults) Injected() uint64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.events
}

func (f *Faults) check(dev core.DeviceID, op string, off int64, n int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, fl := range f.byDev[dev] {
		if fl.hits(op, off, n) {
			f.events++
			log.V(1).Infof("injecting %s fault on dev %s at %d+%d", op, dev, off, n)
			return syscall.EIO
		}
	}
	return nil
}

// Handler is the failure service handler for FaultsKey.
func (f *Faults) Handler(config json.RawMessage) error {
	if config == nil {
		f.Clear()
		return nil
	}
	var byDev map[core.DeviceID][]Fault
	if err := json.Unmarshal(config, &byDev); err != nil {
		return err
	}
	for dev, fl := range byDev {
		for _, x := range fl {
			if x.End <= x.Start {
				return fmt.Errorf("dev %s: empty fault range [%d, %d)", dev, x.Start, x.End)
			}
		}
	}
	f.lock.Lock()
	f.byDev = byDev
	f.lock.Unlock()
	return nil
}

// Register hooks the faults up to the failure service.
func (f *Faults) Register() error {
	return failures.Register(FaultsKey, f.Handler)
}

// faultyDevice fails I/O that hits an injected fault.
type faultyDevice struct {
	Device
	faults *Faults
}

func (d faultyDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := d.faults.check(d.ID(), "read", off, len(p)); err != nil {
		return 0, err
	}
	return d.Device.ReadAt(p, off)
}

func (d faultyDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := d.faults.check(d.ID(), "write", off, len(p)); err != nil {
		return 0, err
	}
	return d.Device.WriteAt(p, off)
}

// DropCache passes through to the wrapped device.
func (d faultyDevice) DropCache(off, length int64) {
	if dc, ok := d.Device.(DropCacher); ok {
		dc.DropCache(off, length)
	}
}
