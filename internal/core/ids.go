// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

/*

A pool is a set of devices glued together by chunks. Everything above the
devices speaks logical addresses; a chunk maps a logical range onto one or more
stripes, each a physical range on one device.

     logical:   |<------------------- chunk ------------------->|
                                 |
          +----------------------+-----------------------+
          v                                              v
     dev 1 physical: |<-- stripe 0 -->|         dev 2 physical: |<-- stripe 1 -->|

Scrub walks the physical side of a single device and verifies the logical
blocks it finds there.

*/

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// DeviceID identifies a device in the pool. Valid DeviceIDs start from 1.
type DeviceID uint64

func (d DeviceID) String() string {
	return strconv.FormatUint(uint64(d), 10)
}

// ParseDeviceID parses a device id from its decimal representation.
func ParseDeviceID(s string) (DeviceID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, ErrInvalidID
	}
	return DeviceID(v), nil
}

type (
	// LogicalAddr is an address in the pool-wide address space.
	LogicalAddr int64
	// PhysicalAddr is a byte offset on a single device.
	PhysicalAddr int64
	// AddrDelta is a distance between two addresses of the same kind.
	AddrDelta int64
)

func formatAddr(addr int64, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		fmt.Fprintf(f, "%#016x", addr)
	default:
		fmt.Fprintf(f, "%"+string(verb), addr)
	}
}

// Format implements fmt.Formatter.
func (a PhysicalAddr) Format(f fmt.State, verb rune) { formatAddr(int64(a), f, verb) }

// Format implements fmt.Formatter.
func (a LogicalAddr) Format(f fmt.State, verb rune) { formatAddr(int64(a), f, verb) }

// Format implements fmt.Formatter.
func (d AddrDelta) Format(f fmt.State, verb rune) { formatAddr(int64(d), f, verb) }

// Sub returns a-b.
func (a PhysicalAddr) Sub(b PhysicalAddr) AddrDelta { return AddrDelta(a - b) }

// Sub returns a-b.
func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta { return AddrDelta(a - b) }

// Add returns a+b.
func (a PhysicalAddr) Add(b AddrDelta) PhysicalAddr { return a + PhysicalAddr(b) }

// Add returns a+b.
func (a LogicalAddr) Add(b AddrDelta) LogicalAddr { return a + LogicalAddr(b) }

// FSID is the uuid of a pool. Every tree block and superblock carries it.
type FSID [16]byte

func (id FSID) String() string {
	var b [36]byte
	hex.Encode(b[0:8], id[0:4])
	b[8] = '-'
	hex.Encode(b[9:13], id[4:6])
	b[13] = '-'
	hex.Encode(b[14:18], id[6:8])
	b[18] = '-'
	hex.Encode(b[19:23], id[8:10])
	b[23] = '-'
	hex.Encode(b[24:], id[10:16])
	return string(b[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id FSID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *FSID) UnmarshalText(text []byte) error {
	v, err := ParseFSID(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ParseFSID parses the canonical 8-4-4-4-12 form of a uuid.
func ParseFSID(s string) (FSID, error) {
	var id FSID
	raw := strings.Replace(s, "-", "", -1)
	if len(raw) != 32 || len(s) != 36 {
		return id, ErrInvalidID
	}
	if _, err := hex.Decode(id[:], []byte(raw)); err != nil {
		return id, ErrInvalidID
	}
	return id, nil
}
