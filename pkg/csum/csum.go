// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package csum computes the block checksums stored in the checksum tree and in
// tree block headers.
package csum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Sum holds a checksum of any supported type, zero padded.
type Sum [32]byte

func (s Sum) String() string {
	return hex.EncodeToString(s[:])
}

// Fmt formats only the bytes that are meaningful for 'typ'.
func (s Sum) Fmt(typ Type) string {
	return hex.EncodeToString(s[:typ.Size()])
}

// MarshalText implements encoding.TextMarshaler.
func (s Sum) MarshalText() ([]byte, error) {
	var ret [len(s) * 2]byte
	hex.Encode(ret[:], s[:])
	return ret[:], nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Sum) UnmarshalText(text []byte) error {
	*s = Sum{}
	if len(text) > 2*len(s) {
		return fmt.Errorf("checksum too long: %d hex digits", len(text))
	}
	_, err := hex.Decode(s[:], text)
	return err
}

// Type is a checksum algorithm.
type Type uint16

const (
	CRC32C Type = iota
	XXHash64
	SHA256
	Blake2b
)

var names = map[Type]string{
	CRC32C:   "crc32c",
	XXHash64: "xxhash64",
	SHA256:   "sha256",
	Blake2b:  "blake2",
}

func (t Type) String() string {
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("%d", uint16(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if _, ok := names[t]; !ok {
		return nil, fmt.Errorf("unknown checksum type: %d", uint16(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	v, err := ParseType(string(text))
	if err == nil {
		*t = v
	}
	return err
}

// ParseType returns the Type named 's'.
func ParseType(s string) (Type, error) {
	for t, n := range names {
		if n == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown checksum type: %q", s)
}

// Size is the number of meaningful bytes in a Sum of this type.
func (t Type) Size() int {
	switch t {
	case CRC32C:
		return 4
	case XXHash64:
		return 8
	}
	return len(Sum{})
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Sum checksums 'data'.
func (t Type) Sum(data []byte) (Sum, error) {
	var ret Sum
	switch t {
	case CRC32C:
		binary.LittleEndian.PutUint32(ret[:], crc32.Checksum(data, castagnoli))
	case XXHash64:
		binary.LittleEndian.PutUint64(ret[:], xxhash.Sum64(data))
	case SHA256:
		ret = sha256.Sum256(data)
	case Blake2b:
		ret = blake2b.Sum256(data)
	default:
		return ret, fmt.Errorf("unknown checksum type: %v", t)
	}
	return ret, nil
}

// Verify reports whether 'data' checksums to 'want'.
func (t Type) Verify(data []byte, want Sum) bool {
	got, err := t.Sum(data)
	return err == nil && got == want
}
