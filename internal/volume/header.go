// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"encoding/binary"
	"errors"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/pkg/csum"
)

/*

Tree blocks and superblocks start with the same few fields:

	0        32      48       56      64
	+--------+-------+--------+-------+------------------------------
	|  csum  | fsid  | bytenr | flags | rest of the header ...
	+--------+-------+--------+-------+------------------------------

The checksum covers everything after itself: [32, nodesize) for a tree block,
[32, 4096) for a superblock.

*/

// TreeHeaderSize is the size of the tree block header.
const TreeHeaderSize = 101

var (
	// ErrShortBlock is returned when parsing a buffer too small to hold a header.
	ErrShortBlock = errors.New("block too short for its header")
	// ErrBadMagic is returned for a superblock without the magic.
	ErrBadMagic = errors.New("bad superblock magic")
	// ErrBadCsum is returned for a superblock whose checksum doesn't match.
	ErrBadCsum = errors.New("bad superblock checksum")
)

// TreeHeader is the header of a tree block.
type TreeHeader struct {
	Csum          csum.Sum
	FSID          core.FSID
	Bytenr        core.LogicalAddr
	Flags         uint64
	ChunkTreeUUID core.FSID
	Generation    uint64
	Owner         uint64
	NrItems       uint32
	Level         uint8
}

// ParseTreeHeader decodes the header at the start of 'b'.
func ParseTreeHeader(b []byte) (TreeHeader, error) {
	var h TreeHeader
	if len(b) < TreeHeaderSize {
		return h, ErrShortBlock
	}
	copy(h.Csum[:], b[0:32])
	copy(h.FSID[:], b[32:48])
	h.Bytenr = core.LogicalAddr(binary.LittleEndian.Uint64(b[48:56]))
	h.Flags = binary.LittleEndian.Uint64(b[56:64])
	copy(h.ChunkTreeUUID[:], b[64:80])
	h.Generation = binary.LittleEndian.Uint64(b[80:88])
	h.Owner = binary.LittleEndian.Uint64(b[88:96])
	h.NrItems = binary.LittleEndian.Uint32(b[96:100])
	h.Level = b[100]
	return h, nil
}

// Put encodes the header into the start of 'b', leaving the checksum alone.
func (h TreeHeader) Put(b []byte) {
	copy(b[32:48], h.FSID[:])
	binary.LittleEndian.PutUint64(b[48:56], uint64(h.Bytenr))
	binary.LittleEndian.PutUint64(b[56:64], h.Flags)
	copy(b[64:80], h.ChunkTreeUUID[:])
	binary.LittleEndian.PutUint64(b[80:88], h.Generation)
	binary.LittleEndian.PutUint64(b[88:96], h.Owner)
	binary.LittleEndian.PutUint32(b[96:100], h.NrItems)
	b[100] = h.Level
}

// Seal computes the checksum of a tree block or superblock and stores it in
// the first 32 bytes.
func Seal(typ csum.Type, block []byte) error {
	sum, err := typ.Sum(block[core.CsumSize:])
	if err != nil {
		return err
	}
	copy(block[:core.CsumSize], sum[:])
	return nil
}

// CheckSealed reports whether the stored checksum of a tree block or
// superblock matches its contents.
func CheckSealed(typ csum.Type, block []byte) bool {
	if len(block) < core.CsumSize {
		return false
	}
	var want csum.Sum
	copy(want[:typ.Size()], block[:typ.Size()])
	return typ.Verify(block[core.CsumSize:], want)
}

// Super is a superblock copy.
type Super struct {
	FSID       core.FSID
	Bytenr     core.PhysicalAddr
	Generation uint64
	CsumType   csum.Type
	Dev        core.DeviceID
}

// Superblock layout past the common header.
const (
	superMagicOff = 64
	superGenOff   = 72
	superCsumOff  = 80
	superDevOff   = 82
)

// Marshal returns the sealed on-disk form of the superblock.
func (s Super) Marshal() ([]byte, error) {
	b := make([]byte, core.SuperInfoSize)
	copy(b[32:48], s.FSID[:])
	binary.LittleEndian.PutUint64(b[48:56], uint64(s.Bytenr))
	copy(b[superMagicOff:], core.SuperMagic)
	binary.LittleEndian.PutUint64(b[superGenOff:], s.Generation)
	binary.LittleEndian.PutUint16(b[superCsumOff:], uint16(s.CsumType))
	binary.LittleEndian.PutUint64(b[superDevOff:], uint64(s.Dev))
	if err := Seal(s.CsumType, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseSuper decodes and checks a superblock copy.
func ParseSuper(b []byte) (Super, error) {
	var s Super
	if len(b) < core.SuperInfoSize {
		return s, ErrShortBlock
	}
	b = b[:core.SuperInfoSize]
	if string(b[superMagicOff:superMagicOff+len(core.SuperMagic)]) != core.SuperMagic {
		return s, ErrBadMagic
	}
	copy(s.FSID[:], b[32:48])
	s.Bytenr = core.PhysicalAddr(binary.LittleEndian.Uint64(b[48:56]))
	s.Generation = binary.LittleEndian.Uint64(b[superGenOff:])
	s.CsumType = csum.Type(binary.LittleEndian.Uint16(b[superCsumOff:]))
	s.Dev = core.DeviceID(binary.LittleEndian.Uint64(b[superDevOff:]))
	if !CheckSealed(s.CsumType, b) {
		return s, ErrBadCsum
	}
	return s, nil
}

// SuperCopies returns the offsets of the superblock copies that fit on a
// device of 'size' bytes.
func SuperCopies(size int64) []core.PhysicalAddr {
	var out []core.PhysicalAddr
	for i := 0; i < core.SuperMirrorMax; i++ {
		off := core.SuperOffset(i)
		if int64(off)+core.SuperInfoSize > size {
			break
		}
		out = append(out, off)
	}
	return out
}
