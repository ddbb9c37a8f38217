// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"fmt"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// WriteExtent allocates 'e' and writes 'data' to every copy of it. Tree
// blocks get their header stamped (fsid, bytenr, generation) and sealed; data
// sectors get checksums in the checksum tree unless 'noCsum' is set. Parity
// of touched rows is rewritten.
func (p *Pool) WriteExtent(e Extent, data []byte, noCsum bool) error {
	if int64(len(data)) != e.Length {
		return fmt.Errorf("%s: got %d bytes of data", e, len(data))
	}
	c, err := p.chunkFor(e.Logical)
	if err != nil {
		return err
	}
	if e.End() > c.End() {
		return fmt.Errorf("%s crosses the end of chunk %v", e, c.Logical)
	}
	ss := int64(p.layout.SectorSize)
	if e.Tree {
		if c.Type == ChunkData || e.Length != int64(p.layout.NodeSize) {
			return fmt.Errorf("%s: tree blocks are %d bytes in metadata chunks", e, p.layout.NodeSize)
		}
		if int64(e.Logical.Sub(c.Logical))%int64(p.layout.NodeSize) != 0 {
			return fmt.Errorf("%s isn't node aligned", e)
		}
	} else if c.Type != ChunkData || e.Length%ss != 0 || int64(e.Logical.Sub(c.Logical))%ss != 0 {
		return fmt.Errorf("%s: data extents are whole sectors in data chunks", e)
	}

	p.writeLock.Lock()
	defer p.writeLock.Unlock()

	if err := p.extents.insert(e); err != nil {
		return err
	}
	if err := p.meta.putExtent(e); err != nil {
		p.extents.remove(e.Logical)
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	if e.Tree {
		h, _ := ParseTreeHeader(buf)
		h.FSID, h.Bytenr, h.Generation = p.layout.FSID, e.Logical, e.Generation
		h.Put(buf)
		if err := Seal(p.layout.CsumType, buf); err != nil {
			return err
		}
	} else if !noCsum {
		var entries []csumEntry
		for off := int64(0); off < e.Length; off += ss {
			sum, err := p.layout.CsumType.Sum(buf[off : off+ss])
			if err != nil {
				return err
			}
			entries = append(entries, csumEntry{e.Logical.Add(core.AddrDelta(off)), sum})
		}
		if err := p.meta.putCsums(entries); err != nil {
			return err
		}
	}

	if !c.Profile.IsParity() {
		for _, s := range c.Stripes {
			if err := p.WriteBlock(s.Dev, s.Physical.Add(e.Logical.Sub(c.Logical)), buf); err != nil {
				return err
			}
		}
		log.V(2).Infof("wrote %s to %d stripes", e, len(c.Stripes))
		return nil
	}

	var rows []int64
	for off := int64(0); off < e.Length; off += ss {
		row, col := p.rowOf(c, e.Logical.Add(core.AddrDelta(off)))
		if err := p.WriteBlock(c.Stripes[col].Dev, p.rowPhysical(c, row, col), buf[off:off+ss]); err != nil {
			return err
		}
		if len(rows) == 0 || rows[len(rows)-1] != row {
			rows = append(rows, row)
		}
	}
	log.V(2).Infof("wrote %s over %d rows", e, len(rows))
	return p.writeParity(c, rows)
}

// DeleteExtent frees the extent starting at 'logical' and drops its
// checksums. The data is left on the devices.
func (p *Pool) DeleteExtent(logical core.LogicalAddr) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	e, ok := p.extents.find(logical)
	if !ok || e.Logical != logical {
		return fmt.Errorf("no extent at %v", logical)
	}
	if err := p.meta.deleteExtent(logical); err != nil {
		return err
	}
	p.extents.remove(logical)
	if e.Tree {
		return nil
	}
	return p.meta.deleteCsums(e.Logical, e.End())
}

// FormatSupers writes every superblock copy that fits on each device.
func (p *Pool) FormatSupers() error {
	for _, id := range p.Devices() {
		size, _ := p.DeviceSize(id)
		for _, off := range SuperCopies(size) {
			s := Super{FSID: p.layout.FSID, Bytenr: off, Generation: p.layout.Generation, CsumType: p.layout.CsumType, Dev: id}
			b, err := s.Marshal()
			if err != nil {
				return err
			}
			if err := p.WriteBlock(id, off, b); err != nil {
				return err
			}
		}
		if err := p.SyncDevice(id); err != nil {
			return err
		}
	}
	return nil
}
