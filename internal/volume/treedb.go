// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/pkg/csum"
)

var (
	csumBucket   = []byte("csum")
	extentBucket = []byte("extent")

	errBadExtentRecord = errors.New("bad extent record")
)

// csumEntry is the checksum of the sector at Logical.
type csumEntry struct {
	Logical core.LogicalAddr
	Sum     csum.Sum
}

// metaStore persists the extent and checksum trees of a pool.
type metaStore interface {
	lookupCsum(logical core.LogicalAddr) (csum.Sum, bool, error)
	putCsums(entries []csumEntry) error
	deleteCsums(from, to core.LogicalAddr) error
	putExtent(e Extent) error
	deleteExtent(logical core.LogicalAddr) error
	loadExtents(fn func(Extent) error) error
	close() error
}

func addrKey(a core.LogicalAddr) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(a))
	return k[:]
}

// Extent records: length (8) | generation (8) | flags (1).
func encodeExtent(e Extent) []byte {
	var v [17]byte
	binary.LittleEndian.PutUint64(v[0:], uint64(e.Length))
	binary.LittleEndian.PutUint64(v[8:], e.Generation)
	if e.Tree {
		v[16] = 1
	}
	return v[:]
}

func decodeExtent(k, v []byte) (Extent, error) {
	if len(k) != 8 || len(v) != 17 {
		return Extent{}, errBadExtentRecord
	}
	return Extent{
		Logical:    core.LogicalAddr(binary.BigEndian.Uint64(k)),
		Length:     int64(binary.LittleEndian.Uint64(v[0:])),
		Generation: binary.LittleEndian.Uint64(v[8:]),
		Tree:       v[16] == 1,
	}, nil
}

// boltStore keeps the trees in a bolt database.
type boltStore struct {
	db   *bolt.DB
	size int // bytes of each checksum that are stored
}

func openBoltStore(path string, typ csum.Type) (*boltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(csumBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(extentBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db, size: typ.Size()}, nil
}

func (s *boltStore) lookupCsum(logical core.LogicalAddr) (sum csum.Sum, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(csumBucket).Get(addrKey(logical)); v != nil {
			copy(sum[:], v)
			ok = true
		}
		return nil
	})
	return
}

func (s *boltStore) putCsums(entries []csumEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(csumBucket)
		for _, e := range entries {
			if err := b.Put(addrKey(e.Logical), e.Sum[:s.size]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) deleteCsums(from, to core.LogicalAddr) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(csumBucket)
		c := b.Cursor()
		end := addrKey(to)
		var doomed [][]byte
		for k, _ := c.Seek(addrKey(from)); k != nil && bytes.Compare(k, end) < 0; k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) putExtent(e Extent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(extentBucket).Put(addrKey(e.Logical), encodeExtent(e))
	})
}

func (s *boltStore) deleteExtent(logical core.LogicalAddr) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(extentBucket).Delete(addrKey(logical))
	})
}

func (s *boltStore) loadExtents(fn func(Extent) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(extentBucket).ForEach(func(k, v []byte) error {
			e, err := decodeExtent(k, v)
			if err != nil {
				return err
			}
			return fn(e)
		})
	})
}

func (s *boltStore) close() error {
	return s.db.Close()
}

// memStore keeps the trees in maps. It's used by in-memory pools.
type memStore struct {
	lock    sync.Mutex
	csums   map[core.LogicalAddr]csum.Sum
	extents map[core.LogicalAddr]Extent
}

func newMemStore() *memStore {
	return &memStore{
		csums:   make(map[core.LogicalAddr]csum.Sum),
		extents: make(map[core.LogicalAddr]Extent),
	}
}

func (m *memStore) lookupCsum(logical core.LogicalAddr) (csum.Sum, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, ok := m.csums[logical]
	return s, ok, nil
}

func (m *memStore) putCsums(entries []csumEntry) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, e := range entries {
		m.csums[e.Logical] = e.Sum
	}
	return nil
}

func (m *memStore) deleteCsums(from, to core.LogicalAddr) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for a := range m.csums {
		if a >= from && a < to {
			delete(m.csums, a)
		}
	}
	return nil
}

func (m *memStore) putExtent(e Extent) error {
	m.lock.Lock()
	m.extents[e.Logical] = e
	m.lock.Unlock()
	return nil
}

func (m *memStore) deleteExtent(logical core.LogicalAddr) error {
	m.lock.Lock()
	delete(m.extents, logical)
	m.lock.Unlock()
	return nil
}

func (m *memStore) loadExtents(fn func(Extent) error) error {
	m.lock.Lock()
	var all []Extent
	for _, e := range m.extents {
		all = append(all, e)
	}
	m.lock.Unlock()
	for _, e := range all {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) close() error { return nil }
