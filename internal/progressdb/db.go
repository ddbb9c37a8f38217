// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package progressdb checkpoints the progress of scrub runs so that an
// interrupted run can be resumed, and the last result of a device survives a
// restart.
package progressdb

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

const mode = 0600

var progressBucket = []byte("progress")

// Record is the checkpointed state of the most recent run on a device.
type Record struct {
	FSID     core.FSID         `json:"fsid"`
	Dev      core.DeviceID     `json:"dev"`
	Start    core.PhysicalAddr `json:"start"`
	End      core.PhysicalAddr `json:"end"`
	Readonly bool              `json:"readonly"`
	Target   core.DeviceID     `json:"target,omitempty"`

	Started  time.Time `json:"started"`
	Updated  time.Time `json:"updated"`
	Finished time.Time `json:"finished,omitempty"`

	State    core.State    `json:"state"`
	Err      core.Error    `json:"err"`
	Progress core.Progress `json:"progress"`
}

// Interrupted reports whether the run stopped before covering its range.
func (r Record) Interrupted() bool {
	return r.Finished.IsZero() || r.Err == core.ErrCanceled
}

// DB is the checkpoint store, backed by boltdb.
type DB struct {
	db *bolt.DB
}

// Open opens a database from a given path. if no file exists a new DB will
// be created. Otherwise the existing DB will be opened.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, os.FileMode(mode), &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	// Checkpoints are advisory; losing the last few on a crash only means a
	// resume starts a bit earlier.
	db.NoSync = true

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(progressBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func key(fsid core.FSID, dev core.DeviceID) []byte {
	k := make([]byte, len(fsid)+8)
	copy(k, fsid[:])
	binary.BigEndian.PutUint64(k[len(fsid):], uint64(dev))
	return k
}

// Put stores 'r' as the latest record of its device.
func (d *DB) Put(r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(progressBucket).Put(key(r.FSID, r.Dev), snappy.Encode(nil, b))
	})
}

// Get returns the latest record of a device.
func (d *DB) Get(fsid core.FSID, dev core.DeviceID) (r Record, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(progressBucket).Get(key(fsid, dev))
		if v == nil {
			return nil
		}
		ok = true
		return decode(v, &r)
	})
	return
}

// List returns the records of every device of a pool, ordered by device.
func (d *DB) List(fsid core.FSID) ([]Record, error) {
	var out []Record
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(progressBucket).Cursor()
		prefix := fsid[:]
		for k, v := c.Seek(prefix); k != nil && len(k) == len(prefix)+8 && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var r Record
			if err := decode(v, &r); err != nil {
				log.Errorf("skipping bad progress record for %x: %s", k, err)
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Delete drops the record of a device.
func (d *DB) Delete(fsid core.FSID, dev core.DeviceID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(progressBucket).Delete(key(fsid, dev))
	})
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func decode(v []byte, r *Record) error {
	b, err := snappy.Decode(nil, v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, r)
}
