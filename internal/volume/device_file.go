// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"os"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// FileDevice is a Device backed by an image file or a block device.
type FileDevice struct {
	id   core.DeviceID
	path string
	f    *os.File
	size int64
}

// OpenFileDevice opens the device at 'path'. If 'size' is greater than zero
// and the file is shorter, a regular file is extended to it.
func OpenFileDevice(id core.DeviceID, path string, size int64, create bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := openNoATime(path, flags, 0600)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	cur := fi.Size()
	if fi.Mode().IsRegular() && size > cur {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
		cur = size
	} else if !fi.Mode().IsRegular() {
		if cur, err = f.Seek(0, 2); err != nil {
			f.Close()
			return nil, err
		}
	}
	if size <= 0 || size > cur {
		size = cur
	}
	log.V(1).Infof("opened device %s at %s, %d bytes", id, path, size)
	return &FileDevice{id: id, path: path, f: f, size: size}, nil
}

// ID implements Device.
func (d *FileDevice) ID() core.DeviceID { return d.id }

// Size implements Device.
func (d *FileDevice) Size() int64 { return d.size }

// Path returns where the device lives.
func (d *FileDevice) Path() string { return d.path }

// ReadAt implements Device.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt implements Device.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.f.WriteAt(p, off)
}

// DropCache implements DropCacher.
func (d *FileDevice) DropCache(off, length int64) {
	if err := fadviseDontNeed(d.f, off, length); err != nil {
		log.V(2).Infof("%s: fadvise failed: %s", d.path, err)
	}
}

// Sync implements Device.
func (d *FileDevice) Sync() error { return d.f.Sync() }

// Close implements Device.
func (d *FileDevice) Close() error { return d.f.Close() }
