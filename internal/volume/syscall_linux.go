// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Linux syscall related stuff goes here.

//go:build linux

package volume

import (
	"os"

	"golang.org/x/sys/unix"
)

// openNoATime opens with O_NOATIME so scrubbing doesn't dirty inodes. That
// needs us to own the file; fall back to a plain open if we don't.
func openNoATime(path string, flags int, mode os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flags|unix.O_NOATIME, mode)
	if os.IsPermission(err) {
		f, err = os.OpenFile(path, flags, mode)
	}
	return f, err
}

func fadviseDontNeed(f *os.File, off, length int64) error {
	return unix.Fadvise(int(f.Fd()), off, length, unix.FADV_DONTNEED)
}
