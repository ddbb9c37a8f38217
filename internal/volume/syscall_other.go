// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Stubs for platforms without O_NOATIME or fadvise.

//go:build !linux

package volume

import "os"

func openNoATime(path string, flags int, mode os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flags, mode)
}

func fadviseDontNeed(f *os.File, off, length int64) error {
	return nil
}
