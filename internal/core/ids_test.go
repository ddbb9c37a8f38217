// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"testing"
)

func TestDeviceIDParse(t *testing.T) {
	for _, id := range []DeviceID{1, 2, 17, 1 << 40} {
		got, err := ParseDeviceID(id.String())
		if err != nil {
			t.Fatal("error parsing from encoded string: " + err.Error())
		}
		if got != id {
			t.Fatalf("parsed id does not match: %s and %s", got, id)
		}
	}

	for _, bad := range []string{"", "0", "-1", "x12", "1.5"} {
		if _, err := ParseDeviceID(bad); err != ErrInvalidID {
			t.Errorf("expected %q to be rejected, got %v", bad, err)
		}
	}
}

func TestAddrFormat(t *testing.T) {
	a := PhysicalAddr(0x10000)
	if s := fmt.Sprintf("%v", a); s != "0x0000000000010000" {
		t.Errorf("bad format: %s", s)
	}
	if s := fmt.Sprintf("%d", a); s != "65536" {
		t.Errorf("bad decimal format: %s", s)
	}
	if a.Add(4096).Sub(a) != 4096 {
		t.Errorf("add/sub don't round trip")
	}
	l := LogicalAddr(1 << 20)
	if l.Add(-4096) != LogicalAddr(1<<20-4096) {
		t.Errorf("negative delta")
	}
}

func TestFSID(t *testing.T) {
	var id FSID
	for i := range id {
		id[i] = byte(i * 13)
	}
	s := id.String()
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		t.Fatalf("bad uuid form %s", s)
	}
	back, err := ParseFSID(s)
	if err != nil {
		t.Fatal(err)
	}
	if back != id {
		t.Fatalf("round trip mismatch %s vs %s", back, id)
	}

	var u FSID
	if err := u.UnmarshalText([]byte("not-a-uuid")); err == nil {
		t.Fatal("expected error")
	}
}
