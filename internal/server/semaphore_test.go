// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"testing"
	"time"
)

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	if s.Max() != 2 || s.InUse() != 0 {
		t.Fatalf("max=%d in use=%d", s.Max(), s.InUse())
	}
	s.Acquire()
	s.Acquire()
	if s.InUse() != 2 {
		t.Fatalf("in use=%d", s.InUse())
	}

	got := make(chan struct{})
	go func() {
		s.Acquire()
		close(got)
	}()
	select {
	case <-got:
		t.Fatal("acquired a third permit")
	case <-time.After(20 * time.Millisecond):
	}
	s.Release()
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("release didn't wake the waiter")
	}
	s.Release()
	s.Release()
	if s.InUse() != 0 {
		t.Fatalf("in use=%d", s.InUse())
	}
}
