// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"io"
	"os"
	"syscall"
	"testing"
)

func TestErrorRoundTrip(t *testing.T) {
	for e := range description {
		err := e.Error()
		if e == NoError {
			if err != nil {
				t.Fatal("NoError should be nil")
			}
			continue
		}
		if got := FromError(err); got != e {
			t.Errorf("%d: got back %d", e, got)
		}
		if e != ErrEOF && !e.Is(err) {
			t.Errorf("%d: Is failed", e)
		}
	}
}

func TestFromError(t *testing.T) {
	cases := []struct {
		in   error
		want Error
	}{
		{nil, NoError},
		{context.Canceled, ErrCanceled},
		{io.EOF, ErrEOF},
		{&os.PathError{Op: "read", Path: "/dev/x", Err: syscall.EIO}, ErrIO},
		{os.NewSyscallError("pwrite", syscall.ENOSPC), ErrIO},
		{syscall.EINVAL, ErrInvalidArgument},
		{os.ErrClosed, ErrDiskRemoved},
		{io.ErrShortWrite, ErrUnknown},
	}
	for _, c := range cases {
		if got := FromError(c.in); got != c.want {
			t.Errorf("FromError(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestOutcome(t *testing.T) {
	var p Progress
	if p.Outcome() != Clean {
		t.Error("empty progress should be clean")
	}
	p.CsumErrors, p.CorrectedErrors = 1, 1
	if p.Outcome() != Corrected {
		t.Error("expected corrected")
	}
	p.ReadErrors, p.UncorrectableErrors = 1, 1
	if p.Outcome() != Uncorrectable {
		t.Error("expected uncorrectable")
	}
	if p.Errors() != 2 {
		t.Errorf("expected 2 errors, got %d", p.Errors())
	}
}

func TestStateText(t *testing.T) {
	for s := Idle; s <= Terminated; s++ {
		b, _ := s.MarshalText()
		var back State
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Errorf("%s did not round trip", s)
		}
	}
}
