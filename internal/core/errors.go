// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"io"
	"os"
	"syscall"
)

// Error is our own defined error type for reporting scrub results across the
// control socket and the command line tools.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Control level errors ------//

	// ErrInProgress is returned when a scrub is started on a device that is
	// already being scrubbed.
	ErrInProgress

	// ErrNotRunning is returned when pausing, canceling or querying a scrub
	// that isn't running (and, for progress, never ran).
	ErrNotRunning

	// ErrNoSuchDevice is returned when the device is not part of the pool.
	ErrNoSuchDevice

	// ErrInvalidArgument is returned if an argument is bad or confusing (eg an
	// empty or out of range offset range).
	ErrInvalidArgument

	// ErrNoMemory is returned if the resources for a scrub context couldn't be
	// allocated. Nothing is left behind in that case.
	ErrNoMemory

	// ErrCanceled is returned by a scrub that was canceled before it finished.
	// The progress returned alongside it is still valid.
	ErrCanceled

	// ErrCancelFailed is returned when there was no scrub to cancel.
	ErrCancelFailed

	//------ Replace errors ------//

	// ErrReplaceWrite is returned when a write to the replacement device
	// failed. The replace can't be trusted and is aborted.
	ErrReplaceWrite

	// ErrWriteOrder is returned when a write to the replacement device would
	// go below the write pointer.
	ErrWriteOrder

	//------ Errors from the disk level ------//

	// ErrCorruptData is returned if a block's checksum or header is invalid.
	ErrCorruptData

	// ErrIO is returned if there is an OS-level IO error.
	ErrIO

	// ErrDiskRemoved is returned for device calls after the device is closed.
	ErrDiskRemoved

	// ErrEOF is returned when reading past the end of a device.
	ErrEOF

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrInProgress:      "a scrub is already running on this device",
	ErrNotRunning:      "no scrub is running",
	ErrNoSuchDevice:    "no such device in the pool",
	ErrInvalidArgument: "invalid argument",
	ErrNoMemory:        "couldn't allocate scrub context",
	ErrCanceled:        "scrub canceled",
	ErrCancelFailed:    "couldn't cancel scrub",

	ErrReplaceWrite: "write to replacement device failed, replace aborted",
	ErrWriteOrder:   "write to replacement device below the write pointer",

	ErrCorruptData: "block checksum or header is invalid, data is corrupt",
	ErrIO:          "I/O level error",
	ErrDiskRemoved: "operation on device after it has been closed",
	ErrEOF:         "end of device",

	ErrUnknown: "unknown error!!!! contact a programming professional to diagnose",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	} else if e == ErrEOF {
		return io.EOF
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// ScrubError gets the underlying core.Error from an error.
func ScrubError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// FromError translates any error the scrubber or the devices may produce into
// a core.Error.
func FromError(err error) Error {
	if err == nil {
		return NoError
	}
	if e, ok := ScrubError(err); ok {
		return e
	}

	switch pe := err.(type) {
	case *os.PathError:
		err = pe.Err
	case *os.SyscallError:
		err = pe.Err
	}

	switch err {
	case context.Canceled, context.DeadlineExceeded:
		return ErrCanceled
	case io.EOF, io.ErrUnexpectedEOF:
		return ErrEOF
	case os.ErrClosed:
		return ErrDiskRemoved
	case syscall.EIO, syscall.EROFS, syscall.ENOSPC:
		return ErrIO
	case syscall.ENOMEM:
		return ErrNoMemory
	case syscall.EINVAL:
		return ErrInvalidArgument
	}
	return ErrUnknown
}
