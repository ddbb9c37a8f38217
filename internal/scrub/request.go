// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/scrub/internal/volume"
)

// The Priority of a request.
type Priority int

// Pre-defined priority levels. Writes to a replace target go first so staged
// data doesn't pile up, repairs next, bio reads last.
const (
	LowPri     Priority = 10
	MedPri     Priority = 20
	HighPri    Priority = 30
	ReadPri             = LowPri
	RepairPri           = MedPri
	WritePri            = HighPri
	ControlPri          = HighPri
)

// request is a unit of work for the completion workers.
type request struct {
	// All higher priority requests will be executed before any lower.
	priority Priority

	// Marks when the operation was enqueued.
	enqueueTime time.Time

	// Orders requests of the same priority.
	seq uint64

	// Specific request type. See below for possible types.
	op interface{}
}

// readRequest reads a bio and verifies its blocks.
type readRequest struct {
	bio *scrubBio
}

// repairRequest looks for a good copy of a block that failed.
type repairRequest struct {
	sctx  *scrubCtx
	block volume.Block
	why   blockError

	// Where the outcome goes in replace mode.
	stage *stage
	slot  int
}

// writeRequest writes a bio to a replace target.
type writeRequest struct {
	bio *wrBio
}

type exitRequest struct {
}

func (r request) String() string {
	switch specific := r.op.(type) {
	case readRequest:
		return fmt.Sprintf("read dev %s at %v len=%d blocks=%d", specific.bio.sctx.dev, specific.bio.physical, specific.bio.length, len(specific.bio.blocks))
	case repairRequest:
		return fmt.Sprintf("repair dev %s block %v (%s)", specific.sctx.dev, specific.block.Logical, specific.why)
	case writeRequest:
		return fmt.Sprintf("write dev %s at %v len=%d", specific.bio.sctx.wr.target, specific.bio.physical, len(specific.bio.buf))
	case exitRequest:
		return "exit"
	}
	return "unknown"
}

// before reports whether 'r' runs before 'e'.
func (r request) before(e request) bool {
	if r.priority != e.priority {
		return r.priority > e.priority
	}
	return r.seq < e.seq
}
