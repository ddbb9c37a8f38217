// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "fmt"

// Progress is a snapshot of the counters of a scrub run on one device. All
// counters only ever grow during a single run.
type Progress struct {
	DataExtentsScrubbed uint64 // # of data blocks verified
	TreeExtentsScrubbed uint64 // # of tree blocks verified
	DataBytesScrubbed   uint64 // # of data bytes verified
	TreeBytesScrubbed   uint64 // # of tree bytes verified
	ReadErrors          uint64 // # of read errors encountered (EIO)
	CsumErrors          uint64 // # of failed csum checks
	VerifyErrors        uint64 // # of occurrences where the tree block header is bad
	NoCsum              uint64 // # of 4k data blocks with no checksum
	CsumDiscards        uint64 // # of csum for which no data was found in the extent tree
	SuperErrors         uint64 // # of bad superblocks encountered
	MallocErrors        uint64 // # of internal allocation errors
	UncorrectableErrors uint64 // # of errors where either no intact copy was found or the writeback failed
	CorrectedErrors     uint64 // # of errors corrected
	UnverifiedErrors    uint64 // # of occurrences where a read for a full (64k) bio failed, but the re-check succeeded for each 4k piece
	LastPhysical        PhysicalAddr
}

// Errors returns the number of problems found, corrected or not.
func (p Progress) Errors() uint64 {
	return p.ReadErrors + p.CsumErrors + p.VerifyErrors + p.SuperErrors
}

// Outcome classifies the counters of a finished run.
func (p Progress) Outcome() Outcome {
	if p.UncorrectableErrors > 0 || p.SuperErrors > 0 || p.MallocErrors > 0 {
		return Uncorrectable
	}
	if p.CorrectedErrors > 0 {
		return Corrected
	}
	return Clean
}

func (p Progress) String() string {
	return fmt.Sprintf("data %d/%dB tree %d/%dB read %d csum %d verify %d nocsum %d super %d corrected %d uncorrectable %d unverified %d last %v",
		p.DataExtentsScrubbed, p.DataBytesScrubbed, p.TreeExtentsScrubbed, p.TreeBytesScrubbed,
		p.ReadErrors, p.CsumErrors, p.VerifyErrors, p.NoCsum, p.SuperErrors,
		p.CorrectedErrors, p.UncorrectableErrors, p.UnverifiedErrors, p.LastPhysical)
}

// Outcome is the user visible summary of a finished run. A canceled run is
// reported through ErrCanceled, not an Outcome.
type Outcome int

const (
	// Clean means nothing was wrong.
	Clean Outcome = iota
	// Corrected means errors were found and all of them were repaired.
	Corrected
	// Uncorrectable means at least one error couldn't be repaired.
	Uncorrectable
)

func (o Outcome) String() string {
	switch o {
	case Clean:
		return "clean"
	case Corrected:
		return "corrected"
	case Uncorrectable:
		return "uncorrectable"
	}
	return "unknown"
}

// State is the state of a scrub context.
type State int

// IDLE -> RUNNING -> {PAUSED <-> RUNNING} -> DRAINING -> TERMINATED
const (
	Idle State = iota
	Running
	Paused
	Draining
	Terminated
)

var stateNames = [...]string{"idle", "running", "paused", "draining", "terminated"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, n := range stateNames {
		if n == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}
