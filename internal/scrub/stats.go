// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// counter names a field of core.Progress.
type counter int

const (
	cDataExtents counter = iota
	cTreeExtents
	cDataBytes
	cTreeBytes
	cReadErrors
	cCsumErrors
	cVerifyErrors
	cNoCsum
	cSuperErrors
	cMallocErrors
	cUncorrectable
	cCorrected
	cUnverified
)

var counterNames = [...]string{
	cDataExtents:   "data_extents",
	cTreeExtents:   "tree_extents",
	cDataBytes:     "data_bytes",
	cTreeBytes:     "tree_bytes",
	cReadErrors:    "read_errors",
	cCsumErrors:    "csum_errors",
	cVerifyErrors:  "verify_errors",
	cNoCsum:        "no_csum",
	cSuperErrors:   "super_errors",
	cMallocErrors:  "malloc_errors",
	cUncorrectable: "uncorrectable_errors",
	cCorrected:     "corrected_errors",
	cUnverified:    "unverified_errors",
}

func (c counter) String() string { return counterNames[c] }

func field(p *core.Progress, c counter) *uint64 {
	switch c {
	case cDataExtents:
		return &p.DataExtentsScrubbed
	case cTreeExtents:
		return &p.TreeExtentsScrubbed
	case cDataBytes:
		return &p.DataBytesScrubbed
	case cTreeBytes:
		return &p.TreeBytesScrubbed
	case cReadErrors:
		return &p.ReadErrors
	case cCsumErrors:
		return &p.CsumErrors
	case cVerifyErrors:
		return &p.VerifyErrors
	case cNoCsum:
		return &p.NoCsum
	case cSuperErrors:
		return &p.SuperErrors
	case cMallocErrors:
		return &p.MallocErrors
	case cUncorrectable:
		return &p.UncorrectableErrors
	case cCorrected:
		return &p.CorrectedErrors
	case cUnverified:
		return &p.UnverifiedErrors
	}
	panic("unknown counter")
}

// stats are the counters of one scrub. They only grow, and are read through
// snapshot without stalling the completion path for long.
type stats struct {
	lock sync.Mutex // statLock
	p    core.Progress

	// Start of every bio or repair whose blocks are walked past but not
	// yet verified, with a count. LastPhysical never passes them.
	holds map[core.PhysicalAddr]int

	// Metric label.
	dev string
}

func newStats(dev core.DeviceID, base core.Progress) *stats {
	return &stats{p: base, holds: make(map[core.PhysicalAddr]int), dev: dev.String()}
}

func (s *stats) add(c counter, n uint64) {
	if n == 0 {
		return
	}
	s.lock.Lock()
	*field(&s.p, c) += n
	s.lock.Unlock()
	metricProgress.WithLabelValues(s.dev, c.String()).Add(float64(n))
}

func (s *stats) inc(c counter) {
	s.add(c, 1)
}

// setLast records that the walker is done with everything below 'p'.
func (s *stats) setLast(p core.PhysicalAddr) {
	s.lock.Lock()
	if p > s.p.LastPhysical {
		s.p.LastPhysical = p
	}
	s.lock.Unlock()
}

// rewind moves LastPhysical back to 'p' if it's past it, for blocks that
// were dropped without being read.
func (s *stats) rewind(p core.PhysicalAddr) {
	s.lock.Lock()
	if p < s.p.LastPhysical {
		s.p.LastPhysical = p
	}
	s.lock.Unlock()
}

// hold keeps LastPhysical at or below 'p' until a matching unhold.
func (s *stats) hold(p core.PhysicalAddr) {
	s.lock.Lock()
	s.holds[p]++
	s.lock.Unlock()
}

func (s *stats) unhold(p core.PhysicalAddr) {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch n := s.holds[p]; {
	case n > 1:
		s.holds[p] = n - 1
	case n == 1:
		delete(s.holds, p)
	default:
		log.Fatalf("unhold of %v without a hold", p)
	}
}

// snapshot returns a copy of the counters. LastPhysical is the lowest
// address below which every block has been verified.
func (s *stats) snapshot() core.Progress {
	s.lock.Lock()
	defer s.lock.Unlock()
	p := s.p
	for h := range s.holds {
		if h < p.LastPhysical {
			p.LastPhysical = h
		}
	}
	return p
}
