// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// pruner is implemented by recorders that can drop old runs.
type pruner interface {
	Prune(before time.Time) (int64, error)
}

// AutoScrub scrubs every device of the pool, one at a time, every
// AutoScrubInterval until 'stop' is closed. A scrub in progress when 'stop'
// is closed is canceled.
func (s *Scrubber) AutoScrub(stop <-chan struct{}) {
	if s.cfg.AutoScrubInterval <= 0 {
		log.Infof("background scrub disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	t := time.NewTicker(s.cfg.AutoScrubInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.autoScrubOnce(ctx)
		}
	}
}

func (s *Scrubber) autoScrubOnce(ctx context.Context) {
	start := time.Now()
	var ok, bad int
	for _, dev := range s.pool.Devices() {
		if ctx.Err() != nil {
			return
		}
		p, err := s.scrubDev(ctx, runSpec{dev: dev})
		switch err {
		case core.NoError:
		case core.ErrInProgress:
			log.V(1).Infof("dev %s is already being scrubbed, skipping it this round", dev)
			continue
		default:
			log.Errorf("background scrub of dev %s: %s", dev, err)
		}
		if p.Outcome() == core.Clean && err == core.NoError {
			ok++
		} else {
			bad++
		}
	}
	log.Infof("background scrub of %d devices done in %s, %d clean %d not", ok+bad, time.Since(start), ok, bad)

	if p, isPruner := s.history.(pruner); isPruner && s.cfg.HistoryRetention > 0 {
		n, err := p.Prune(time.Now().Add(-s.cfg.HistoryRetention))
		if err != nil {
			log.Errorf("failed to prune scrub history: %s", err)
		} else if n > 0 {
			log.Infof("pruned %d runs from the scrub history", n)
		}
	}
}
