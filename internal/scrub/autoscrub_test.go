// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/internal/history"
	"github.com/westerndigitalcorporation/scrub/internal/volume"
	"github.com/westerndigitalcorporation/scrub/pkg/testutil"
)

// A background round scrubs every device and prunes old history.
func TestAutoScrubOnce(t *testing.T) {
	hist := history.NewSqliteDB(filepath.Join(testutil.Dir(t), "history.db"))
	defer hist.Close()
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, hist.Add(history.Run{Dev: 1, Started: old, Finished: old, Result: core.Clean.String()}))

	p := newTestPool(t, volume.DefaultMkfsOptions(), 0)
	exts, _ := writeExtents(t, p, []int{2, 1}, 40)
	de := devExtent(t, p, 2, volume.ChunkData)
	memDev(t, p, 2).Corrupt(int64(physOf(de, exts[0].Logical)))

	s := NewScrubber(p, testConfig(), WithHistory(hist))
	s.autoScrubOnce(context.Background())

	runs, err := hist.Recent(0, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, core.DeviceID(2), runs[0].Dev)
	assert.Equal(t, core.Corrected.String(), runs[0].Result)
	assert.Equal(t, core.DeviceID(1), runs[1].Dev)
	assert.Equal(t, core.Clean.String(), runs[1].Result)
	assert.True(t, runs[1].Finished.After(old))
}

// A canceled context ends the round before the next device.
func TestAutoScrubCanceled(t *testing.T) {
	p := newTestPool(t, volume.DefaultMkfsOptions(), 0)
	writeExtents(t, p, []int{1}, 41)
	s := NewScrubber(p, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.autoScrubOnce(ctx)
	for _, dev := range p.Devices() {
		_, err := s.Progress(dev)
		assert.Error(t, err, "dev %s", dev)
	}
}

func TestAutoScrubLoop(t *testing.T) {
	p := newTestPool(t, volume.DefaultMkfsOptions(), 0)
	writeExtents(t, p, []int{1}, 42)
	cfg := testConfig()
	cfg.AutoScrubInterval = 10 * time.Millisecond
	s := NewScrubber(p, cfg)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.AutoScrub(stop)
		close(done)
	}()
	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		for _, dev := range p.Devices() {
			if _, err := s.Progress(dev); err != nil {
				return false
			}
		}
		return true
	}))
	close(stop)
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("AutoScrub didn't return after stop")
	}

	// Disabled.
	cfg.AutoScrubInterval = 0
	NewScrubber(p, cfg).AutoScrub(make(chan struct{}))
}
