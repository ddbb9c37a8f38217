// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

func TestAddRecent(t *testing.T) {
	db := NewSqliteDB(filepath.Join(testutil.Dir(t), "history.db"))
	defer db.Close()

	base := time.Unix(1500000000, 0)
	for i := 0; i < 5; i++ {
		dev := core.DeviceID(1 + i%2)
		r := Run{
			Dev:      dev,
			Started:  base.Add(time.Duration(i) * time.Hour),
			Finished: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Result:   core.Clean.String(),
			Progress: core.Progress{DataExtentsScrubbed: uint64(i), LastPhysical: core.PhysicalAddr(i << 20)},
		}
		if err := db.Add(r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := db.Recent(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	// Dev 1 ran at i=0,2,4; newest first.
	if runs[0].Progress.DataExtentsScrubbed != 4 || runs[1].Progress.DataExtentsScrubbed != 2 {
		t.Fatalf("bad order: %+v", runs)
	}
	if runs[0].Duration() != time.Minute || runs[0].Progress.LastPhysical != 4<<20 {
		t.Fatalf("bad run: %+v", runs[0])
	}

	all, err := db.Recent(0, 100)
	if err != nil || len(all) != 5 {
		t.Fatalf("expected 5 runs, got %d (%v)", len(all), err)
	}

	n, err := db.Prune(base.Add(2 * time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("expected to prune 2, got %d (%v)", n, err)
	}
}
