// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package progressdb

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

func TestPutGetList(t *testing.T) {
	path := filepath.Join(testutil.Dir(t), "scrub.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	var fsid, other core.FSID
	fsid[0], other[0] = 1, 2

	now := time.Now().Round(0)
	r := Record{
		FSID: fsid, Dev: 2, Start: 0, End: 1 << 30,
		Started: now, Updated: now, State: core.Running,
		Progress: core.Progress{DataExtentsScrubbed: 10, CsumErrors: 1, LastPhysical: 1 << 20},
	}
	if err := db.Put(r); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(Record{FSID: fsid, Dev: 1, State: core.Terminated, Finished: now}); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(Record{FSID: other, Dev: 1}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.Get(fsid, 2)
	if err != nil || !ok {
		t.Fatalf("get failed: %v %v", ok, err)
	}
	if got.Progress != r.Progress || got.State != core.Running || !got.Started.Equal(now) {
		t.Fatalf("record mismatch: %+v", got)
	}
	if !got.Interrupted() {
		t.Fatal("running record should count as interrupted")
	}

	if _, ok, _ := db.Get(fsid, 3); ok {
		t.Fatal("unexpected record for dev 3")
	}

	list, err := db.List(fsid)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Dev != 1 || list[1].Dev != 2 {
		t.Fatalf("bad list: %+v", list)
	}

	// Survives a reopen.
	db.Close()
	if db, err = Open(path); err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, ok, _ := db.Get(fsid, 2); !ok {
		t.Fatal("record lost on reopen")
	}
	if err := db.Delete(fsid, 2); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.Get(fsid, 2); ok {
		t.Fatal("record not deleted")
	}
}
