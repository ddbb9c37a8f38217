// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package history keeps a log of finished scrub runs.
package history

import (
	"database/sql"
	"time"

	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// Run is one finished scrub run.
type Run struct {
	Dev      core.DeviceID `json:"dev"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Readonly bool          `json:"readonly"`
	Target   core.DeviceID `json:"target,omitempty"`
	Result   string        `json:"result"` // an Outcome or "canceled"/error text
	Progress core.Progress `json:"progress"`
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// SqliteDB is a persistent log of runs backed by sqlite.
type SqliteDB struct {
	// The sqlite database.
	db *sql.DB

	// Prepared statements for operating on the 'runs' table.
	addStmt, recentStmt, recentAllStmt, pruneStmt *sql.Stmt
}

const columns = "dev, started, finished, readonly, target, result, " +
	"data_extents, tree_extents, data_bytes, tree_bytes, read_errors, csum_errors, verify_errors, " +
	"no_csum, super_errors, uncorrectable, corrected, unverified, last_physical"

// NewSqliteDB creates a SqliteDB backed by the file located at 'path'.
func NewSqliteDB(path string) *SqliteDB {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		log.Fatalf("failed to open the db backed by %s: %s", path, err)
	}

	createStmt := `CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dev INTEGER NOT NULL,
		started INTEGER NOT NULL,
		finished INTEGER NOT NULL,
		readonly INTEGER NOT NULL,
		target INTEGER NOT NULL,
		result TEXT NOT NULL,
		data_extents INTEGER, tree_extents INTEGER, data_bytes INTEGER, tree_bytes INTEGER,
		read_errors INTEGER, csum_errors INTEGER, verify_errors INTEGER, no_csum INTEGER,
		super_errors INTEGER, uncorrectable INTEGER, corrected INTEGER, unverified INTEGER,
		last_physical INTEGER)`
	if _, err := db.Exec(createStmt); err != nil {
		db.Close()
		log.Fatalf("failed to create runs table: %s", err)
	}

	// Record a finished run.
	addStmt, err := db.Prepare("INSERT INTO runs (" + columns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		db.Close()
		log.Fatalf("failed to prepare add statement: %s", err)
	}

	// The most recent runs of one device.
	recentStmt, err := db.Prepare("SELECT " + columns + " FROM runs WHERE dev=? ORDER BY id DESC LIMIT ?")
	if err != nil {
		db.Close()
		log.Fatalf("failed to prepare recent statement: %s", err)
	}

	// The most recent runs of any device.
	recentAllStmt, err := db.Prepare("SELECT " + columns + " FROM runs ORDER BY id DESC LIMIT ?")
	if err != nil {
		db.Close()
		log.Fatalf("failed to prepare recentAll statement: %s", err)
	}

	// Forget runs that finished before a given time.
	pruneStmt, err := db.Prepare("DELETE FROM runs WHERE finished<?")
	if err != nil {
		db.Close()
		log.Fatalf("failed to prepare prune statement: %s", err)
	}

	return &SqliteDB{
		db:            db,
		addStmt:       addStmt,
		recentStmt:    recentStmt,
		recentAllStmt: recentAllStmt,
		pruneStmt:     pruneStmt,
	}
}

// Add records a finished run.
func (s *SqliteDB) Add(r Run) (err error) {
	p := r.Progress
	_, err = s.addStmt.Exec(uint64(r.Dev), r.Started.UnixNano(), r.Finished.UnixNano(), r.Readonly, uint64(r.Target), r.Result,
		p.DataExtentsScrubbed, p.TreeExtentsScrubbed, p.DataBytesScrubbed, p.TreeBytesScrubbed,
		p.ReadErrors, p.CsumErrors, p.VerifyErrors, p.NoCsum, p.SuperErrors,
		p.UncorrectableErrors, p.CorrectedErrors, p.UnverifiedErrors, int64(p.LastPhysical))
	if err != nil {
		log.Errorf("failed to insert run of dev %s: %s", r.Dev, err)
	}
	return err
}

// Recent returns up to 'limit' runs of device 'dev', newest first. A zero
// 'dev' means any device.
func (s *SqliteDB) Recent(dev core.DeviceID, limit int) ([]Run, error) {
	var rows *sql.Rows
	var err error
	if dev == 0 {
		rows, err = s.recentAllStmt.Query(limit)
	} else {
		rows, err = s.recentStmt.Query(uint64(dev), limit)
	}
	if err != nil {
		log.Errorf("failed to query runs of dev %s: %s", dev, err)
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var d, target uint64
		var started, finished, last int64
		p := &r.Progress
		if err := rows.Scan(&d, &started, &finished, &r.Readonly, &target, &r.Result,
			&p.DataExtentsScrubbed, &p.TreeExtentsScrubbed, &p.DataBytesScrubbed, &p.TreeBytesScrubbed,
			&p.ReadErrors, &p.CsumErrors, &p.VerifyErrors, &p.NoCsum, &p.SuperErrors,
			&p.UncorrectableErrors, &p.CorrectedErrors, &p.UnverifiedErrors, &last); err != nil {
			return nil, err
		}
		r.Dev, r.Target = core.DeviceID(d), core.DeviceID(target)
		r.Started, r.Finished = time.Unix(0, started), time.Unix(0, finished)
		p.LastPhysical = core.PhysicalAddr(last)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes runs that finished before 'before'.
func (s *SqliteDB) Prune(before time.Time) (int64, error) {
	res, err := s.pruneStmt.Exec(before.UnixNano())
	if err != nil {
		log.Errorf("failed to prune runs before %s: %s", before, err)
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SqliteDB) Close() error {
	for _, st := range []*sql.Stmt{s.addStmt, s.recentStmt, s.recentAllStmt, s.pruneStmt} {
		st.Close()
	}
	return s.db.Close()
}
