// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/internal/history"
	"github.com/westerndigitalcorporation/scrub/internal/progressdb"
	"github.com/westerndigitalcorporation/scrub/internal/scrub"
	"github.com/westerndigitalcorporation/scrub/internal/server"
	"github.com/westerndigitalcorporation/scrub/internal/volume"
	"github.com/westerndigitalcorporation/scrub/pkg/failures"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'scrub.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be specified via the command-line flag '-scrubCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in the previous two steps, e.g., '-rate=20000000'.

*/

var (
	// Default configuration. This is the default configuration for production.
	cfg = scrub.DefaultProdConfig

	// Config file name.
	scrubFile = flag.String("scrubCfg", "", "configuration file for scrubd")

	// scrubd config parameters.
	addr       = flag.String("addr", "", "status and metrics address")
	socket     = flag.String("socket", "", "unix socket for the control API")
	poolDir    = flag.String("poolDir", "", "directory of the pool to scrub")
	stateDir   = flag.String("stateDir", "", "directory for checkpoints and history")
	useFailure = flag.Bool("useFailure", false, "whether to enable the failure service")
	workers    = flag.Int("workers", 0, "number of completion workers")
	rate       = flag.Uint64("rate", 0, "scrub bandwidth in bytes/sec per device")
	readonly   = flag.Bool("readonly", false, "start in read-only mode, with no repairs")
	noAuto     = flag.Bool("noAutoScrub", false, "disable the periodic background scrub")
	noResume   = flag.Bool("noResume", false, "don't resume scrubs interrupted by a restart")
)

// Initialize config parameters. It first tries to read from configuration files
// and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	// Read from configuration file.
	if "" != *scrubFile {
		f, err := os.Open(*scrubFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&cfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Override values from command-line flags.
	// NOTE: Because of how Go's flag package works, there is no way to tell
	// if a value is set by the user or not. Therefore, we use meaningless
	// default values to check whether a particular flag is set, and only
	// override the corresponding value if so.
	if "" != *addr {
		cfg.Addr = *addr
	}
	if "" != *socket {
		cfg.ControlSocket = *socket
	}
	if "" != *poolDir {
		cfg.PoolDir = *poolDir
	}
	if "" != *stateDir {
		cfg.StateDir = *stateDir
	}
	if *useFailure {
		cfg.UseFailure = *useFailure
	}
	if *workers != 0 {
		cfg.Workers = *workers
	}
	if *rate != 0 {
		cfg.ScrubRate = *rate
	}
	if *noAuto {
		cfg.AutoScrubInterval = 0
	}
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Failed to validate configurations: %v", err)
	}

	pool, err := volume.Open(cfg.PoolDir)
	if err != nil {
		log.Fatalf("couldn't open the pool in %s: %s", cfg.PoolDir, err)
	}
	log.Infof("opened pool %s with devices %v", pool.FSID(), pool.Devices())
	if err := cfg.ValidateFor(pool.SectorSize(), pool.NodeSize()); err != nil {
		log.Fatalf("config doesn't fit pool %s: %s", pool.FSID(), err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		log.Fatalf("couldn't create state dir %s: %s", cfg.StateDir, err)
	}
	checkpoints, err := progressdb.Open(filepath.Join(cfg.StateDir, "scrub.db"))
	if err != nil {
		log.Fatalf("couldn't open the checkpoint db: %s", err)
	}
	hist := history.NewSqliteDB(filepath.Join(cfg.StateDir, "history.db"))

	// Initialize failure injection service.
	opFailure := server.NewOpFailure()
	if cfg.UseFailure {
		log.Infof("enabling failure service")
		failures.Init(http.DefaultServeMux)
		if err := failures.Register("scrub_op_failure", opFailure.Handler); err != nil {
			log.Fatalf("failed to register failure service: %s", err)
		}
		if err := pool.Faults().Register(); err != nil {
			log.Fatalf("failed to register device faults: %s", err)
		}
	}

	s := scrub.NewScrubber(pool, &cfg,
		scrub.WithCheckpoints(checkpoints),
		scrub.WithHistory(hist),
		scrub.WithOpFailure(opFailure))
	s.SetReadOnlyMode(*readonly)

	stop := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(stop)
			if err := s.Cancel(); err == nil {
				log.Infof("canceled running scrubs")
			}
			checkpoints.Close()
			hist.Close()
			pool.Close()
			os.Remove(cfg.ControlSocket)
		})
	}

	// Status page, metrics and the test-only quit hook.
	scrub.NewStatusServer(s).Register(http.DefaultServeMux)
	http.HandleFunc("/_quit", server.QuitHandler(cleanup))

	ctl := scrub.NewController(s, hist)
	if err := ctl.Listen(cfg.ControlSocket); err != nil {
		log.Fatalf("couldn't start the controller on %s: %s", cfg.ControlSocket, err)
	}

	// A checkpoint left unfinished means we went down mid-scrub.
	if !*noResume {
		for _, dev := range pool.Devices() {
			go func(dev core.DeviceID) {
				_, err := s.Resume(context.Background(), dev)
				switch core.FromError(err) {
				case core.NoError, core.ErrNotRunning:
				default:
					log.Errorf("failed to resume scrub of dev %s: %s", dev, err)
				}
			}(dev)
		}
	}

	go s.AutoScrub(stop)

	// Catch INT and TERM so the checkpoints and the pool are closed cleanly.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("shutting down")
		cleanup()
		log.Flush()
		os.Exit(1)
	}()

	log.Infof("starting scrubd on %s...", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		log.Fatalf("couldn't serve status on %s: %s", cfg.Addr, err)
	}
}
