// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// Config encapsulates parameters for the scrubber and scrubd.
type Config struct {
	Addr          string // Address for the status page and metrics.
	ControlSocket string // Unix socket the controller listens on.
	PoolDir       string // Where the pool layout and metadata live.
	StateDir      string // Where checkpoints and run history are kept.
	UseFailure    bool   // Whether to enable the failure service.

	// --- Bounded I/O ---
	// Read bios in flight per device.
	BiosPerCtx int
	// Pages per read bio and per write bio to a replace target.
	PagesPerRdBio int
	PagesPerWrBio int
	// Completion workers shared by every running scrub.
	Workers int
	// Whether to attempt to keep scrubbed data out of the page cache.
	DropCache bool

	// --- Throttling ---
	// Bytes per second per device, 0 for unthrottled.
	ScrubRate uint64
	// Bandwidth handled per throttle interval unit. A device scrubbed at
	// ScrubRate gets clamp(ScrubRate/ThrottleSlice, 1, 64) intervals per second.
	ThrottleSlice uint64

	// --- Repair ---
	// Bytes per second of mirror reads for repair, across all devices. 0 is
	// unlimited.
	RepairRate uint64
	// How many blocks may be under repair at once.
	MaxRepairsInFlight int
	// How many times to try reading one mirror, and the backoff between tries.
	RepairRetries  int
	RepairRetryMin time.Duration
	RepairRetryMax time.Duration

	// --- Progress ---
	// How often the progress of a running scrub is checkpointed.
	CheckpointInterval time.Duration
	// How often every device is scrubbed in the background, 0 disables.
	AutoScrubInterval time.Duration
	// How many finished runs to keep in the history, by age.
	HistoryRetention time.Duration
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.BiosPerCtx < 1 || c.BiosPerCtx > core.MaxBiosPerCtx {
		return fmt.Errorf("BiosPerCtx must be in [1, %d]", core.MaxBiosPerCtx)
	}
	if c.PagesPerRdBio < 1 || c.PagesPerWrBio < 1 {
		return fmt.Errorf("PagesPerRdBio and PagesPerWrBio must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("Workers must be positive")
	}
	if c.ScrubRate > 0 && c.ThrottleSlice == 0 {
		return fmt.Errorf("ThrottleSlice can not be 0 with a ScrubRate")
	}
	if c.MaxRepairsInFlight < 1 {
		return fmt.Errorf("MaxRepairsInFlight must be positive")
	}
	if c.RepairRetries < 1 {
		return fmt.Errorf("RepairRetries must be positive")
	}
	if c.RepairRetryMax < c.RepairRetryMin {
		return fmt.Errorf("RepairRetryMax is smaller than RepairRetryMin")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("CheckpointInterval must be positive")
	}
	return nil
}

// ValidateFor checks that read bios can hold a block of a pool with the
// given sector and tree node sizes.
func (c Config) ValidateFor(sectorSize, nodeSize int) error {
	bioSize := c.PagesPerRdBio * core.PageSize
	if bioSize < sectorSize || bioSize < nodeSize {
		return fmt.Errorf("read bios of %d bytes (PagesPerRdBio=%d) can't hold a %d byte tree block or a %d byte sector",
			bioSize, c.PagesPerRdBio, nodeSize, sectorSize)
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	Addr:          "localhost:59990",
	ControlSocket: "/var/run/scrubd.sock",
	PoolDir:       "/var/lib/scrub/pool",
	StateDir:      "/var/lib/scrub",
	UseFailure:    false,

	// 64 bios of 32 pages keeps 8MB in flight per device.
	BiosPerCtx:    core.BiosPerCtx,
	PagesPerRdBio: core.PagesPerBio,
	PagesPerWrBio: core.PagesPerBio,
	Workers:       8,
	DropCache:     true,

	// Assuming 4TB per device, this rate will let us read all our data once every 4.6 days.
	ScrubRate:     10 * 1000 * 1000,
	ThrottleSlice: 16 << 20,

	RepairRate:         50 * 1000 * 1000,
	MaxRepairsInFlight: 16,
	RepairRetries:      3,
	RepairRetryMin:     100 * time.Millisecond,
	RepairRetryMax:     2 * time.Second,

	CheckpointInterval: 30 * time.Second,
	AutoScrubInterval:  7 * 24 * time.Hour,
	HistoryRetention:   365 * 24 * time.Hour,
}

// DefaultTestConfig specifies the default values for Config that is used for testing.
var DefaultTestConfig = Config{
	Addr:          "localhost:59990",
	ControlSocket: "/var/tmp/scrubd-test.sock",
	UseFailure:    true,

	BiosPerCtx:    8,
	PagesPerRdBio: 4,
	PagesPerWrBio: 4,
	Workers:       4,
	DropCache:     false,

	ScrubRate:     0,
	ThrottleSlice: 16 << 20,

	RepairRate:         0,
	MaxRepairsInFlight: 4,
	RepairRetries:      2,
	RepairRetryMin:     time.Millisecond,
	RepairRetryMax:     5 * time.Millisecond,

	CheckpointInterval: 50 * time.Millisecond,
	AutoScrubInterval:  0,
	HistoryRetention:   time.Hour,
}
