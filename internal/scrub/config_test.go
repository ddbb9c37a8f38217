// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultProdConfig.Validate(); err != nil {
		t.Fatalf("prod config: %s", err)
	}
	if err := DefaultTestConfig.Validate(); err != nil {
		t.Fatalf("test config: %s", err)
	}

	for _, bad := range []func(*Config){
		func(c *Config) { c.BiosPerCtx = 0 },
		func(c *Config) { c.BiosPerCtx = core.MaxBiosPerCtx + 1 },
		func(c *Config) { c.PagesPerWrBio = 0 },
		func(c *Config) { c.Workers = 0 },
		func(c *Config) { c.ScrubRate, c.ThrottleSlice = 1, 0 },
		func(c *Config) { c.MaxRepairsInFlight = 0 },
		func(c *Config) { c.RepairRetries = 0 },
		func(c *Config) { c.RepairRetryMin, c.RepairRetryMax = time.Second, time.Millisecond },
		func(c *Config) { c.CheckpointInterval = 0 },
	} {
		cfg := DefaultTestConfig
		bad(&cfg)
		if cfg.Validate() == nil {
			t.Errorf("expected %+v to be invalid", cfg)
		}
	}
}

// A config file only needs the values it overrides.
func TestConfigOverride(t *testing.T) {
	cfg := DefaultProdConfig
	if err := json.Unmarshal([]byte(`{"Workers": 2, "ScrubRate": 5}`), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 2 || cfg.ScrubRate != 5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.BiosPerCtx != DefaultProdConfig.BiosPerCtx || cfg.StateDir != DefaultProdConfig.StateDir {
		t.Errorf("defaults lost: %+v", cfg)
	}
}
