// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/scrub/internal/server"
)

var (
	// OpMetrics of bio reads, repairs and replace writes, by device. They
	// don't count time in the queue.
	bioReadOps = server.NewOpMetric("scrub_bio_reads", "dev")
	repairOps  = server.NewOpMetric("scrub_repairs", "dev")
	writeOps   = server.NewOpMetric("scrub_replace_writes", "dev")

	// Other metrics.
	metricWaitTime = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "scrub",
		Name:      "queue_wait",
		Help:      "wait time for requests to hit the front of the queue",
	}, []string{"op"})
	metricQueueLength = promauto.NewSummary(prometheus.SummaryOpts{
		Subsystem: "scrub",
		Name:      "queue_length",
		Help:      "length of the request queue",
	})
	metricProgress = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "scrub",
		Name:      "progress",
		Help:      "scrub progress counters",
	}, []string{"dev", "counter"})
	metricState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "scrub",
		Name:      "state",
		Help:      "state of the scrub of a device",
	}, []string{"dev"})
	metricThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "scrub",
		Name:      "throttled_seconds",
		Help:      "time spent waiting on the throttle",
	}, []string{"dev"})
)
