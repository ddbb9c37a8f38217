// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// Quantiles reported by OpMetric.Quantiles, with their allowed error.
var targets = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

// OpMetric is a wrapper around metric objects that helps with tracking counts
// and latencies for "operations". For the scrubber an operation is a bio read,
// a repair attempt, or a write to the replace target.
//
// OpMetric will create three metric sets:
//   - A CounterVec with the given name, label "result", and any additional labels.
//     Using Start/End will increment this counter with "result"="all".
//     Additionally you can call Failed or TooBusy on the op object to increment
//     the counters with "result"="failed" and "too_busy".
//   - A SummaryVec with the given name + "_latency" and any additional labels.
//     Using Start/End will add latencies to this summary, only if
//     TooBusy/Failed was not called before End.
//   - A GaugeVec with the given name + "_pending" and any additional labels.
//     Using Start/End will ensure that this metric reflects the number of
//     pending operations.
//
// Latencies are also fed into a targeted quantile stream per label set so the
// status page can show them without scraping.
//
// OpMetrics register with the default prometheus registry, so create each name
// once per process, usually as a package level var:
//
//	var readOps = server.NewOpMetric("scrub_bio_reads", "dev")
//
//	func (c *ctx) read() (err error) {
//		op := readOps.Start(c.dev.String())
//		defer op.EndWithError(&err)
//		...
//	}
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec

	lock    sync.Mutex
	streams map[string]*quantile.Stream
}

// NewOpMetric returns a new op metric.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency", Objectives: targets}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
		streams:   make(map[string]*quantile.Stream),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *latencyMeasurer {
	lm := &latencyMeasurer{opm: m, values: values}
	lm.Result("all") // this resets start, so set it below
	lm.start = time.Now()
	lm.opm.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns how many operations ended with 'result' ("all" for every
// started one).
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithAll := append([]string{result}, values...)
	mtr := m.counters.WithLabelValues(valuesWithAll...)
	var value dto.Metric
	if mtr.Write(&value) != nil {
		return 0
	}
	return uint64(value.Counter.GetValue())
}

// Pending returns the number of started but not ended operations.
func (m *OpMetric) Pending(values ...string) int64 {
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) != nil {
		return 0
	}
	return int64(value.Gauge.GetValue())
}

// Quantiles returns the tracked latency quantiles for a label set, sorted by
// quantile. It's nil if nothing was observed.
func (m *OpMetric) Quantiles(values ...string) []Quantile {
	m.lock.Lock()
	defer m.lock.Unlock()
	s := m.streams[key(values)]
	if s == nil || s.Count() == 0 {
		return nil
	}
	out := make([]Quantile, 0, len(targets))
	for q := range targets {
		out = append(out, Quantile{Q: q, Latency: time.Duration(s.Query(q) * 1e9)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Q < out[j].Q })
	return out
}

// Quantile is one point of a latency distribution.
type Quantile struct {
	Q       float64
	Latency time.Duration
}

// String returns a nice string with latency information.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d rejected / %d failed / %d pending",
		m.Count("too_busy", values...), m.Count("failed", values...), m.Pending(values...))
	return out
}

func (m *OpMetric) observe(d time.Duration, values []string) {
	m.latencies.WithLabelValues(values...).Observe(d.Seconds())

	m.lock.Lock()
	k := key(values)
	s := m.streams[k]
	if s == nil {
		s = quantile.NewTargeted(targets)
		m.streams[k] = s
	}
	s.Insert(d.Seconds())
	m.lock.Unlock()
}

func key(values []string) string {
	return fmt.Sprintf("%q", values)
}

// latencyMeasurer is an internal type to enable some syntactic sugar.
type latencyMeasurer struct {
	start  time.Time
	opm    *OpMetric
	values []string
}

// Failed records that the operation returned an error.
func (lm *latencyMeasurer) Failed() {
	lm.Result("failed")
}

// TooBusy records that the operation was rejected or throttled away.
func (lm *latencyMeasurer) TooBusy() {
	lm.Result("too_busy")
}

// Result records an arbitrary error result.
func (lm *latencyMeasurer) Result(result string) {
	lm.start = time.Time{} // zero this so that End won't try to record latency
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records the elapsed time since the latencyMeasurer was created.
func (lm *latencyMeasurer) End() {
	if !lm.start.IsZero() {
		lm.opm.observe(time.Since(lm.start), lm.values)
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

// EndWithError calls Failed if *err is not nil. It always calls End.
func (lm *latencyMeasurer) EndWithError(err *error) {
	if *err != nil {
		lm.Failed()
	}
	lm.End()
}

// EndWithScrubError is like EndWithError for a core.Error.
func (lm *latencyMeasurer) EndWithScrubError(serr *core.Error) {
	if *serr != core.NoError {
		lm.Failed()
	}
	lm.End()
}

// SummaryString formats the quantiles of a prometheus summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", value.Summary.GetSampleCount())
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", q.GetQuantile()*100, q.GetValue())
	}
	return out[:len(out)-1]
}
