// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import "time"

// maxThrottleDiv caps how many intervals a second is split into.
const maxThrottleDiv = 64

// throttle limits how fast one device is read. A second is split into
// 'div' intervals; each interval may send rate/div bytes, and a submit past
// that waits for the next interval. Only the walker of the device uses it.
type throttle struct {
	rate  int64 // bytes per second, 0 is unthrottled
	slice int64

	deadline time.Time
	sent     int64
}

func newThrottle(rate, slice uint64) throttle {
	return throttle{rate: int64(rate), slice: int64(slice)}
}

// params returns the length of an interval and how much may be sent in it.
func (t *throttle) params() (time.Duration, int64) {
	div := t.rate / t.slice
	if div < 1 {
		div = 1
	} else if div > maxThrottleDiv {
		div = maxThrottleDiv
	}
	return time.Second / time.Duration(div), t.rate / div
}

// delay accounts for sending 'n' bytes at 'now' and returns how long to wait
// before doing so.
func (t *throttle) delay(n int64, now time.Time) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	interval, budget := t.params()
	if t.deadline.IsZero() || !now.Before(t.deadline) {
		t.sent = 0
		t.deadline = now.Add(interval)
	}
	var wait time.Duration
	if t.sent >= budget {
		wait = t.deadline.Sub(now)
		t.sent = 0
		t.deadline = t.deadline.Add(interval)
	}
	t.sent += n
	return wait
}
