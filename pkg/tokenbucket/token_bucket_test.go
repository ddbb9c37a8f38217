// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestBasics(t *testing.T) {
	tb := New(100, 500)
	start := tb.last

	// t=1, take 100. expect no sleep.
	if tb.TakeAndUpdate(100, start.Add(1000*time.Millisecond)) > 0 {
		t.Errorf("a")
	}
	// t=3, take 500, no sleep.
	if tb.TakeAndUpdate(400, start.Add(3000*time.Millisecond)) > 0 {
		t.Errorf("b")
	}
	// t=3, take 200. only 100 left, wait 1s.
	if s := tb.TakeAndUpdate(200, start.Add(3000*time.Millisecond)); s < 900*time.Millisecond || s > 1100*time.Millisecond {
		t.Errorf("c: %v", s)
	}
	// t=100, taking 500 should always be possible with no waiting.
	if tb.TakeAndUpdate(500, start.Add(100*time.Second)) > 0 {
		t.Errorf("d")
	}
	// t=200, taking 501 should not be possible without waiting.
	if tb.TakeAndUpdate(501, start.Add(200*time.Second)) <= 0 {
		t.Errorf("e")
	}
}

func TestUnlimited(t *testing.T) {
	tb := New(0, 0)
	for i := 0; i < 100; i++ {
		if s := tb.TakeAndUpdate(1e9, time.Now()); s != 0 {
			t.Fatalf("unlimited bucket asked for a sleep of %v", s)
		}
	}
	tb.SetRate(10, 10)
	if tb.Rate() != 10 {
		t.Fatalf("rate not updated")
	}
}

func TestOneThread(t *testing.T) {
	for _, c := range []struct{ rate, cap, unit, max float64 }{
		{100, 0, 1, 1000},
		{100, 0, 100, 1000},
		{100, 100, 10, 1000},
		{100, 1000, 10, 1000},
		{100, 2000, 10, 1000},
	} {
		expected := math.Max(0, (c.max-c.cap)/c.rate)
		tb := New(c.rate, c.cap)
		start := tb.last
		now := start
		for i := 0.0; i < c.max; i += c.unit {
			if sleep := tb.TakeAndUpdate(c.unit, now); sleep > 0 {
				now = now.Add(sleep)
			}
		}
		elapsed := now.Sub(start).Seconds()
		if (elapsed > 0.001 || expected > 0.001) && math.Abs((elapsed-expected)/expected) > 0.01 {
			t.Errorf("%+v: wrong %v != %v", c, elapsed, expected)
		}
	}
}

func TestWaitCanceled(t *testing.T) {
	tb := New(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tb.Wait(ctx, 1000); err != context.Canceled {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
