// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func TestSucceedsAfterRetries(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxSleep: 2 * time.Millisecond, MaxNumRetries: 5}
	calls := 0
	err := r.Do(context.Background(), func(i int) error {
		calls++
		if i < 2 {
			return errFlaky
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestGivesUp(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxNumRetries: 3}
	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return errFlaky
	})
	if err != errFlaky || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestPermanent(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxNumRetries: 10}
	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return Permanent(errFlaky)
	})
	if err != errFlaky || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retrier{MinSleep: time.Hour}
	if err := r.Do(ctx, func(int) error { return errFlaky }); err != context.Canceled {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
