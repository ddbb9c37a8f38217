// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

func TestThrottleParams(t *testing.T) {
	for _, tc := range []struct {
		rate     uint64
		interval time.Duration
		budget   int64
	}{
		{32 << 20, 500 * time.Millisecond, 16 << 20},
		{1000, time.Second, 1000},
		{1 << 40, time.Second / 64, (1 << 40) / 64},
	} {
		th := newThrottle(tc.rate, 16<<20)
		interval, budget := th.params()
		assert.Equal(t, tc.interval, interval, "rate %d", tc.rate)
		assert.Equal(t, tc.budget, budget, "rate %d", tc.rate)
	}
}

func TestThrottleDelay(t *testing.T) {
	th := newThrottle(32<<20, 16<<20)
	t0 := time.Now()
	assert.Zero(t, th.delay(8<<20, t0))
	assert.Zero(t, th.delay(8<<20, t0.Add(10*time.Millisecond)))

	// The interval's budget is spent; wait for the next one.
	assert.Equal(t, 400*time.Millisecond, th.delay(8<<20, t0.Add(100*time.Millisecond)))
	assert.Zero(t, th.delay(8<<20, t0.Add(600*time.Millisecond)))
	assert.Equal(t, 300*time.Millisecond, th.delay(8<<20, t0.Add(700*time.Millisecond)))

	// A late submit starts over.
	assert.Zero(t, th.delay(8<<20, t0.Add(time.Minute)))

	off := newThrottle(0, 16<<20)
	for i := 0; i < 100; i++ {
		assert.Zero(t, off.delay(1<<30, t0))
	}
}

func TestBioRing(t *testing.T) {
	r := newBioRing(nil, 2, 4*core.PageSize)
	a, err := r.acquire()
	require.NoError(t, err)
	b, err := r.acquire()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	r.start(a)
	r.start(b)

	got := make(chan int)
	go func() {
		i, err := r.acquire()
		if err != nil {
			i = -1
		}
		got <- i
	}()
	select {
	case <-got:
		t.Fatal("acquired a slot of a full ring")
	case <-time.After(20 * time.Millisecond):
	}
	r.release(b)
	assert.Equal(t, b, <-got)

	inFlight, pending, max := r.counts()
	assert.Equal(t, 1, inFlight)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 2, max)

	// waitIdle waits for pending work too.
	r.addPending(1)
	r.release(a)
	idle := make(chan struct{})
	go func() {
		r.waitIdle()
		close(idle)
	}()
	select {
	case <-idle:
		t.Fatal("idle with work pending")
	case <-time.After(20 * time.Millisecond):
	}
	r.addPending(-1)
	<-idle

	r.cancel()
	_, err = r.acquire()
	assert.Equal(t, core.ErrCanceled.Error(), err)
}

func TestWriteQueueOrder(t *testing.T) {
	var got []*wrBio
	q := newWrQueue(3, 2*core.PageSize, func(b *wrBio) { got = append(got, b) })

	base := core.PhysicalAddr(1 << 20)
	var stages []*stage
	var data [][]byte
	for i := 0; i < 3; i++ {
		st := newStage(q.ticket(), 1)
		d := bytes.Repeat([]byte{byte(i + 1)}, core.PageSize)
		st.set(0, base.Add(core.AddrDelta(i*core.PageSize)), d)
		stages = append(stages, st)
		data = append(data, d)
	}

	// Completions out of order are released in ticket order.
	require.NoError(t, q.finish(stages[2]))
	assert.Empty(t, got)
	require.NoError(t, q.finish(stages[0]))
	assert.Empty(t, got, "half a bio")
	require.NoError(t, q.finish(stages[1]))
	require.Len(t, got, 1)
	assert.Equal(t, base, got[0].physical)
	assert.Equal(t, append(append([]byte(nil), data[0]...), data[1]...), got[0].buf)

	q.flushAll()
	require.Len(t, got, 2)
	assert.Equal(t, base.Add(2*core.PageSize), got[1].physical)
	assert.Equal(t, data[2], got[1].buf)

	// Nothing goes below the write pointer.
	assert.Equal(t, core.ErrWriteOrder.Error(), q.add(base, data[0]))

	// After flushAll every add goes out, gaps are fine.
	require.NoError(t, q.add(base.Add(64<<10), data[0]))
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].physical >= got[i-1].end())
	}
}

func TestWriteQueueSplit(t *testing.T) {
	var got []*wrBio
	q := newWrQueue(3, core.PageSize, func(b *wrBio) { got = append(got, b) })
	require.NoError(t, q.add(0, make([]byte, 2*core.PageSize+100)))
	require.Len(t, got, 2)
	q.submit()
	require.Len(t, got, 3)
	assert.Len(t, got[2].buf, 100)
	assert.Equal(t, core.PhysicalAddr(2*core.PageSize), got[2].physical)

	// A staged block held by a repair isn't released before it's done.
	st := newStage(0, 1)
	st.hold()
	assert.False(t, st.done())
	assert.True(t, st.done())
}

// LastPhysical stays below blocks that were walked past but not verified.
func TestStatsHolds(t *testing.T) {
	s := newStats(1, core.Progress{})
	s.hold(40)
	s.hold(40)
	s.hold(70)
	s.setLast(100)
	assert.Equal(t, core.PhysicalAddr(40), s.snapshot().LastPhysical)
	s.unhold(40)
	assert.Equal(t, core.PhysicalAddr(40), s.snapshot().LastPhysical)
	s.unhold(40)
	assert.Equal(t, core.PhysicalAddr(70), s.snapshot().LastPhysical)
	s.unhold(70)
	assert.Equal(t, core.PhysicalAddr(100), s.snapshot().LastPhysical)
}

func TestStatsSnapshot(t *testing.T) {
	s := newStats(1, core.Progress{CsumErrors: 2, LastPhysical: 100})
	s.inc(cCsumErrors)
	s.add(cDataBytes, 4096)
	s.setLast(50)
	p := s.snapshot()
	assert.Equal(t, uint64(3), p.CsumErrors)
	assert.Equal(t, uint64(4096), p.DataBytesScrubbed)
	assert.Equal(t, core.PhysicalAddr(100), p.LastPhysical, "only moves forward")
	s.rewind(60)
	assert.Equal(t, core.PhysicalAddr(60), s.snapshot().LastPhysical)
	assert.Equal(t, s.snapshot(), s.snapshot())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.inc(cCorrected)
		}
		close(done)
	}()
	var last uint64
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		c := s.snapshot().CorrectedErrors
		assert.True(t, c >= last, "counters only grow")
		last = c
	}
	assert.Equal(t, uint64(1000), s.snapshot().CorrectedErrors)
}

// Write bios handed to workers in any order reach the device in the order
// they were submitted.
func TestWriteIssueOrder(t *testing.T) {
	var bios []*wrBio
	q := newWrQueue(3, core.PageSize, func(b *wrBio) { bios = append(bios, b) })
	for i := 0; i < 8; i++ {
		require.NoError(t, q.add(core.PhysicalAddr(i*core.PageSize), make([]byte, core.PageSize)))
	}
	require.Len(t, bios, 8)

	var lock sync.Mutex
	var order []core.PhysicalAddr
	var wg sync.WaitGroup
	for i := len(bios) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(b *wrBio) {
			defer wg.Done()
			q.issue(b, func(b *wrBio) {
				lock.Lock()
				order = append(order, b.physical)
				lock.Unlock()
			})
		}(bios[i])
	}
	wg.Wait()
	require.Len(t, order, 8)
	for i, p := range order {
		assert.Equal(t, core.PhysicalAddr(i*core.PageSize), p)
	}
}
