// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"sync"
	"testing"
)

// Writes go before repairs, repairs before reads, and requests of the same
// priority in the order they came.
func TestRequestOrder(t *testing.T) {
	q := newRequestQueue()
	q.push(ReadPri, readRequest{})
	q.push(RepairPri, repairRequest{slot: 1})
	q.push(ReadPri, readRequest{})
	q.push(WritePri, writeRequest{})
	q.push(RepairPri, repairRequest{slot: 2})

	if q.len() != 5 || q.pending(ReadPri) != 2 || q.pending(RepairPri) != 2 || q.pending(WritePri) != 1 {
		t.Fatalf("bad counts: len=%d reads=%d repairs=%d writes=%d",
			q.len(), q.pending(ReadPri), q.pending(RepairPri), q.pending(WritePri))
	}

	var got []Priority
	var slots []int
	for q.len() > 0 {
		req := q.pop()
		got = append(got, req.priority)
		if r, ok := req.op.(repairRequest); ok {
			slots = append(slots, r.slot)
		}
	}
	want := []Priority{WritePri, RepairPri, RepairPri, ReadPri, ReadPri}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if slots[0] != 1 || slots[1] != 2 {
		t.Fatalf("repairs out of order: %v", slots)
	}
	if q.pending(ReadPri) != 0 || q.pending(WritePri) != 0 {
		t.Fatalf("counts not dropped on pop")
	}
}

// Many writes of one priority come out in push order.
func TestRequestFIFO(t *testing.T) {
	q := newRequestQueue()
	for i := 0; i < 100; i++ {
		q.push(WritePri, repairRequest{slot: i})
		if i%3 == 0 {
			q.push(ReadPri, readRequest{})
		}
	}
	for i := 0; i < 100; i++ {
		r := q.pop()
		if s := r.op.(repairRequest).slot; s != i {
			t.Fatalf("got slot %d, want %d", s, i)
		}
	}
}

// Attempt to test that multiple waiters wait and wake up.
func TestParallelPushPop(t *testing.T) {
	q := newRequestQueue()
	iter := 1000
	var wg sync.WaitGroup

	for i := 0; i < iter; i++ {
		wg.Add(1)
		go func() {
			q.pop()
			wg.Done()
		}()
	}

	for i := 0; i < iter; i++ {
		wg.Add(1)
		go func(i int) {
			q.push(Priority(i%3+1)*LowPri, readRequest{})
			wg.Done()
		}(i)
	}

	wg.Wait()
	if q.len() != 0 {
		t.Fatalf("%d requests left", q.len())
	}
}
