// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"container/heap"
	"sync"
	"time"
)

// requestQueue holds the work of the completion workers. Higher priorities
// are popped first, and requests of one priority in the order they were
// pushed. The write queue depends on the latter to keep target writes in
// submission order.
type requestQueue struct {
	lock     sync.Mutex
	notEmpty sync.Cond

	reqs requestHeap
	seq  uint64

	// Queued requests per priority.
	queued map[Priority]int
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{queued: make(map[Priority]int)}
	q.notEmpty.L = &q.lock
	return q
}

// push queues 'op' at priority 'pri'. It never blocks.
func (q *requestQueue) push(pri Priority, op interface{}) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.seq++
	heap.Push(&q.reqs, request{priority: pri, op: op, enqueueTime: time.Now(), seq: q.seq})
	q.queued[pri]++

	// Going from empty to not-empty wakes every waiter. Waking one could strand
	// the others if more requests arrive before it runs.
	if len(q.reqs) == 1 {
		q.notEmpty.Broadcast()
	}
}

// pop removes the first request, waiting for one if the queue is empty.
func (q *requestQueue) pop() request {
	q.lock.Lock()
	defer q.lock.Unlock()
	for len(q.reqs) == 0 {
		q.notEmpty.Wait()
	}
	r := heap.Pop(&q.reqs).(request)
	q.queued[r.priority]--
	return r
}

func (q *requestQueue) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.reqs)
}

// pending returns how many requests of priority 'pri' are queued.
func (q *requestQueue) pending(pri Priority) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.queued[pri]
}

type requestHeap []request

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h requestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(request))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = request{}
	*h = old[:n-1]
	return r
}
