// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"sync"
	"sync/atomic"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// wrBio is a write of contiguous data to the replace target.
type wrBio struct {
	sctx     *scrubCtx
	seq      uint64
	physical core.PhysicalAddr
	buf      []byte
}

func (b *wrBio) end() core.PhysicalAddr {
	return b.physical.Add(core.AddrDelta(len(b.buf)))
}

type stagedBlock struct {
	physical core.PhysicalAddr
	data     []byte
}

// stage holds the blocks of one read bio bound for the replace target until
// every repair of the bio is done. pending counts the read itself plus each
// outstanding repair.
type stage struct {
	seq     uint64
	blocks  []stagedBlock
	pending int32
}

func newStage(seq uint64, n int) *stage {
	return &stage{seq: seq, blocks: make([]stagedBlock, n), pending: 1}
}

// set copies 'data' into slot 'i'.
func (st *stage) set(i int, physical core.PhysicalAddr, data []byte) {
	st.blocks[i] = stagedBlock{physical: physical, data: append([]byte(nil), data...)}
}

func (st *stage) hold() {
	atomic.AddInt32(&st.pending, 1)
}

// done drops a hold and reports whether it was the last one.
func (st *stage) done() bool {
	return atomic.AddInt32(&st.pending, -1) == 0
}

// wrQueue batches data for the replace target into write bios. Data must be
// added at non-decreasing offsets: writePointer is the end of the last add and
// anything below it is refused. Stages complete out of order, so they are
// parked and released to the queue in the order the walker created them.
type wrQueue struct {
	lock sync.Mutex // wrLock

	target  core.DeviceID
	bioSize int

	curr           *wrBio
	writePointer   core.PhysicalAddr
	flushAllWrites bool

	nextTicket uint64
	nextSeq    uint64
	parked     map[uint64]*stage

	// Hands a full or flushed bio to the workers. Called with lock held.
	submitFn func(*wrBio)

	// Bios are numbered as they're submitted and issued in that order.
	nextBio   uint64
	issueLock sync.Mutex
	issued    *sync.Cond
	nextIssue uint64
}

func newWrQueue(target core.DeviceID, bioSize int, submit func(*wrBio)) *wrQueue {
	q := &wrQueue{
		target:   target,
		bioSize:  bioSize,
		parked:   make(map[uint64]*stage),
		submitFn: submit,
	}
	q.issued = sync.NewCond(&q.issueLock)
	return q
}

// ticket reserves the next place in write order.
func (q *wrQueue) ticket() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	t := q.nextTicket
	q.nextTicket++
	return t
}

// add stages 'data' for 'physical' on the target.
func (q *wrQueue) add(physical core.PhysicalAddr, data []byte) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.addLocked(physical, data)
}

func (q *wrQueue) addLocked(physical core.PhysicalAddr, data []byte) error {
	if physical < q.writePointer {
		return core.ErrWriteOrder.Error()
	}
	if q.curr != nil && (physical != q.curr.end() || len(q.curr.buf)+len(data) > q.bioSize) {
		q.submitLocked()
	}
	for len(data) > 0 {
		if q.curr == nil {
			q.curr = &wrBio{physical: physical, buf: make([]byte, 0, q.bioSize)}
		}
		n := q.bioSize - len(q.curr.buf)
		if n > len(data) {
			n = len(data)
		}
		q.curr.buf = append(q.curr.buf, data[:n]...)
		data = data[n:]
		physical = physical.Add(core.AddrDelta(n))
		q.writePointer = physical
		if len(q.curr.buf) == q.bioSize || q.flushAllWrites {
			q.submitLocked()
		}
	}
	return nil
}

// submit flushes the partially filled bio, if any.
func (q *wrQueue) submit() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.submitLocked()
}

func (q *wrQueue) submitLocked() {
	if q.curr == nil || len(q.curr.buf) == 0 {
		return
	}
	b := q.curr
	q.curr = nil
	b.seq = q.nextBio
	q.nextBio++
	q.submitFn(b)
}

// issue runs 'write' for 'b' after every bio submitted before it has been
// issued. Workers pop writes in submission order, so the bio being waited on
// is always held by a running worker.
func (q *wrQueue) issue(b *wrBio, write func(*wrBio)) {
	q.issueLock.Lock()
	for q.nextIssue != b.seq {
		q.issued.Wait()
	}
	q.issueLock.Unlock()

	write(b)

	q.issueLock.Lock()
	q.nextIssue++
	q.issued.Broadcast()
	q.issueLock.Unlock()
}

// flushAll makes every later add go out immediately, and flushes what's
// staged now.
func (q *wrQueue) flushAll() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.flushAllWrites = true
	q.submitLocked()
}

// finish adds the blocks of 'st', and of every parked stage it unblocks, to
// the queue.
func (q *wrQueue) finish(st *stage) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.parked[st.seq] = st
	var err error
	for {
		next, ok := q.parked[q.nextSeq]
		if !ok {
			break
		}
		delete(q.parked, q.nextSeq)
		q.nextSeq++
		for _, b := range next.blocks {
			if e := q.addLocked(b.physical, b.data); e != nil && err == nil {
				err = e
			}
		}
	}
	return err
}
