// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/internal/volume"
)

// scrubBio is a read of physically contiguous blocks of one device.
type scrubBio struct {
	sctx     *scrubCtx
	index    int
	nextFree int
	inFlight bool

	physical core.PhysicalAddr
	length   int
	buf      []byte
	blocks   []volume.Block

	// Order of the bio among the bios of a replace.
	seq uint64
}

func (b *scrubBio) reset() {
	b.physical, b.length, b.seq = 0, 0, 0
	b.blocks = b.blocks[:0]
}

// fits reports whether 'blk' can be added to the bio.
func (b *scrubBio) fits(blk volume.Block) bool {
	if b.length == 0 {
		return blk.Length <= cap(b.buf)
	}
	return blk.Physical == b.physical.Add(core.AddrDelta(b.length)) && b.length+blk.Length <= cap(b.buf)
}

func (b *scrubBio) add(blk volume.Block) {
	if b.length == 0 {
		b.physical = blk.Physical
	}
	b.blocks = append(b.blocks, blk)
	b.length += blk.Length
}

// data returns the bytes of block 'i' after the bio was read.
func (b *scrubBio) data(i int) []byte {
	off := int(b.blocks[i].Physical.Sub(b.physical))
	return b.buf[off : off+b.blocks[i].Length]
}

// bioRing is the fixed set of read bios of a scrub. Free slots are chained
// through nextFree starting at firstFree; curr is the slot being filled by
// the walker. The lock also guards the in-flight and pending counters, and
// wait is broadcast whenever a slot frees up or a counter drops.
type bioRing struct {
	lock sync.Mutex
	wait sync.Cond

	bios      []*scrubBio
	firstFree int
	curr      int

	biosInFlight   int
	workersPending int
	canceled       bool

	// High water mark of biosInFlight.
	maxInFlight int
}

func newBioRing(sctx *scrubCtx, n, bioSize int) *bioRing {
	r := &bioRing{bios: make([]*scrubBio, n), curr: -1}
	r.wait.L = &r.lock
	for i := range r.bios {
		r.bios[i] = &scrubBio{
			sctx:     sctx,
			index:    i,
			nextFree: i + 1,
			buf:      make([]byte, 0, bioSize),
		}
	}
	r.bios[n-1].nextFree = -1
	return r
}

// acquire returns a free slot, waiting for one if the ring is full. It fails
// with ErrCanceled once the scrub is canceled.
func (r *bioRing) acquire() (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for r.firstFree < 0 && !r.canceled {
		r.wait.Wait()
	}
	if r.canceled {
		return -1, core.ErrCanceled.Error()
	}
	i := r.firstFree
	b := r.bios[i]
	if b.inFlight {
		log.Fatalf("bio %d is free but in flight", i)
	}
	r.firstFree = b.nextFree
	b.nextFree = -1
	return i, nil
}

// start marks bio 'i' in flight.
func (r *bioRing) start(i int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.bios[i].inFlight = true
	r.biosInFlight++
	if r.biosInFlight > len(r.bios) {
		log.Fatalf("%d bios in flight, only have %d", r.biosInFlight, len(r.bios))
	}
	if r.biosInFlight > r.maxInFlight {
		r.maxInFlight = r.biosInFlight
	}
}

// release puts bio 'i' back on the free list.
func (r *bioRing) release(i int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	b := r.bios[i]
	if b.inFlight {
		b.inFlight = false
		r.biosInFlight--
	}
	b.reset()
	b.nextFree = r.firstFree
	r.firstFree = i
	r.wait.Broadcast()
}

// addPending adjusts the count of queued or running work items.
func (r *bioRing) addPending(n int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.workersPending += n
	if r.workersPending < 0 {
		log.Fatalf("negative pending work count")
	}
	if r.workersPending == 0 {
		r.wait.Broadcast()
	}
}

func (r *bioRing) cancel() {
	r.lock.Lock()
	r.canceled = true
	r.wait.Broadcast()
	r.lock.Unlock()
}

// waitIdle waits until no bio is in flight and no work is pending.
func (r *bioRing) waitIdle() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for r.biosInFlight > 0 || r.workersPending > 0 {
		r.wait.Wait()
	}
}

// counts returns the current counters and the high water mark.
func (r *bioRing) counts() (inFlight, pending, max int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.biosInFlight, r.workersPending, r.maxInFlight
}

// free drops the bio buffers. Nothing may be in flight.
func (r *bioRing) free() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, b := range r.bios {
		if b.inFlight {
			log.Fatalf("freeing bio %d while in flight", b.index)
		}
		b.buf = nil
	}
}
