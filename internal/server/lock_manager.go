// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// LockManager provides exclusive access to a logical block. Two devices that
// hold mirrors of the same block may be scrubbed at once, and both may decide
// to repair it; the repair path holds the block lock while it re-reads and
// rewrites the block so the two don't interleave.
type LockManager interface {
	// LockBlock acquires exclusive access to the block at 'logical'.
	LockBlock(logical core.LogicalAddr)

	// UnlockBlock releases the lock on the block at 'logical'.
	UnlockBlock(logical core.LogicalAddr)
}

// FineGrainedLock implements LockManager.
type FineGrainedLock struct {
	// Protects cond and blocks.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// If present, the block is locked.
	blocks map[core.LogicalAddr]bool
}

// NewFineGrainedLock creates a new FineGrainedLock.
func NewFineGrainedLock() *FineGrainedLock {
	f := new(FineGrainedLock)
	f.cond.L = &f.lock
	f.blocks = make(map[core.LogicalAddr]bool)
	return f
}

// LockBlock locks a block.
func (f *FineGrainedLock) LockBlock(logical core.LogicalAddr) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.blocks[logical] {
		f.cond.Wait()
	}
	f.blocks[logical] = true
}

// UnlockBlock unlocks a block.
func (f *FineGrainedLock) UnlockBlock(logical core.LogicalAddr) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.blocks[logical] {
		panic("wasn't locked!")
	}
	delete(f.blocks, logical)
	f.cond.Broadcast()
}
