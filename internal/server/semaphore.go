// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

// Semaphore bounds how many holders run at once. scrubd uses it to cap the
// repairs in flight across every device, since each one reads all the other
// mirrors of a block.
type Semaphore chan struct{}

// NewSemaphore creates a new semaphore with 'max' number of permits.
func NewSemaphore(max int) Semaphore {
	return make(Semaphore, max)
}

// Acquire blocks until a permit is available and takes it.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// Release returns a permit.
func (s Semaphore) Release() {
	<-s
}

// InUse returns the number of permits currently held.
func (s Semaphore) InUse() int {
	return len(s)
}

// Max returns the number of permits.
func (s Semaphore) Max() int {
	return cap(s)
}
