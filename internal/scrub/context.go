// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/internal/progressdb"
	"github.com/westerndigitalcorporation/scrub/internal/volume"
)

// runSpec describes a scrub to start.
type runSpec struct {
	dev        core.DeviceID
	start, end core.PhysicalAddr
	readonly   bool
	target     core.DeviceID

	// A resumed run walks from 'from' and starts its counters at 'base'.
	from core.PhysicalAddr
	base core.Progress
}

// scrubCtx is one scrub of one device. The walker goroutine fills and
// submits read bios; the workers complete them. It's referenced once by the
// walker and once per bio, repair or write in flight, and the last put frees
// the bio buffers.
type scrubCtx struct {
	s    *Scrubber
	pool Pool
	cfg  *Config

	dev      core.DeviceID
	devLabel string
	spec     runSpec
	start    core.PhysicalAddr // where the walk begins
	end      core.PhysicalAddr
	readonly bool
	started  time.Time

	ring          *bioRing
	pagesPerRdBio int
	throttle      throttle // walker only

	isDevReplace bool
	wr           *wrQueue

	stats *stats

	cancelReq int32
	canceled  chan struct{}
	refs      int32
	state     int32

	errLock sync.Mutex
	err     core.Error // first error that stopped the scrub
}

func newScrubCtx(s *Scrubber, r runSpec) (*scrubCtx, core.Error) {
	bioSize := s.cfg.PagesPerRdBio * core.PageSize
	if err := s.opFailure.Get("alloc"); err != core.NoError {
		log.Errorf("failed to set up scrub of dev %s: %s", r.dev, err)
		return nil, err
	}

	from := r.start
	if r.from > from {
		from = r.from
	}
	c := &scrubCtx{
		s:             s,
		pool:          s.pool,
		cfg:           s.cfg,
		dev:           r.dev,
		devLabel:      r.dev.String(),
		spec:          r,
		start:         from,
		end:           r.end,
		readonly:      r.readonly,
		started:       time.Now(),
		pagesPerRdBio: s.cfg.PagesPerRdBio,
		throttle:      newThrottle(s.cfg.ScrubRate, s.cfg.ThrottleSlice),
		isDevReplace:  r.target != 0,
		stats:         newStats(r.dev, r.base),
		canceled:      make(chan struct{}),
		refs:          1,
	}
	c.ring = newBioRing(c, s.cfg.BiosPerCtx, bioSize)
	if c.isDevReplace {
		c.wr = newWrQueue(r.target, s.cfg.PagesPerWrBio*core.PageSize, c.submitWrite)
	}
	c.setState(core.Idle)
	return c, core.NoError
}

func (c *scrubCtx) get() {
	atomic.AddInt32(&c.refs, 1)
}

func (c *scrubCtx) put() {
	switch n := atomic.AddInt32(&c.refs, -1); {
	case n == 0:
		c.ring.free()
		log.V(2).Infof("scrub of dev %s released", c.dev)
	case n < 0:
		log.Fatalf("scrub of dev %s put too many times", c.dev)
	}
}

func (c *scrubCtx) setState(st core.State) {
	atomic.StoreInt32(&c.state, int32(st))
	metricState.WithLabelValues(c.devLabel).Set(float64(st))
}

func (c *scrubCtx) getState() core.State {
	return core.State(atomic.LoadInt32(&c.state))
}

// cancel stops the walker at its next check. Bios in flight complete.
func (c *scrubCtx) cancel() {
	if atomic.CompareAndSwapInt32(&c.cancelReq, 0, 1) {
		close(c.canceled)
		c.ring.cancel()
		log.Infof("scrub of dev %s canceled", c.dev)
	}
}

func (c *scrubCtx) isCanceled() bool {
	return atomic.LoadInt32(&c.cancelReq) != 0
}

// fail records the first error that must end the scrub, and cancels it.
func (c *scrubCtx) fail(err core.Error) {
	c.errLock.Lock()
	if c.err == core.NoError {
		c.err = err
	}
	c.errLock.Unlock()
	c.s.cancelCtx(c)
}

func (c *scrubCtx) failed() bool {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	return c.err != core.NoError
}

// result is what the scrub returns to its caller.
func (c *scrubCtx) result() core.Error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	if c.err != core.NoError {
		return c.err
	}
	if c.isCanceled() {
		return core.ErrCanceled
	}
	return core.NoError
}

// record describes the scrub for checkpoints and status.
func (c *scrubCtx) record() progressdb.Record {
	return progressdb.Record{
		FSID:     c.pool.FSID(),
		Dev:      c.dev,
		Start:    c.spec.start,
		End:      c.end,
		Readonly: c.readonly,
		Target:   c.spec.target,
		Started:  c.started,
		Updated:  time.Now(),
		State:    c.getState(),
		Progress: c.stats.snapshot(),
	}
}

// sleep waits for 'd' or until the scrub is canceled.
func (c *scrubCtx) sleep(d time.Duration) {
	metricThrottled.WithLabelValues(c.devLabel).Add(d.Seconds())
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.canceled:
	}
}

// run walks the device and drains. It's the walker goroutine.
func (c *scrubCtx) run() core.Error {
	c.setState(core.Running)
	if !c.isDevReplace {
		c.scrubSupers()
	}
	c.walk()
	c.drain()
	return c.result()
}

func (c *scrubCtx) walk() {
	for _, de := range c.pool.DevExtents(c.dev) {
		if de.End() <= c.start {
			continue
		}
		if de.Physical >= c.end {
			break
		}
		c.s.blockedIfNeeded(c)
		if c.isCanceled() {
			return
		}
		log.V(2).Infof("dev %s: scrubbing %s", c.dev, de)
		if de.IsParity() {
			c.scrubParity(de)
		} else {
			c.scrubStripe(de)
		}
		if c.isCanceled() {
			return
		}
	}
}

func (c *scrubCtx) scrubStripe(de volume.DevExtent) {
	c.pool.WalkDevExtent(de, c.start, c.end, func(e volume.Extent, blocks []volume.Block) bool {
		for _, blk := range blocks {
			if err := c.addBlock(blk); err != nil {
				return false
			}
		}
		last := blocks[len(blocks)-1]
		c.stats.setLast(last.Physical.Add(core.AddrDelta(last.Length)))
		if c.isCanceled() {
			return false
		}
		c.s.blockedIfNeeded(c)
		return !c.isCanceled()
	})
}

// addBlock puts a block in the bio being filled, submitting it when full or
// when the block isn't contiguous with it. It blocks while every bio is in
// flight. ring.curr is only touched by the walker.
func (c *scrubCtx) addBlock(blk volume.Block) error {
	for {
		if c.ring.curr < 0 {
			i, err := c.ring.acquire()
			if err != nil {
				return err
			}
			c.ring.curr = i
		}
		b := c.ring.bios[c.ring.curr]
		if b.fits(blk) {
			if b.length == 0 {
				c.stats.hold(blk.Physical)
			}
			b.add(blk)
			if b.length == cap(b.buf) {
				c.submit()
			}
			return nil
		}
		c.submit()
	}
}

// submit hands the bio being filled to the workers, after the throttle
// allows it. Once canceled, nothing new is read and the bio is dropped.
func (c *scrubCtx) submit() {
	if c.ring.curr < 0 {
		return
	}
	b := c.ring.bios[c.ring.curr]
	c.ring.curr = -1
	if b.length == 0 {
		c.ring.release(b.index)
		return
	}
	if d := c.throttle.delay(int64(b.length), time.Now()); d > 0 {
		c.sleep(d)
	}
	if c.isCanceled() {
		c.stats.rewind(b.physical)
		c.stats.unhold(b.physical)
		c.ring.release(b.index)
		return
	}
	if c.wr != nil {
		b.seq = c.wr.ticket()
	}
	c.ring.start(b.index)
	c.get()
	log.V(4).Infof("dev %s: submitting bio %d at %v len %d", c.dev, b.index, b.physical, b.length)
	c.s.workers.schedule(ReadPri, readRequest{bio: b})
}

// wrSubmit flushes the write bio being filled.
func (c *scrubCtx) wrSubmit() {
	if c.wr != nil {
		c.wr.submit()
	}
}

// submitWrite is called by the write queue with its lock held.
func (c *scrubCtx) submitWrite(b *wrBio) {
	b.sctx = c
	c.get()
	c.ring.addPending(1)
	c.s.workers.schedule(WritePri, writeRequest{bio: b})
}

// writeBio writes a bio to the replace target. It's run by a worker.
func (c *scrubCtx) writeBio(b *wrBio) {
	defer c.put()
	defer c.ring.addPending(-1)

	c.wr.issue(b, func(b *wrBio) {
		if c.failed() {
			return
		}
		op := writeOps.Start(c.devLabel)
		err := c.s.opFailure.Get("target_write").Error()
		if err == nil {
			err = c.pool.WriteBlock(c.wr.target, b.physical, b.buf)
		}
		if err != nil {
			op.Failed()
			log.Errorf("dev %s: write of %d bytes at %v to replace target %s failed: %s", c.dev, len(b.buf), b.physical, c.wr.target, err)
			c.fail(core.ErrReplaceWrite)
		}
		op.End()
	})
}

// finishStage drops a hold on 'st', passing it to the write queue after the
// last one.
func (c *scrubCtx) finishStage(st *stage) {
	if !st.done() {
		return
	}
	if err := c.wr.finish(st); err != nil {
		log.Errorf("dev %s: staging for replace target failed: %s", c.dev, err)
		c.fail(core.FromError(err))
	}
}

// drain waits for everything submitted to complete. The final put is left
// to the caller.
func (c *scrubCtx) drain() {
	c.setState(core.Draining)
	c.submit()
	if c.wr != nil {
		c.wr.flushAll()
	}
	c.ring.waitIdle()
	if c.wr != nil {
		c.wrSubmit()
		c.ring.waitIdle()
		if !c.failed() {
			if err := c.pool.SyncDevice(c.wr.target); err != nil {
				log.Errorf("dev %s: failed to sync replace target %s: %s", c.dev, c.wr.target, err)
				c.fail(core.ErrReplaceWrite)
			}
		}
	}
	c.setState(core.Terminated)
}
