// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package scrub reads every allocated block of a device, verifies it against
// its checksum or tree block header, and rewrites bad copies from a good
// mirror. It can also copy a device to a replacement while doing so.
//
// A Scrubber runs at most one scrub per device. Each scrub has a walker
// goroutine that fills a bounded set of read bios, and a pool of workers
// shared by every scrub completes them:
//
//	walker --> bioRing (BiosPerCtx slots) --> workers --> verify
//	                                                       |-> repair (mirrors)
//	                                                       '-> wrQueue (replace target)
//
// Scrubs can be paused, continued and canceled. Cancellation is cooperative:
// nothing new is read once a scrub is canceled, and what's in flight drains.
package scrub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/internal/history"
	"github.com/westerndigitalcorporation/scrub/internal/progressdb"
	"github.com/westerndigitalcorporation/scrub/internal/server"
	"github.com/westerndigitalcorporation/scrub/internal/volume"
	"github.com/westerndigitalcorporation/scrub/pkg/csum"
	"github.com/westerndigitalcorporation/scrub/pkg/retry"
	"github.com/westerndigitalcorporation/scrub/pkg/tokenbucket"
)

// Pool is what the scrubber needs from the devices it scrubs.
// *volume.Pool implements it.
type Pool interface {
	FSID() core.FSID
	SectorSize() int
	NodeSize() int
	CsumType() csum.Type
	Generation() uint64

	Devices() []core.DeviceID
	DeviceSize(id core.DeviceID) (int64, bool)
	DevStats(id core.DeviceID) volume.DevStats
	BumpDevStat(id core.DeviceID, kind volume.DevStatKind)

	ReadDevice(id core.DeviceID, physical core.PhysicalAddr, buf []byte) error
	DropCache(id core.DeviceID, physical core.PhysicalAddr, length int64)
	WriteBlock(id core.DeviceID, physical core.PhysicalAddr, data []byte) error
	SyncDevice(id core.DeviceID) error

	LookupCsum(logical core.LogicalAddr) (csum.Sum, bool, error)
	NumMirrors(logical core.LogicalAddr) int
	ReadMirror(ctx context.Context, logical core.LogicalAddr, length int, mirror int) ([]byte, error)

	DevExtents(id core.DeviceID) []volume.DevExtent
	WalkDevExtent(de volume.DevExtent, from, to core.PhysicalAddr, fn func(volume.Extent, []volume.Block) bool)
	ParityRows(de volume.DevExtent, from, to core.PhysicalAddr, fn func(row int64) bool)
	RowPhysical(de volume.DevExtent, row int64) core.PhysicalAddr
	CheckParity(ctx context.Context, de volume.DevExtent, row int64, repair bool) (volume.ParityResult, error)
}

// Checkpointer stores the progress of runs. *progressdb.DB implements it.
type Checkpointer interface {
	Put(progressdb.Record) error
	Get(fsid core.FSID, dev core.DeviceID) (progressdb.Record, bool, error)
}

// Recorder keeps finished runs. *history.SqliteDB implements it.
type Recorder interface {
	Add(history.Run) error
}

// Option configures a Scrubber.
type Option func(*Scrubber)

// WithCheckpoints makes the scrubber checkpoint runs to 'c'.
func WithCheckpoints(c Checkpointer) Option {
	return func(s *Scrubber) { s.checkpoints = c }
}

// WithHistory makes the scrubber record finished runs in 'r'.
func WithHistory(r Recorder) Option {
	return func(s *Scrubber) { s.history = r }
}

// WithOpFailure lets the failure service fail scrubber operations.
func WithOpFailure(f *server.OpFailure) Option {
	return func(s *Scrubber) { s.opFailure = f }
}

// Scrubber scrubs the devices of a pool.
type Scrubber struct {
	pool Pool
	cfg  *Config

	checkpoints Checkpointer // may be nil
	history     Recorder     // may be nil
	opFailure   *server.OpFailure

	workers *workerPool

	// Repairs of one logical block are serialized, bounded in number, and
	// their mirror reads are rate limited.
	blockLocks   server.LockManager
	repairSem    server.Semaphore
	repairBucket *tokenbucket.TokenBucket
	retrier      retry.Retrier

	readonly int32

	// lock protects everything below. cond is broadcast whenever a scrub
	// ends, pauses or a pause or cancel request changes.
	lock    sync.Mutex
	cond    *sync.Cond
	running map[core.DeviceID]*scrubCtx
	last    map[core.DeviceID]progressdb.Record

	pauseReq  int
	cancelReq int
}

// NewScrubber returns a scrubber of 'pool'.
func NewScrubber(pool Pool, cfg *Config, opts ...Option) *Scrubber {
	s := &Scrubber{
		pool:         pool,
		cfg:          cfg,
		workers:      newWorkerPool(cfg.Workers),
		blockLocks:   server.NewFineGrainedLock(),
		repairSem:    server.NewSemaphore(cfg.MaxRepairsInFlight),
		repairBucket: tokenbucket.New(float64(cfg.RepairRate), float64(cfg.RepairRate)),
		retrier: retry.Retrier{
			MinSleep:      cfg.RepairRetryMin,
			MaxSleep:      cfg.RepairRetryMax,
			MaxNumRetries: cfg.RepairRetries,
		},
		running: make(map[core.DeviceID]*scrubCtx),
		last:    make(map[core.DeviceID]progressdb.Record),
	}
	s.cond = sync.NewCond(&s.lock)
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScrubDev scrubs [start, end) of device 'dev' and returns the final counters.
// An 'end' of 0 or past the device means the end of the device. With
// 'readonly' nothing is repaired. A non-zero 'target' copies the device to
// that device, as when replacing it.
//
// The scrub is canceled if 'ctx' is. A canceled scrub returns ErrCanceled
// along with the counters up to that point.
func (s *Scrubber) ScrubDev(ctx context.Context, dev core.DeviceID, start, end core.PhysicalAddr, readonly bool, target core.DeviceID) (core.Progress, error) {
	p, err := s.scrubDev(ctx, runSpec{dev: dev, start: start, end: end, readonly: readonly, target: target})
	return p, err.Error()
}

func (s *Scrubber) scrubDev(ctx context.Context, r runSpec) (core.Progress, core.Error) {
	if err := s.checkRun(&r); err != core.NoError {
		return r.base, err
	}
	c, err := s.claim(ctx, r)
	if err != core.NoError {
		return r.base, err
	}

	s.workers.get()
	defer s.workers.put()
	stop := context.AfterFunc(ctx, func() { s.cancelCtx(c) })
	defer stop()
	done, loopDone := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(loopDone)
		s.checkpointLoop(c, done)
	}()

	log.Infof("scrub of dev %s [%v, %v) starting at %v, readonly=%t target=%s", c.dev, r.start, r.end, c.start, r.readonly, r.target)
	err = c.run()
	close(done)
	<-loopDone

	rec := c.record()
	rec.Finished = time.Now()
	rec.Err = err
	s.release(c, rec)
	s.record(rec)
	c.put()

	logStats(rec)
	return rec.Progress, err
}

// checkRun validates and fills in the range of 'r'.
func (s *Scrubber) checkRun(r *runSpec) core.Error {
	size, ok := s.pool.DeviceSize(r.dev)
	if !ok {
		return core.ErrNoSuchDevice
	}
	if err := s.cfg.ValidateFor(s.pool.SectorSize(), s.pool.NodeSize()); err != nil {
		log.Errorf("can't scrub dev %s: %s", r.dev, err)
		return core.ErrInvalidArgument
	}
	if r.end <= 0 || int64(r.end) > size {
		r.end = core.PhysicalAddr(size)
	}
	if r.start < 0 || r.start >= r.end {
		log.Errorf("dev %s: bad scrub range [%v, %v)", r.dev, r.start, r.end)
		return core.ErrInvalidArgument
	}
	if r.target == 0 {
		if s.ReadOnlyMode() {
			r.readonly = true
		}
		return core.NoError
	}

	if r.readonly || r.target == r.dev {
		return core.ErrInvalidArgument
	}
	tsize, ok := s.pool.DeviceSize(r.target)
	if !ok {
		return core.ErrNoSuchDevice
	}
	if tsize < int64(r.end) || len(s.pool.DevExtents(r.target)) > 0 {
		log.Errorf("dev %s can't replace dev %s: %d bytes, %d dev extents", r.target, r.dev, tsize, len(s.pool.DevExtents(r.target)))
		return core.ErrInvalidArgument
	}
	return core.NoError
}

// claim registers a new scrub of r.dev. It waits out a pause in effect,
// unless 'ctx' is canceled meanwhile.
func (s *Scrubber) claim(ctx context.Context, r runSpec) (*scrubCtx, core.Error) {
	stop := context.AfterFunc(ctx, func() {
		s.lock.Lock()
		s.cond.Broadcast()
		s.lock.Unlock()
	})
	defer stop()

	s.lock.Lock()
	defer s.lock.Unlock()
	for s.pauseReq > 0 && s.cancelReq == 0 && ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.cancelReq > 0 || (s.pauseReq > 0 && ctx.Err() != nil) {
		return nil, core.ErrCanceled
	}
	// A device is busy while it's scrubbed or is the target of a replace.
	for _, c := range s.running {
		if c.dev == r.dev || c.spec.target == r.dev {
			return nil, core.ErrInProgress
		}
		if r.target != 0 && (c.spec.target == r.target || c.dev == r.target) {
			return nil, core.ErrInProgress
		}
	}
	c, err := newScrubCtx(s, r)
	if err != core.NoError {
		return nil, err
	}
	s.running[r.dev] = c
	return c, core.NoError
}

// release unregisters a scrub that has drained.
func (s *Scrubber) release(c *scrubCtx, rec progressdb.Record) {
	s.lock.Lock()
	delete(s.running, c.dev)
	s.last[c.dev] = rec
	s.cond.Broadcast()
	s.lock.Unlock()
}

// record persists the final state of a run.
func (s *Scrubber) record(rec progressdb.Record) {
	if s.checkpoints != nil {
		if err := s.checkpoints.Put(rec); err != nil {
			log.Errorf("failed to checkpoint scrub of dev %s: %s", rec.Dev, err)
		}
	}
	if s.history == nil {
		return
	}
	result := rec.Progress.Outcome().String()
	if rec.Err != core.NoError {
		result = rec.Err.String()
	}
	run := history.Run{
		Dev:      rec.Dev,
		Started:  rec.Started,
		Finished: rec.Finished,
		Readonly: rec.Readonly,
		Target:   rec.Target,
		Result:   result,
		Progress: rec.Progress,
	}
	if err := s.history.Add(run); err != nil {
		log.Errorf("failed to add scrub of dev %s to history: %s", rec.Dev, err)
	}
}

// checkpointLoop saves the progress of 'c' until 'done' is closed.
func (s *Scrubber) checkpointLoop(c *scrubCtx, done <-chan struct{}) {
	if s.checkpoints == nil {
		return
	}
	t := time.NewTicker(s.cfg.CheckpointInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := s.checkpoints.Put(c.record()); err != nil {
				log.Errorf("failed to checkpoint scrub of dev %s: %s", c.dev, err)
			}
		}
	}
}

// cancelCtx cancels 'c' and wakes it if it's paused. The caller must not
// hold any scrub lock.
func (s *Scrubber) cancelCtx(c *scrubCtx) {
	c.cancel()
	s.lock.Lock()
	s.cond.Broadcast()
	s.lock.Unlock()
}

// blockedIfNeeded parks the walker of 'c' while a pause is requested. It
// first waits for everything 'c' has in flight, so a paused scrub does no
// I/O.
func (s *Scrubber) blockedIfNeeded(c *scrubCtx) {
	s.lock.Lock()
	req := s.pauseReq > 0
	s.lock.Unlock()
	if !req {
		return
	}

	c.submit()
	c.ring.waitIdle()
	c.wrSubmit()
	c.ring.waitIdle()

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pauseReq == 0 || c.isCanceled() {
		return
	}
	c.setState(core.Paused)
	s.cond.Broadcast()
	log.Infof("scrub of dev %s paused", c.dev)
	for s.pauseReq > 0 && !c.isCanceled() {
		s.cond.Wait()
	}
	c.setState(core.Running)
	log.Infof("scrub of dev %s continuing", c.dev)
}

// Pause pauses every running scrub, and scrubs started later until Continue
// is called. It returns once every running scrub is paused or has ended.
func (s *Scrubber) Pause() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pauseReq++
	for !s.allPausedLocked() {
		s.cond.Wait()
	}
	log.Infof("scrubs paused (%d running)", len(s.running))
}

func (s *Scrubber) allPausedLocked() bool {
	for _, c := range s.running {
		if c.getState() != core.Paused {
			return false
		}
	}
	return true
}

// Continue undoes a Pause. It returns ErrNotRunning if nothing was paused.
func (s *Scrubber) Continue() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pauseReq == 0 {
		return core.ErrNotRunning.Error()
	}
	s.pauseReq--
	s.cond.Broadcast()
	return nil
}

// Cancel cancels every running scrub and waits for them to drain. It returns
// ErrNotRunning if none was running.
func (s *Scrubber) Cancel() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.running) == 0 {
		return core.ErrNotRunning.Error()
	}
	s.cancelReq++
	for _, c := range s.running {
		c.cancel()
	}
	s.cond.Broadcast()
	for len(s.running) > 0 {
		s.cond.Wait()
	}
	s.cancelReq--
	s.cond.Broadcast()
	return nil
}

// CancelDev cancels the scrub of 'dev' and waits for it to drain. It returns
// ErrNotRunning if the device isn't being scrubbed.
func (s *Scrubber) CancelDev(dev core.DeviceID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, ok := s.running[dev]
	if !ok {
		return core.ErrNotRunning.Error()
	}
	c.cancel()
	s.cond.Broadcast()
	for s.running[dev] == c {
		s.cond.Wait()
	}
	return nil
}

// Progress returns the counters of the running scrub of 'dev', or of its
// last run. It returns ErrNotRunning if the device was never scrubbed.
func (s *Scrubber) Progress(dev core.DeviceID) (core.Progress, error) {
	rec, _, err := s.lookup(dev)
	return rec.Progress, err
}

// lookup finds the running or last run of 'dev'.
func (s *Scrubber) lookup(dev core.DeviceID) (progressdb.Record, bool, error) {
	s.lock.Lock()
	if c, ok := s.running[dev]; ok {
		rec := c.record()
		s.lock.Unlock()
		return rec, true, nil
	}
	rec, ok := s.last[dev]
	s.lock.Unlock()
	if ok {
		return rec, false, nil
	}

	if s.checkpoints != nil {
		rec, ok, err := s.checkpoints.Get(s.pool.FSID(), dev)
		if err != nil {
			log.Errorf("failed to look up checkpoint of dev %s: %s", dev, err)
		} else if ok {
			return rec, false, nil
		}
	}
	return progressdb.Record{}, false, core.ErrNotRunning.Error()
}

// DevStatus describes the scrub state of a device.
type DevStatus struct {
	progressdb.Record
	Running  bool
	Scrubbed bool // whether the device has been scrubbed at all
	DevStats volume.DevStats

	BiosInFlight, WorkersPending, MaxInFlight int
}

// Status returns the scrub state of 'dev'.
func (s *Scrubber) Status(dev core.DeviceID) (DevStatus, error) {
	if _, ok := s.pool.DeviceSize(dev); !ok {
		return DevStatus{}, core.ErrNoSuchDevice.Error()
	}
	st := DevStatus{DevStats: s.pool.DevStats(dev)}
	rec, running, err := s.lookup(dev)
	if err != nil {
		st.Dev = dev
		return st, nil
	}
	st.Record, st.Running, st.Scrubbed = rec, running, true
	if running {
		s.lock.Lock()
		if c, ok := s.running[dev]; ok {
			st.BiosInFlight, st.WorkersPending, st.MaxInFlight = c.ring.counts()
		}
		s.lock.Unlock()
	}
	return st, nil
}

// StatusAll returns the status of every device of the pool.
func (s *Scrubber) StatusAll() []DevStatus {
	var out []DevStatus
	for _, dev := range s.pool.Devices() {
		if st, err := s.Status(dev); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Resume restarts the last run of 'dev' where it stopped, if it was
// interrupted. The counters carry on from the checkpoint.
func (s *Scrubber) Resume(ctx context.Context, dev core.DeviceID) (core.Progress, error) {
	r, err := s.resumeSpec(dev)
	if err != core.NoError {
		return r.base, err.Error()
	}
	log.Infof("resuming scrub of dev %s at %v", dev, r.from)
	p, err := s.scrubDev(ctx, r)
	return p, err.Error()
}

// resumeSpec returns what's left of the last run of 'dev'.
func (s *Scrubber) resumeSpec(dev core.DeviceID) (runSpec, core.Error) {
	rec, running, err := s.lookup(dev)
	if err != nil {
		return runSpec{}, core.FromError(err)
	}
	r := runSpec{
		dev:      dev,
		start:    rec.Start,
		end:      rec.End,
		readonly: rec.Readonly,
		target:   rec.Target,
		from:     rec.Progress.LastPhysical,
		base:     rec.Progress,
	}
	if running {
		return r, core.ErrInProgress
	}
	if !rec.Interrupted() {
		log.Infof("last scrub of dev %s finished, nothing to resume", dev)
		return r, core.ErrNotRunning
	}
	return r, core.NoError
}

// Result is the outcome of scrubbing one device.
type Result struct {
	Dev      core.DeviceID
	Progress core.Progress
	Err      core.Error
}

// ScrubAll scrubs every device of the pool at once. A device already being
// scrubbed is reported with ErrInProgress. The error is the first that isn't
// about a single device's scrub being busy or canceled.
func (s *Scrubber) ScrubAll(ctx context.Context, readonly bool) ([]Result, error) {
	devs := s.pool.Devices()
	results := make([]Result, len(devs))
	var g errgroup.Group
	for i, dev := range devs {
		i, dev := i, dev
		g.Go(func() error {
			p, err := s.scrubDev(ctx, runSpec{dev: dev, readonly: readonly})
			results[i] = Result{Dev: dev, Progress: p, Err: err}
			switch err {
			case core.NoError, core.ErrInProgress, core.ErrCanceled:
				return nil
			}
			return err.Error()
		})
	}
	err := g.Wait()
	return results, err
}

// ReadOnlyMode reports whether scrubs are kept from repairing.
func (s *Scrubber) ReadOnlyMode() bool {
	return atomic.LoadInt32(&s.readonly) != 0
}

// SetReadOnlyMode makes every scrub started later read only, or not.
func (s *Scrubber) SetReadOnlyMode(ro bool) {
	var v int32
	if ro {
		v = 1
	}
	atomic.StoreInt32(&s.readonly, v)
}

// Running returns the devices being scrubbed.
func (s *Scrubber) Running() []core.DeviceID {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]core.DeviceID, 0, len(s.running))
	for dev := range s.running {
		out = append(out, dev)
	}
	return out
}

func logStats(rec progressdb.Record) {
	p := rec.Progress
	elapsed := rec.Finished.Sub(rec.Started)
	bytes := p.DataBytesScrubbed + p.TreeBytesScrubbed
	bps := bytes / uint64(1+int64(elapsed.Seconds()))
	result := p.Outcome().String()
	if rec.Err != core.NoError {
		result = rec.Err.String()
	}
	log.Infof("scrub of dev %s: %s, %d data and %d tree blocks, %d bytes in %s (%d bytes/sec): %s",
		rec.Dev, result, p.DataExtentsScrubbed, p.TreeExtentsScrubbed, bytes, elapsed, bps, p)
}
