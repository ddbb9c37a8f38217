// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"sync"
	"time"

	log "github.com/golang/glog"
)

// workerPool runs the completion work of every scrub: bio reads and their
// verification, repairs and replace writes. It's started by the first running
// scrub and stopped after the last one.
type workerPool struct {
	queue *requestQueue

	// How many workers to run.
	n int

	lock sync.Mutex
	refs int
}

func newWorkerPool(n int) *workerPool {
	return &workerPool{queue: newRequestQueue(), n: n}
}

// get takes a reference, starting the workers if there were none.
func (w *workerPool) get() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.refs == 0 {
		for i := 0; i < w.n; i++ {
			go w.worker()
		}
		log.V(1).Infof("started %d scrub workers", w.n)
	}
	w.refs++
}

// put drops a reference, stopping the workers after the last one. Everything
// scheduled by the caller must have completed.
func (w *workerPool) put() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.refs--; w.refs > 0 {
		return
	}
	for i := 0; i < w.n; i++ {
		w.schedule(ControlPri, exitRequest{})
	}
	log.V(1).Infof("stopping %d scrub workers", w.n)
}

func (w *workerPool) schedule(pri Priority, op interface{}) {
	metricQueueLength.Observe(float64(w.queue.len()))
	w.queue.push(pri, op)
}

func (w *workerPool) worker() {
	for {
		req := w.queue.pop()
		metricWaitTime.WithLabelValues(priorityName(req.priority)).Observe(float64(time.Since(req.enqueueTime)) / 1e9)
		log.V(5).Infof("executing %s", req)
		switch op := req.op.(type) {
		case readRequest:
			op.bio.sctx.readBio(op.bio)
		case repairRequest:
			op.sctx.repair(op)
		case writeRequest:
			op.bio.sctx.writeBio(op.bio)
		case exitRequest:
			return
		default:
			log.Fatalf("unknown request %s", req)
		}
	}
}

func priorityName(p Priority) string {
	switch p {
	case ReadPri:
		return "read"
	case RepairPri:
		return "repair"
	}
	return "write"
}
