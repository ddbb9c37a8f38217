// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package scrub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
	"github.com/westerndigitalcorporation/scrub/internal/history"
	"github.com/westerndigitalcorporation/scrub/internal/server"
)

// HistoryReader returns finished runs. *history.SqliteDB implements it.
type HistoryReader interface {
	Recent(dev core.DeviceID, limit int) ([]history.Run, error)
}

// ScrubReply is the reply to /scrub and /resume, and one element of the
// reply to /progress.
type ScrubReply struct {
	Dev      core.DeviceID `json:"dev"`
	Started  bool          `json:"started,omitempty"` // for scrubs started in the background
	Outcome  string        `json:"outcome,omitempty"`
	Err      string        `json:"err,omitempty"`
	Progress core.Progress `json:"progress"`
}

// Controller serves the scrub control API on a unix socket.
type Controller struct {
	s       *Scrubber
	history HistoryReader // may be nil
	mux     *http.ServeMux
}

// NewController creates a controller of 's'.
func NewController(s *Scrubber, h HistoryReader) *Controller {
	c := &Controller{s: s, history: h, mux: http.NewServeMux()}
	c.mux.HandleFunc("/scrub", c.post(c.scrub))
	c.mux.HandleFunc("/resume", c.post(c.resume))
	c.mux.HandleFunc("/pause", c.post(c.pause))
	c.mux.HandleFunc("/continue", c.post(c.cont))
	c.mux.HandleFunc("/cancel", c.post(c.cancel))
	c.mux.HandleFunc("/progress", c.progress)
	c.mux.HandleFunc("/history", c.recent)
	c.mux.HandleFunc("/readonly", func(w http.ResponseWriter, r *http.Request) {
		server.ReadOnlyHandler(w, r, s)
	})
	return c
}

// Mux returns the handlers, for adding more of them.
func (c *Controller) Mux() *http.ServeMux {
	return c.mux
}

// Listen serves the controller on the unix socket at 'path'.
func (c *Controller) Listen(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	log.Infof("controller listening on %s", path)
	go http.Serve(l, c.mux)
	return nil
}

func (c *Controller) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			fmt.Fprint(w, "Bad method (POST allowed)")
			return
		}
		h(w, r)
	}
}

func (c *Controller) scrub(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dev, err := core.ParseDeviceID(q.Get("dev"))
	if err != nil {
		replyError(w, core.ErrInvalidArgument, "bad dev: %s", err)
		return
	}
	var start, end, target int64
	for _, a := range []struct {
		name string
		v    *int64
	}{{"start", &start}, {"end", &end}, {"target", &target}} {
		if s := q.Get(a.name); s != "" {
			if *a.v, err = strconv.ParseInt(s, 0, 64); err != nil {
				replyError(w, core.ErrInvalidArgument, "bad %s: %s", a.name, err)
				return
			}
		}
	}
	readonly := q.Get("readonly") == "true"

	run := func(ctx context.Context) (core.Progress, error) {
		return c.s.ScrubDev(ctx, dev, core.PhysicalAddr(start), core.PhysicalAddr(end), readonly, core.DeviceID(target))
	}
	c.start(w, r, dev, run)
}

func (c *Controller) resume(w http.ResponseWriter, r *http.Request) {
	dev, err := core.ParseDeviceID(r.URL.Query().Get("dev"))
	if err != nil {
		replyError(w, core.ErrInvalidArgument, "bad dev: %s", err)
		return
	}
	if _, serr := c.s.resumeSpec(dev); serr != core.NoError {
		replyError(w, serr, "dev %s", dev)
		return
	}
	c.start(w, r, dev, func(ctx context.Context) (core.Progress, error) {
		return c.s.Resume(ctx, dev)
	})
}

// start runs 'run' to completion with wait=true, or in the background.
func (c *Controller) start(w http.ResponseWriter, r *http.Request, dev core.DeviceID, run func(context.Context) (core.Progress, error)) {
	if r.URL.Query().Get("wait") == "true" {
		// The scrub goes away with the client.
		p, err := run(r.Context())
		reply := ScrubReply{Dev: dev, Progress: p, Outcome: p.Outcome().String()}
		if err != nil {
			reply.Err = err.Error()
		}
		replyJSON(w, HTTPStatus(core.FromError(err)), reply)
		return
	}

	for _, d := range c.s.Running() {
		if d == dev {
			replyError(w, core.ErrInProgress, "dev %s", dev)
			return
		}
	}
	go func() {
		if _, err := run(context.Background()); err != nil {
			log.Errorf("scrub of dev %s: %s", dev, err)
		}
	}()
	replyJSON(w, http.StatusAccepted, ScrubReply{Dev: dev, Started: true})
}

func (c *Controller) pause(w http.ResponseWriter, r *http.Request) {
	c.s.Pause()
	fmt.Fprint(w, "paused")
}

func (c *Controller) cont(w http.ResponseWriter, r *http.Request) {
	if err := c.s.Continue(); err != nil {
		replyError(w, core.FromError(err), "")
		return
	}
	fmt.Fprint(w, "continued")
}

func (c *Controller) cancel(w http.ResponseWriter, r *http.Request) {
	var err error
	if s := r.URL.Query().Get("dev"); s != "" {
		dev, perr := core.ParseDeviceID(s)
		if perr != nil {
			replyError(w, core.ErrInvalidArgument, "bad dev: %s", perr)
			return
		}
		err = c.s.CancelDev(dev)
	} else {
		err = c.s.Cancel()
	}
	if err != nil {
		replyError(w, core.FromError(err), "")
		return
	}
	fmt.Fprint(w, "canceled")
}

// progress returns the status of one device with ?dev=, or of all of them.
func (c *Controller) progress(w http.ResponseWriter, r *http.Request) {
	s := r.URL.Query().Get("dev")
	if s == "" {
		replyJSON(w, http.StatusOK, c.s.StatusAll())
		return
	}
	dev, err := core.ParseDeviceID(s)
	if err != nil {
		replyError(w, core.ErrInvalidArgument, "bad dev: %s", err)
		return
	}
	st, err := c.s.Status(dev)
	if err != nil {
		replyError(w, core.FromError(err), "dev %s", dev)
		return
	}
	if !st.Scrubbed {
		replyError(w, core.ErrNotRunning, "dev %s", dev)
		return
	}
	replyJSON(w, http.StatusOK, []DevStatus{st})
}

func (c *Controller) recent(w http.ResponseWriter, r *http.Request) {
	if c.history == nil {
		replyError(w, core.ErrNotRunning, "no history kept")
		return
	}
	q := r.URL.Query()
	var dev core.DeviceID
	if s := q.Get("dev"); s != "" {
		var err error
		if dev, err = core.ParseDeviceID(s); err != nil {
			replyError(w, core.ErrInvalidArgument, "bad dev: %s", err)
			return
		}
	}
	limit := 20
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			replyError(w, core.ErrInvalidArgument, "bad limit %q", s)
			return
		}
		limit = n
	}
	runs, err := c.history.Recent(dev, limit)
	if err != nil {
		log.Errorf("failed to read scrub history: %s", err)
		replyError(w, core.ErrUnknown, "%s", err)
		return
	}
	replyJSON(w, http.StatusOK, runs)
}

// HTTPStatus maps a scrub error to the status code the controller replies
// with.
func HTTPStatus(err core.Error) int {
	switch err {
	case core.NoError:
		return http.StatusOK
	case core.ErrInvalidArgument:
		return http.StatusBadRequest
	case core.ErrNoSuchDevice, core.ErrNotRunning:
		return http.StatusNotFound
	case core.ErrInProgress, core.ErrCanceled, core.ErrCancelFailed:
		return http.StatusConflict
	case core.ErrNoMemory:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func replyError(w http.ResponseWriter, err core.Error, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(HTTPStatus(err))
	if format == "" {
		fmt.Fprint(w, err.String())
		return
	}
	fmt.Fprintf(w, "%s: %s", err, fmt.Sprintf(format, args...))
}

func replyJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to encode reply: %s", err)
	}
}
