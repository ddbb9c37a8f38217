// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures implements the failure service. Components register a
// handler under a key; an operator then GETs the current configuration or
// POSTs a new one as a JSON object mapping keys to opaque values:
//
//	curl --unix-socket /run/scrubd.sock http://x/__failure__ -XPOST -d \
//	  '{"device_faults": {"2": [{"start": 1048576, "end": 1052672, "op": "read"}]}}'
//
// Every POST replaces the entire configuration. Keys missing from the body are
// reset, which calls their handler with a nil value, so posting "{}" clears all
// injected failures.
package failures

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// DefaultFailureServicePath is the path that the failure service handler will
// be mounted on, by default.
const DefaultFailureServicePath = "/__failure__"

var global = newRegistry()

// Init mounts the failure service on the default path of the given mux.
func Init(mux *http.ServeMux) {
	mux.Handle(DefaultFailureServicePath, httpHandler())
}

// Register registers a failure handler to a given key of failure configuration.
// You can not register a failure handler to a key which has already been
// registered.
func Register(key string, h func(json.RawMessage) error) error {
	return global.register(key, h)
}

// Unregister removes a key. Its handler is not called.
func Unregister(key string) {
	global.unregister(key)
}

// Keys returns the registered keys, sorted.
func Keys() []string {
	return global.keys()
}

// Set replaces the configuration, as a POST would.
func Set(updates map[string]json.RawMessage) error {
	return global.apply(updates)
}

// httpHandler serves the failure configuration.
func httpHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(global)
		case http.MethodPost:
			var updates map[string]json.RawMessage
			if err := json.NewDecoder(req.Body).Decode(&updates); err != nil {
				replyError(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := global.apply(updates); err != nil {
				replyError(w, err.Error(), http.StatusBadRequest)
			}
		default:
			replyError(w, fmt.Sprintf("unsupported method %s", req.Method), http.StatusMethodNotAllowed)
		}
	})
}

func replyError(w http.ResponseWriter, errorStr string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, errorStr)
}
