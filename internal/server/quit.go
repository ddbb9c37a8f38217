// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"net/http"

	log "github.com/golang/glog"
)

// QuitHandler returns a handler that runs 'cleanup' and then shuts down the
// process. Should be used for testing only.
func QuitHandler(cleanup func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if cleanup != nil {
			cleanup()
		}
		log.Flush()
		log.Fatalf("Received a quit request, kill the process.")
	}
}
