// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/scrub/internal/core"
)

// OpFailure is used by failure service and maps operation names to their
// registered failure errors. The scrubber consults it at the start of a scrub
// ("alloc") and before each write to a replace target ("target_write").
type OpFailure struct {
	// When failure service is enabled, what errors failed operations should
	// return and the lock for them.
	lock     sync.Mutex
	failures map[string]core.Error
}

// NewOpFailure creates a new OpFailure.
func NewOpFailure() *OpFailure {
	return &OpFailure{failures: make(map[string]core.Error)}
}

// Get returns the registered error for the given operation 'op'. NoError is
// returned if no error is registered for 'op'. A nil OpFailure has no errors.
func (f *OpFailure) Get(op string) core.Error {
	if f == nil {
		return core.NoError
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.failures[op]
}

// Set registers 'err' for 'op' directly, without going through the failure
// service. NoError clears it.
func (f *OpFailure) Set(op string, err core.Error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err == core.NoError {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Handler is the method to be registered with the failure service that handles
// the update of failure configurations.
func (f *OpFailure) Handler(config json.RawMessage) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	log.Infof("received new failure config: %s", string(config))
	if config == nil {
		f.failures = make(map[string]core.Error)
		return nil
	}

	var failures map[string]core.Error
	if err := json.Unmarshal(config, &failures); nil != err {
		log.Errorf("failed to unmarshal config: %s", err)
		return err
	}
	f.failures = failures
	return nil
}
