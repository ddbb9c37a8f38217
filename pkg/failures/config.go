// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package failures

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler is called with the new value of its key, or nil when the key is
// cleared.
type Handler func(json.RawMessage) error

type registry struct {
	lock     sync.Mutex
	values   map[string]json.RawMessage // nil value means no failure injected
	handlers map[string]Handler
}

func newRegistry() *registry {
	return &registry{
		values:   make(map[string]json.RawMessage),
		handlers: make(map[string]Handler),
	}
}

func (r *registry) register(key string, h Handler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("key %q is already registered", key)
	}
	r.handlers[key] = h
	r.values[key] = nil
	return nil
}

func (r *registry) unregister(key string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.handlers, key)
	delete(r.values, key)
}

func (r *registry) keys() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON implements json.Marshaler.
func (r *registry) MarshalJSON() ([]byte, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make(map[string]*json.RawMessage, len(r.values))
	for k, v := range r.values {
		if v == nil {
			out[k] = nil
			continue
		}
		c := v
		out[k] = &c
	}
	return json.Marshal(out)
}

// apply replaces the whole configuration with 'updates'. Keys missing from
// 'updates' are reset. Nothing changes if any key is unknown.
func (r *registry) apply(updates map[string]json.RawMessage) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for key := range updates {
		if _, ok := r.handlers[key]; !ok {
			return fmt.Errorf("key %q is not registered", key)
		}
	}

	for key, cur := range r.values {
		next := updates[key]
		if isNull(next) {
			next = nil
		}
		if next != nil || cur != nil {
			if err := r.handlers[key](next); err != nil {
				return fmt.Errorf("%s: %s", key, err)
			}
		}
		r.values[key] = next
	}
	return nil
}

func isNull(m json.RawMessage) bool {
	return m == nil || string(m) == "null"
}
