// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package failures

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

type recorder struct {
	calls []json.RawMessage
}

func (r *recorder) handle(m json.RawMessage) error {
	r.calls = append(r.calls, m)
	return nil
}

func (r *recorder) take() []json.RawMessage {
	c := r.calls
	r.calls = nil
	return c
}

func setup(t *testing.T) (*httptest.Server, *recorder, *recorder) {
	global = newRegistry()
	faults, limit := &recorder{}, &recorder{}
	if err := Register("device_faults", faults.handle); err != nil {
		t.Fatal(err)
	}
	if err := Register("hdd_limit", limit.handle); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	Init(mux)
	srv := httptest.NewServer(mux)
	return srv, faults, limit
}

func postJSON(t *testing.T, srv *httptest.Server, body string) int {
	resp, err := http.Post(srv.URL+DefaultFailureServicePath, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("Failed to issue POST request: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func getJSON(t *testing.T, srv *httptest.Server) string {
	resp, err := http.Get(srv.URL + DefaultFailureServicePath)
	if err != nil {
		t.Fatalf("Failed to issue GET request: %v", err)
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func assertSame(t *testing.T, json1, json2 string) {
	var m1, m2 interface{}
	if err := json.Unmarshal([]byte(json1), &m1); err != nil {
		t.Fatalf("Failed to decode json data: %v", err)
	}
	if err := json.Unmarshal([]byte(json2), &m2); err != nil {
		t.Fatalf("Failed to decode json data: %v", err)
	}
	if !reflect.DeepEqual(m1, m2) {
		t.Fatalf("Inconsistent json data: %q %q", json1, json2)
	}
}

func TestInitialConfig(t *testing.T) {
	srv, faults, limit := setup(t)
	defer srv.Close()
	assertSame(t, `{"device_faults":null, "hdd_limit":null}`, getJSON(t, srv))
	if len(faults.take())+len(limit.take()) != 0 {
		t.Fatal("no handler should have been called")
	}
	if !reflect.DeepEqual(Keys(), []string{"device_faults", "hdd_limit"}) {
		t.Fatalf("bad keys %v", Keys())
	}
}

func TestRegisterDuplicate(t *testing.T) {
	srv, _, _ := setup(t)
	defer srv.Close()
	if err := Register("device_faults", func(json.RawMessage) error { return nil }); err == nil {
		t.Fatal("expected returning an error for registering a duplicate key")
	}
}

func TestPostAndReset(t *testing.T) {
	srv, faults, limit := setup(t)
	defer srv.Close()

	postJSON(t, srv, `{"device_faults": {"1": []}, "hdd_limit": 10}`)
	assertSame(t, `{"device_faults": {"1": []}, "hdd_limit": 10}`, getJSON(t, srv))
	if c := faults.take(); len(c) != 1 || string(c[0]) != `{"1": []}` {
		t.Fatalf("bad fault calls %q", c)
	}
	if c := limit.take(); len(c) != 1 || string(c[0]) != "10" {
		t.Fatalf("bad limit calls %q", c)
	}

	// Leaving out a key resets it.
	postJSON(t, srv, `{"hdd_limit": 10}`)
	if c := faults.take(); len(c) != 1 || c[0] != nil {
		t.Fatalf("expected a reset, got %q", c)
	}
	if c := limit.take(); len(c) != 1 {
		t.Fatalf("same value should still call the handler, got %q", c)
	}

	// Explicit null also resets.
	postJSON(t, srv, `{"hdd_limit": null}`)
	if c := limit.take(); len(c) != 1 || c[0] != nil {
		t.Fatalf("expected a reset, got %q", c)
	}
	if c := faults.take(); len(c) != 0 {
		t.Fatalf("cleared key shouldn't be called again, got %q", c)
	}
}

func TestPostInvalidData(t *testing.T) {
	srv, faults, limit := setup(t)
	defer srv.Close()

	postJSON(t, srv, `{"hdd_limit": 10}`)
	limit.take()

	if status := postJSON(t, srv, "not valid json data"); status != http.StatusBadRequest {
		t.Fatalf("expected returning BadRequest for invalid json data")
	}
	if status := postJSON(t, srv, `{"unknown_key": 1, "hdd_limit": 1}`); status != http.StatusBadRequest {
		t.Fatalf("expected returning BadRequest for unregistered key")
	}
	assertSame(t, `{"device_faults": null, "hdd_limit": 10}`, getJSON(t, srv))
	if len(faults.take())+len(limit.take()) != 0 {
		t.Fatal("no handler should have been called")
	}
}
