// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// client talks to the scrubd controller over its unix socket.
type client struct {
	http *http.Client
}

func newClient(socket string) *client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &client{http: &http.Client{Transport: tr}}
}

// statusError is a non-2xx reply of the controller.
type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("%d: %s", e.code, strings.TrimSpace(e.body))
}

// call sends a request to 'path' with 'args' and decodes a JSON reply into
// 'out', or returns the reply as text if 'out' is nil.
func (c *client) call(method, path string, args url.Values, out interface{}) (string, error) {
	// The host is ignored, we always dial the socket.
	u := "http://scrubd" + path
	if len(args) > 0 {
		u += "?" + args.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		// Scrubs that ran with wait=true still reply with their counters.
		if out != nil && json.Unmarshal(b, out) == nil {
			return "", statusError{resp.StatusCode, ""}
		}
		return "", statusError{resp.StatusCode, string(b)}
	}
	if out == nil {
		return string(b), nil
	}
	return "", json.Unmarshal(b, out)
}
