// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"polyglot.dev/fetch/internal/codec"
)

// ErrBodyUsed is returned by a second attempt to consume a response
// body.
var ErrBodyUsed = errors.New("fetch: body already consumed")

// Response is the result of a fetch: status, version, lowercased
// headers, and a streaming (already content-decoded) body. The body
// may be read incrementally from Body or materialized once through
// Bytes, Text or JSON; materializing marks the body disturbed.
type Response struct {
	Status     string
	StatusCode int
	OK         bool

	// URL is the final URL after any redirects; Redirected reports
	// whether any were followed.
	URL        string
	Redirected bool

	// HTTPVersion is "1.0", "1.1" or "2.0". The status line text is
	// not carried across HTTP/2.
	HTTPVersion string
	ProtoMajor  int
	ProtoMinor  int

	Header Header

	Body io.ReadCloser

	mu       sync.Mutex
	bodyUsed bool
}

// BodyUsed reports whether the body has been materialized.
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodyUsed
}

// consume marks the body disturbed, failing if it already was.
func (r *Response) consume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodyUsed {
		return ErrBodyUsed
	}
	r.bodyUsed = true
	return nil
}

// Bytes reads the body to completion and closes it.
func (r *Response) Bytes() ([]byte, error) {
	if err := r.consume(); err != nil {
		return nil, err
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// Text reads the body to completion as a string.
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// buildResponse maps a transport response onto the public form,
// wrapping the body with the content decoder.
func (c *Client) buildResponse(hres *http.Response, finalURL string) *Response {
	body := codec.Decode(hres.StatusCode, hres.Header, hres.Body, c.log)
	return &Response{
		Status:      hres.Status,
		StatusCode:  hres.StatusCode,
		OK:          hres.StatusCode >= 200 && hres.StatusCode < 300,
		URL:         finalURL,
		HTTPVersion: strings.TrimPrefix(hres.Proto, "HTTP/"),
		ProtoMajor:  hres.ProtoMajor,
		ProtoMinor:  hres.ProtoMinor,
		Header:      lowercaseHeader(hres.Header),
		Body:        body,
	}
}
