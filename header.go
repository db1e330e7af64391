// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"net/http"
	"sort"
	"strings"
)

// Header is a header map with lowercased keys, the form headers take
// on the wire in HTTP/2 and in this package's public surface.
type Header map[string][]string

// Get returns the first value for the (case-insensitively matched)
// key, or "".
func (h Header) Get(key string) string {
	if v := h[strings.ToLower(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Set replaces any existing values for key.
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = []string{value}
}

// Add appends value to the values for key.
func (h Header) Add(key, value string) {
	k := strings.ToLower(key)
	h[k] = append(h[k], value)
}

// Del removes all values for key.
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Has reports whether the key is present.
func (h Header) Has(key string) bool {
	_, ok := h[strings.ToLower(key)]
	return ok
}

// Clone returns a deep copy.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// Keys returns the sorted key set.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lowercaseHeader converts an http.Header (canonical MIME keys) into
// the lowercase form.
func lowercaseHeader(in http.Header) Header {
	out := make(Header, len(in))
	for k, vv := range in {
		out[strings.ToLower(k)] = append([]string(nil), vv...)
	}
	return out
}

// toHTTPHeader converts to an http.Header for the transports, in
// canonical MIME form so net/http's writer applies its exclusion
// rules correctly. The HTTP/2 encoder lowercases again on the wire.
func (h Header) toHTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	return out
}
