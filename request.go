// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"
)

// RedirectMode selects how 3xx responses are handled.
type RedirectMode string

const (
	// RedirectModeFollow transparently follows redirects up to the
	// follow limit. The default.
	RedirectModeFollow RedirectMode = "follow"
	// RedirectModeManual returns the 3xx response with an absolute
	// location header.
	RedirectModeManual RedirectMode = "manual"
	// RedirectModeError fails any redirect with a RedirectError.
	RedirectModeError RedirectMode = "error"
)

// RequestOptions shape one request. The zero value is a plain GET.
type RequestOptions struct {
	// Method defaults to GET. One of GET, HEAD, POST, PUT, DELETE,
	// OPTIONS, PATCH.
	Method string

	Header Header

	// Body may be an io.Reader (streamed, not replayable across
	// redirects), []byte, string, url.Values (form-encoded), or
	// any JSON-marshalable value. Content-Type is inferred for
	// string, url.Values and JSON bodies unless already set.
	Body any

	// Redirect defaults to RedirectModeFollow.
	Redirect RedirectMode

	// Follow caps how many redirects are followed; nil means 20,
	// zero disallows any.
	Follow *int

	// Compress controls the default accept-encoding header; nil
	// means true.
	Compress *bool
}

var supportedMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "OPTIONS": true, "PATCH": true,
}

// request is the normalized, immutable form a request takes after
// dispatch begins.
type request struct {
	method        string
	url           *url.URL
	header        Header
	body          io.Reader
	bodyBytes     []byte // non-nil when the body is replayable
	contentLength int64
	redirect      RedirectMode
	follow        int
	compress      bool
	counter       int // redirects taken so far
}

func (r *request) clone() *request {
	nr := *r
	nr.header = r.header.Clone()
	return &nr
}

// buildRequest runs the dispatcher's normalization steps in order:
// URL parse, method case, header case and defaults, User-Agent
// policy, body-shape hints, accept-encoding.
func (c *Client) buildRequest(rawurl string, opts *RequestOptions) (*request, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid url %q: %v", rawurl, err)}
	}
	if host, err := idna.Lookup.ToASCII(u.Hostname()); err == nil && host != u.Hostname() {
		if p := u.Port(); p != "" {
			u.Host = host + ":" + p
		} else {
			u.Host = host
		}
	}

	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = "GET"
	}
	if !supportedMethods[method] {
		return nil, &ConfigurationError{Reason: "unsupported method " + method}
	}

	header := make(Header, len(opts.Header)+4)
	for k, vv := range opts.Header {
		lk := strings.ToLower(k)
		if !httpguts.ValidHeaderFieldName(lk) {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid header name %q", k)}
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid value for header %q", k)}
			}
		}
		header[lk] = append([]string(nil), vv...)
	}
	if !header.Has("host") && u.Host != "" {
		header.Set("host", u.Host)
	}

	if ua := c.opts.userAgent(); ua != "" {
		if !header.Has("user-agent") || c.opts.OverwriteUserAgent {
			header.Set("user-agent", ua)
		}
	}

	body, bodyBytes, contentLength, contentType, err := coerceBody(opts.Body)
	if err != nil {
		return nil, err
	}
	if contentType != "" && !header.Has("content-type") {
		header.Set("content-type", contentType)
	}

	compress := opts.Compress == nil || *opts.Compress
	if compress && !header.Has("accept-encoding") {
		header.Set("accept-encoding", "gzip,deflate,br")
	}

	redirect := opts.Redirect
	if redirect == "" {
		redirect = RedirectModeFollow
	}
	switch redirect {
	case RedirectModeFollow, RedirectModeManual, RedirectModeError:
	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid redirect mode %q", redirect)}
	}

	follow := defaultFollowLimit
	if opts.Follow != nil {
		if *opts.Follow < 0 {
			return nil, &ConfigurationError{Reason: "negative follow limit"}
		}
		follow = *opts.Follow
	}

	return &request{
		method:        method,
		url:           u,
		header:        header,
		body:          body,
		bodyBytes:     bodyBytes,
		contentLength: contentLength,
		redirect:      redirect,
		follow:        follow,
		compress:      compress,
	}, nil
}

// coerceBody maps the accepted body shapes onto a byte stream plus an
// implicit content type. Buffers and strings come back as replayable
// bytes; readers stay streams. Binary buffers and streams get no
// implicit content type.
func coerceBody(body any) (r io.Reader, replay []byte, length int64, contentType string, err error) {
	switch b := body.(type) {
	case nil:
		return nil, nil, 0, "", nil
	case io.Reader:
		return b, nil, -1, "", nil
	case []byte:
		return bytes.NewReader(b), b, int64(len(b)), "", nil
	case string:
		return strings.NewReader(b), []byte(b), int64(len(b)), "text/plain;charset=UTF-8", nil
	case url.Values:
		enc := b.Encode()
		return strings.NewReader(enc), []byte(enc), int64(len(enc)),
			"application/x-www-form-urlencoded;charset=UTF-8", nil
	default:
		data, jerr := json.Marshal(body)
		if jerr != nil {
			return nil, nil, 0, "", &ConfigurationError{Reason: "unsupported body: " + jerr.Error()}
		}
		return bytes.NewReader(data), data, int64(len(data)), "application/json", nil
	}
}
