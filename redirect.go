// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"bytes"
	"context"
	"net/http"
)

// isRedirectStatus reports whether the Fetch redirect rules apply to
// code.
func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, // 301
		http.StatusFound,             // 302
		http.StatusSeeOther,          // 303
		http.StatusTemporaryRedirect, // 307
		http.StatusPermanentRedirect: // 308
		return true
	}
	return false
}

// doFetch runs one dispatch and applies the redirect state machine,
// recursing through the full dispatcher so a redirect target may
// negotiate a different protocol than the original origin.
func (c *Client) doFetch(ctx context.Context, r *request) (*Response, error) {
	res, err := c.dispatch(ctx, r)
	if err != nil {
		return nil, err
	}
	if !isRedirectStatus(res.StatusCode) {
		res.Redirected = r.counter > 0
		return res, nil
	}

	location := res.Header.Get("location")

	switch r.redirect {
	case RedirectModeError:
		res.Body.Close()
		return nil, &RedirectError{Kind: RedirectKindNoRedirect, URL: r.url.String()}

	case RedirectModeManual:
		// The 3xx is the result, with location made absolute
		// against the request URL.
		if location != "" {
			if abs, err := r.url.Parse(location); err == nil {
				res.Header.Set("location", abs.String())
			}
		}
		res.Redirected = r.counter > 0
		return res, nil
	}

	// RedirectModeFollow from here on.
	if location == "" {
		res.Redirected = r.counter > 0
		return res, nil
	}
	target, perr := r.url.Parse(location)
	if perr != nil {
		// An unresolvable location is treated as no location.
		res.Redirected = r.counter > 0
		return res, nil
	}

	if r.counter >= r.follow {
		res.Body.Close()
		return nil, &RedirectError{Kind: RedirectKindMaxRedirect, URL: r.url.String()}
	}

	streamedBody := r.body != nil && r.bodyBytes == nil
	if res.StatusCode != http.StatusSeeOther && streamedBody {
		// The stream was already consumed by the first dispatch
		// and cannot be replayed.
		res.Body.Close()
		return nil, &RedirectError{Kind: RedirectKindUnsupported, URL: r.url.String()}
	}

	nr := r.clone()
	nr.counter++
	nr.url = target

	// The authority follows the new target; a stale host header
	// would address the old origin.
	nr.header.Del("host")
	if target.Host != "" {
		nr.header.Set("host", target.Host)
	}

	if res.StatusCode == http.StatusSeeOther ||
		(r.method == "POST" && (res.StatusCode == http.StatusMovedPermanently || res.StatusCode == http.StatusFound)) {
		nr.method = "GET"
		nr.body = nil
		nr.bodyBytes = nil
		nr.contentLength = 0
		nr.header.Del("content-length")
	} else if nr.bodyBytes != nil {
		// Replay the buffered body on the new dispatch.
		nr.body = bytes.NewReader(nr.bodyBytes)
	}

	res.Body.Close()
	return c.doFetch(ctx, nr)
}
