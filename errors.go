// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"context"
	"errors"
	"fmt"

	"polyglot.dev/fetch/internal/h2"
)

// ConfigurationError reports an unsupported scheme or nonsensical
// options. It is fatal: retrying the same request cannot succeed.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "fetch: configuration error: " + e.Reason
}

// ConnectError reports a failure to establish a connection to the
// origin: DNS, dial, TLS handshake, or certificate verification.
// Every waiter sharing the connect lock observes the same error.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("fetch: connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports an HTTP/2 GOAWAY with an error code, a frame
// error, or a malformed response. It fails the specific request; an
// unusable session has already left the cache when this surfaces.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "fetch: protocol error: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AbortError reports voluntary cancellation: the request's context
// fired. Distinguishable from every other failure so callers can
// detect their own aborts.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	return "fetch: request aborted: " + e.Err.Error()
}

func (e *AbortError) Unwrap() error { return e.Err }

// Redirect error kinds.
const (
	RedirectKindNoRedirect  = "no-redirect"  // redirect mode is "error"
	RedirectKindMaxRedirect = "max-redirect" // follow limit reached
	RedirectKindUnsupported = "unsupported-redirect"
)

// RedirectError reports a violated redirect contract.
type RedirectError struct {
	Kind string
	URL  string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("fetch: %s at %s", e.Kind, e.URL)
}

// SystemError wraps any other transport or OS error from the socket
// layer, with the original cause attached.
type SystemError struct {
	Err error
}

func (e *SystemError) Error() string {
	return "fetch: " + e.Err.Error()
}

func (e *SystemError) Unwrap() error { return e.Err }

// classified reports whether err is already one of the taxonomy
// kinds.
func classified(err error) bool {
	var (
		cfg *ConfigurationError
		con *ConnectError
		pro *ProtocolError
		abt *AbortError
		red *RedirectError
		sys *SystemError
	)
	return errors.As(err, &cfg) || errors.As(err, &con) || errors.As(err, &pro) ||
		errors.As(err, &abt) || errors.As(err, &red) || errors.As(err, &sys)
}

// classify maps a raw transport error onto the error taxonomy.
func classify(err error) error {
	if err == nil || classified(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{Err: err}
	}
	var (
		goAway  h2.GoAwayError
		stream  h2.StreamError
		session h2.ConnectionError
	)
	if errors.As(err, &goAway) || errors.As(err, &stream) || errors.As(err, &session) {
		return &ProtocolError{Err: err}
	}
	return &SystemError{Err: err}
}
