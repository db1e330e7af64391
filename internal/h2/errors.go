// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

var (
	// errSessionClosed reports that a session can no longer take
	// requests. RoundTrip retries bodyless requests that fail with it
	// against a fresh session.
	errSessionClosed = errors.New("h2: session closed")

	errNoDialer = errors.New("h2: no dialer and no handoff socket")

	errPushedStreamIdle = errors.New("h2: pushed stream evicted after idle timeout")

	errResponseBodyClosed = errors.New("h2: response body closed")
)

// GoAwayError is returned by requests that were in flight when the
// peer sent a GOAWAY frame with a non-zero error code, and by requests
// whose stream IDs the peer declined to process.
type GoAwayError struct {
	LastStreamID uint32
	ErrCode      http2.ErrCode
	DebugData    string
}

func (e GoAwayError) Error() string {
	return fmt.Sprintf("h2: server sent GOAWAY with error code %v, last stream %d; %q",
		e.ErrCode, e.LastStreamID, e.DebugData)
}

// StreamError is an error that affected only a single stream, such as
// a peer RST_STREAM.
type StreamError struct {
	StreamID uint32
	Code     http2.ErrCode
}

func (e StreamError) Error() string {
	return fmt.Sprintf("h2: stream error on stream %d: %v", e.StreamID, e.Code)
}

// ConnectionError is a fatal session-level protocol error.
type ConnectionError struct {
	Code http2.ErrCode
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("h2: connection error: %v", e.Code)
}

// IsSessionClosed reports whether err means the session was shut down
// underneath the request: before its headers were sent, or while its
// body was being written.
func IsSessionClosed(err error) bool {
	return errors.Is(err, errSessionClosed)
}
