// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package h2 implements the HTTP/2 client transport: a per-origin
// session cache, request multiplexing over a session, server push
// handling, and idle-based session and push-stream eviction.
//
// A session speaks HTTP/2 over whatever net.Conn it is given, so the
// same code serves both h2 (TLS, ALPN-selected) and h2c (cleartext,
// prior knowledge).
package h2

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultIdleSessionTimeout is how long a session with no
	// client or pushed streams survives before it is closed.
	defaultIdleSessionTimeout = 5 * time.Minute

	// defaultPushedStreamIdleTimeout is how long a pushed stream
	// waits for its first body read before it is evicted.
	defaultPushedStreamIdleTimeout = 5 * time.Second

	// closeGracePeriod bounds how long Close waits for in-flight
	// streams before the connection is torn down regardless.
	closeGracePeriod = 1 * time.Second
)

// PushPromiseHandler is called when the server promises a resource,
// before any of its body has been delivered. Calling reject cancels
// the promised stream.
type PushPromiseHandler func(u *url.URL, header http.Header, reject func())

// PushHandler is called once a promised resource's response headers
// arrive. The handler owns res.Body: it must consume or close it, or
// the stream is evicted after the pushed-stream idle timeout.
type PushHandler func(u *url.URL, header http.Header, res *http.Response)

// Config configures a Transport. The zero value is usable.
type Config struct {
	IdleSessionTimeout      time.Duration
	PushedStreamIdleTimeout time.Duration
	PushPromiseHandler      PushPromiseHandler
	PushHandler             PushHandler
	Logger                  *zap.Logger
}

func (c *Config) idleSessionTimeout() time.Duration {
	if c.IdleSessionTimeout > 0 {
		return c.IdleSessionTimeout
	}
	return defaultIdleSessionTimeout
}

func (c *Config) pushedStreamIdleTimeout() time.Duration {
	if c.PushedStreamIdleTimeout > 0 {
		return c.PushedStreamIdleTimeout
	}
	return defaultPushedStreamIdleTimeout
}

func (c *Config) pushEnabled() bool {
	return c.PushPromiseHandler != nil || c.PushHandler != nil
}

// RoundTripOptions carries the per-request transport inputs that do
// not travel on the request itself.
type RoundTripOptions struct {
	// Conn, if non-nil, is a freshly negotiated socket handed off
	// by the dialer layer. It is consumed by the first session dial
	// that needs it and destroyed if a session already exists.
	Conn net.Conn

	// Scheme is "https" for h2 and "http" for h2c. It becomes the
	// :scheme pseudo-header.
	Scheme string

	// Dial opens a new connection to the origin when no session
	// exists and no handoff socket was supplied.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Transport multiplexes requests over cached per-origin sessions.
// It is safe for concurrent use by multiple goroutines.
type Transport struct {
	cfg Config
	log *zap.Logger

	group    singleflight.Group // serializes session creation per origin
	mu       sync.Mutex
	sessions map[string]*Session // keyed by scheme://host:port
}

// NewTransport returns a Transport with the given configuration.
func NewTransport(cfg Config) *Transport {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// RoundTrip issues req over a cached or newly created session for the
// request's origin. Cancellation is taken from req.Context().
func (t *Transport) RoundTrip(req *http.Request, opts RoundTripOptions) (*http.Response, error) {
	ctx := req.Context()
	key := sessionKey(opts.Scheme, req.URL.Host)

	// A handoff socket that no session ends up consuming — because
	// one already exists for the origin, or the request fails first —
	// is redundant and destroyed.
	connUsed := false
	defer func() {
		if !connUsed {
			closeHandoff(opts.Conn)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for retries := 0; ; retries++ {
		sess, err := t.getSession(ctx, key, opts, &connUsed)
		if err != nil {
			return nil, err
		}
		res, err := sess.RoundTrip(req)
		if err == errSessionClosed && req.Body == nil && retries < 3 {
			// The cached session went away between lookup and
			// use. Only a bodyless request is safe to replay: a
			// session can also close mid-stream, after part of
			// req.Body was already consumed.
			continue
		}
		return res, err
	}
}

// getSession returns the cached session for key, or creates one. At
// most one non-closed session per origin exists at any time; creation
// for the same origin is collapsed so concurrent first-requests share
// a single session.
func (t *Transport) getSession(ctx context.Context, key string, opts RoundTripOptions, connUsed *bool) (*Session, error) {
	t.mu.Lock()
	if s := t.sessions[key]; s != nil {
		if s.CanTakeNewRequest() {
			t.mu.Unlock()
			return s, nil
		}
		// Closed or draining: drop it before any replacement is
		// made visible.
		delete(t.sessions, key)
	}
	t.mu.Unlock()

	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		t.mu.Lock()
		if s := t.sessions[key]; s != nil && s.CanTakeNewRequest() {
			t.mu.Unlock()
			return s, nil
		}
		t.mu.Unlock()

		conn := opts.Conn
		if conn != nil {
			*connUsed = true
		} else {
			if opts.Dial == nil {
				return nil, errNoDialer
			}
			c, err := opts.Dial(ctx)
			if err != nil {
				return nil, err
			}
			conn = c
		}
		s, err := t.newSession(key, opts.Scheme, conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		t.mu.Lock()
		t.sessions[key] = s
		t.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// removeSession drops s from the cache if it is still the cached
// session for its origin.
func (t *Transport) removeSession(s *Session) {
	t.mu.Lock()
	if t.sessions[s.key] == s {
		delete(t.sessions, s.key)
	}
	t.mu.Unlock()
}

// Reset closes every cached session and waits for each close to
// complete. It is idempotent and safe while requests are in flight;
// those requests fail with a session-closed error.
func (t *Transport) Reset() {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func sessionKey(scheme, hostport string) string {
	return scheme + "://" + hostport
}

func closeHandoff(c net.Conn) {
	if c != nil {
		c.Close()
	}
}
