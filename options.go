// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"
)

// version is reported in the default User-Agent.
const version = "1.0.0"

// ALPN protocol tags.
const (
	ProtoHTTP2  = "h2"
	ProtoHTTP2C = "h2c"
	ProtoHTTP11 = "http/1.1"
	ProtoHTTP10 = "http/1.0"
)

const (
	defaultUserAgent    = "polyglot-fetch/" + version
	defaultFollowLimit  = 20
	defaultALPNCacheTTL = time.Hour
	defaultALPNCacheMax = 100
)

func defaultALPNProtocols() []string {
	return []string{ProtoHTTP2, ProtoHTTP11, ProtoHTTP10}
}

// Options configure a Client. The zero value gives a working client
// with the documented defaults.
type Options struct {
	// UserAgent is sent when the request carries none, or always
	// when OverwriteUserAgent is set. Default "polyglot-fetch/<version>".
	UserAgent          string
	OverwriteUserAgent bool

	// ALPNProtocols is the protocol preference list offered during
	// the TLS handshake. Default [h2, http/1.1, http/1.0].
	ALPNProtocols []string

	// ALPNCacheTTL and ALPNCacheSize bound the origin → protocol
	// cache. Defaults: 1h, 100 entries.
	ALPNCacheTTL  time.Duration
	ALPNCacheSize int

	// ConnectTimeout bounds the TLS dial plus handshake. Zero
	// means the platform default.
	ConnectTimeout time.Duration

	// TLS is the base TLS configuration, cloned per dial.
	TLS *tls.Config

	H1 H1Options
	H2 H2Options

	// Logger receives structured debug and lifecycle events.
	// Default is a nop logger.
	Logger *zap.Logger
}

// H1Options tune the HTTP/1.x keep-alive pool.
type H1Options struct {
	// DisableKeepAlive turns off socket reuse; every exchange
	// closes its socket.
	DisableKeepAlive bool

	// KeepAlivePeriod is the TCP keep-alive probe interval.
	// Default 1s.
	KeepAlivePeriod time.Duration

	// MaxSockets caps open sockets per origin; MaxTotalSockets
	// across origins. Zero means unlimited.
	MaxSockets      int
	MaxTotalSockets int

	// MaxFreeSockets caps parked idle sockets. Default 256.
	MaxFreeSockets int

	// IdleTimeout closes a parked socket that stays unused.
	IdleTimeout time.Duration

	// Scheduling picks which idle socket a request gets: "fifo"
	// (default) or "lifo".
	Scheduling string

	// InsecureSkipVerify disables certificate verification for
	// pool-dialed HTTPS sockets.
	InsecureSkipVerify bool

	// MaxCachedSessions sizes the TLS session ticket cache.
	// Default 100.
	MaxCachedSessions int
}

// PushPromiseHandler is called synchronously when the server promises
// a resource; calling reject cancels the pushed stream before any
// body is delivered.
type PushPromiseHandler func(url string, header Header, reject func())

// PushHandler receives a promised resource once its response headers
// arrive. The handler owns the body: consume or close it, or the
// stream is evicted after the pushed-stream idle timeout.
type PushHandler func(url string, header Header, res *Response)

// H2Options tune the HTTP/2 session layer. Server push is advertised
// to peers only when at least one handler is set.
type H2Options struct {
	// IdleSessionTimeout closes a session with no active streams.
	// Default 5m.
	IdleSessionTimeout time.Duration

	// PushedStreamIdleTimeout evicts a pushed stream whose body is
	// never read. Default 5s.
	PushedStreamIdleTimeout time.Duration

	PushPromiseHandler PushPromiseHandler
	PushHandler        PushHandler
}

func (o *Options) userAgent() string {
	if o.UserAgent != "" {
		return o.UserAgent
	}
	return defaultUserAgent
}

func (o *Options) alpnProtocols() []string {
	if len(o.ALPNProtocols) > 0 {
		return o.ALPNProtocols
	}
	return defaultALPNProtocols()
}
