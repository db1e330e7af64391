// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alpn negotiates the wire protocol for an origin: a TLS
// connector that serializes handshakes per origin and reports the
// ALPN-selected protocol, and a bounded TTL cache so repeat requests
// skip the handshake.
package alpn

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Protocol tags, as they appear in the ALPN extension.
const (
	ProtoH2     = "h2"
	ProtoH2C    = "h2c"
	ProtoHTTP11 = "http/1.1"
	ProtoHTTP10 = "http/1.0"
)

// Connector opens TLS connections with SNI and a configurable ALPN
// preference list. Concurrent connects to the same origin are
// collapsed into one handshake; the first consumer receives the
// negotiated socket, the rest only the protocol.
type Connector struct {
	// Protocols is the ALPN preference list offered to the peer.
	Protocols []string

	// Timeout bounds the dial plus handshake. Zero means the
	// platform default applies.
	Timeout time.Duration

	// TLS is the base config; it is cloned per dial.
	TLS *tls.Config

	Logger *zap.Logger

	group singleflight.Group
}

type dialResult struct {
	proto string
	conn  *oneShotConn
}

// oneShotConn hands the negotiated socket to exactly one taker.
// If nobody claims it (every sharer canceled), a watchdog closes it.
type oneShotConn struct {
	mu    sync.Mutex
	c     net.Conn
	guard *time.Timer
}

const unclaimedConnGrace = 10 * time.Second

func newOneShotConn(c net.Conn) *oneShotConn {
	o := &oneShotConn{c: c}
	o.guard = time.AfterFunc(unclaimedConnGrace, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.c != nil {
			o.c.Close()
			o.c = nil
		}
	})
	return o
}

func (o *oneShotConn) take() net.Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.c
	o.c = nil
	if c != nil {
		o.guard.Stop()
	}
	return c
}

// Connect performs (or joins) the TLS+ALPN handshake for hostport and
// returns the negotiated protocol, "" if ALPN did not occur. conn is
// non-nil only for the caller that won the handoff; it is then that
// caller's responsibility to consume or close it. A handshake error
// fails every waiter with the same error; a waiter whose ctx fires
// abandons the shared call and fails alone.
func (c *Connector) Connect(ctx context.Context, hostport string) (proto string, conn net.Conn, err error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	ch := c.group.DoChan(hostport, func() (interface{}, error) {
		return c.dial(hostport)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", nil, res.Err
		}
		dr := res.Val.(*dialResult)
		return dr.proto, dr.conn.take(), nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// dial runs on whichever goroutine entered the connect lock first. It
// deliberately does not inherit that caller's context: the handshake
// is shared, so one waiter's cancellation must not fail the others.
func (c *Connector) dial(hostport string) (*dialResult, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}

	cfg := c.TLS.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	cfg.NextProtos = c.Protocols

	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	td := &tls.Dialer{Config: cfg}
	nc, err := td.DialContext(ctx, "tcp", hostport)
	if err != nil {
		log.Debug("tls connect failed", zap.String("origin", hostport), zap.Error(err))
		return nil, err
	}
	tc := nc.(*tls.Conn)
	proto := tc.ConnectionState().NegotiatedProtocol
	log.Debug("tls connected", zap.String("origin", hostport), zap.String("alpn", proto))
	return &dialResult{proto: proto, conn: newOneShotConn(tc)}, nil
}
