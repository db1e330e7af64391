// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h1

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Transport issues HTTP/1.x requests over pooled keep-alive
// connections. It is safe for concurrent use.
type Transport struct {
	opts         Options
	log          *zap.Logger
	sessionCache tls.ClientSessionCache

	mu        sync.Mutex
	closed    bool
	idle      map[string][]*persistConn
	conns     map[*persistConn]struct{} // every live socket, idle or checked out
	perKey    map[string]int
	total     int
	freeCount int
	waiters   map[string][]chan struct{}
}

// NewTransport returns a Transport with the given pool options.
func NewTransport(opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sessions := opts.MaxCachedSessions
	if sessions == 0 {
		sessions = defaultMaxCachedSessions
	}
	return &Transport{
		opts:         opts,
		log:          log,
		sessionCache: tls.NewLRUClientSessionCache(sessions),
		idle:         make(map[string][]*persistConn),
		conns:        make(map[*persistConn]struct{}),
		perKey:       make(map[string]int),
		waiters:      make(map[string][]chan struct{}),
	}
}

// RoundTripOptions carries per-request transport inputs.
type RoundTripOptions struct {
	// Conn, if non-nil, is a pre-negotiated socket that must carry
	// this request, bypassing the pool's dial but not its
	// accounting.
	Conn net.Conn

	// Scheme is "http" or "https" and keys the pool together with
	// the request host.
	Scheme string
}

// RoundTrip sends req and returns a streaming response. The response
// body must be fully consumed or closed before the underlying socket
// is reused. Cancellation comes from req.Context(): the socket is
// closed and not pooled.
func (t *Transport) RoundTrip(req *http.Request, opts RoundTripOptions) (*http.Response, error) {
	ctx := req.Context()
	if err := ctx.Err(); err != nil {
		if opts.Conn != nil {
			opts.Conn.Close()
		}
		return nil, err
	}

	key := opts.Scheme + "://" + req.URL.Host

	var pc *persistConn
	if opts.Conn != nil {
		pc = t.adoptConn(key, opts.Conn)
	} else {
		var err error
		pc, err = t.getConn(ctx, opts.Scheme, req.URL.Host, key)
		if err != nil {
			return nil, err
		}
	}

	// An abort mid-exchange closes the socket, which is the only
	// portable way to interrupt a blocked read or write.
	stop := context.AfterFunc(ctx, func() {
		pc.markBroken(ctx.Err())
		pc.conn.Close()
	})

	fail := func(err error) (*http.Response, error) {
		stop()
		pc.markBroken(err)
		t.closeConn(pc)
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	if err := req.Write(pc.conn); err != nil {
		return fail(err)
	}

	res, err := http.ReadResponse(pc.br.r, req)
	if err != nil {
		return fail(err)
	}

	reusable := t.opts.KeepAlive && !res.Close && res.ProtoAtLeast(1, 1)
	body := &bodyEOFSignal{
		body: res.Body,
		pc:   pc,
		fn: func(err error) {
			stop()
			if err == io.EOF && reusable && !pc.isBroken() {
				t.putIdle(pc)
				return
			}
			pc.markBroken(err)
			t.closeConn(pc)
		},
	}
	res.Body = body
	return res, nil
}

// connReader owns the buffered reader for a socket so response bytes
// buffered past one response survive for the next one.
type connReader struct {
	r *bufio.Reader
}

func newConnReader(c net.Conn) *connReader {
	return &connReader{r: bufio.NewReader(c)}
}

// bodyEOFSignal wraps a response body and runs fn exactly once when
// the body is fully consumed, errors, or is closed early, deciding
// whether the socket goes back to the pool.
type bodyEOFSignal struct {
	body io.ReadCloser
	pc   *persistConn
	once sync.Once
	fn   func(error)
}

func (b *bodyEOFSignal) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil {
		if aerr := b.abortErr(); aerr != nil {
			err = aerr
		}
		b.settle(err)
	}
	return n, err
}

func (b *bodyEOFSignal) Close() error {
	// Drain a short remainder so a body that was consumed (or
	// empty, as on 204s) still lets the socket be reused. A longer
	// tail means unread framing on the wire and no reuse.
	var drainErr error
	if _, err := io.CopyN(io.Discard, b.body, maxDrainBytes); err == io.EOF {
		drainErr = io.EOF
	} else {
		drainErr = errBodyClosed
	}
	err := b.body.Close()
	b.settle(drainErr)
	if aerr := b.abortErr(); aerr != nil {
		return aerr
	}
	return err
}

// maxDrainBytes bounds how much of an unread body Close will eat to
// salvage the socket for reuse.
const maxDrainBytes = 16 << 10

func (b *bodyEOFSignal) settle(err error) {
	b.once.Do(func() { b.fn(err) })
}

func (b *bodyEOFSignal) abortErr() error {
	b.pc.mu.Lock()
	defer b.pc.mu.Unlock()
	return b.pc.abortErr
}

var errBodyClosed = errors.New("h1: response body closed before EOF")
