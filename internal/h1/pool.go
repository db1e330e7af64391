// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package h1 issues HTTP/1.x requests over a keep-alive connection
// pool. A socket is either idle in the pool or checked out to exactly
// one in-flight request; an aborted request's socket is closed, never
// returned.
package h1

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultKeepAlivePeriod   = 1 * time.Second
	defaultMaxFreeSockets    = 256
	defaultMaxCachedSessions = 100

	// SchedulingFIFO hands out the oldest idle socket first;
	// SchedulingLIFO the most recently parked one.
	SchedulingFIFO = "fifo"
	SchedulingLIFO = "lifo"
)

// Options are the pool tunables.
type Options struct {
	KeepAlive          bool          // reuse sockets across requests
	KeepAlivePeriod    time.Duration // TCP keep-alive probe interval, default 1s
	MaxSockets         int           // per origin, 0 = unlimited
	MaxTotalSockets    int           // across origins, 0 = unlimited
	MaxFreeSockets     int           // idle sockets kept, default 256
	IdleTimeout        time.Duration // idle socket lifetime, 0 = unlimited
	Scheduling         string        // SchedulingFIFO (default) or SchedulingLIFO
	InsecureSkipVerify bool
	MaxCachedSessions  int // TLS session ticket cache size, default 100
	TLS                *tls.Config
	Logger             *zap.Logger
}

func (o *Options) keepAlivePeriod() time.Duration {
	if o.KeepAlivePeriod > 0 {
		return o.KeepAlivePeriod
	}
	return defaultKeepAlivePeriod
}

func (o *Options) maxFreeSockets() int {
	if o.MaxFreeSockets > 0 {
		return o.MaxFreeSockets
	}
	return defaultMaxFreeSockets
}

// persistConn is one pooled socket plus its buffered reader, which
// survives across requests so pipelined response bytes aren't lost.
type persistConn struct {
	t    *Transport
	key  string
	conn net.Conn
	br   *connReader

	mu        sync.Mutex
	broken    bool
	abortErr  error
	idleAt    time.Time
	idleTimer *time.Timer
}

func (pc *persistConn) markBroken(err error) {
	pc.mu.Lock()
	pc.broken = true
	if pc.abortErr == nil {
		pc.abortErr = err
	}
	pc.mu.Unlock()
}

func (pc *persistConn) isBroken() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.broken
}

// checkout state for pool accounting.
func (t *Transport) incCount(key string) {
	t.perKey[key]++
	t.total++
}

func (t *Transport) decCountLocked(key string) {
	t.perKey[key]--
	if t.perKey[key] <= 0 {
		delete(t.perKey, key)
	}
	t.total--
	t.signalWaitersLocked(key)
}

func (t *Transport) signalWaitersLocked(key string) {
	if q := t.waiters[key]; len(q) > 0 {
		ch := q[0]
		t.waiters[key] = q[1:]
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// getConn returns a pooled or newly dialed connection for key,
// blocking while the per-origin or total socket caps are reached.
func (t *Transport) getConn(ctx context.Context, scheme, hostport, key string) (*persistConn, error) {
	for {
		t.mu.Lock()
		if pc := t.popIdleLocked(key); pc != nil {
			t.mu.Unlock()
			return pc, nil
		}
		if t.underCapsLocked(key) {
			t.incCount(key)
			t.mu.Unlock()
			pc, err := t.dialConn(ctx, scheme, hostport, key)
			if err != nil {
				t.mu.Lock()
				t.decCountLocked(key)
				t.mu.Unlock()
				return nil, err
			}
			return pc, nil
		}
		ch := make(chan struct{}, 1)
		t.waiters[key] = append(t.waiters[key], ch)
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			t.mu.Lock()
			q := t.waiters[key]
			for i, w := range q {
				if w == ch {
					t.waiters[key] = append(q[:i:i], q[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

func (t *Transport) underCapsLocked(key string) bool {
	if t.opts.MaxSockets > 0 && t.perKey[key] >= t.opts.MaxSockets {
		return false
	}
	if t.opts.MaxTotalSockets > 0 && t.total >= t.opts.MaxTotalSockets {
		return false
	}
	return true
}

// popIdleLocked takes an idle socket per the configured scheduling.
func (t *Transport) popIdleLocked(key string) *persistConn {
	for {
		list := t.idle[key]
		if len(list) == 0 {
			return nil
		}
		var pc *persistConn
		if t.opts.Scheduling == SchedulingLIFO {
			pc = list[len(list)-1]
			t.idle[key] = list[:len(list)-1]
		} else {
			pc = list[0]
			t.idle[key] = list[1:]
		}
		if len(t.idle[key]) == 0 {
			delete(t.idle, key)
		}
		t.freeCount--
		if pc.isBroken() {
			t.closeConnLocked(pc)
			continue
		}
		pc.mu.Lock()
		if pc.idleTimer != nil {
			pc.idleTimer.Stop()
			pc.idleTimer = nil
		}
		pc.mu.Unlock()
		return pc
	}
}

// putIdle parks a socket for reuse, or closes it when keep-alive is
// off or the free-list is full.
func (t *Transport) putIdle(pc *persistConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.opts.KeepAlive || pc.isBroken() || t.freeCount >= t.opts.maxFreeSockets() {
		t.closeConnLocked(pc)
		return
	}
	pc.mu.Lock()
	pc.idleAt = time.Now()
	if d := t.opts.IdleTimeout; d > 0 {
		pc.idleTimer = time.AfterFunc(d, func() { t.closeIdle(pc) })
	}
	pc.mu.Unlock()
	t.idle[pc.key] = append(t.idle[pc.key], pc)
	t.freeCount++
	t.signalWaitersLocked(pc.key)
}

// closeIdle is the idle-timeout path: the socket is closed only if it
// is still parked.
func (t *Transport) closeIdle(pc *persistConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.idle[pc.key]
	for i, p := range list {
		if p == pc {
			t.idle[pc.key] = append(list[:i:i], list[i+1:]...)
			if len(t.idle[pc.key]) == 0 {
				delete(t.idle, pc.key)
			}
			t.freeCount--
			t.closeConnLocked(pc)
			t.log.Debug("closed idle connection", zap.String("key", pc.key))
			return
		}
	}
}

// closeConnLocked closes the socket and releases its accounting.
func (t *Transport) closeConnLocked(pc *persistConn) {
	pc.conn.Close()
	delete(t.conns, pc)
	t.decCountLocked(pc.key)
}

func (t *Transport) closeConn(pc *persistConn) {
	t.mu.Lock()
	t.closeConnLocked(pc)
	t.mu.Unlock()
}

// adoptConn wraps a handed-off, already-connected socket and bills it
// against the pool's accounting.
func (t *Transport) adoptConn(key string, conn net.Conn) *persistConn {
	pc := &persistConn{t: t, key: key, conn: conn}
	pc.br = newConnReader(conn)
	t.mu.Lock()
	t.incCount(key)
	t.conns[pc] = struct{}{}
	t.mu.Unlock()
	return pc
}

func (t *Transport) dialConn(ctx context.Context, scheme, hostport, key string) (*persistConn, error) {
	d := &net.Dialer{KeepAlive: t.opts.keepAlivePeriod()}
	var conn net.Conn
	var err error
	if scheme == "https" {
		host, _, serr := net.SplitHostPort(hostport)
		if serr != nil {
			host = hostport
		}
		cfg := t.opts.TLS.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		cfg.InsecureSkipVerify = t.opts.InsecureSkipVerify
		cfg.ClientSessionCache = t.sessionCache
		td := &tls.Dialer{NetDialer: d, Config: cfg}
		conn, err = td.DialContext(ctx, "tcp", hostport)
	} else {
		conn, err = d.DialContext(ctx, "tcp", hostport)
	}
	if err != nil {
		return nil, err
	}
	pc := &persistConn{t: t, key: key, conn: conn}
	pc.br = newConnReader(conn)
	t.mu.Lock()
	t.conns[pc] = struct{}{}
	t.mu.Unlock()
	return pc, nil
}

// Reset closes every socket the pool knows about, idle or checked
// out, and empties the pool. In-flight requests fail as their sockets
// die. Idempotent.
func (t *Transport) Reset() {
	t.mu.Lock()
	conns := make([]*persistConn, 0, len(t.conns))
	for pc := range t.conns {
		conns = append(conns, pc)
	}
	t.conns = make(map[*persistConn]struct{})
	t.idle = make(map[string][]*persistConn)
	t.perKey = make(map[string]int)
	t.waiters = make(map[string][]chan struct{})
	t.freeCount = 0
	t.total = 0
	t.mu.Unlock()

	for _, pc := range conns {
		pc.markBroken(context.Canceled)
		pc.conn.Close()
	}
}

// IdleCount reports how many sockets are parked; used by tests.
func (t *Transport) IdleCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeCount
}
