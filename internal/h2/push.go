// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// pushedStream is a server-initiated stream: the resource promised by
// a PUSH_PROMISE frame and delivered on an even stream ID.
type pushedStream struct {
	cc *Session
	ID uint32

	// Request pseudo-headers carried by the PUSH_PROMISE block.
	method, path, scheme, authority string
	reqHeader                       http.Header

	bufPipe pipe

	flow   flow // guarded by cc.mu
	inflow flow // guarded by cc.mu

	mu        sync.Mutex
	idleTimer *time.Timer
	consumed  bool
	rejected  bool
}

func (ps *pushedStream) url() *url.URL {
	return &url.URL{
		Scheme: ps.scheme,
		Host:   ps.authority,
		Path:   ps.path,
	}
}

// startIdleTimer begins the pushed-stream eviction countdown, which
// runs from the arrival of the push response headers until the first
// body read.
func (ps *pushedStream) startIdleTimer(d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.consumed {
		return
	}
	ps.idleTimer = time.AfterFunc(d, func() {
		ps.cc.log.Warn("evicting unconsumed pushed stream",
			zap.Uint32("stream", ps.ID), zap.String("url", ps.url().String()))
		ps.cc.forgetPushedStream(ps.ID, errPushedStreamIdle)
		// The stream may already have ended cleanly; the break
		// below then only releases the buffered body.
		ps.bufPipe.BreakWithError(errPushedStreamIdle)
		ps.cc.writeStreamReset(ps.ID, http2.ErrCodeCancel)
	})
}

// markConsumed cancels the idle eviction; called on the first body
// read.
func (ps *pushedStream) markConsumed() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.consumed = true
	if ps.idleTimer != nil {
		ps.idleTimer.Stop()
		ps.idleTimer = nil
	}
}

func (ps *pushedStream) stopIdleTimer() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.idleTimer != nil {
		ps.idleTimer.Stop()
		ps.idleTimer = nil
	}
}

func (cc *Session) pushedByID(id uint32) *pushedStream {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.pushed[id]
}

// forgetPushedStream removes the pushed stream and poisons its body
// with err so a pending or future reader observes the eviction.
func (cc *Session) forgetPushedStream(id uint32, err error) {
	cc.mu.Lock()
	ps := cc.pushed[id]
	if ps != nil {
		delete(cc.pushed, id)
	}
	cc.maybeArmIdleTimerLocked()
	cc.mu.Unlock()
	if ps != nil {
		ps.stopIdleTimer()
		ps.bufPipe.BreakWithError(err)
	}
}

// processPushPromise validates a PUSH_PROMISE frame and begins
// decoding the promised request's header block.
func (rl *sessionReadLoop) processPushPromise(f *http2.PushPromiseFrame) error {
	cc := rl.cc
	id := f.PromiseID

	if !cc.t.cfg.pushEnabled() {
		// We advertised ENABLE_PUSH = 0; a push is a protocol
		// violation.
		return ConnectionError{http2.ErrCodeProtocol}
	}
	cc.mu.Lock()
	if id%2 != 0 || id <= cc.lastPromiseID {
		cc.mu.Unlock()
		return ConnectionError{http2.ErrCodeProtocol}
	}
	cc.lastPromiseID = id
	parent := cc.streams[f.Header().StreamID]
	if parent == nil {
		// Promise on a stream we no longer track; refuse it.
		cc.mu.Unlock()
		cc.writeStreamReset(id, http2.ErrCodeRefusedStream)
		// The header block still must pass through the decoder.
		rl.cur = headerBlock{}
		rl.continueStreamID = f.Header().StreamID
		return rl.processHeaderBlockFragment(f.HeaderBlockFragment(), f.HeadersEnded(), false)
	}

	ps := &pushedStream{
		cc:        cc,
		ID:        id,
		reqHeader: make(http.Header),
	}
	ps.flow.add(int32(cc.initialWindowSize))
	ps.flow.setConnFlow(&cc.flow)
	ps.inflow.add(sessionDefaultStreamFlow)
	ps.inflow.setConnFlow(&cc.inflow)
	cc.pushed[id] = ps
	cc.stopIdleTimerLocked()
	cc.mu.Unlock()

	rl.cur = headerBlock{promised: ps, header: ps.reqHeader}
	rl.continueStreamID = f.Header().StreamID
	return rl.processHeaderBlockFragment(f.HeaderBlockFragment(), f.HeadersEnded(), false)
}

// finishPushPromise runs once the promised request's header block is
// complete: the push-promise handler gets a synchronous chance to
// reject the stream before any body is delivered.
func (rl *sessionReadLoop) finishPushPromise(cur headerBlock) error {
	cc := rl.cc
	ps := cur.promised
	ps.method = cur.method
	ps.path = cur.path
	ps.scheme = cur.scheme
	ps.authority = cur.authority

	if cur.malformed != nil || cur.method == "" || cur.path == "" {
		cc.forgetPushedStream(ps.ID, ConnectionError{http2.ErrCodeProtocol})
		cc.writeStreamReset(ps.ID, http2.ErrCodeProtocol)
		return nil
	}

	cc.log.Debug("push promise", zap.String("url", ps.url().String()),
		zap.Uint32("stream", ps.ID))

	if h := cc.t.cfg.PushPromiseHandler; h != nil {
		h(ps.url(), ps.reqHeader, func() { ps.rejected = true })
		if ps.rejected {
			cc.log.Debug("push promise rejected by handler", zap.Uint32("stream", ps.ID))
			cc.forgetPushedStream(ps.ID, StreamError{ps.ID, http2.ErrCodeCancel})
			cc.writeStreamReset(ps.ID, http2.ErrCodeCancel)
		}
	}
	return nil
}

// finishPushResponse runs once a pushed stream's response headers are
// complete: the eviction timer starts and the push handler receives
// the streaming response.
func (rl *sessionReadLoop) finishPushResponse(cur headerBlock, streamEnded bool) error {
	cc := rl.cc
	ps := cur.ps
	if cur.malformed != nil || cur.status == 0 {
		cc.forgetPushedStream(ps.ID, ConnectionError{http2.ErrCodeProtocol})
		cc.writeStreamReset(ps.ID, http2.ErrCodeProtocol)
		return nil
	}

	if streamEnded {
		ps.bufPipe.CloseWithError(io.EOF)
	}

	ps.startIdleTimer(cc.t.cfg.pushedStreamIdleTimeout())

	res := &http.Response{
		Status:        strconv.Itoa(cur.status) + " " + http.StatusText(cur.status),
		StatusCode:    cur.status,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		Header:        cur.header,
		ContentLength: parseContentLength(cur.header.Get("Content-Length")),
		Body:          &pushBody{ps: ps},
	}

	if h := cc.t.cfg.PushHandler; h != nil {
		// The handler consumes the body at its own pace; it must
		// not run on the frame-reading goroutine.
		go h(ps.url(), ps.reqHeader, res)
	}
	return nil
}

func (rl *sessionReadLoop) processPushData(f *http2.DataFrame) error {
	cc := rl.cc
	id := f.Header().StreamID
	data := f.Data()

	ps := cc.pushedByID(id)
	if ps == nil {
		cc.replenishWindow(0, int(f.Length))
		return nil
	}

	cc.mu.Lock()
	if ps.inflow.available() >= int32(len(data)) {
		ps.inflow.take(int32(len(data)))
	} else {
		cc.mu.Unlock()
		return ConnectionError{http2.ErrCodeFlowControl}
	}
	cc.mu.Unlock()

	if len(data) > 0 {
		if _, err := ps.bufPipe.Write(data); err != nil {
			cc.writeStreamReset(ps.ID, http2.ErrCodeCancel)
		}
		cc.mu.Lock()
		ps.inflow.add(int32(len(data)))
		cc.mu.Unlock()
		if f.StreamEnded() {
			cc.replenishWindow(0, len(data))
		} else {
			cc.replenishWindow(ps.ID, len(data))
		}
	}

	if f.StreamEnded() {
		ps.bufPipe.CloseWithError(io.EOF)
		cc.mu.Lock()
		delete(cc.pushed, id)
		cc.maybeArmIdleTimerLocked()
		cc.mu.Unlock()
	}
	return nil
}

// pushBody streams a pushed resource. The first read counts as
// consumption and cancels the idle eviction timer.
type pushBody struct {
	ps *pushedStream
}

func (b *pushBody) Read(p []byte) (int, error) {
	b.ps.markConsumed()
	return b.ps.bufPipe.Read(p)
}

func (b *pushBody) Close() error {
	ps := b.ps
	ps.markConsumed()
	ps.cc.forgetPushedStream(ps.ID, errResponseBodyClosed)
	ps.cc.writeStreamReset(ps.ID, http2.ErrCodeCancel)
	return nil
}
