// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	// sessionDefaultConnFlow is how many connection-level flow control
	// tokens we give the server at start-up, past the default 64k.
	sessionDefaultConnFlow = 1 << 30

	// sessionDefaultStreamFlow is how many stream-level flow
	// control tokens we announce to the peer, and how many bytes
	// we buffer per stream.
	sessionDefaultStreamFlow = 4 << 20

	defaultInitialWindowSize = 65535

	initialHeaderTableSize = 4096

	maxAllocFrameSize = 512 << 10
)

// Session is the state of a single HTTP/2 connection to an origin.
type Session struct {
	t      *Transport
	conn   net.Conn
	key    string
	scheme string
	log    *zap.Logger

	// readLoop goroutine fields:
	readerDone chan struct{} // closed on error
	readerErr  error         // set before readerDone is closed

	mu            sync.Mutex // guards following
	cond          *sync.Cond // hold mu; broadcast on flow/closed changes
	flow          flow       // our conn-level flow control quota (cs.flow is per stream)
	inflow        flow       // peer's conn-level flow control
	closing       bool       // Close has begun
	closed        bool
	goAway        *http2.GoAwayFrame
	goAwayDebug   string
	streams       map[uint32]*clientStream // client-initiated
	pushed        map[uint32]*pushedStream // server-initiated
	nextStreamID  uint32
	lastPromiseID uint32 // highest promised stream ID seen
	idleTimer     *time.Timer
	bw            *bufio.Writer
	br            *bufio.Reader
	fr            *http2.Framer
	// Settings from peer:
	maxFrameSize         uint32
	maxConcurrentStreams uint32
	initialWindowSize    uint32
	hbuf                 bytes.Buffer // HPACK encoder writes into this
	henc                 *hpack.Encoder
	freeBuf              [][]byte

	wmu  sync.Mutex // held while writing; acquire AFTER mu if holding both
	werr error      // first write error that has occurred
}

type clientStream struct {
	cc   *Session
	ID   uint32
	resc chan resAndError

	bufPipe pipe // response body, written by readLoop

	flow   flow // guarded by cc.mu
	inflow flow // guarded by cc.mu

	peerReset chan struct{} // closed on peer reset
	resetErr  error         // populated before peerReset is closed

	donec chan struct{} // closed when the stream leaves the session
}

type resAndError struct {
	res *http.Response
	err error
}

func (cs *clientStream) checkReset() error {
	select {
	case <-cs.peerReset:
		return cs.resetErr
	default:
		return nil
	}
}

func (cs *clientStream) ended() bool {
	select {
	case <-cs.donec:
		return true
	default:
		return false
	}
}

type stickyErrWriter struct {
	w   io.Writer
	err *error
}

func (sew stickyErrWriter) Write(p []byte) (n int, err error) {
	if *sew.err != nil {
		return 0, *sew.err
	}
	n, err = sew.w.Write(p)
	*sew.err = err
	return
}

// newSession performs the client preface and SETTINGS exchange over
// conn and starts the frame-reading loop. conn may be a TLS socket
// (h2) or a plain TCP socket (h2c prior knowledge); the preface is the
// same for both.
func (t *Transport) newSession(key, scheme string, conn net.Conn) (*Session, error) {
	if _, err := io.WriteString(conn, http2.ClientPreface); err != nil {
		return nil, err
	}

	cc := &Session{
		t:                    t,
		conn:                 conn,
		key:                  key,
		scheme:               scheme,
		log:                  t.log.With(zap.String("origin", key)),
		readerDone:           make(chan struct{}),
		nextStreamID:         1,
		maxFrameSize:         16 << 10,                 // spec default
		initialWindowSize:    defaultInitialWindowSize, // spec default
		maxConcurrentStreams: 1000,                     // "infinite", per spec. 1000 seems good enough.
		streams:              make(map[uint32]*clientStream),
		pushed:               make(map[uint32]*pushedStream),
	}
	cc.cond = sync.NewCond(&cc.mu)
	cc.flow.add(int32(defaultInitialWindowSize))

	cc.bw = bufio.NewWriter(stickyErrWriter{conn, &cc.werr})
	cc.br = bufio.NewReader(conn)
	cc.fr = http2.NewFramer(cc.bw, cc.br)
	cc.henc = hpack.NewEncoder(&cc.hbuf)

	var pushVal uint32
	if t.cfg.pushEnabled() {
		pushVal = 1
	}
	cc.fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: pushVal},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: sessionDefaultStreamFlow},
	)
	cc.fr.WriteWindowUpdate(0, sessionDefaultConnFlow)
	cc.inflow.add(sessionDefaultConnFlow + defaultInitialWindowSize)
	cc.bw.Flush()
	if cc.werr != nil {
		return nil, cc.werr
	}

	// Read the obligatory SETTINGS frame.
	f, err := cc.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok {
		return nil, fmt.Errorf("h2: expected settings frame, got: %T", f)
	}
	cc.fr.WriteSettingsAck()
	cc.bw.Flush()

	sf.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxFrameSize:
			cc.maxFrameSize = s.Val
		case http2.SettingMaxConcurrentStreams:
			cc.maxConcurrentStreams = s.Val
		case http2.SettingInitialWindowSize:
			cc.initialWindowSize = s.Val
		default:
			cc.log.Debug("unhandled setting", zap.Stringer("setting", s))
		}
		return nil
	})

	cc.mu.Lock()
	cc.maybeArmIdleTimerLocked()
	cc.mu.Unlock()

	go cc.readLoop()
	return cc, nil
}

// CanTakeNewRequest reports whether the session may carry another
// request: it has not begun closing, has seen no GOAWAY, and has
// stream IDs left.
func (cc *Session) CanTakeNewRequest() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.canTakeNewRequestLocked()
}

func (cc *Session) canTakeNewRequestLocked() bool {
	return !cc.closing && !cc.closed && cc.goAway == nil &&
		cc.nextStreamID < math.MaxInt32
}

// awaitOpenSlotLocked blocks until the peer's concurrent-stream limit
// admits one more stream, or the session dies, or ctx fires.
func (cc *Session) awaitOpenSlotLocked(ctx context.Context) error {
	var stop func() bool
	if ctx.Done() != nil {
		stop = context.AfterFunc(ctx, cc.cond.Broadcast)
		defer stop()
	}
	for {
		if !cc.canTakeNewRequestLocked() {
			return errSessionClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if int64(len(cc.streams)+1) <= int64(cc.maxConcurrentStreams) {
			return nil
		}
		cc.cond.Wait()
	}
}

// RoundTrip issues req on the session and resolves with a streaming
// response once response headers arrive. Cancellation comes from
// req.Context(): before dispatch it fails immediately; in flight it
// resets the stream with CANCEL.
func (cc *Session) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cc.mu.Lock()
	if err := cc.awaitOpenSlotLocked(ctx); err != nil {
		cc.mu.Unlock()
		return nil, err
	}
	cs := cc.newStreamLocked()
	hasBody := req.Body != nil

	// we send: HEADERS[+CONTINUATION] + (DATA?)
	hdrs := cc.encodeHeadersLocked(req)
	first := true

	cc.wmu.Lock()
	frameSize := int(cc.maxFrameSize)
	for len(hdrs) > 0 && cc.werr == nil {
		chunk := hdrs
		if len(chunk) > frameSize {
			chunk = chunk[:frameSize]
		}
		hdrs = hdrs[len(chunk):]
		endHeaders := len(hdrs) == 0
		if first {
			cc.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      cs.ID,
				BlockFragment: chunk,
				EndStream:     !hasBody,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			cc.fr.WriteContinuation(cs.ID, endHeaders, chunk)
		}
	}
	cc.bw.Flush()
	werr := cc.werr
	cc.wmu.Unlock()
	cc.mu.Unlock()

	if werr != nil {
		cc.forgetStream(cs.ID)
		return nil, werr
	}

	var bodyCopyErrc chan error
	var gotResHeaders chan struct{} // closed on response headers
	if hasBody {
		bodyCopyErrc = make(chan error, 1)
		gotResHeaders = make(chan struct{})
		go func() {
			bodyCopyErrc <- cs.writeRequestBody(req.Body, gotResHeaders)
		}()
	}

	for {
		select {
		case re := <-cs.resc:
			if gotResHeaders != nil {
				close(gotResHeaders)
				gotResHeaders = nil
			}
			if re.err != nil {
				cc.forgetStream(cs.ID)
				return nil, re.err
			}
			res := re.res
			res.Request = req
			cs.watchCancel(ctx)
			return res, nil
		case <-ctx.Done():
			cc.writeStreamReset(cs.ID, http2.ErrCodeCancel)
			cs.bufPipe.BreakWithError(ctx.Err())
			cc.forgetStream(cs.ID)
			if req.Body != nil {
				req.Body.Close()
			}
			return nil, ctx.Err()
		case err := <-bodyCopyErrc:
			bodyCopyErrc = nil
			if err != nil {
				cc.writeStreamReset(cs.ID, http2.ErrCodeCancel)
				cc.forgetStream(cs.ID)
				return nil, err
			}
		}
	}
}

// watchCancel propagates a context fire that happens after response
// headers were delivered: the stream is reset and the body poisoned so
// a blocked reader wakes up. The subscription ends when the stream
// leaves the session.
func (cs *clientStream) watchCancel(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			cc := cs.cc
			cc.writeStreamReset(cs.ID, http2.ErrCodeCancel)
			cs.bufPipe.BreakWithError(ctx.Err())
			cc.forgetStream(cs.ID)
		case <-cs.donec:
		}
	}()
}

var errServerResponseBeforeRequestBody = errors.New("h2: server sent response while still writing request body")

func (cs *clientStream) writeRequestBody(body io.ReadCloser, gotResHeaders <-chan struct{}) error {
	cc := cs.cc
	defer body.Close()
	done := false
	for !done {
		buf := cc.frameScratchBuffer()
		n, err := io.ReadFull(body, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			done = true
		} else if err != nil {
			cc.putFrameScratchBuffer(buf)
			return err
		}

		// Await n flow control tokens.
		if err := cs.awaitFlowControl(int32(n)); err != nil {
			cc.putFrameScratchBuffer(buf)
			return err
		}

		cc.wmu.Lock()
		select {
		case <-gotResHeaders:
			err = errServerResponseBeforeRequestBody
		case <-cs.peerReset:
			err = cs.resetErr
		default:
			err = cc.fr.WriteData(cs.ID, done, buf[:n])
		}
		cc.wmu.Unlock()

		cc.putFrameScratchBuffer(buf)
		if err != nil {
			return err
		}
	}

	var err error

	cc.wmu.Lock()
	if !done {
		err = cc.fr.WriteData(cs.ID, true, nil)
	}
	if ferr := cc.bw.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	cc.wmu.Unlock()

	return err
}

func (cs *clientStream) awaitFlowControl(n int32) error {
	cc := cs.cc
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for {
		if cc.closed || cc.closing {
			return errSessionClosed
		}
		if err := cs.checkReset(); err != nil {
			return err
		}
		if cs.flow.available() >= n {
			cs.flow.take(n)
			return nil
		}
		cc.cond.Wait()
	}
}

// frameScratchBuffer returns a scratch buffer suitable for writing
// DATA frames, capped at the min of the peer's max frame size or
// 512KB so we never allocate unbounded buffers.
func (cc *Session) frameScratchBuffer() []byte {
	cc.mu.Lock()
	size := cc.maxFrameSize
	if size > maxAllocFrameSize {
		size = maxAllocFrameSize
	}
	for i, buf := range cc.freeBuf {
		if len(buf) >= int(size) {
			cc.freeBuf[i] = nil
			cc.mu.Unlock()
			return buf[:size]
		}
	}
	cc.mu.Unlock()
	return make([]byte, size)
}

func (cc *Session) putFrameScratchBuffer(buf []byte) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	const maxBufs = 4
	if len(cc.freeBuf) < maxBufs {
		cc.freeBuf = append(cc.freeBuf, buf)
		return
	}
	for i, old := range cc.freeBuf {
		if old == nil {
			cc.freeBuf[i] = buf
			return
		}
	}
	// forget about it.
}

// requires cc.mu be held.
func (cc *Session) encodeHeadersLocked(req *http.Request) []byte {
	cc.hbuf.Reset()

	// :authority comes from the host header when the caller set one,
	// which is then dropped from the block to avoid a duplicate
	// authority.
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	path := req.URL.RequestURI()
	if path == "" {
		path = "/"
	}

	cc.writeHeader(":authority", host)
	cc.writeHeader(":method", req.Method)
	cc.writeHeader(":path", path)
	cc.writeHeader(":scheme", cc.scheme)

	for k, vv := range req.Header {
		lowKey := strings.ToLower(k)
		switch lowKey {
		case "host", "connection", "proxy-connection", "transfer-encoding", "upgrade", "keep-alive":
			// connection-specific; never valid in HTTP/2
			continue
		}
		for _, v := range vv {
			cc.writeHeader(lowKey, v)
		}
	}
	return cc.hbuf.Bytes()
}

func (cc *Session) writeHeader(name, value string) {
	cc.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
}

// requires cc.mu be held.
func (cc *Session) newStreamLocked() *clientStream {
	cs := &clientStream{
		cc:        cc,
		ID:        cc.nextStreamID,
		resc:      make(chan resAndError, 1),
		peerReset: make(chan struct{}),
		donec:     make(chan struct{}),
	}
	cs.flow.add(int32(cc.initialWindowSize))
	cs.flow.setConnFlow(&cc.flow)
	cs.inflow.add(sessionDefaultStreamFlow)
	cs.inflow.setConnFlow(&cc.inflow)
	cc.nextStreamID += 2
	cc.streams[cs.ID] = cs
	cc.stopIdleTimerLocked()
	return cs
}

func (cc *Session) streamByID(id uint32) *clientStream {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.streams[id]
}

// forgetStream removes the stream from the session, wakes slot
// waiters, and re-arms the idle timer if the session went quiet.
func (cc *Session) forgetStream(id uint32) {
	cc.mu.Lock()
	cs := cc.streams[id]
	if cs != nil {
		delete(cc.streams, id)
		select {
		case <-cs.donec:
		default:
			close(cs.donec)
		}
	}
	cc.maybeArmIdleTimerLocked()
	cc.cond.Broadcast()
	cc.mu.Unlock()
}

func (cc *Session) writeStreamReset(streamID uint32, code http2.ErrCode) {
	cc.wmu.Lock()
	cc.fr.WriteRSTStream(streamID, code)
	cc.bw.Flush()
	cc.wmu.Unlock()
}

// replenishWindow returns n inbound flow-control tokens to the peer
// for both the given stream and the connection, so neither window
// ever runs dry while bodies stream.
func (cc *Session) replenishWindow(streamID uint32, n int) {
	if n == 0 {
		return
	}
	cc.wmu.Lock()
	if streamID != 0 {
		cc.fr.WriteWindowUpdate(streamID, uint32(n))
	}
	cc.fr.WriteWindowUpdate(0, uint32(n))
	cc.bw.Flush()
	cc.wmu.Unlock()
}

// Idle timer. Armed whenever the session has neither client nor
// pushed streams; fires into Close.

// requires cc.mu be held.
func (cc *Session) maybeArmIdleTimerLocked() {
	if cc.closing || cc.closed {
		return
	}
	if len(cc.streams)+len(cc.pushed) > 0 {
		return
	}
	d := cc.t.cfg.idleSessionTimeout()
	if cc.idleTimer == nil {
		cc.idleTimer = time.AfterFunc(d, cc.onIdleTimeout)
	} else {
		cc.idleTimer.Reset(d)
	}
}

// requires cc.mu be held.
func (cc *Session) stopIdleTimerLocked() {
	if cc.idleTimer != nil {
		cc.idleTimer.Stop()
	}
}

func (cc *Session) onIdleTimeout() {
	cc.mu.Lock()
	idle := !cc.closed && !cc.closing && len(cc.streams)+len(cc.pushed) == 0
	cc.mu.Unlock()
	if idle {
		cc.log.Debug("closing idle session")
		cc.Close()
	}
}

// Close shuts the session down: it leaves the cache immediately,
// cancels outstanding pushed streams (which would otherwise block
// shutdown indefinitely), announces GOAWAY, and gives in-flight client
// streams a bounded grace period before the connection is torn down
// regardless. It is idempotent; concurrent callers all wait for the
// teardown to finish.
func (cc *Session) Close() error {
	cc.t.removeSession(cc)

	cc.mu.Lock()
	if cc.closing || cc.closed {
		cc.mu.Unlock()
		<-cc.readerDone
		return nil
	}
	cc.closing = true
	cc.stopIdleTimerLocked()
	pushed := make([]*pushedStream, 0, len(cc.pushed))
	for _, ps := range cc.pushed {
		pushed = append(pushed, ps)
	}
	cc.pushed = make(map[uint32]*pushedStream)
	lastPromise := cc.lastPromiseID
	cc.cond.Broadcast()
	cc.mu.Unlock()

	for _, ps := range pushed {
		ps.stopIdleTimer()
		cc.writeStreamReset(ps.ID, http2.ErrCodeCancel)
		ps.bufPipe.BreakWithError(errSessionClosed)
	}

	cc.wmu.Lock()
	cc.fr.WriteGoAway(lastPromise, http2.ErrCodeNo, nil)
	cc.bw.Flush()
	cc.wmu.Unlock()

	idle := make(chan struct{})
	go func() {
		cc.mu.Lock()
		for len(cc.streams) > 0 && !cc.closed {
			cc.cond.Wait()
		}
		cc.mu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(closeGracePeriod):
		cc.log.Warn("session close grace period elapsed; destroying connection",
			zap.Int("inflight", cc.numStreams()))
	}

	cc.conn.Close()
	<-cc.readerDone
	return nil
}

func (cc *Session) numStreams() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.streams)
}

// sessionReadLoop is the state owned by the session's frame-reading
// goroutine.
type sessionReadLoop struct {
	cc   *Session
	hdec *hpack.Decoder

	// continueStreamID is the stream ID we're waiting for
	// continuation frames for.
	continueStreamID uint32

	cur headerBlock
}

// headerBlock accumulates one decoded header block. Exactly one of
// cs, ps, promised is set; none means the block is decoded only to
// keep HPACK state consistent and its fields discarded.
type headerBlock struct {
	cs       *clientStream // response headers for a client stream
	ps       *pushedStream // response headers for a pushed stream
	promised *pushedStream // request headers carried by PUSH_PROMISE

	header     http.Header
	status     int
	statusText string
	// pseudo request fields (PUSH_PROMISE only)
	method, path, scheme, authority string

	sawRegular bool
	malformed  error
}

func (b *headerBlock) active() bool {
	return b.cs != nil || b.ps != nil || b.promised != nil
}

// readLoop runs in its own goroutine and reads and dispatches frames.
func (cc *Session) readLoop() {
	rl := &sessionReadLoop{cc: cc}
	rl.hdec = hpack.NewDecoder(initialHeaderTableSize, rl.onNewHeaderField)

	defer rl.cleanup()
	cc.readerErr = rl.run()
	if ce, ok := cc.readerErr.(ConnectionError); ok {
		cc.wmu.Lock()
		cc.fr.WriteGoAway(cc.lastPromiseID, ce.Code, nil)
		cc.bw.Flush()
		cc.wmu.Unlock()
	}
	cc.conn.Close()
}

func (rl *sessionReadLoop) cleanup() {
	cc := rl.cc
	defer close(cc.readerDone)
	cc.t.removeSession(cc)

	err := cc.readerErr
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}

	cc.mu.Lock()
	cc.closed = true
	cc.stopIdleTimerLocked()
	streams := cc.streams
	pushed := cc.pushed
	cc.streams = make(map[uint32]*clientStream)
	cc.pushed = make(map[uint32]*pushedStream)
	cc.cond.Broadcast()
	cc.mu.Unlock()

	for _, cs := range streams {
		cs.bufPipe.CloseWithError(err)
		select {
		case cs.resc <- resAndError{err: err}:
		default:
		}
		select {
		case <-cs.donec:
		default:
			close(cs.donec)
		}
	}
	for _, ps := range pushed {
		ps.stopIdleTimer()
		ps.bufPipe.CloseWithError(err)
	}
}

func (rl *sessionReadLoop) run() error {
	cc := rl.cc
	for {
		f, err := cc.fr.ReadFrame()
		if se, ok := err.(http2.StreamError); ok {
			cc.log.Warn("stream-level frame error", zap.Uint32("stream", se.StreamID), zap.Error(se))
			cc.writeStreamReset(se.StreamID, se.Code)
			if cs := cc.streamByID(se.StreamID); cs != nil {
				select {
				case cs.resc <- resAndError{err: StreamError{se.StreamID, se.Code}}:
				default:
				}
				cs.bufPipe.CloseWithError(StreamError{se.StreamID, se.Code})
				cc.forgetStream(se.StreamID)
			}
			continue
		} else if err != nil {
			return err
		}
		cc.log.Debug("received frame", zap.Stringer("frame", f.Header()))

		streamID := f.Header().StreamID

		_, isContinue := f.(*http2.ContinuationFrame)
		if isContinue {
			if streamID != rl.continueStreamID {
				cc.log.Warn("protocol violation: unexpected CONTINUATION",
					zap.Uint32("got", streamID), zap.Uint32("want", rl.continueStreamID))
				return ConnectionError{http2.ErrCodeProtocol}
			}
		} else if rl.continueStreamID != 0 {
			// Continuation frames need to be adjacent in the stream
			// and we were in the middle of headers.
			cc.log.Warn("protocol violation: interleaved header block",
				zap.Uint32("stream", streamID))
			return ConnectionError{http2.ErrCodeProtocol}
		}

		switch f := f.(type) {
		case *http2.HeadersFrame:
			err = rl.processHeaders(f)
		case *http2.ContinuationFrame:
			err = rl.processContinuation(f)
		case *http2.PushPromiseFrame:
			err = rl.processPushPromise(f)
		case *http2.DataFrame:
			err = rl.processData(f)
		case *http2.GoAwayFrame:
			err = rl.processGoAway(f)
		case *http2.RSTStreamFrame:
			err = rl.processResetStream(f)
		case *http2.SettingsFrame:
			err = rl.processSettings(f)
		case *http2.WindowUpdateFrame:
			err = rl.processWindowUpdate(f)
		case *http2.PingFrame:
			err = rl.processPing(f)
		default:
			cc.log.Debug("unhandled frame type", zap.String("type", fmt.Sprintf("%T", f)))
		}
		if err != nil {
			return err
		}
	}
}

func (rl *sessionReadLoop) processHeaders(f *http2.HeadersFrame) error {
	id := f.Header().StreamID
	rl.cur = headerBlock{header: make(http.Header)}
	if id%2 == 0 {
		// Response headers for a pushed stream.
		rl.cur.ps = rl.cc.pushedByID(id)
	} else {
		rl.cur.cs = rl.cc.streamByID(id)
	}
	rl.continueStreamID = id
	return rl.processHeaderBlockFragment(f.HeaderBlockFragment(), f.HeadersEnded(), f.StreamEnded())
}

func (rl *sessionReadLoop) processContinuation(f *http2.ContinuationFrame) error {
	return rl.processHeaderBlockFragment(f.HeaderBlockFragment(), f.HeadersEnded(), false)
}

func (rl *sessionReadLoop) processHeaderBlockFragment(frag []byte, headersEnded, streamEnded bool) error {
	// The fragment always goes through the decoder, even when no
	// stream wants it, to keep the HPACK dynamic table in sync.
	if _, err := rl.hdec.Write(frag); err != nil {
		return ConnectionError{http2.ErrCodeCompression}
	}
	if !headersEnded {
		return nil
	}
	if err := rl.hdec.Close(); err != nil {
		return ConnectionError{http2.ErrCodeCompression}
	}
	rl.continueStreamID = 0

	cur := rl.cur
	rl.cur = headerBlock{}
	switch {
	case cur.promised != nil:
		return rl.finishPushPromise(cur)
	case cur.ps != nil:
		return rl.finishPushResponse(cur, streamEnded)
	case cur.cs != nil:
		return rl.finishResponse(cur, streamEnded)
	}
	return nil
}

func (rl *sessionReadLoop) finishResponse(cur headerBlock, streamEnded bool) error {
	cc := rl.cc
	cs := cur.cs
	if cur.malformed != nil || cur.status == 0 {
		err := cur.malformed
		if err == nil {
			err = errors.New("h2: response missing :status")
		}
		cc.writeStreamReset(cs.ID, http2.ErrCodeProtocol)
		select {
		case cs.resc <- resAndError{err: err}:
		default:
		}
		cc.forgetStream(cs.ID)
		return nil
	}

	res := &http.Response{
		Status:        strconv.Itoa(cur.status) + " " + http.StatusText(cur.status),
		StatusCode:    cur.status,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		Header:        cur.header,
		ContentLength: parseContentLength(cur.header.Get("Content-Length")),
		Body:          &responseBody{cs: cs},
	}
	if streamEnded {
		cs.bufPipe.CloseWithError(io.EOF)
	}
	select {
	case cs.resc <- resAndError{res: res}:
	default:
	}
	if streamEnded {
		cc.forgetStream(cs.ID)
	}
	return nil
}

func (rl *sessionReadLoop) processData(f *http2.DataFrame) error {
	cc := rl.cc
	id := f.Header().StreamID
	data := f.Data()

	if id%2 == 0 {
		return rl.processPushData(f)
	}

	cs := cc.streamByID(id)
	if cs == nil {
		// Stream already gone (canceled or reset); the tokens
		// still have to go back to the connection window.
		cc.replenishWindow(0, int(f.Length))
		return nil
	}

	cc.mu.Lock()
	if cs.inflow.available() >= int32(len(data)) {
		cs.inflow.take(int32(len(data)))
	} else {
		cc.mu.Unlock()
		return ConnectionError{http2.ErrCodeFlowControl}
	}
	cc.mu.Unlock()

	if len(data) > 0 {
		if _, err := cs.bufPipe.Write(data); err != nil {
			// Body was closed by the caller; drop the rest.
			cc.writeStreamReset(cs.ID, http2.ErrCodeCancel)
		}
		cc.mu.Lock()
		cs.inflow.add(int32(len(data)))
		cc.mu.Unlock()
		if f.StreamEnded() {
			cc.replenishWindow(0, len(data))
		} else {
			cc.replenishWindow(cs.ID, len(data))
		}
	}

	if f.StreamEnded() {
		cs.bufPipe.CloseWithError(io.EOF)
		cc.forgetStream(cs.ID)
	}
	return nil
}

func (rl *sessionReadLoop) processGoAway(f *http2.GoAwayFrame) error {
	cc := rl.cc
	cc.t.removeSession(cc)

	cc.mu.Lock()
	cc.goAway = f
	cc.goAwayDebug = string(f.DebugData())
	var failed []*clientStream
	for id, cs := range cc.streams {
		if f.ErrCode != http2.ErrCodeNo || id > f.LastStreamID {
			failed = append(failed, cs)
			delete(cc.streams, id)
		}
	}
	cc.cond.Broadcast()
	cc.mu.Unlock()

	if f.ErrCode != http2.ErrCodeNo {
		cc.log.Warn("received GOAWAY", zap.Stringer("code", f.ErrCode),
			zap.Uint32("lastStream", f.LastStreamID), zap.ByteString("debug", f.DebugData()))
	} else {
		cc.log.Debug("received graceful GOAWAY", zap.Uint32("lastStream", f.LastStreamID))
	}

	err := GoAwayError{
		LastStreamID: f.LastStreamID,
		ErrCode:      f.ErrCode,
		DebugData:    string(f.DebugData()),
	}
	for _, cs := range failed {
		select {
		case cs.resc <- resAndError{err: err}:
		default:
		}
		cs.bufPipe.CloseWithError(err)
		select {
		case <-cs.donec:
		default:
			close(cs.donec)
		}
	}
	return nil
}

func (rl *sessionReadLoop) processSettings(f *http2.SettingsFrame) error {
	cc := rl.cc
	if f.IsAck() {
		return nil
	}
	cc.mu.Lock()
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxFrameSize:
			cc.maxFrameSize = s.Val
		case http2.SettingMaxConcurrentStreams:
			cc.maxConcurrentStreams = s.Val
		case http2.SettingInitialWindowSize:
			if s.Val > math.MaxInt32 {
				return ConnectionError{http2.ErrCodeFlowControl}
			}
			// Adjust open streams by the delta between the old
			// and new initial window sizes.
			delta := int32(s.Val) - int32(cc.initialWindowSize)
			for _, cs := range cc.streams {
				cs.flow.add(delta)
			}
			cc.cond.Broadcast()
			cc.initialWindowSize = s.Val
		default:
			cc.log.Debug("unhandled setting", zap.Stringer("setting", s))
		}
		return nil
	})
	cc.mu.Unlock()
	if err != nil {
		return err
	}

	cc.wmu.Lock()
	cc.fr.WriteSettingsAck()
	cc.bw.Flush()
	cc.wmu.Unlock()
	return nil
}

func (rl *sessionReadLoop) processWindowUpdate(f *http2.WindowUpdateFrame) error {
	cc := rl.cc
	id := f.Header().StreamID

	cc.mu.Lock()
	defer cc.mu.Unlock()

	fl := &cc.flow
	if id != 0 {
		cs := cc.streams[id]
		if cs == nil {
			return nil
		}
		fl = &cs.flow
	}
	if !fl.add(int32(f.Increment)) {
		return ConnectionError{http2.ErrCodeFlowControl}
	}
	cc.cond.Broadcast()
	return nil
}

func (rl *sessionReadLoop) processResetStream(f *http2.RSTStreamFrame) error {
	cc := rl.cc
	id := f.Header().StreamID
	if id%2 == 0 {
		cc.forgetPushedStream(id, StreamError{id, f.ErrCode})
		return nil
	}
	cs := cc.streamByID(id)
	if cs == nil {
		return nil
	}
	select {
	case <-cs.peerReset:
		// Already reset. The readLoop is the only closer, so this
		// isn't a race.
	default:
		err := StreamError{id, f.ErrCode}
		cs.resetErr = err
		close(cs.peerReset)
		select {
		case cs.resc <- resAndError{err: err}:
		default:
		}
		cs.bufPipe.CloseWithError(err)
		cc.mu.Lock()
		cc.cond.Broadcast() // wake awaitFlowControl
		cc.mu.Unlock()
	}
	cc.forgetStream(id)
	return nil
}

func (rl *sessionReadLoop) processPing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	cc := rl.cc
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	if err := cc.fr.WritePing(true, f.Data); err != nil {
		return err
	}
	return cc.bw.Flush()
}

// onNewHeaderField runs on the readLoop goroutine whenever a new
// hpack header field is decoded.
func (rl *sessionReadLoop) onNewHeaderField(f hpack.HeaderField) {
	cur := &rl.cur
	if !cur.active() {
		return
	}
	if strings.HasPrefix(f.Name, ":") {
		if cur.sawRegular {
			cur.malformed = errors.New("h2: pseudo header after regular header")
			return
		}
		switch f.Name {
		case ":status":
			code, err := strconv.Atoi(f.Value)
			if err != nil {
				cur.malformed = errors.New("h2: invalid :status")
				return
			}
			cur.status = code
		case ":method":
			cur.method = f.Value
		case ":path":
			cur.path = f.Value
		case ":scheme":
			cur.scheme = f.Value
		case ":authority":
			cur.authority = f.Value
		default:
			cur.malformed = fmt.Errorf("h2: unknown pseudo header %q", f.Name)
		}
		return
	}
	cur.sawRegular = true
	cur.header.Add(http.CanonicalHeaderKey(f.Name), f.Value)
}

// responseBody streams a client stream's DATA. Close before EOF
// resets the stream with CANCEL so the peer stops sending and the
// connection window isn't starved.
type responseBody struct {
	cs *clientStream
}

func (b *responseBody) Read(p []byte) (int, error) {
	return b.cs.bufPipe.Read(p)
}

func (b *responseBody) Close() error {
	cs := b.cs
	cc := cs.cc
	if !cs.ended() {
		cc.writeStreamReset(cs.ID, http2.ErrCodeCancel)
	}
	cs.bufPipe.BreakWithError(errResponseBodyClosed)
	cc.forgetStream(cs.ID)
	return nil
}

func parseContentLength(s string) int64 {
	if s == "" {
		return -1
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
