// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h1

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startServer(t *testing.T, handler http.Handler) (*httptest.Server, *int32) {
	t.Helper()
	var conns int32
	ts := httptest.NewUnstartedServer(handler)
	ts.Config.ConnState = func(c net.Conn, s http.ConnState) {
		if s == http.StateNew {
			atomic.AddInt32(&conns, 1)
		}
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts, &conns
}

func get(t *testing.T, tr *Transport, ctx context.Context, rawurl string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, "GET", rawurl, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "http"})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestKeepAliveReuse(t *testing.T) {
	ts, conns := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	tr := NewTransport(Options{KeepAlive: true})
	defer tr.Reset()

	for i := 0; i < 3; i++ {
		res := get(t, tr, context.Background(), ts.URL)
		if _, err := io.ReadAll(res.Body); err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
	}
	if n := atomic.LoadInt32(conns); n != 1 {
		t.Errorf("server accepted %d conns; want 1", n)
	}
	if tr.IdleCount() != 1 {
		t.Errorf("idle count = %d; want 1", tr.IdleCount())
	}
}

func TestNoKeepAlive(t *testing.T) {
	ts, conns := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	tr := NewTransport(Options{KeepAlive: false})
	defer tr.Reset()

	for i := 0; i < 2; i++ {
		res := get(t, tr, context.Background(), ts.URL)
		io.ReadAll(res.Body)
		res.Body.Close()
	}
	if n := atomic.LoadInt32(conns); n != 2 {
		t.Errorf("server accepted %d conns; want 2", n)
	}
}

func TestMaxSocketsSerializes(t *testing.T) {
	var inflight, peak int32
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
	}))
	tr := NewTransport(Options{KeepAlive: true, MaxSockets: 1})
	defer tr.Reset()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest("GET", ts.URL, nil)
			res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "http"})
			if err != nil {
				t.Error(err)
				return
			}
			io.ReadAll(res.Body)
			res.Body.Close()
		}()
	}
	wg.Wait()
	if p := atomic.LoadInt32(&peak); p != 1 {
		t.Errorf("peak concurrent requests = %d; want 1", p)
	}
}

func TestAbortClosesSocket(t *testing.T) {
	release := make(chan struct{})
	ts, conns := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fresh" {
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)
	tr := NewTransport(Options{KeepAlive: true})
	defer tr.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL, nil)
	_, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "http"})
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v; want context.DeadlineExceeded", err)
	}
	if tr.IdleCount() != 0 {
		t.Errorf("aborted socket was pooled")
	}

	// The next request must open a fresh socket.
	res := get(t, tr, context.Background(), ts.URL+"/fresh")
	io.ReadAll(res.Body)
	res.Body.Close()
	if n := atomic.LoadInt32(conns); n != 2 {
		t.Errorf("server accepted %d conns; want 2", n)
	}
}

func TestLIFOScheduling(t *testing.T) {
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	tr := NewTransport(Options{KeepAlive: true, Scheduling: SchedulingLIFO})
	defer tr.Reset()

	// Park two sockets.
	reqDone := make([]*persistConn, 0, 2)
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest("GET", ts.URL, nil)
		res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "http"})
		if err != nil {
			t.Fatal(err)
		}
		pc := res.Body.(*bodyEOFSignal).pc
		io.ReadAll(res.Body)
		res.Body.Close()
		reqDone = append(reqDone, pc)
	}
	// We had to run them sequentially, so only one socket exists and
	// both exchanges used it; force a second idle socket instead.
	if tr.IdleCount() != 1 {
		t.Fatalf("idle = %d; want 1", tr.IdleCount())
	}
	if reqDone[0] != reqDone[1] {
		t.Fatalf("sequential requests used different sockets")
	}

	tr.mu.Lock()
	key := reqDone[0].key
	tr.mu.Unlock()

	second, err := tr.dialConn(context.Background(), "http", strings.TrimPrefix(ts.URL, "http://"), key)
	if err != nil {
		t.Fatal(err)
	}
	tr.mu.Lock()
	tr.incCount(key)
	tr.mu.Unlock()
	tr.putIdle(second)

	// LIFO hands back the most recently parked socket.
	tr.mu.Lock()
	got := tr.popIdleLocked(key)
	tr.mu.Unlock()
	if got != second {
		t.Errorf("LIFO pop returned the older socket")
	}
}

func TestMaxFreeSockets(t *testing.T) {
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	tr := NewTransport(Options{KeepAlive: true, MaxFreeSockets: 1})
	defer tr.Reset()

	key := "http://" + strings.TrimPrefix(ts.URL, "http://")
	hostport := strings.TrimPrefix(ts.URL, "http://")
	for i := 0; i < 3; i++ {
		pc, err := tr.dialConn(context.Background(), "http", hostport, key)
		if err != nil {
			t.Fatal(err)
		}
		tr.mu.Lock()
		tr.incCount(key)
		tr.mu.Unlock()
		tr.putIdle(pc)
	}
	if tr.IdleCount() != 1 {
		t.Errorf("idle = %d; want 1", tr.IdleCount())
	}
}

func TestIdleTimeoutClosesSocket(t *testing.T) {
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	tr := NewTransport(Options{KeepAlive: true, IdleTimeout: 30 * time.Millisecond})
	defer tr.Reset()

	res := get(t, tr, context.Background(), ts.URL)
	io.ReadAll(res.Body)
	res.Body.Close()
	if tr.IdleCount() != 1 {
		t.Fatalf("idle = %d; want 1", tr.IdleCount())
	}

	deadline := time.Now().Add(2 * time.Second)
	for tr.IdleCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle socket was not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResetClosesEverything(t *testing.T) {
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	tr := NewTransport(Options{KeepAlive: true})

	res := get(t, tr, context.Background(), ts.URL)
	io.ReadAll(res.Body)
	res.Body.Close()

	tr.Reset()
	tr.Reset() // idempotent
	if tr.IdleCount() != 0 {
		t.Errorf("idle after reset = %d", tr.IdleCount())
	}

	// Still usable afterwards.
	res = get(t, tr, context.Background(), ts.URL)
	io.ReadAll(res.Body)
	res.Body.Close()
	tr.Reset()
}
