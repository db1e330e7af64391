// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// startServer runs an HTTP/2-enabled TLS test server and returns it
// with a counter of accepted connections.
func startServer(t *testing.T, handler http.Handler) (*httptest.Server, *int32) {
	t.Helper()
	var conns int32
	ts := httptest.NewUnstartedServer(handler)
	ts.EnableHTTP2 = true
	ts.Config.ConnState = func(c net.Conn, s http.ConnState) {
		if s == http.StateNew {
			atomic.AddInt32(&conns, 1)
		}
	}
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts, &conns
}

func testDial(t *testing.T, ts *httptest.Server) func(context.Context) (net.Conn, error) {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	addr := ts.Listener.Addr().String()
	return func(ctx context.Context) (net.Conn, error) {
		d := &tls.Dialer{Config: &tls.Config{
			RootCAs:    pool,
			ServerName: "example.com",
			NextProtos: []string{"h2"},
		}}
		return d.DialContext(ctx, "tcp", addr)
	}
}

func newRequest(t *testing.T, ctx context.Context, method, rawurl string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestRoundTripBasic(t *testing.T) {
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor != 2 {
			t.Errorf("server saw proto %q", r.Proto)
		}
		w.Header().Set("X-Probe", "ok")
		io.WriteString(w, "hello h2")
	}))
	tr := NewTransport(Config{})
	defer tr.Reset()

	req := newRequest(t, context.Background(), "GET", ts.URL, nil)
	res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: testDial(t, ts)})
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 200 || res.Proto != "HTTP/2.0" {
		t.Fatalf("got %d %q", res.StatusCode, res.Proto)
	}
	if got := res.Header.Get("X-Probe"); got != "ok" {
		t.Errorf("X-Probe = %q", got)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello h2" {
		t.Errorf("body = %q", body)
	}
}

func TestSessionReuse(t *testing.T) {
	ts, conns := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	tr := NewTransport(Config{})
	defer tr.Reset()
	dial := testDial(t, ts)

	for i := 0; i < 3; i++ {
		req := newRequest(t, context.Background(), "GET", ts.URL, nil)
		res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: dial})
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
	}
	if n := atomic.LoadInt32(conns); n != 1 {
		t.Errorf("server accepted %d conns; want 1", n)
	}
}

func TestConcurrentFirstRequestsShareSession(t *testing.T) {
	ts, conns := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(204)
	}))
	tr := NewTransport(Config{})
	defer tr.Reset()
	dial := testDial(t, ts)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest("GET", ts.URL, nil)
			if err != nil {
				t.Error(err)
				return
			}
			res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: dial})
			if err != nil {
				t.Error(err)
				return
			}
			res.Body.Close()
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(conns); n != 1 {
		t.Errorf("server accepted %d conns; want 1", n)
	}
}

func TestRoundTripPostBody(t *testing.T) {
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	}))
	tr := NewTransport(Config{})
	defer tr.Reset()

	payload := strings.Repeat("0123456789", 5000)
	req := newRequest(t, context.Background(), "POST", ts.URL, strings.NewReader(payload))
	res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: testDial(t, ts)})
	if err != nil {
		t.Fatal(err)
	}
	echo, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(echo, []byte(payload)) {
		t.Errorf("echo mismatch: got %d bytes, want %d", len(echo), len(payload))
	}
}

func TestRoundTripCanceledBeforeDispatch(t *testing.T) {
	ts, conns := startServer(t, http.NotFoundHandler())
	tr := NewTransport(Config{})
	defer tr.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := newRequest(t, ctx, "GET", ts.URL, nil)
	_, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: testDial(t, ts)})
	if err != context.Canceled {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
	if n := atomic.LoadInt32(conns); n != 0 {
		t.Errorf("server accepted %d conns; want 0", n)
	}
}

func TestRoundTripCancelInFlight(t *testing.T) {
	release := make(chan struct{})
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer close(release)
	tr := NewTransport(Config{})
	defer tr.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	req := newRequest(t, ctx, "GET", ts.URL, nil)
	start := time.Now()
	_, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: testDial(t, ts)})
	if err != context.Canceled {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("cancellation took %v", d)
	}
}

func TestResetClosesSessions(t *testing.T) {
	ts, conns := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	tr := NewTransport(Config{})
	dial := testDial(t, ts)

	req := newRequest(t, context.Background(), "GET", ts.URL, nil)
	res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: dial})
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	tr.Reset()
	tr.Reset() // idempotent

	tr.mu.Lock()
	n := len(tr.sessions)
	tr.mu.Unlock()
	if n != 0 {
		t.Fatalf("sessions after reset = %d; want 0", n)
	}

	// A subsequent request re-establishes a session.
	req = newRequest(t, context.Background(), "GET", ts.URL, nil)
	res, err = tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: dial})
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if n := atomic.LoadInt32(conns); n != 2 {
		t.Errorf("server accepted %d conns; want 2", n)
	}
}

func TestIdleSessionTimeout(t *testing.T) {
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	tr := NewTransport(Config{IdleSessionTimeout: 50 * time.Millisecond})
	defer tr.Reset()

	req := newRequest(t, context.Background(), "GET", ts.URL, nil)
	res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: testDial(t, ts)})
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		tr.mu.Lock()
		n := len(tr.sessions)
		tr.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle session was not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerPush(t *testing.T) {
	const cssBody = "body{color:red}"
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			if p, ok := w.(http.Pusher); ok {
				if err := p.Push("/style.css", nil); err != nil {
					t.Logf("push: %v", err)
				}
			}
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html></html>")
		case "/style.css":
			io.WriteString(w, cssBody)
		default:
			http.NotFound(w, r)
		}
	}))

	promised := make(chan string, 1)
	pushedBody := make(chan string, 1)
	tr := NewTransport(Config{
		PushPromiseHandler: func(u *url.URL, header http.Header, reject func()) {
			select {
			case promised <- u.Path:
			default:
			}
		},
		PushHandler: func(u *url.URL, header http.Header, res *http.Response) {
			b, err := io.ReadAll(res.Body)
			if err != nil {
				t.Errorf("push body: %v", err)
			}
			res.Body.Close()
			select {
			case pushedBody <- string(b):
			default:
			}
		},
	})
	defer tr.Reset()

	req := newRequest(t, context.Background(), "GET", ts.URL+"/", nil)
	res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: testDial(t, ts)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(res.Body); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-promised:
		if p != "/style.css" {
			t.Errorf("promised path = %q", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("push promise handler never ran")
	}
	select {
	case b := <-pushedBody:
		if b != cssBody {
			t.Errorf("pushed body = %q; want %q", b, cssBody)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("push handler never ran")
	}
}

func TestPushPromiseReject(t *testing.T) {
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			if p, ok := w.(http.Pusher); ok {
				p.Push("/style.css", nil)
			}
			io.WriteString(w, "<html></html>")
			return
		}
		io.WriteString(w, "pushed")
	}))

	var pushHandlerRan atomic.Bool
	rejected := make(chan struct{}, 1)
	tr := NewTransport(Config{
		PushPromiseHandler: func(u *url.URL, header http.Header, reject func()) {
			reject()
			select {
			case rejected <- struct{}{}:
			default:
			}
		},
		PushHandler: func(u *url.URL, header http.Header, res *http.Response) {
			pushHandlerRan.Store(true)
		},
	})
	defer tr.Reset()

	req := newRequest(t, context.Background(), "GET", ts.URL+"/", nil)
	res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: testDial(t, ts)})
	if err != nil {
		t.Fatal(err)
	}
	io.ReadAll(res.Body)

	select {
	case <-rejected:
	case <-time.After(3 * time.Second):
		t.Fatal("push promise handler never ran")
	}
	time.Sleep(100 * time.Millisecond)
	if pushHandlerRan.Load() {
		t.Error("push handler ran for a rejected promise")
	}
}

func TestPushedStreamIdleEviction(t *testing.T) {
	ts, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			if p, ok := w.(http.Pusher); ok {
				p.Push("/big.css", nil)
			}
			io.WriteString(w, "<html></html>")
			return
		}
		io.WriteString(w, "pushed")
	}))

	gotPush := make(chan *http.Response, 1)
	tr := NewTransport(Config{
		PushedStreamIdleTimeout: 50 * time.Millisecond,
		PushHandler: func(u *url.URL, header http.Header, res *http.Response) {
			// Deliberately do not consume the body.
			select {
			case gotPush <- res:
			default:
			}
		},
	})
	defer tr.Reset()

	req := newRequest(t, context.Background(), "GET", ts.URL+"/", nil)
	res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Dial: testDial(t, ts)})
	if err != nil {
		t.Fatal(err)
	}
	io.ReadAll(res.Body)

	var pres *http.Response
	select {
	case pres = <-gotPush:
	case <-time.After(3 * time.Second):
		t.Fatal("push handler never ran")
	}

	// Wait out the idle timeout, then the body must be poisoned.
	time.Sleep(300 * time.Millisecond)
	if _, err := io.ReadAll(pres.Body); err == nil {
		t.Error("reading an evicted pushed stream should fail")
	}
}

func TestHandoffSocketSeedsSession(t *testing.T) {
	ts, conns := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	tr := NewTransport(Config{})
	defer tr.Reset()
	dial := testDial(t, ts)

	conn, err := dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	req := newRequest(t, context.Background(), "GET", ts.URL, nil)
	res, err := tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Conn: conn, Dial: nil})
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if n := atomic.LoadInt32(conns); n != 1 {
		t.Errorf("server accepted %d conns; want 1", n)
	}

	// A redundant handoff for an origin with a live session is
	// destroyed, not leaked into a second session.
	conn2, err := dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	req = newRequest(t, context.Background(), "GET", ts.URL, nil)
	res, err = tr.RoundTrip(req, RoundTripOptions{Scheme: "https", Conn: conn2})
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	tr.mu.Lock()
	n := len(tr.sessions)
	tr.mu.Unlock()
	if n != 1 {
		t.Errorf("sessions = %d; want 1", n)
	}
}
