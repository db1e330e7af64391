// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alpn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheGetPut(t *testing.T) {
	c := NewCache(10, time.Minute)
	if _, ok := c.Get("example.com:443"); ok {
		t.Fatal("hit on empty cache")
	}
	c.Put("example.com:443", ProtoH2)
	if p, ok := c.Get("example.com:443"); !ok || p != ProtoH2 {
		t.Fatalf("got %q, %v", p, ok)
	}
	c.Reset()
	if _, ok := c.Get("example.com:443"); ok {
		t.Fatal("hit after reset")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(10, 30*time.Millisecond)
	c.Put("example.com:443", ProtoHTTP11)
	if _, ok := c.Get("example.com:443"); !ok {
		t.Fatal("entry expired immediately")
	}
	time.Sleep(100 * time.Millisecond)
	if p, ok := c.Get("example.com:443"); ok {
		t.Fatalf("expired entry returned %q", p)
	}
}

func TestCacheLRUBound(t *testing.T) {
	c := NewCache(2, time.Minute)
	c.Put("a:443", ProtoH2)
	c.Put("b:443", ProtoH2)
	c.Put("c:443", ProtoH2)
	if _, ok := c.Get("a:443"); ok {
		t.Fatal("oldest entry survived past the size bound")
	}
	if _, ok := c.Get("c:443"); !ok {
		t.Fatal("newest entry evicted")
	}
}

func TestConnectNegotiatesALPN(t *testing.T) {
	ts, _ := startTLSServer(t)
	c := &Connector{
		Protocols: []string{ProtoH2, ProtoHTTP11, ProtoHTTP10},
		TLS:       clientTLS(t, ts),
	}
	proto, conn, err := c.Connect(context.Background(), ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if conn == nil {
		t.Fatal("single caller did not receive the socket")
	}
	defer conn.Close()
	if proto != ProtoHTTP11 {
		t.Errorf("proto = %q; want %q", proto, ProtoHTTP11)
	}
}

func TestConnectSerializesPerOrigin(t *testing.T) {
	ts, conns := startTLSServer(t)
	c := &Connector{
		Protocols: []string{ProtoHTTP11},
		TLS:       clientTLS(t, ts),
	}
	addr := ts.Listener.Addr().String()

	const callers = 5
	var (
		wg       sync.WaitGroup
		withConn int32
	)
	protos := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			proto, conn, err := c.Connect(context.Background(), addr)
			if err != nil {
				t.Error(err)
				return
			}
			protos[i] = proto
			if conn != nil {
				atomic.AddInt32(&withConn, 1)
				conn.Close()
			}
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(conns); n != 1 {
		t.Errorf("server accepted %d handshakes; want 1", n)
	}
	if n := atomic.LoadInt32(&withConn); n != 1 {
		t.Errorf("%d callers received the socket; want exactly 1", n)
	}
	for i, p := range protos {
		if p != ProtoHTTP11 {
			t.Errorf("caller %d proto = %q", i, p)
		}
	}
}

func TestConnectCanceledWaiter(t *testing.T) {
	ts, _ := startTLSServer(t)
	c := &Connector{Protocols: []string{ProtoHTTP11}, TLS: clientTLS(t, ts)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Connect(ctx, ts.Listener.Addr().String())
	if err != context.Canceled {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
}

func TestConnectError(t *testing.T) {
	// Dialing a closed port fails with a connect error.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	c := &Connector{Protocols: []string{ProtoHTTP11}, Timeout: 2 * time.Second}
	if _, _, err := c.Connect(context.Background(), addr); err == nil {
		t.Fatal("expected connect error")
	}
}

func startTLSServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var conns int32
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	ts.Config.ConnState = func(c net.Conn, s http.ConnState) {
		if s == http.StateNew {
			atomic.AddInt32(&conns, 1)
		}
	}
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts, &conns
}

func clientTLS(t *testing.T, ts *httptest.Server) *tls.Config {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	return &tls.Config{RootCAs: pool, ServerName: "example.com"}
}
