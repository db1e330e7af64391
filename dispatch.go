// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"polyglot.dev/fetch/internal/h1"
	"polyglot.dev/fetch/internal/h2"
)

// dispatch resolves the wire protocol for one normalized request and
// hands it to the matching transport. The protocol comes from the
// ALPN cache when warm; a cache miss on https costs one TLS+ALPN
// handshake whose socket is threaded through to the transport so the
// fresh connection isn't wasted.
func (c *Client) dispatch(ctx context.Context, r *request) (*Response, error) {
	origin := canonicalHostPort(r.url)

	var proto string
	var handoff net.Conn

	switch r.url.Scheme {
	case "http":
		proto = ProtoHTTP11
		c.alpn.Put(origin, proto)
	case "http2":
		// Scheme variant forcing cleartext HTTP/2: the transport
		// sees a plain http URL with prior-knowledge h2c.
		proto = ProtoHTTP2C
		c.alpn.Put(origin, proto)
		// The rewrite goes on a copy; the caller's request keeps its
		// original URL.
		u2 := *r.url
		u2.Scheme = "http"
		nr := *r
		nr.url = &u2
		r = &nr
	case "https":
		if p, ok := c.alpn.Get(origin); ok {
			proto = p
		} else {
			p, conn, err := c.connector.Connect(ctx, origin)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil, &AbortError{Err: err}
				}
				return nil, &ConnectError{Host: origin, Err: err}
			}
			if p == "" {
				// No ALPN from the peer; it speaks HTTP/1.
				p = ProtoHTTP11
			}
			c.alpn.Put(origin, p)
			proto = p
			handoff = conn
		}
	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unsupported scheme %q", r.url.Scheme)}
	}

	hreq, err := r.toHTTPRequest(ctx, origin)
	if err != nil {
		if handoff != nil {
			handoff.Close()
		}
		return nil, err
	}

	var hres *http.Response
	switch proto {
	case ProtoHTTP2:
		hres, err = c.h2.RoundTrip(hreq, h2.RoundTripOptions{
			Conn:   handoff,
			Scheme: "https",
			Dial:   c.dialH2(origin),
		})
	case ProtoHTTP2C:
		hres, err = c.h2.RoundTrip(hreq, h2.RoundTripOptions{
			Conn:   handoff,
			Scheme: "http",
			Dial:   c.dialTCP(origin),
		})
	case ProtoHTTP11, ProtoHTTP10:
		hres, err = c.h1.RoundTrip(hreq, h1.RoundTripOptions{
			Conn:   handoff,
			Scheme: r.url.Scheme,
		})
	default:
		if handoff != nil {
			handoff.Close()
		}
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unsupported negotiated protocol %q", proto)}
	}
	if err != nil {
		return nil, classify(err)
	}
	return c.buildResponse(hres, r.url.String()), nil
}

// toHTTPRequest maps the logical request onto the transports' wire
// form. The host header becomes the request authority and leaves the
// header block.
func (r *request) toHTTPRequest(ctx context.Context, origin string) (*http.Request, error) {
	hreq, err := http.NewRequestWithContext(ctx, r.method, r.url.String(), r.body)
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	hreq.ContentLength = r.contentLength
	hreq.Header = r.header.toHTTPHeader()
	// Dial and cache keys want an explicit port; the authority keeps
	// the caller's form.
	hreq.URL.Host = origin
	if host := r.header.Get("host"); host != "" {
		hreq.Host = host
		hreq.Header.Del("Host")
	}
	return hreq, nil
}

// dialH2 re-establishes a TLS socket for an origin whose protocol is
// already known to be h2, e.g. when the cached session died but the
// ALPN cache is still warm.
func (c *Client) dialH2(origin string) func(context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		if c.opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
			defer cancel()
		}
		host, _, err := net.SplitHostPort(origin)
		if err != nil {
			host = origin
		}
		cfg := c.opts.TLS.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		cfg.NextProtos = []string{ProtoHTTP2}
		td := &tls.Dialer{Config: cfg}
		nc, err := td.DialContext(ctx, "tcp", origin)
		if err != nil {
			return nil, &ConnectError{Host: origin, Err: err}
		}
		if p := nc.(*tls.Conn).ConnectionState().NegotiatedProtocol; p != ProtoHTTP2 {
			nc.Close()
			return nil, &ConnectError{Host: origin,
				Err: fmt.Errorf("peer no longer negotiates h2 (alpn %q)", p)}
		}
		return nc, nil
	}
}

// dialTCP opens the cleartext socket for an h2c session.
func (c *Client) dialTCP(origin string) func(context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", origin)
		if err != nil {
			return nil, &ConnectError{Host: origin, Err: err}
		}
		return nc, nil
	}
}

// canonicalHostPort fills in the scheme's default port so origins key
// caches consistently.
func canonicalHostPort(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}
