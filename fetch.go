// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fetch is a transparent HTTP client: requests are dispatched
// over HTTP/1.0, HTTP/1.1 or HTTP/2 as negotiated with the origin via
// ALPN, over cached per-origin connections, with streaming
// content-decoded bodies and Fetch-style redirect and cancellation
// semantics.
//
// A Client owns its negotiation cache, HTTP/1 pools and HTTP/2
// sessions; distinct clients are fully isolated. The package-level
// Fetch uses a shared default client.
package fetch

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"polyglot.dev/fetch/internal/alpn"
	"polyglot.dev/fetch/internal/h1"
	"polyglot.dev/fetch/internal/h2"
)

// Client is an isolated fetch instance: ALPN cache, HTTP/1 connection
// pools and HTTP/2 session cache. Safe for concurrent use.
type Client struct {
	opts Options
	log  *zap.Logger

	alpn      *alpn.Cache
	connector *alpn.Connector
	h1        *h1.Transport
	h2        *h2.Transport
}

// New returns a Client with the given options.
func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		opts: opts,
		log:  log,
		alpn: alpn.NewCache(opts.ALPNCacheSize, opts.ALPNCacheTTL),
		connector: &alpn.Connector{
			Protocols: opts.alpnProtocols(),
			Timeout:   opts.ConnectTimeout,
			TLS:       opts.TLS,
			Logger:    log,
		},
		h1: h1.NewTransport(h1.Options{
			KeepAlive:          !opts.H1.DisableKeepAlive,
			KeepAlivePeriod:    opts.H1.KeepAlivePeriod,
			MaxSockets:         opts.H1.MaxSockets,
			MaxTotalSockets:    opts.H1.MaxTotalSockets,
			MaxFreeSockets:     opts.H1.MaxFreeSockets,
			IdleTimeout:        opts.H1.IdleTimeout,
			Scheduling:         opts.H1.Scheduling,
			InsecureSkipVerify: opts.H1.InsecureSkipVerify,
			MaxCachedSessions:  opts.H1.MaxCachedSessions,
			TLS:                opts.TLS,
			Logger:             log,
		}),
	}
	c.h2 = h2.NewTransport(h2.Config{
		IdleSessionTimeout:      opts.H2.IdleSessionTimeout,
		PushedStreamIdleTimeout: opts.H2.PushedStreamIdleTimeout,
		PushPromiseHandler:      c.adaptPushPromiseHandler(opts.H2.PushPromiseHandler),
		PushHandler:             c.adaptPushHandler(opts.H2.PushHandler),
		Logger:                  log,
	})
	return c
}

// Fetch issues a request and resolves once response headers arrive;
// the body streams. ctx cancellation aborts the request at any stage
// and surfaces as an AbortError.
func (c *Client) Fetch(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AbortError{Err: err}
	}
	r, err := c.buildRequest(url, opts)
	if err != nil {
		return nil, err
	}
	return c.doFetch(ctx, r)
}

// Reset closes every pooled connection and session owned by the
// client and clears its caches. In-flight requests fail with a
// cancellation-style error. Idempotent; the client remains usable and
// re-establishes connections on the next request.
func (c *Client) Reset() {
	c.h2.Reset()
	c.h1.Reset()
	c.alpn.Reset()
}

func (c *Client) adaptPushPromiseHandler(h PushPromiseHandler) h2.PushPromiseHandler {
	if h == nil {
		return nil
	}
	return func(u *url.URL, header http.Header, reject func()) {
		h(u.String(), lowercaseHeader(header), reject)
	}
}

func (c *Client) adaptPushHandler(h PushHandler) h2.PushHandler {
	if h == nil {
		return nil
	}
	return func(u *url.URL, header http.Header, res *http.Response) {
		h(u.String(), lowercaseHeader(header), c.buildResponse(res, u.String()))
	}
}

var defaultClient = sync.OnceValue(func() *Client {
	return New(Options{})
})

// Fetch issues a request on the shared default client.
func Fetch(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return defaultClient().Fetch(ctx, url, opts)
}

// Reset tears down the shared default client's connections and
// caches.
func Reset() {
	defaultClient().Reset()
}
