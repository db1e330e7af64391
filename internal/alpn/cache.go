// Copyright 2026 The Polyglot Fetch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alpn

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheSize bounds how many origins the cache remembers.
	DefaultCacheSize = 100

	// DefaultCacheTTL is how long a negotiated protocol stays
	// trustworthy.
	DefaultCacheTTL = time.Hour
)

// Cache maps origin → negotiated protocol, bounded by entry count
// (LRU) and per-entry age. Expired entries are never returned.
type Cache struct {
	lru *expirable.LRU[string, string]
}

// NewCache returns a cache holding up to size entries for at most
// ttl. Zero values select the defaults.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Get returns the protocol the peer advertised within the TTL window.
func (c *Cache) Get(origin string) (string, bool) {
	return c.lru.Get(origin)
}

// Put records the protocol negotiated for origin.
func (c *Cache) Put(origin, proto string) {
	c.lru.Add(origin, proto)
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.lru.Purge()
}
