// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a classification stays valid. Expiry is
// TTL-only: a hit does not refresh the entry.
const DefaultCacheTTL = time.Hour

// DefaultCacheMaxEntries bounds the cache. Entries are one-line strings, so
// the bound guards against unbounded growth rather than memory pressure.
const DefaultCacheMaxEntries = 4096

// cacheEntry holds a result plus its insertion-order list element.
type cacheEntry struct {
	result  Result
	expires time.Time
	elem    *list.Element // value is the cache key
}

// Cache is a bounded TTL cache of classification results keyed by normalized
// utterance text.
//
// # Description
//
// Entries expire after a fixed TTL regardless of use. When the cache is full,
// the oldest entry by insertion order is evicted; there is no LRU tracking
// because entries are cheap and recency offers no benefit at this size.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // front = oldest insertion
	ttl     time.Duration
	max     int
	now     func() time.Time // test seam
}

// NewCache creates a Cache. Non-positive ttl or max use the defaults.
func NewCache(ttl time.Duration, max int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if max <= 0 {
		max = DefaultCacheMaxEntries
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// Get returns the cached result for a normalized key. Expired entries are
// removed on access and report a miss.
func (c *Cache) Get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if c.now().After(e.expires) {
		c.removeLocked(key, e)
		return Result{}, false
	}
	return e.result, true
}

// Put stores a result under a normalized key. Re-inserting an existing key
// resets its TTL and moves it to the newest position.
func (c *Cache) Put(key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.result = r
		e.expires = c.now().Add(c.ttl)
		c.order.MoveToBack(e.elem)
		return
	}
	for len(c.entries) >= c.max {
		front := c.order.Front()
		if front == nil {
			break
		}
		oldest := front.Value.(string)
		c.removeLocked(oldest, c.entries[oldest])
	}
	c.entries[key] = &cacheEntry{
		result:  r,
		expires: c.now().Add(c.ttl),
		elem:    c.order.PushBack(key),
	}
}

// Len returns the number of live entries, counting any not yet expired-swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string, e *cacheEntry) {
	delete(c.entries, key)
	c.order.Remove(e.elem)
}
