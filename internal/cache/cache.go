// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides the shared response cache: a bounded, time-expiring
// fingerprint -> response store. All operations are best-effort; a cache
// problem is never a user-visible error, the caller just proceeds as on a
// miss.
package cache

import (
	"sync"
	"time"

	"github.com/jeranaias/quill/internal/model"
)

// =============================================================================
// CACHE TYPES
// =============================================================================

// Response is one cached completion.
type Response struct {
	Content string
	Model   string
	Usage   model.Usage
}

// approxSize estimates the entry's memory footprint in bytes.
func (r *Response) approxSize() int64 {
	return int64(len(r.Content) + len(r.Model) + 64)
}

// entry is a cached response with bookkeeping.
type entry struct {
	response   *Response
	size       int64
	createdAt  time.Time
	lastAccess time.Time
}

// Stats reports cache effectiveness.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

// HitRate returns hits / (hits + misses), or 0 when idle.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// =============================================================================
// RESPONSE CACHE
// =============================================================================

// Cache is an LRU response cache bounded by entry count, total bytes and
// TTL. Readers proceed concurrently; writers are serialized. Expiry is
// checked on Get, opportunistically before each Put, and by periodic Sweep
// calls.
type Cache struct {
	mu sync.RWMutex

	entries     map[string]*entry
	accessOrder []string // LRU order, oldest first
	currentSize int64

	maxEntries int
	maxBytes   int64
	ttl        time.Duration

	hits   int64
	misses int64

	// now is swappable for TTL tests.
	now func() time.Time
}

// New creates a cache. Non-positive bounds fall back to safe defaults.
func New(maxEntries int, maxBytes int64, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if maxBytes <= 0 {
		maxBytes = 50 * 1024 * 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns the cached response for a fingerprint. An entry past its TTL
// is treated as absent and removed.
func (c *Cache) Get(fingerprint string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.expired(e) {
		c.removeLocked(fingerprint)
		c.misses++
		return nil, false
	}

	e.lastAccess = c.now()
	c.touchLocked(fingerprint)
	c.hits++
	return e.response, true
}

// Put stores a response under a fingerprint, evicting LRU entries until
// both the entry and byte bounds hold. Oversized values that could never
// fit are dropped silently.
func (c *Cache) Put(fingerprint string, r *Response) {
	if r == nil {
		return
	}
	size := r.approxSize()
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()

	if _, ok := c.entries[fingerprint]; ok {
		c.removeLocked(fingerprint)
	}

	for len(c.entries) >= c.maxEntries || c.currentSize+size > c.maxBytes {
		if !c.evictOldestLocked() {
			break
		}
	}

	now := c.now()
	c.entries[fingerprint] = &entry{
		response:   r,
		size:       size,
		createdAt:  now,
		lastAccess: now,
	}
	c.accessOrder = append(c.accessOrder, fingerprint)
	c.currentSize += size
}

// Invalidate removes all entries whose fingerprint matches the predicate
// and returns how many were dropped.
func (c *Cache) Invalidate(match func(fingerprint string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []string
	for fp := range c.entries {
		if match(fp) {
			victims = append(victims, fp)
		}
	}
	for _, fp := range victims {
		c.removeLocked(fp)
	}
	return len(victims)
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.accessOrder = nil
	c.currentSize = 0
}

// Sweep removes expired entries proactively and returns the count removed.
// Called periodically by the owner to bound memory between lookups.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked()
}

// Stats returns a snapshot of cache effectiveness.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries: len(c.entries),
		Bytes:   c.currentSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// =============================================================================
// INTERNALS
// =============================================================================

func (c *Cache) expired(e *entry) bool {
	return c.now().Sub(e.createdAt) > c.ttl
}

func (c *Cache) sweepLocked() int {
	var victims []string
	for fp, e := range c.entries {
		if c.expired(e) {
			victims = append(victims, fp)
		}
	}
	for _, fp := range victims {
		c.removeLocked(fp)
	}
	return len(victims)
}

// evictOldestLocked removes the least-recently-used entry. Returns false
// when there is nothing left to evict.
func (c *Cache) evictOldestLocked() bool {
	if len(c.accessOrder) == 0 {
		return false
	}
	c.removeLocked(c.accessOrder[0])
	return true
}

func (c *Cache) removeLocked(fingerprint string) {
	e, ok := c.entries[fingerprint]
	if !ok {
		return
	}
	delete(c.entries, fingerprint)
	c.currentSize -= e.size
	for i, fp := range c.accessOrder {
		if fp == fingerprint {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			break
		}
	}
}

// touchLocked moves a fingerprint to the most-recently-used position.
func (c *Cache) touchLocked(fingerprint string) {
	for i, fp := range c.accessOrder {
		if fp == fingerprint {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			c.accessOrder = append(c.accessOrder, fingerprint)
			return
		}
	}
}
