// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package diagnostics

import (
	"sync"
	"time"
)

// serverTTL is how long a successful catalog probe vouches for the server.
const serverTTL = 10 * time.Minute

// LKGCache keeps last-known-good server state in memory. A nil cache is
// valid and remembers nothing.
type LKGCache struct {
	mu     sync.RWMutex
	server map[string]*ServerCacheEntry
	now    func() time.Time
}

// ServerCacheEntry caches the result of the last successful catalog probe.
type ServerCacheEntry struct {
	ExerciseCount int
	LastOK        time.Time
	TTL           time.Duration
}

// NewLKGCache creates a new Last-Known-Good cache.
func NewLKGCache() *LKGCache {
	return &LKGCache{
		server: make(map[string]*ServerCacheEntry),
		now:    time.Now,
	}
}

// GetServer retrieves cached server state if not expired.
func (c *LKGCache) GetServer(baseURL string) *ServerCacheEntry {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.server[baseURL]
	if !ok || c.now().Sub(entry.LastOK) > entry.TTL {
		return nil
	}
	cp := *entry
	return &cp
}

// SetServer records a successful probe.
func (c *LKGCache) SetServer(baseURL string, exerciseCount int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server[baseURL] = &ServerCacheEntry{
		ExerciseCount: exerciseCount,
		LastOK:        c.now(),
		TTL:           serverTTL,
	}
}

// EvictExpired removes expired entries.
func (c *LKGCache) EvictExpired() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for url, entry := range c.server {
		if now.Sub(entry.LastOK) > entry.TTL {
			delete(c.server, url)
		}
	}
}
