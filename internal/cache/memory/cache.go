// Package memory provides an in-process result cache.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

type entry struct {
	result  crawler.Result
	expires time.Time
}

// Cache is a TTL map guarded by a mutex. Expired entries are dropped on read
// and by Sweep.
type Cache struct {
	mu    sync.Mutex
	items map[string]entry
	clock crawler.Clock
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New builds an empty cache. A nil clock uses wall time.
func New(clock crawler.Clock) *Cache {
	if clock == nil {
		clock = wallClock{}
	}
	return &Cache{items: make(map[string]entry), clock: clock}
}

// Get returns the cached result or crawler.ErrCacheMiss.
func (c *Cache) Get(_ context.Context, normalizedURL string) (crawler.Result, error) {
	key := crawler.CacheKey(normalizedURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return crawler.Result{}, crawler.ErrCacheMiss
	}
	if !e.expires.IsZero() && !c.clock.Now().Before(e.expires) {
		delete(c.items, key)
		return crawler.Result{}, crawler.ErrCacheMiss
	}
	return e.result, nil
}

// Set stores result for ttl. A non-positive ttl keeps it until overwritten.
func (c *Cache) Set(_ context.Context, normalizedURL string, result crawler.Result, ttl time.Duration) error {
	e := entry{result: result}
	if ttl > 0 {
		e.expires = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[crawler.CacheKey(normalizedURL)] = e
	c.mu.Unlock()
	return nil
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.items {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
