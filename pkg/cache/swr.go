// Package cache provides a small stale-while-revalidate cache: reads
// return the cached value immediately while an expired entry refreshes in
// the background. Hit-rate statistics feed the health surface.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Loader fetches the fresh value for a key.
type Loader func(ctx context.Context, key string) (any, error)

// SWR is a stale-while-revalidate cache with per-entry TTL.
type SWR struct {
	ttl    time.Duration
	loader Loader

	mu      sync.Mutex
	entries map[string]*entry

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	value      any
	fetchedAt  time.Time
	refreshing bool
}

// New creates a cache whose entries go stale after ttl.
func New(ttl time.Duration, loader Loader) *SWR {
	return &SWR{
		ttl:     ttl,
		loader:  loader,
		entries: map[string]*entry{},
	}
}

// Get returns the cached value, refreshing synchronously on a miss and
// asynchronously when the entry is stale.
func (c *SWR) Get(ctx context.Context, key string) (any, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		stale := time.Since(e.fetchedAt) > c.ttl
		value := e.value
		if stale && !e.refreshing {
			e.refreshing = true
			go c.refresh(key)
		}
		c.mu.Unlock()
		c.hits.Add(1)
		return value, nil
	}
	c.mu.Unlock()

	c.misses.Add(1)
	value, err := c.loader(ctx, key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = &entry{value: value, fetchedAt: time.Now()}
	c.mu.Unlock()
	return value, nil
}

func (c *SWR) refresh(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	value, err := c.loader(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.refreshing = false
	if err == nil {
		e.value = value
		e.fetchedAt = time.Now()
	}
}

// HitRate returns the lifetime hit fraction, or 1 when unused.
func (c *SWR) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 1
	}
	return float64(hits) / float64(hits+misses)
}
