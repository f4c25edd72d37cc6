// Package cache is the process-local TTL cache shared by the rate limiter
// (counter snapshots) and the key manager (tier lookups). Entries are
// replaced atomically as a whole; staleness up to the TTL is an accepted
// property, so no locking beyond the map mutex is needed.
package cache

import (
	"sync"
	"time"
)

type item struct {
	value      interface{}
	expiration int64
}

type MemoryCache struct {
	items map[string]item
	mu    sync.RWMutex

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items:     make(map[string]item),
		stopSweep: make(chan struct{}),
	}
}

func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = item{
		value:      value,
		expiration: time.Now().Add(ttl).UnixNano(),
	}
}

func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, found := c.items[key]
	if !found {
		return nil, false
	}
	if time.Now().UnixNano() > it.expiration {
		return nil, false
	}
	return it.value, true
}

// GetStale returns the value even past its TTL. Used as the fallback when
// the backing store is unreachable: a stale count beats a failed request.
func (c *MemoryCache) GetStale(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, found := c.items[key]
	if !found {
		return nil, false
	}
	return it.value, true
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// StartSweep launches the background eviction loop on a fixed interval.
// The sweep only removes expired entries and never blocks request-path
// calls beyond the map mutex.
func (c *MemoryCache) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.evictExpired()
			case <-c.stopSweep:
				return
			}
		}
	}()
}

func (c *MemoryCache) StopSweep() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

func (c *MemoryCache) evictExpired() {
	now := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if now > it.expiration {
			delete(c.items, k)
		}
	}
}
