// Package signalcache provides in-process caching for behavioral signals:
// a TTL cache for enrichment lookups (IP reputation, device intelligence)
// and sliding-window counters for velocity tracking.
//
// Everything here sits on the evaluation hot path, so lookups hold a
// mutex briefly and never touch the network.
package signalcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/ecomsec/sentinel/internal/metrics"
)

// Cache is a TTL cache with LRU eviction. Keys carry a kind label so hit
// rates can be tracked per signal type.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*list.Element
	eviction *list.List // front = most recently used
	maxSize  int
	stop     chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	key       string
	kind      string
	value     any
	expiresAt time.Time
}

// NewCache creates a cache holding at most maxSize entries. A background
// janitor removes expired entries every sweepInterval.
func NewCache(maxSize int, sweepInterval time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 100000
	}
	c := &Cache{
		entries:  make(map[string]*list.Element),
		eviction: list.New(),
		maxSize:  maxSize,
		stop:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.janitor(sweepInterval)
	}
	return c
}

// Get returns the cached value for key, or (nil, false) on miss or expiry.
// kind is a low-cardinality label ("ip", "device") used for metrics.
//
// The whole lookup runs under the write lock: the LRU bump mutates the
// eviction list anyway, and reading entry fields outside the lock would
// race Set's refresh of the same entry.
func (c *Cache) Get(kind, key string) (any, bool) {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		metrics.CacheMissesTotal.WithLabelValues(kind).Inc()
		return nil, false
	}

	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.eviction.Remove(el)
		delete(c.entries, key)
		c.mu.Unlock()
		metrics.CacheMissesTotal.WithLabelValues(kind).Inc()
		return nil, false
	}

	c.eviction.MoveToFront(el)
	value := entry.value
	c.mu.Unlock()

	metrics.CacheHitsTotal.WithLabelValues(kind).Inc()
	return value, true
}

// Set stores value under key with the given TTL, evicting the least
// recently used entry if the cache is full.
func (c *Cache) Set(kind, key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		c.eviction.MoveToFront(el)
		return
	}

	if c.eviction.Len() >= c.maxSize {
		oldest := c.eviction.Back()
		if oldest != nil {
			c.eviction.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}

	el := c.eviction.PushFront(&cacheEntry{
		key:       key,
		kind:      kind,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	c.entries[key] = el
}

// Len returns the current number of entries (including not-yet-swept expired ones).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eviction.Len()
}

// Stop terminates the janitor goroutine.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for el := c.eviction.Back(); el != nil; {
				prev := el.Prev()
				entry := el.Value.(*cacheEntry)
				if now.After(entry.expiresAt) {
					c.eviction.Remove(el)
					delete(c.entries, entry.key)
				}
				el = prev
			}
			c.mu.Unlock()
		}
	}
}
