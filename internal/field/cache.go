// Package field computes the shared field grid: an LRU+TTL cache over
// computed grids, the owned field state the handlers mutate, and the
// computation engine that aggregates contribution points.
package field

import (
	"container/list"
	"sync"
	"time"
)

// Cache memoizes computed grids by input fingerprint. Least recently
// used entries are evicted over capacity; entries older than the TTL
// are treated as misses and removed on access.
type Cache struct {
	maxSize int
	ttl     time.Duration
	mu      sync.RWMutex
	cache   map[string]*list.Element
	lruList *list.List

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	now func() time.Time
}

type cacheEntry struct {
	key        string
	grid       []float64
	insertedAt time.Time
}

// NewCache creates an empty cache.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		cache:   make(map[string]*list.Element),
		lruList: list.New(),
		now:     time.Now,
	}
}

// Get returns the cached grid for the fingerprint. A hit past the TTL
// counts as a miss and drops the entry. Callers must not mutate the
// returned slice.
func (c *Cache) Get(fingerprint string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.cache[fingerprint]
	if !exists {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.insertedAt) > c.ttl {
		c.lruList.Remove(elem)
		delete(c.cache, fingerprint)
		c.expired++
		c.misses++
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	c.hits++
	return entry.grid, true
}

// Put stores a computed grid, evicting the least recently used entry
// when over capacity.
func (c *Cache) Put(fingerprint string, grid []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.cache[fingerprint]; exists {
		entry := elem.Value.(*cacheEntry)
		entry.grid = grid
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(elem)
		return
	}

	elem := c.lruList.PushFront(&cacheEntry{
		key:        fingerprint,
		grid:       grid,
		insertedAt: c.now(),
	})
	c.cache[fingerprint] = elem

	if c.lruList.Len() > c.maxSize {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.lruList.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
			c.evictions++
		}
	}
}

// CleanupExpired removes entries past the TTL, oldest first.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.lruList.Back(); elem != nil; {
		entry := elem.Value.(*cacheEntry)
		if now.Sub(entry.insertedAt) > c.ttl {
			prev := elem.Prev()
			c.lruList.Remove(elem)
			delete(c.cache, entry.key)
			c.expired++
			removed++
			elem = prev
		} else {
			// The list is ordered by access, not insertion, so keep
			// scanning; a recently touched old entry may sit in front.
			elem = elem.Prev()
		}
	}
	return removed
}

// CacheMetrics holds cache performance counters.
type CacheMetrics struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Expired   uint64  `json:"expired"`
	HitRate   float64 `json:"hit_rate"`
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
}

// GetMetrics returns a snapshot of cache counters.
func (c *Cache) GetMetrics() CacheMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return CacheMetrics{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		HitRate:   hitRate,
		Size:      c.lruList.Len(),
		MaxSize:   c.maxSize,
	}
}
