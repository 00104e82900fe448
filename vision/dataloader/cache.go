package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// Cache holds decoded image data keyed by file path so repeated epochs skip
// the decode and resize work. Entries hold data from before augmentation, so
// cached samples still receive fresh random augmentation each epoch. Safe for
// concurrent use.
type Cache struct {
	entries *lru.Cache
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache holding up to maxSize decoded images.
func NewCache(maxSize int) (*Cache, error) {
	entries, err := lru.New(maxSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Cache{entries: entries, maxSize: maxSize}, nil
}

// Get retrieves the decoded data for a path. Callers must not mutate the
// returned slice.
func (c *Cache) Get(path string) ([]float32, bool) {
	if v, ok := c.entries.Get(path); ok {
		c.hits.Add(1)
		return v.([]float32), true
	}
	c.misses.Add(1)
	return nil, false
}

// Add stores decoded data for a path, evicting the least recently used
// entry when full.
func (c *Cache) Add(path string, data []float32) {
	c.entries.Add(path, data)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Clear drops all entries. Statistics stay cumulative.
func (c *Cache) Clear() {
	c.entries.Purge()
}

// ResetStats zeroes the hit and miss counters.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	return CacheStats{
		Size:    c.entries.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
	}
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
