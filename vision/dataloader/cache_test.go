package dataloader

import (
	"strings"
	"testing"
)

// TestCacheBasicOperations tests add, get and eviction
func TestCacheBasicOperations(t *testing.T) {
	cache, err := NewCache(2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, ok := cache.Get("a"); ok {
		t.Error("Expected miss on empty cache")
	}

	cache.Add("a", []float32{1, 2})
	cache.Add("b", []float32{3, 4})
	if cache.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", cache.Len())
	}

	data, ok := cache.Get("a")
	if !ok {
		t.Fatal("Expected hit for key a")
	}
	if len(data) != 2 || data[0] != 1 || data[1] != 2 {
		t.Errorf("Expected [1 2], got %v", data)
	}

	// a was just used, so adding c evicts b.
	cache.Add("c", []float32{5, 6})
	if cache.Len() != 2 {
		t.Errorf("Expected 2 entries after eviction, got %d", cache.Len())
	}
	if _, ok := cache.Get("b"); ok {
		t.Error("Expected b to be evicted")
	}
	if _, ok := cache.Get("a"); !ok {
		t.Error("Expected a to survive eviction")
	}
	if _, ok := cache.Get("c"); !ok {
		t.Error("Expected c to be present")
	}
}

// TestCacheStats tests hit and miss accounting
func TestCacheStats(t *testing.T) {
	cache, err := NewCache(4)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	cache.Add("a", []float32{1})
	cache.Get("a")
	cache.Get("a")
	cache.Get("missing")

	stats := cache.Stats()
	if stats.Hits != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
	if stats.Size != 1 || stats.MaxSize != 4 {
		t.Errorf("Expected size 1/4, got %d/%d", stats.Size, stats.MaxSize)
	}
	wantRate := 2.0 / 3.0 * 100
	if diff := stats.HitRate - wantRate; diff > 0.01 || diff < -0.01 {
		t.Errorf("Expected hit rate %.1f, got %.1f", wantRate, stats.HitRate)
	}

	str := stats.String()
	if !strings.Contains(str, "Hits: 2") || !strings.Contains(str, "Misses: 1") {
		t.Errorf("Unexpected stats string: %s", str)
	}
}

// TestCacheClear tests that Clear drops entries but keeps counters
func TestCacheClear(t *testing.T) {
	cache, err := NewCache(4)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	cache.Add("a", []float32{1})
	cache.Get("a")
	cache.Clear()

	if cache.Len() != 0 {
		t.Errorf("Expected empty cache after Clear, got %d entries", cache.Len())
	}
	if got := cache.Stats().Hits; got != 1 {
		t.Errorf("Expected cumulative hits after Clear, got %d", got)
	}

	cache.ResetStats()
	stats := cache.Stats()
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Expected zeroed stats, got %+v", stats)
	}
}

// TestCacheZeroHitRate tests the empty-statistics case
func TestCacheZeroHitRate(t *testing.T) {
	cache, err := NewCache(4)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := cache.Stats().HitRate; got != 0 {
		t.Errorf("Expected zero hit rate with no lookups, got %f", got)
	}
}

// TestNewCacheValidation tests size validation
func TestNewCacheValidation(t *testing.T) {
	for _, size := range []int{0, -5} {
		if _, err := NewCache(size); err == nil {
			t.Errorf("Expected error for size %d", size)
		}
	}
}
