package field

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests walk time forward without sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time             { return f.t }
func (f *fakeClock) Advance(d time.Duration)    { f.t = f.t.Add(d) }
func newFakeClock() *fakeClock                  { return &fakeClock{t: time.Unix(1700000000, 0)} }
func withClock(c *Cache, clk *fakeClock) *Cache { c.now = clk.Now; return c }

func TestCacheHitWithinTTL(t *testing.T) {
	clk := newFakeClock()
	c := withClock(NewCache(10, 5*time.Second), clk)

	grid := []float64{0.1, 0.2, 0.3}
	c.Put("fp-1", grid)

	clk.Advance(2 * time.Second)
	got, ok := c.Get("fp-1")
	require.True(t, ok)
	assert.Equal(t, grid, got)

	m := c.GetMetrics()
	assert.Equal(t, uint64(1), m.Hits)
	assert.Equal(t, uint64(0), m.Misses)
}

func TestCacheExpiryIsAMiss(t *testing.T) {
	clk := newFakeClock()
	c := withClock(NewCache(10, 5*time.Second), clk)

	c.Put("fp-1", []float64{1})

	clk.Advance(6 * time.Second)
	_, ok := c.Get("fp-1")
	assert.False(t, ok, "entry past TTL must miss")

	m := c.GetMetrics()
	assert.Equal(t, uint64(1), m.Expired)
	assert.Equal(t, 0, m.Size, "expired entry is removed")
}

func TestCacheMissHitExpireScenario(t *testing.T) {
	clk := newFakeClock()
	c := withClock(NewCache(10, 5*time.Second), clk)

	if _, ok := c.Get("inputs"); ok {
		t.Fatal("t=0: expected miss")
	}
	c.Put("inputs", []float64{0.5})

	clk.Advance(2 * time.Second)
	if _, ok := c.Get("inputs"); !ok {
		t.Fatal("t=2s: expected hit")
	}

	clk.Advance(4 * time.Second)
	if _, ok := c.Get("inputs"); ok {
		t.Fatal("t=6s: expected miss after TTL")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("fp-%d", i), []float64{float64(i)})
	}

	// Touch fp-0 so fp-1 becomes the eviction candidate.
	_, ok := c.Get("fp-0")
	require.True(t, ok)

	c.Put("fp-3", []float64{3})

	_, ok = c.Get("fp-1")
	assert.False(t, ok, "least recently used entry evicted")
	for _, key := range []string{"fp-0", "fp-2", "fp-3"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "%s should survive", key)
	}
	assert.Equal(t, uint64(1), c.GetMetrics().Evictions)
}

func TestCachePutUpdatesExisting(t *testing.T) {
	clk := newFakeClock()
	c := withClock(NewCache(3, 5*time.Second), clk)

	c.Put("fp", []float64{1})
	clk.Advance(4 * time.Second)
	c.Put("fp", []float64{2})

	// The refresh restarts the TTL window.
	clk.Advance(3 * time.Second)
	got, ok := c.Get("fp")
	require.True(t, ok)
	assert.Equal(t, []float64{2}, got)
	assert.Equal(t, 1, c.GetMetrics().Size)
}

func TestCleanupExpiredSweepsOldEntries(t *testing.T) {
	clk := newFakeClock()
	c := withClock(NewCache(10, 5*time.Second), clk)

	c.Put("old-1", []float64{1})
	c.Put("old-2", []float64{2})
	clk.Advance(3 * time.Second)
	c.Put("fresh", []float64{3})
	// Touch an old entry so it sits in front of the LRU list.
	_, _ = c.Get("old-1")

	clk.Advance(3 * time.Second)
	removed := c.CleanupExpired()

	assert.Equal(t, 2, removed)
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}
