package cache_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tsumugi/pkg/cache"
)

func TestTTLCache_GetSet(t *testing.T) {
	c := cache.NewTTL()

	_, ok := c.Get("missing")
	gt.False(t, ok)

	c.Set("key", "value")
	got, ok := c.Get("key")
	gt.True(t, ok)
	gt.V(t, got).Equal("value")

	stats := c.Stats()
	gt.V(t, stats.Hits).Equal(1)
	gt.V(t, stats.Misses).Equal(1)
	gt.V(t, stats.Entries).Equal(1)
}

func TestTTLCache_Expiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := cache.NewTTL(cache.WithTTL(time.Minute), cache.WithClock(clock))

	c.Set("key", "value")
	_, ok := c.Get("key")
	gt.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("key")
	gt.False(t, ok)
}

func TestTTLCache_PerEntryTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := cache.NewTTL(cache.WithTTL(time.Hour), cache.WithClock(clock))

	c.Set("slow", "1")
	c.SetTTL("fast", "2", time.Second)

	now = now.Add(2 * time.Second)
	_, ok := c.Get("fast")
	gt.False(t, ok)
	_, ok = c.Get("slow")
	gt.True(t, ok)
}

func TestTTLCache_EvictsOldest(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := cache.NewTTL(cache.WithMaxEntries(2), cache.WithClock(clock))

	c.Set("a", "1")
	now = now.Add(time.Second)
	c.Set("b", "2")
	now = now.Add(time.Second)

	// Touch "a" so "b" becomes least recently accessed
	_, ok := c.Get("a")
	gt.True(t, ok)
	now = now.Add(time.Second)

	c.Set("c", "3")

	_, ok = c.Get("b")
	gt.False(t, ok)
	_, ok = c.Get("a")
	gt.True(t, ok)
	_, ok = c.Get("c")
	gt.True(t, ok)

	gt.V(t, c.Stats().Evictions).Equal(1)
}

func TestTTLCache_Invalidate(t *testing.T) {
	c := cache.NewTTL()

	c.Set("a", "1")
	c.Set("b", "2")

	c.Invalidate("a")
	_, ok := c.Get("a")
	gt.False(t, ok)
	_, ok = c.Get("b")
	gt.True(t, ok)

	c.InvalidateAll()
	_, ok = c.Get("b")
	gt.False(t, ok)
	gt.V(t, c.Stats().Entries).Equal(0)
}
