package cache

import (
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(10, 0)
	c.Set("a", 123)
	v, ok := c.Get("a")
	if !ok || v != 123 {
		t.Fatalf("expected (123, true), got (%v, %v)", v, ok)
	}
}

func TestGetMissingKeyIsMiss(t *testing.T) {
	c := New(10, 0)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for missing key")
	}
	stats := c.Stats()
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestEvictsLeastRecentlyUsedWhenFull(t *testing.T) {
	c := New(2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // touch a so b becomes the LRU victim
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to have been evicted as least recently used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected a to survive (it was touched)")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to be present (just inserted)")
	}
}

func TestTTLExpiresEntries(t *testing.T) {
	c := New(10, 30*time.Millisecond)
	c.Set("a", 1)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected immediate get to hit")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestStatsReflectsHitsAndMisses(t *testing.T) {
	c := New(10, 0)
	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("expected 2 hits / 1 miss, got %d/%d", stats.Hits, stats.Misses)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Errorf("expected hit rate ~0.667, got %v", stats.HitRate)
	}
}

func TestMostUsedOrdersByHitsDescending(t *testing.T) {
	c := New(10, 0)
	c.Set("rare", 1)
	c.Set("common", 2)
	c.Get("common")
	c.Get("common")
	c.Get("rare")

	top := c.MostUsed(2)
	if len(top) != 2 || top[0].Key != "common" {
		t.Errorf("expected 'common' first, got %+v", top)
	}
}

func TestInvalidateAgentRemovesOnlyMatchingKeys(t *testing.T) {
	c := New(10, 0)
	c.Set("agent-1|tool_call|http_request|abc", "d1")
	c.Set("agent-1|tool_call|file_write|def", "d2")
	c.Set("agent-2|tool_call|http_request|abc", "d3")

	removed := c.InvalidateAgent("agent-1")
	if removed != 2 {
		t.Errorf("expected 2 entries removed, got %d", removed)
	}
	if _, ok := c.Get("agent-2|tool_call|http_request|abc"); !ok {
		t.Error("expected agent-2's entry to survive")
	}
}

func TestNamedConstructorsHaveSpecSizes(t *testing.T) {
	if c := NewActionDecisionCache(); c.maxSize != 10000 || c.ttl != 300*time.Second {
		t.Errorf("unexpected action decision cache config: size=%d ttl=%v", c.maxSize, c.ttl)
	}
	if c := NewPolicyResultCache(); c.maxSize != 1000 || c.ttl != 600*time.Second {
		t.Errorf("unexpected policy result cache config: size=%d ttl=%v", c.maxSize, c.ttl)
	}
	if c := NewRateLimitCache(); c.maxSize != 5000 || c.ttl != 60*time.Second {
		t.Errorf("unexpected rate limit cache config: size=%d ttl=%v", c.maxSize, c.ttl)
	}
}

func TestClearResetsEverything(t *testing.T) {
	c := New(10, 0)
	c.Set("a", 1)
	c.Get("a")
	c.Clear()

	if _, ok := c.Get("a"); ok {
		t.Error("expected cache to be empty after Clear")
	}
	stats := c.Stats()
	if stats.Hits != 0 || stats.Misses != 1 {
		t.Errorf("expected counters reset then one miss from the Get above, got %+v", stats)
	}
}
