// Package cache implements the LRU+TTL decision cache shared by the
// action-decision, policy-result, and rate-limit layers (spec.md §4.5).
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     interface{}
	createdAt time.Time
	expiresAt time.Time // zero means no expiration
	hits      int
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// LRUCache is a fixed-capacity cache with optional per-entry TTL. Eviction
// order is tracked with an intrusive doubly-linked list so Get/Set/evict
// are all O(1), unlike the original implementation's O(n) list removal.
// One mutex guards both the map and the list together, since a reader must
// never observe one updated without the other.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration // default TTL, 0 means no expiration

	items map[string]*list.Element // key -> element holding *entry
	order *list.List               // front = most recently used

	hits   int64
	misses int64
}

// New creates an LRUCache holding at most maxSize entries, with entries
// expiring after ttl (0 disables expiration).
func New(maxSize int, ttl time.Duration) *LRUCache {
	return &LRUCache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
	}
}

// NewActionDecisionCache is the distinguished cache for action.Decision
// lookups keyed by action.Fingerprint (10000 entries, 300s TTL).
func NewActionDecisionCache() *LRUCache { return New(10000, 300*time.Second) }

// NewPolicyResultCache is the distinguished cache for policy.Result
// lookups (1000 entries, 600s TTL).
func NewPolicyResultCache() *LRUCache { return New(1000, 600*time.Second) }

// NewRateLimitCache is the distinguished cache backing rate-limit lookups
// that benefit from memoization (5000 entries, 60s TTL).
func NewRateLimitCache() *LRUCache { return New(5000, 60*time.Second) }

// Get returns the cached value for key, if present and unexpired.
func (c *LRUCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := el.Value.(*entry)
	if e.expired(time.Now()) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	e.hits++
	c.hits++
	return e.value, true
}

// Set stores value under key using the cache's default TTL.
func (c *LRUCache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with an explicit TTL override (0
// disables expiration for this entry regardless of the cache default).
func (c *LRUCache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.createdAt = time.Now()
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry{key: key, value: value, createdAt: time.Now(), expiresAt: expiresAt}
	el := c.order.PushFront(e)
	c.items[key] = el
}

// Delete removes key from the cache, if present.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// InvalidateAgent drops every cached entry whose key was built from
// action.Fingerprint for agentID (keys are "agentID|type|target|hash",
// per internal/action.Fingerprint), so a decision cached for an agent can
// be forced stale without waiting for its TTL — e.g. after an operator
// edits policy rules that specifically affect that agent.
func (c *LRUCache) InvalidateAgent(agentID string) int {
	prefix := agentID + "|"

	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.removeElement(el)
	}
	return len(toRemove)
}

// Clear empties the cache and resets hit/miss counters.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
	c.hits = 0
	c.misses = 0
}

func (c *LRUCache) evictOldest() {
	oldest := c.order.Back()
	if oldest != nil {
		c.removeElement(oldest)
	}
}

// removeElement removes el from both the list and the map. Caller must
// hold c.mu.
func (c *LRUCache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.key)
}

// Stats summarizes the cache's current hit/miss/size state.
type Stats struct {
	Size           int     `json:"size"`
	MaxSize        int     `json:"max_size"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	ExpiredEntries int     `json:"expired_entries"`
	TotalRequests  int64   `json:"total_requests"`
}

// Stats reports the cache's current hit/miss/size state, per spec.md §4.5.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := 0
	for _, el := range c.items {
		if el.Value.(*entry).expired(now) {
			expired++
		}
	}

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Size:           len(c.items),
		MaxSize:        c.maxSize,
		Hits:           c.hits,
		Misses:         c.misses,
		HitRate:        hitRate,
		ExpiredEntries: expired,
		TotalRequests:  total,
	}
}

// MostUsed returns up to n entries ordered by descending hit count.
func (c *LRUCache) MostUsed(n int) []MostUsedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]MostUsedEntry, 0, len(c.items))
	now := time.Now()
	for _, el := range c.items {
		e := el.Value.(*entry)
		all = append(all, MostUsedEntry{
			Key:       e.key,
			Hits:      e.hits,
			AgeSecond: now.Sub(e.createdAt).Seconds(),
			Expired:   e.expired(now),
		})
	}

	sortMostUsedDescending(all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// MostUsedEntry is one row of LRUCache.MostUsed's result.
type MostUsedEntry struct {
	Key       string  `json:"key"`
	Hits      int     `json:"hits"`
	AgeSecond float64 `json:"age_seconds"`
	Expired   bool    `json:"expired"`
}

func sortMostUsedDescending(entries []MostUsedEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Hits > entries[j-1].Hits; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
