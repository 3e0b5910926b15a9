package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow bounds the number of requests observed within a trailing
// window by tracking each request's arrival time and discarding ones that
// have aged out, matching the original limiter's deque-based approach but
// using per-millisecond bucketed counters (per the teacher's ratelimit.go)
// instead of a per-request timestamp list, which keeps memory bounded under
// sustained traffic instead of growing with request count.
type SlidingWindow struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	buckets     []bucket // ascending by key, one entry per millisecond with any traffic
}

type bucket struct {
	key   int64 // unix millisecond for SlidingWindow, unix second for Tracker
	count int
}

// NewSlidingWindow creates a window admitting at most maxRequests within
// windowSeconds.
func NewSlidingWindow(maxRequests, windowSeconds int) *SlidingWindow {
	return &SlidingWindow{
		maxRequests: maxRequests,
		window:      time.Duration(windowSeconds) * time.Second,
	}
}

// Add records one request attempt at the current time. It returns whether
// the request is admitted and, if not, how long until the oldest request
// in the window ages out and frees capacity.
func (w *SlidingWindow) Add() (allowed bool, wait time.Duration) {
	return w.addAt(time.Now())
}

func (w *SlidingWindow) addAt(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window).UnixMilli()
	w.buckets = pruneBefore(w.buckets, cutoff)

	total := totalCount(w.buckets)
	if total < w.maxRequests {
		key := now.UnixMilli()
		if n := len(w.buckets); n > 0 && w.buckets[n-1].key == key {
			w.buckets[n-1].count++
		} else {
			w.buckets = append(w.buckets, bucket{key: key, count: 1})
		}
		return true, 0
	}

	oldest := w.buckets[0].key
	waitMillis := oldest + w.window.Milliseconds() - now.UnixMilli()
	if waitMillis < 0 {
		waitMillis = 0
	}
	return false, time.Duration(waitMillis) * time.Millisecond
}

// Count returns the number of requests currently within the window.
func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-w.window).UnixMilli()
	w.buckets = pruneBefore(w.buckets, cutoff)
	return totalCount(w.buckets)
}

func pruneBefore(buckets []bucket, cutoff int64) []bucket {
	i := 0
	for i < len(buckets) && buckets[i].key < cutoff {
		i++
	}
	if i == 0 {
		return buckets
	}
	return buckets[i:]
}

func totalCount(buckets []bucket) int {
	total := 0
	for _, b := range buckets {
		total += b.count
	}
	return total
}
