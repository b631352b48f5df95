// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package cache

import (
	"sync"
	"time"
)

// SlidingWindowCounter counts events inside a rolling time window without
// storing the events themselves. Time is divided into buckets held in a
// circular buffer; Count sums the live buckets.
//
// Complexity: Increment O(1), Count O(k) for k buckets, memory O(k).
type SlidingWindowCounter struct {
	mu         sync.Mutex
	buckets    []int64
	bucketSize time.Duration
	windowSize time.Duration
	numBuckets int
	current    int
	lastUpdate time.Time

	now func() time.Time
}

// NewSlidingWindowCounter creates a counter whose window is split into
// numBuckets buckets. NewSlidingWindowCounter(5*time.Minute, 10) yields
// 30-second buckets.
func NewSlidingWindowCounter(windowSize time.Duration, numBuckets int) *SlidingWindowCounter {
	if numBuckets <= 0 {
		numBuckets = 10
	}
	if windowSize <= 0 {
		windowSize = 5 * time.Minute
	}

	sw := &SlidingWindowCounter{
		buckets:    make([]int64, numBuckets),
		bucketSize: windowSize / time.Duration(numBuckets),
		windowSize: windowSize,
		numBuckets: numBuckets,
		now:        time.Now,
	}
	sw.lastUpdate = sw.now()
	return sw
}

// Increment adds delta to the current bucket.
func (sw *SlidingWindowCounter) Increment(delta int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()
	sw.buckets[sw.current] += delta
}

// Count returns the total across the window.
func (sw *SlidingWindowCounter) Count() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()

	var total int64
	for _, n := range sw.buckets {
		total += n
	}
	return total
}

// SetNow overrides the clock. Tests only.
func (sw *SlidingWindowCounter) SetNow(now func() time.Time) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.now = now
	sw.lastUpdate = now()
}

// advance rotates expired buckets out of the window. Must be called with the
// lock held.
func (sw *SlidingWindowCounter) advance() {
	elapsed := sw.now().Sub(sw.lastUpdate)
	bucketsElapsed := int(elapsed / sw.bucketSize)
	if bucketsElapsed <= 0 {
		return
	}

	if bucketsElapsed >= sw.numBuckets {
		for i := range sw.buckets {
			sw.buckets[i] = 0
		}
		sw.current = 0
	} else {
		for i := 0; i < bucketsElapsed; i++ {
			sw.current = (sw.current + 1) % sw.numBuckets
			sw.buckets[sw.current] = 0
		}
	}

	sw.lastUpdate = sw.now()
}

// SlidingWindowStore manages counters by key, for per-user or per-IP rates.
type SlidingWindowStore struct {
	mu         sync.RWMutex
	counters   map[string]*SlidingWindowCounter
	windowSize time.Duration
	numBuckets int
	maxKeys    int
}

// NewSlidingWindowStore creates a keyed counter store. maxKeys bounds memory;
// 0 means unlimited. When the bound is hit, the store drops an arbitrary idle
// counter (map iteration order), which at worst undercounts one key briefly.
func NewSlidingWindowStore(windowSize time.Duration, numBuckets, maxKeys int) *SlidingWindowStore {
	return &SlidingWindowStore{
		counters:   make(map[string]*SlidingWindowCounter),
		windowSize: windowSize,
		numBuckets: numBuckets,
		maxKeys:    maxKeys,
	}
}

// Increment adds 1 to the counter for key, creating it if needed.
func (s *SlidingWindowStore) Increment(key string) {
	s.counter(key).Increment(1)
}

// Count returns the windowed count for key, 0 for unknown keys.
func (s *SlidingWindowStore) Count(key string) int64 {
	s.mu.RLock()
	sw, ok := s.counters[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return sw.Count()
}

// Len returns the number of tracked keys.
func (s *SlidingWindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}

func (s *SlidingWindowStore) counter(key string) *SlidingWindowCounter {
	s.mu.RLock()
	sw, ok := s.counters[key]
	s.mu.RUnlock()
	if ok {
		return sw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sw, ok = s.counters[key]; ok {
		return sw
	}

	if s.maxKeys > 0 && len(s.counters) >= s.maxKeys {
		for k := range s.counters {
			if k != key {
				delete(s.counters, k)
				break
			}
		}
	}

	sw = NewSlidingWindowCounter(s.windowSize, s.numBuckets)
	s.counters[key] = sw
	return sw
}
