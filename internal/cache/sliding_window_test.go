// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package cache

import (
	"testing"
	"time"
)

func TestSlidingWindowCounter_Basic(t *testing.T) {
	sw := NewSlidingWindowCounter(time.Minute, 6)

	sw.Increment(1)
	sw.Increment(1)
	sw.Increment(3)

	if got := sw.Count(); got != 5 {
		t.Errorf("Count() = %d, want 5", got)
	}
}

func TestSlidingWindowCounter_Expiry(t *testing.T) {
	sw := NewSlidingWindowCounter(time.Minute, 6)

	current := time.Now()
	sw.SetNow(func() time.Time { return current })

	sw.Increment(10)

	// Half the window: count survives.
	current = current.Add(30 * time.Second)
	if got := sw.Count(); got != 10 {
		t.Errorf("Count() after 30s = %d, want 10", got)
	}

	// Past the full window: everything rotates out.
	current = current.Add(2 * time.Minute)
	if got := sw.Count(); got != 0 {
		t.Errorf("Count() after expiry = %d, want 0", got)
	}
}

func TestSlidingWindowCounter_PartialRotation(t *testing.T) {
	sw := NewSlidingWindowCounter(time.Minute, 6) // 10s buckets

	current := time.Now()
	sw.SetNow(func() time.Time { return current })

	sw.Increment(3)
	current = current.Add(20 * time.Second)
	sw.Increment(2)

	if got := sw.Count(); got != 5 {
		t.Errorf("Count() with both buckets live = %d, want 5", got)
	}

	// 50s later the first bucket (age 70s) is out, the second (age 50s) is in.
	current = current.Add(50 * time.Second)
	if got := sw.Count(); got != 2 {
		t.Errorf("Count() after first bucket expired = %d, want 2", got)
	}
}

func TestSlidingWindowStore_PerKey(t *testing.T) {
	s := NewSlidingWindowStore(time.Minute, 6, 0)

	s.Increment("user:a")
	s.Increment("user:a")
	s.Increment("user:b")

	if got := s.Count("user:a"); got != 2 {
		t.Errorf("Count(user:a) = %d, want 2", got)
	}
	if got := s.Count("user:b"); got != 1 {
		t.Errorf("Count(user:b) = %d, want 1", got)
	}
	if got := s.Count("user:c"); got != 0 {
		t.Errorf("Count(user:c) = %d, want 0", got)
	}
}

func TestSlidingWindowStore_MaxKeys(t *testing.T) {
	s := NewSlidingWindowStore(time.Minute, 6, 2)

	s.Increment("a")
	s.Increment("b")
	s.Increment("c")

	if got := s.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2 (bounded)", got)
	}
}
