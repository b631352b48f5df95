// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package cache

import "time"

// DedupWindow wraps an LRU to answer "have I seen this key recently".
// The event store uses it to reject client-side retries before hitting
// the database.
type DedupWindow struct {
	lru *LRU[time.Time]
}

// NewDedupWindow creates a dedup window holding up to capacity keys for ttl.
func NewDedupWindow(capacity int, ttl time.Duration) *DedupWindow {
	return &DedupWindow{lru: NewLRU[time.Time](capacity, ttl)}
}

// Seen reports whether key was recorded inside the window. If not, the key
// is recorded with the current time, so the first caller wins.
func (d *DedupWindow) Seen(key string) bool {
	if _, ok := d.lru.Get(key); ok {
		return true
	}
	d.lru.Set(key, time.Now())
	return false
}

// Forget drops a key, letting the next occurrence through. Used when a
// deduplicated append later fails and the client should be able to retry.
func (d *DedupWindow) Forget(key string) {
	d.lru.Invalidate(key)
}

// SetNow overrides the clock of the underlying LRU. Tests only.
func (d *DedupWindow) SetNow(now func() time.Time) {
	d.lru.SetNow(now)
}
