// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krellis/trustgate/internal/cache"
	"github.com/krellis/trustgate/internal/models"
)

// MemoryStore is an in-memory Store with the same validation and dedup
// semantics as SQLStore. It backs tests and small single-node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events []models.ActivityEvent
	dedup  *cache.DedupWindow
	now    func() time.Time
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore(dedupWindow time.Duration, dedupCapacity int) *MemoryStore {
	return &MemoryStore{
		dedup: cache.NewDedupWindow(dedupCapacity, dedupWindow),
		now:   time.Now,
	}
}

// SetNow overrides the clock. Tests only.
func (m *MemoryStore) SetNow(now func() time.Time) {
	m.now = now
	m.dedup.SetNow(now)
}

// Append validates, deduplicates, and records an event.
func (m *MemoryStore) Append(_ context.Context, event *models.ActivityEvent) (string, error) {
	if err := validateEvent(event); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now().UTC()
	}
	if m.dedup.Seen(event.DedupKey()) {
		return "", fmt.Errorf("event %s: %w", event.DedupKey(), models.ErrDuplicate)
	}

	m.events = append(m.events, *event)
	return event.ID, nil
}

// QueryByUser returns the user's events since the given time, newest first.
func (m *MemoryStore) QueryByUser(_ context.Context, userID string, since time.Time) ([]models.ActivityEvent, error) {
	return m.filter(func(e *models.ActivityEvent) bool {
		return e.UserID == userID && !e.Timestamp.Before(since)
	}), nil
}

// QueryByIP returns all events from an IP since the given time, newest first.
func (m *MemoryStore) QueryByIP(_ context.Context, ip string, since time.Time) ([]models.ActivityEvent, error) {
	return m.filter(func(e *models.ActivityEvent) bool {
		return e.IPAddress == ip && !e.Timestamp.Before(since)
	}), nil
}

// QueryWindow returns every event since the given time, newest first.
func (m *MemoryStore) QueryWindow(_ context.Context, since time.Time) ([]models.ActivityEvent, error) {
	return m.filter(func(e *models.ActivityEvent) bool {
		return !e.Timestamp.Before(since)
	}), nil
}

// CountBetween counts events with timestamp in [from, to).
func (m *MemoryStore) CountBetween(_ context.Context, from, to time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for i := range m.events {
		ts := m.events[i].Timestamp
		if !ts.Before(from) && ts.Before(to) {
			n++
		}
	}
	return n, nil
}

// DeleteByUser removes all of a user's events.
func (m *MemoryStore) DeleteByUser(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var removed int64
	for _, e := range m.events {
		if e.UserID == userID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return removed, nil
}

func (m *MemoryStore) filter(match func(*models.ActivityEvent) bool) []models.ActivityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ActivityEvent
	for i := range m.events {
		if match(&m.events[i]) {
			out = append(out, m.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
