// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// RollupJob keys the daily rollup rows.
const RollupJob = "daily-rollup"

// ExpiryActor is the resolved_by value the auto-expiry job writes. Rollups
// exclude it when counting operator dismissals.
const ExpiryActor = "expiry"

// EventCounter is the slice of the event store the rollup needs.
type EventCounter interface {
	CountBetween(ctx context.Context, from, to time.Time) (int64, error)
}

// AnomalyCounter is the slice of the candidate store the rollup needs.
type AnomalyCounter interface {
	CountDetectedBetween(ctx context.Context, from, to time.Time) (int64, error)
	CountResolvedBetween(ctx context.Context, from, to time.Time, excludeBy string) (int64, error)
}

// FlagCounter is the slice of the flag history store the rollup needs.
type FlagCounter interface {
	CountByColor(ctx context.Context) (map[models.FlagColor]int, error)
}

// Roller aggregates one day of ledger activity into a DailyStatistics row.
// Rollups are idempotent per (job, day): rerunning a day replaces that day's
// row instead of double counting.
type Roller struct {
	stats     StatsStore
	ledger    Store
	events    EventCounter
	anomalies AnomalyCounter
	flags     FlagCounter
	latency   *LatencySampler
	now       func() time.Time
}

// NewRoller wires a rollup job over its sources.
func NewRoller(stats StatsStore, ledger Store, events EventCounter, anomalies AnomalyCounter, flags FlagCounter, latency *LatencySampler) *Roller {
	return &Roller{
		stats:     stats,
		ledger:    ledger,
		events:    events,
		anomalies: anomalies,
		flags:     flags,
		latency:   latency,
		now:       time.Now,
	}
}

// SetNow overrides the clock. Tests only.
func (r *Roller) SetNow(now func() time.Time) { r.now = now }

// Rollup aggregates the given calendar day (UTC) and upserts its row.
func (r *Roller) Rollup(ctx context.Context, day time.Time) (*models.DailyStatistics, error) {
	from := dayOf(day)
	to := from.Add(24 * time.Hour)

	events, err := r.events.CountBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count events for rollup: %w", err)
	}
	detected, err := r.anomalies.CountDetectedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count anomalies for rollup: %w", err)
	}
	dismissed, err := r.anomalies.CountResolvedBetween(ctx, from, to, ExpiryActor)
	if err != nil {
		return nil, fmt.Errorf("failed to count dismissals for rollup: %w", err)
	}
	colors, err := r.flags.CountByColor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count flags for rollup: %w", err)
	}
	for color, n := range colors {
		metrics.UsersByFlag.WithLabelValues(string(color)).Set(float64(n))
	}

	avg, p95, p99 := r.latency.Percentiles()
	stats := &models.DailyStatistics{
		Job:               RollupJob,
		Day:               from,
		EventsProcessed:   events,
		FlagsGreen:        int64(colors[models.FlagGreen]),
		FlagsYellow:       int64(colors[models.FlagYellow]),
		FlagsRed:          int64(colors[models.FlagRed]),
		AnomaliesDetected: detected,
		FalsePositives:    dismissed,
		AvgProcessingMs:   avg,
		P95ProcessingMs:   p95,
		P99ProcessingMs:   p99,
		CreatedAt:         r.now().UTC(),
	}
	if err := r.stats.Upsert(ctx, stats); err != nil {
		return nil, err
	}

	meta, _ := json.Marshal(map[string]any{
		"day":                from.Format("2006-01-02"),
		"events_processed":   events,
		"anomalies_detected": detected,
	})
	entry := &Entry{
		Type:        EntryRollupCompleted,
		Severity:    SeverityInfo,
		Actor:       Actor{ID: RollupJob, Type: "job"},
		Action:      "rollup.upsert",
		Description: fmt.Sprintf("daily rollup for %s", from.Format("2006-01-02")),
		Metadata:    meta,
		Timestamp:   r.now().UTC(),
	}
	if err := r.ledger.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record rollup: %w", err)
	}
	return stats, nil
}

// LatencySampler keeps a bounded reservoir of pipeline latencies for the
// rollup's percentile columns. Once full, new samples overwrite the oldest.
type LatencySampler struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewLatencySampler creates a sampler holding up to capacity samples.
func NewLatencySampler(capacity int) *LatencySampler {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LatencySampler{samples: make([]float64, capacity)}
}

// Record adds one observed latency.
func (s *LatencySampler) Record(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.next] = ms
	s.next++
	if s.next == len(s.samples) {
		s.next = 0
		s.full = true
	}
}

// Percentiles returns the average, p95, and p99 latency in milliseconds.
// All zeros when nothing has been recorded.
func (s *LatencySampler) Percentiles() (avg, p95, p99 float64) {
	s.mu.Lock()
	n := s.next
	if s.full {
		n = len(s.samples)
	}
	data := make([]float64, n)
	copy(data, s.samples[:n])
	s.mu.Unlock()

	if n == 0 {
		return 0, 0, 0
	}
	sort.Float64s(data)
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(n), percentile(data, 0.95), percentile(data, 0.99)
}

// percentile interpolates over sorted data.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
