// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// StatsStore persists daily rollups keyed by (job, day). Upsert replaces the
// row for its own key, making a retried rollup idempotent.
type StatsStore interface {
	Upsert(ctx context.Context, stats *models.DailyStatistics) error
	// Get returns the rollup for a key or models.ErrNotFound.
	Get(ctx context.Context, job string, day time.Time) (*models.DailyStatistics, error)
	// ListRange returns rollups for a job with day in [from, to), oldest
	// first.
	ListRange(ctx context.Context, job string, from, to time.Time) ([]*models.DailyStatistics, error)
}

// SQLStatsStore is the DuckDB-backed StatsStore.
type SQLStatsStore struct {
	db *sql.DB
}

// NewSQLStatsStore creates the store and its schema.
func NewSQLStatsStore(db *sql.DB) (*SQLStatsStore, error) {
	s := &SQLStatsStore{db: db}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create stats schema: %w", err)
	}
	return s, nil
}

func (s *SQLStatsStore) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS daily_statistics (
		job TEXT NOT NULL,
		day DATE NOT NULL,
		events_processed BIGINT NOT NULL DEFAULT 0,
		flags_green BIGINT NOT NULL DEFAULT 0,
		flags_yellow BIGINT NOT NULL DEFAULT 0,
		flags_red BIGINT NOT NULL DEFAULT 0,
		anomalies_detected BIGINT NOT NULL DEFAULT 0,
		false_positives BIGINT NOT NULL DEFAULT 0,
		avg_processing_ms DOUBLE NOT NULL DEFAULT 0,
		p95_processing_ms DOUBLE NOT NULL DEFAULT 0,
		p99_processing_ms DOUBLE NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (job, day)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create daily_statistics table: %w", err)
	}
	return nil
}

// Upsert replaces the rollup for (job, day).
func (s *SQLStatsStore) Upsert(ctx context.Context, stats *models.DailyStatistics) error {
	if stats.Job == "" {
		return models.NewValidationError("stats", "job is required")
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO daily_statistics
		 (job, day, events_processed, flags_green, flags_yellow, flags_red,
		  anomalies_detected, false_positives, avg_processing_ms, p95_processing_ms,
		  p99_processing_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stats.Job, dayOf(stats.Day), stats.EventsProcessed,
		stats.FlagsGreen, stats.FlagsYellow, stats.FlagsRed,
		stats.AnomaliesDetected, stats.FalsePositives,
		stats.AvgProcessingMs, stats.P95ProcessingMs, stats.P99ProcessingMs,
		stats.CreatedAt)
	metrics.RecordDBQuery("upsert", "daily_statistics", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to upsert daily statistics: %w", err)
	}
	return nil
}

// Get returns one rollup row.
func (s *SQLStatsStore) Get(ctx context.Context, job string, day time.Time) (*models.DailyStatistics, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT job, day, events_processed, flags_green, flags_yellow, flags_red,
		        anomalies_detected, false_positives, avg_processing_ms,
		        p95_processing_ms, p99_processing_ms, created_at
		 FROM daily_statistics WHERE job = ? AND day = ?`, job, dayOf(day))
	stats, err := scanStats(row.Scan)
	metrics.RecordDBQuery("select", "daily_statistics", time.Since(start), err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rollup %s/%s: %w", job, dayOf(day).Format("2006-01-02"), models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query daily statistics: %w", err)
	}
	return stats, nil
}

// ListRange returns a job's rollups with day in [from, to), oldest first.
func (s *SQLStatsStore) ListRange(ctx context.Context, job string, from, to time.Time) ([]*models.DailyStatistics, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT job, day, events_processed, flags_green, flags_yellow, flags_red,
		        anomalies_detected, false_positives, avg_processing_ms,
		        p95_processing_ms, p99_processing_ms, created_at
		 FROM daily_statistics WHERE job = ? AND day >= ? AND day < ?
		 ORDER BY day ASC`, job, dayOf(from), dayOf(to))
	metrics.RecordDBQuery("select", "daily_statistics", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.DailyStatistics
	for rows.Next() {
		stats, err := scanStats(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily statistics: %w", err)
		}
		out = append(out, stats)
	}
	return out, rows.Err()
}

func scanStats(scan func(dest ...any) error) (*models.DailyStatistics, error) {
	var stats models.DailyStatistics
	if err := scan(&stats.Job, &stats.Day, &stats.EventsProcessed,
		&stats.FlagsGreen, &stats.FlagsYellow, &stats.FlagsRed,
		&stats.AnomaliesDetected, &stats.FalsePositives,
		&stats.AvgProcessingMs, &stats.P95ProcessingMs, &stats.P99ProcessingMs,
		&stats.CreatedAt); err != nil {
		return nil, err
	}
	return &stats, nil
}

// dayOf truncates to the UTC calendar day.
func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MemoryStatsStore is the in-memory StatsStore used by tests.
type MemoryStatsStore struct {
	mu   sync.RWMutex
	rows map[string]*models.DailyStatistics
}

// NewMemoryStatsStore creates an empty in-memory stats store.
func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{rows: make(map[string]*models.DailyStatistics)}
}

func statsKey(job string, day time.Time) string {
	return job + "|" + dayOf(day).Format("2006-01-02")
}

func (m *MemoryStatsStore) Upsert(_ context.Context, stats *models.DailyStatistics) error {
	if stats.Job == "" {
		return models.NewValidationError("stats", "job is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *stats
	stored.Day = dayOf(stats.Day)
	m.rows[statsKey(stats.Job, stats.Day)] = &stored
	return nil
}

func (m *MemoryStatsStore) Get(_ context.Context, job string, day time.Time) (*models.DailyStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats, ok := m.rows[statsKey(job, day)]
	if !ok {
		return nil, fmt.Errorf("rollup %s/%s: %w", job, dayOf(day).Format("2006-01-02"), models.ErrNotFound)
	}
	cp := *stats
	return &cp, nil
}

func (m *MemoryStatsStore) ListRange(_ context.Context, job string, from, to time.Time) ([]*models.DailyStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.DailyStatistics
	for _, stats := range m.rows {
		if stats.Job != job {
			continue
		}
		if stats.Day.Before(dayOf(from)) || !stats.Day.Before(dayOf(to)) {
			continue
		}
		cp := *stats
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}
