// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package scoring

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// RiskFlagStore persists risk flags. Flags are append-only: resolution and
// expiry are status changes, never deletes, except through the explicit
// per-user erasure path.
type RiskFlagStore interface {
	Add(ctx context.Context, flag *models.RiskFlag) error
	ListByUser(ctx context.Context, userID string) ([]*models.RiskFlag, error)
	// CountActiveSince counts active flags for the user with a timestamp at
	// or after since.
	CountActiveSince(ctx context.Context, userID string, since time.Time) (int, error)
	// HasRecent reports whether the user already carries the named flag at
	// or after since. Callers use it to suppress duplicates from detectors
	// re-firing on the same burst.
	HasRecent(ctx context.Context, userID, flag string, since time.Time) (bool, error)
	// LatestTimestamp returns the most recent flag timestamp for the user,
	// zero time when the user has no flags.
	LatestTimestamp(ctx context.Context, userID string) (time.Time, error)
	DeleteByUser(ctx context.Context, userID string) error
}

// SQLRiskFlagStore is the DuckDB-backed RiskFlagStore.
type SQLRiskFlagStore struct {
	db *sql.DB
}

// NewSQLRiskFlagStore creates the store and its schema.
func NewSQLRiskFlagStore(db *sql.DB) (*SQLRiskFlagStore, error) {
	s := &SQLRiskFlagStore{db: db}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create risk flag schema: %w", err)
	}
	return s, nil
}

func (s *SQLRiskFlagStore) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS risk_flags (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			flag TEXT NOT NULL,
			category TEXT,
			risk_contribution INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			evidence TEXT,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_flags_user ON risk_flags(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_flags_ts ON risk_flags(ts)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create risk flag schema: %w", err)
		}
	}
	return nil
}

// Add inserts a flag, assigning an ID and active status when unset.
func (s *SQLRiskFlagStore) Add(ctx context.Context, flag *models.RiskFlag) error {
	if flag.UserID == "" || flag.Flag == "" {
		return models.NewValidationError("flag", "user_id and flag are required")
	}
	if flag.ID == "" {
		flag.ID = uuid.NewString()
	}
	if flag.Status == "" {
		flag.Status = models.StatusActive
	}

	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_flags (id, user_id, flag, category, risk_contribution, status, evidence, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		flag.ID, flag.UserID, flag.Flag, flag.Category,
		flag.RiskContribution, string(flag.Status), rawOrEmpty(flag.Evidence), flag.Timestamp)
	metrics.RecordDBQuery("insert", "risk_flags", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to insert risk flag: %w", err)
	}
	return nil
}

// ListByUser returns the user's flags, newest first.
func (s *SQLRiskFlagStore) ListByUser(ctx context.Context, userID string) ([]*models.RiskFlag, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, flag, category, risk_contribution, status, evidence, ts
		 FROM risk_flags WHERE user_id = ? ORDER BY ts DESC`, userID)
	metrics.RecordDBQuery("select", "risk_flags", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk flags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var flags []*models.RiskFlag
	for rows.Next() {
		var f models.RiskFlag
		var category, evidence sql.NullString
		var status string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Flag, &category,
			&f.RiskContribution, &status, &evidence, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan risk flag: %w", err)
		}
		f.Category = category.String
		f.Status = models.ResolutionStatus(status)
		if evidence.Valid && evidence.String != "" {
			f.Evidence = []byte(evidence.String)
		}
		flags = append(flags, &f)
	}
	return flags, rows.Err()
}

// CountActiveSince counts active flags at or after since.
func (s *SQLRiskFlagStore) CountActiveSince(ctx context.Context, userID string, since time.Time) (int, error) {
	start := time.Now()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM risk_flags WHERE user_id = ? AND status = ? AND ts >= ?`,
		userID, string(models.StatusActive), since).Scan(&n)
	metrics.RecordDBQuery("select", "risk_flags", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count risk flags: %w", err)
	}
	return n, nil
}

// HasRecent reports whether the user carries the named flag at or after since.
func (s *SQLRiskFlagStore) HasRecent(ctx context.Context, userID, flag string, since time.Time) (bool, error) {
	start := time.Now()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM risk_flags WHERE user_id = ? AND flag = ? AND ts >= ?`,
		userID, flag, since).Scan(&n)
	metrics.RecordDBQuery("select", "risk_flags", time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("failed to check recent risk flag: %w", err)
	}
	return n > 0, nil
}

// LatestTimestamp returns the newest flag timestamp for the user.
func (s *SQLRiskFlagStore) LatestTimestamp(ctx context.Context, userID string) (time.Time, error) {
	start := time.Now()
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM risk_flags WHERE user_id = ?`, userID).Scan(&ts)
	metrics.RecordDBQuery("select", "risk_flags", time.Since(start), err)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest risk flag: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// DeleteByUser erases the user's flags. Only the erasure path may call this.
func (s *SQLRiskFlagStore) DeleteByUser(ctx context.Context, userID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM risk_flags WHERE user_id = ?`, userID)
	metrics.RecordDBQuery("delete", "risk_flags", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to delete risk flags: %w", err)
	}
	return nil
}

func rawOrEmpty(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

// MemoryRiskFlagStore is an in-memory RiskFlagStore for tests and
// single-process development runs.
type MemoryRiskFlagStore struct {
	mu    sync.RWMutex
	flags map[string][]*models.RiskFlag
}

// NewMemoryRiskFlagStore creates an empty in-memory store.
func NewMemoryRiskFlagStore() *MemoryRiskFlagStore {
	return &MemoryRiskFlagStore{flags: make(map[string][]*models.RiskFlag)}
}

func (m *MemoryRiskFlagStore) Add(_ context.Context, flag *models.RiskFlag) error {
	if flag.UserID == "" || flag.Flag == "" {
		return models.NewValidationError("flag", "user_id and flag are required")
	}
	if flag.ID == "" {
		flag.ID = uuid.NewString()
	}
	if flag.Status == "" {
		flag.Status = models.StatusActive
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *flag
	m.flags[flag.UserID] = append(m.flags[flag.UserID], &stored)
	return nil
}

func (m *MemoryRiskFlagStore) ListByUser(_ context.Context, userID string) ([]*models.RiskFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.flags[userID]
	flags := make([]*models.RiskFlag, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		f := *stored[i]
		flags = append(flags, &f)
	}
	return flags, nil
}

func (m *MemoryRiskFlagStore) CountActiveSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, f := range m.flags[userID] {
		if f.Status == models.StatusActive && !f.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRiskFlagStore) HasRecent(_ context.Context, userID, flag string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.flags[userID] {
		if f.Flag == flag && !f.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRiskFlagStore) LatestTimestamp(_ context.Context, userID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	for _, f := range m.flags[userID] {
		if f.Timestamp.After(latest) {
			latest = f.Timestamp
		}
	}
	return latest, nil
}

func (m *MemoryRiskFlagStore) DeleteByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, userID)
	return nil
}
