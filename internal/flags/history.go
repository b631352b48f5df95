// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package flags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// HistoryStore persists flag re-evaluations. Append-only: rows are never
// edited or removed outside the explicit per-user erasure path. The current
// flag for a user is derived from the latest row, never stored separately.
type HistoryStore interface {
	Append(ctx context.Context, row *models.FlagHistory) error
	// Latest returns the newest row for the user or models.ErrNotFound.
	Latest(ctx context.Context, userID string) (*models.FlagHistory, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.FlagHistory, error)
	// CountByColor counts users by their current (latest-row) color.
	CountByColor(ctx context.Context) (map[models.FlagColor]int, error)
	DeleteByUser(ctx context.Context, userID string) error
}

// SQLHistoryStore is the DuckDB-backed HistoryStore.
type SQLHistoryStore struct {
	db *sql.DB
}

// NewSQLHistoryStore creates the store and its schema.
func NewSQLHistoryStore(db *sql.DB) (*SQLHistoryStore, error) {
	s := &SQLHistoryStore{db: db}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create flag history schema: %w", err)
	}
	return s, nil
}

func (s *SQLHistoryStore) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS flag_history_seq`,
		`CREATE TABLE IF NOT EXISTS flag_history (
			id BIGINT PRIMARY KEY DEFAULT nextval('flag_history_seq'),
			user_id TEXT NOT NULL,
			flag_color TEXT NOT NULL,
			score INTEGER NOT NULL,
			anomaly_count INTEGER NOT NULL,
			velocity_score TEXT NOT NULL,
			confidence DOUBLE NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flag_history_user ON flag_history(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_flag_history_created ON flag_history(created_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create flag history schema: %w", err)
		}
	}
	return nil
}

// Append inserts a row and fills in its assigned id.
func (s *SQLHistoryStore) Append(ctx context.Context, row *models.FlagHistory) error {
	if row.UserID == "" || !row.Color.Valid() {
		return models.NewValidationError("flag_history", "user_id and a valid color are required")
	}
	start := time.Now()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO flag_history (user_id, flag_color, score, anomaly_count, velocity_score, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		row.UserID, string(row.Color), row.Score, row.AnomalyCount,
		string(row.Velocity), row.Confidence, row.CreatedAt).Scan(&row.ID)
	metrics.RecordDBQuery("insert", "flag_history", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to append flag history: %w", err)
	}
	return nil
}

// Latest returns the newest row for the user.
func (s *SQLHistoryStore) Latest(ctx context.Context, userID string) (*models.FlagHistory, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, flag_color, score, anomaly_count, velocity_score, confidence, created_at
		 FROM flag_history WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID)
	h, err := scanHistory(row.Scan)
	metrics.RecordDBQuery("select", "flag_history", time.Since(start), err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag history for %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query flag history: %w", err)
	}
	return h, nil
}

// ListByUser returns up to limit rows, newest first.
func (s *SQLHistoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.FlagHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, flag_color, score, anomaly_count, velocity_score, confidence, created_at
		 FROM flag_history WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	metrics.RecordDBQuery("select", "flag_history", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query flag history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.FlagHistory
	for rows.Next() {
		h, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountByColor groups users by the color of their latest row.
func (s *SQLHistoryStore) CountByColor(ctx context.Context) (map[models.FlagColor]int, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT flag_color, COUNT(*) FROM (
			SELECT user_id, arg_max(flag_color, id) AS flag_color
			FROM flag_history GROUP BY user_id
		) GROUP BY flag_color`)
	metrics.RecordDBQuery("select", "flag_history", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to count flags by color: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[models.FlagColor]int{
		models.FlagGreen:  0,
		models.FlagYellow: 0,
		models.FlagRed:    0,
	}
	for rows.Next() {
		var color string
		var n int
		if err := rows.Scan(&color, &n); err != nil {
			return nil, fmt.Errorf("failed to scan flag counts: %w", err)
		}
		counts[models.FlagColor(color)] = n
	}
	return counts, rows.Err()
}

// DeleteByUser erases the user's rows. Only the erasure path may call this.
func (s *SQLHistoryStore) DeleteByUser(ctx context.Context, userID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM flag_history WHERE user_id = ?`, userID)
	metrics.RecordDBQuery("delete", "flag_history", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to delete flag history: %w", err)
	}
	return nil
}

func scanHistory(scan func(dest ...any) error) (*models.FlagHistory, error) {
	var h models.FlagHistory
	var color, velocity string
	if err := scan(&h.ID, &h.UserID, &color, &h.Score, &h.AnomalyCount,
		&velocity, &h.Confidence, &h.CreatedAt); err != nil {
		return nil, err
	}
	h.Color = models.FlagColor(color)
	h.Velocity = models.VelocityScore(velocity)
	return &h, nil
}

// MemoryHistoryStore is the in-memory HistoryStore used by tests.
type MemoryHistoryStore struct {
	mu     sync.RWMutex
	rows   map[string][]*models.FlagHistory
	nextID int64
}

// NewMemoryHistoryStore creates an empty in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{rows: make(map[string][]*models.FlagHistory), nextID: 1}
}

func (m *MemoryHistoryStore) Append(_ context.Context, row *models.FlagHistory) error {
	if row.UserID == "" || !row.Color.Valid() {
		return models.NewValidationError("flag_history", "user_id and a valid color are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row.ID = m.nextID
	m.nextID++
	stored := *row
	m.rows[row.UserID] = append(m.rows[row.UserID], &stored)
	return nil
}

func (m *MemoryHistoryStore) Latest(_ context.Context, userID string) (*models.FlagHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.rows[userID]
	if len(rows) == 0 {
		return nil, fmt.Errorf("flag history for %s: %w", userID, models.ErrNotFound)
	}
	cp := *rows[len(rows)-1]
	return &cp, nil
}

func (m *MemoryHistoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*models.FlagHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.rows[userID]
	out := make([]*models.FlagHistory, 0, limit)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryHistoryStore) CountByColor(_ context.Context) (map[models.FlagColor]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[models.FlagColor]int{
		models.FlagGreen:  0,
		models.FlagYellow: 0,
		models.FlagRed:    0,
	}
	for _, rows := range m.rows {
		if len(rows) > 0 {
			counts[rows[len(rows)-1].Color]++
		}
	}
	return counts, nil
}

func (m *MemoryHistoryStore) DeleteByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, userID)
	return nil
}
