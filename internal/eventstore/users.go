// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package eventstore

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

// UserStore persists user records and their trust scores.
type UserStore interface {
	Get(ctx context.Context, userID string) (*models.User, error)
	// Ensure creates the user with the baseline score if absent and returns
	// the stored record either way.
	Ensure(ctx context.Context, userID string, createdAt time.Time) (*models.User, error)
	SaveScore(ctx context.Context, userID string, score, weeklyScore int, scoredAt time.Time) error
	Delete(ctx context.Context, userID string) error
	ListIDs(ctx context.Context) ([]string, error)
	// ScoreDistribution returns user counts keyed by risk level.
	ScoreDistribution(ctx context.Context) (map[models.RiskLevel]int, error)
}

// SQLUserStore is the DuckDB-backed UserStore.
type SQLUserStore struct {
	db *sql.DB
}

// NewSQLUserStore creates the store and its schema.
func NewSQLUserStore(db *sql.DB) (*SQLUserStore, error) {
	s := &SQLUserStore{db: db}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create user schema: %w", err)
	}
	return s, nil
}

func (s *SQLUserStore) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		trust_score INTEGER NOT NULL,
		weekly_score INTEGER NOT NULL DEFAULT 0,
		verified BOOLEAN NOT NULL DEFAULT false,
		anonymous BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMP NOT NULL,
		last_scored_at TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

// Get returns the user or models.ErrUserNotFound.
func (s *SQLUserStore) Get(ctx context.Context, userID string) (*models.User, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, trust_score, weekly_score, verified, anonymous, created_at, last_scored_at
		FROM users WHERE id = ?`, userID)

	var (
		u        models.User
		scoredAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.TrustScore, &u.WeeklyScore, &u.Verified,
		&u.Anonymous, &u.CreatedAt, &scoredAt)
	metrics.RecordDBQuery("select", "users", time.Since(start), err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, models.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	if scoredAt.Valid {
		u.LastScoredAt = scoredAt.Time
	}
	return &u, nil
}

// Ensure creates the user at the baseline score if absent.
func (s *SQLUserStore) Ensure(ctx context.Context, userID string, createdAt time.Time) (*models.User, error) {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, trust_score, weekly_score, created_at)
		VALUES (?, ?, 0, ?) ON CONFLICT DO NOTHING`,
		userID, models.BaselineScore, createdAt)
	metrics.RecordDBQuery("insert", "users", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user %s: %w", userID, err)
	}
	return s.Get(ctx, userID)
}

// SaveScore persists a recomputed score.
func (s *SQLUserStore) SaveScore(ctx context.Context, userID string, score, weeklyScore int, scoredAt time.Time) error {
	start := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET trust_score = ?, weekly_score = ?, last_scored_at = ? WHERE id = ?`,
		models.ClampScore(score), weeklyScore, scoredAt, userID)
	metrics.RecordDBQuery("update", "users", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to save score for user %s: %w", userID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %s: %w", userID, models.ErrUserNotFound)
	}
	return nil
}

// Delete removes the user record. Event, flag, and anomaly history cascade
// through their own stores on the erasure path.
func (s *SQLUserStore) Delete(ctx context.Context, userID string) error {
	start := time.Now()
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	metrics.RecordDBQuery("delete", "users", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", userID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %s: %w", userID, models.ErrUserNotFound)
	}
	return nil
}

// ListIDs returns every user id. Feeds the nightly full recompute.
func (s *SQLUserStore) ListIDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	metrics.RecordDBQuery("select", "users", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ScoreDistribution returns user counts by risk level band.
func (s *SQLUserStore) ScoreDistribution(ctx context.Context) (map[models.RiskLevel]int, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT trust_score, COUNT(*) FROM users GROUP BY trust_score`)
	metrics.RecordDBQuery("select", "users", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	dist := map[models.RiskLevel]int{
		models.RiskLevelSuspicious:    0,
		models.RiskLevelNormal:        0,
		models.RiskLevelHighlyTrusted: 0,
	}
	for rows.Next() {
		var score, count int
		if err := rows.Scan(&score, &count); err != nil {
			return nil, fmt.Errorf("failed to scan score bucket: %w", err)
		}
		dist[models.RiskLevelFor(score)] += count
	}
	return dist, rows.Err()
}

// MemoryUserStore is the in-memory UserStore used by tests.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*models.User)}
}

// Get returns a copy of the user or models.ErrUserNotFound.
func (m *MemoryUserStore) Get(_ context.Context, userID string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, models.ErrUserNotFound)
	}
	cp := *u
	return &cp, nil
}

// Ensure creates the user at the baseline score if absent.
func (m *MemoryUserStore) Ensure(_ context.Context, userID string, createdAt time.Time) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	u := &models.User{ID: userID, TrustScore: models.BaselineScore, CreatedAt: createdAt}
	m.users[userID] = u
	cp := *u
	return &cp, nil
}

// SaveScore persists a recomputed score.
func (m *MemoryUserStore) SaveScore(_ context.Context, userID string, score, weeklyScore int, scoredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, models.ErrUserNotFound)
	}
	u.TrustScore = models.ClampScore(score)
	u.WeeklyScore = weeklyScore
	u.LastScoredAt = scoredAt
	return nil
}

// Delete removes the user record.
func (m *MemoryUserStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, models.ErrUserNotFound)
	}
	delete(m.users, userID)
	return nil
}

// ListIDs returns every user id.
func (m *MemoryUserStore) ListIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	return ids, nil
}

// ScoreDistribution returns user counts by risk level band.
func (m *MemoryUserStore) ScoreDistribution(_ context.Context) (map[models.RiskLevel]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dist := map[models.RiskLevel]int{
		models.RiskLevelSuspicious:    0,
		models.RiskLevelNormal:        0,
		models.RiskLevelHighlyTrusted: 0,
	}
	for _, u := range m.users {
		dist[models.RiskLevelFor(u.TrustScore)]++
	}
	return dist, nil
}
