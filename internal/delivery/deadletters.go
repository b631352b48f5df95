// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// DeadLetterStore holds payloads that could not be processed or delivered.
// Entries leave the store only when an operator resolves them.
type DeadLetterStore interface {
	// Add persists a new dead letter. Assigns ID and CreatedAt when unset.
	Add(ctx context.Context, p *models.DeadLetterPayload) error
	// Get returns one entry or models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.DeadLetterPayload, error)
	// List returns entries newest first. kind "" matches all kinds;
	// resolved entries are included only when includeResolved is set.
	List(ctx context.Context, kind models.DeadLetterKind, includeResolved bool, limit int) ([]models.DeadLetterPayload, error)
	// MarkRetried records that an operator redrive re-queued the payload.
	MarkRetried(ctx context.Context, id string) error
	// Resolve closes the entry. Resolving twice returns models.ErrNotFound.
	Resolve(ctx context.Context, id, resolvedBy string) error
	// CountUnresolved returns open entries per kind ("" for all).
	CountUnresolved(ctx context.Context, kind models.DeadLetterKind) (int64, error)
	// DeleteByUser removes all entries for an erased user.
	DeleteByUser(ctx context.Context, userID string) error
}

const deadLetterSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	user_id TEXT,
	endpoint TEXT,
	reason TEXT NOT NULL,
	payload JSON,
	attempts INTEGER NOT NULL DEFAULT 0,
	retry_attempted BOOLEAN NOT NULL DEFAULT FALSE,
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	resolved_by TEXT
)`

// SQLDeadLetterStore is the DuckDB-backed implementation.
type SQLDeadLetterStore struct {
	db *sql.DB
}

// NewSQLDeadLetterStore creates the dead_letters schema on the shared
// database handle.
func NewSQLDeadLetterStore(db *sql.DB) (*SQLDeadLetterStore, error) {
	statements := []string{
		deadLetterSchema,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_kind ON dead_letters(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_resolved ON dead_letters(resolved)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_user ON dead_letters(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create dead_letters schema: %w", err)
		}
	}
	return &SQLDeadLetterStore{db: db}, nil
}

func (s *SQLDeadLetterStore) Add(ctx context.Context, p *models.DeadLetterPayload) error {
	if p.Reason == "" {
		return models.NewValidationError("reason", "required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (
			id, kind, user_id, endpoint, reason, payload,
			attempts, retry_attempted, resolved, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?)`,
		p.ID, string(p.Kind), p.UserID, p.Endpoint, p.Reason,
		nullableString(p.Payload), p.Attempts, p.RetryAttempted, p.CreatedAt,
	)
	metrics.RecordDBQuery("insert", "dead_letters", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	metrics.DLQMessagesAdded.WithLabelValues(string(p.Kind)).Inc()
	s.updateDepthGauge(ctx, p.Kind)
	return nil
}

func (s *SQLDeadLetterStore) Get(ctx context.Context, id string) (*models.DeadLetterPayload, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		selectDeadLetter+` WHERE id = ?`, id)
	p, err := scanDeadLetter(row)
	metrics.RecordDBQuery("select", "dead_letters", time.Since(start), err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter: %w", err)
	}
	return p, nil
}

func (s *SQLDeadLetterStore) List(ctx context.Context, kind models.DeadLetterKind, includeResolved bool, limit int) ([]models.DeadLetterPayload, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectDeadLetter + ` WHERE 1=1`
	args := []any{}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if !includeResolved {
		query += ` AND NOT resolved`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "dead_letters", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.DeadLetterPayload
	for rows.Next() {
		p, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLDeadLetterStore) MarkRetried(ctx context.Context, id string) error {
	start := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET retry_attempted = TRUE WHERE id = ? AND NOT resolved`, id)
	metrics.RecordDBQuery("update", "dead_letters", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter retried: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("dead letter %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *SQLDeadLetterStore) Resolve(ctx context.Context, id, resolvedBy string) error {
	start := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters
		 SET resolved = TRUE, resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND NOT resolved`,
		time.Now().UTC(), resolvedBy, id)
	metrics.RecordDBQuery("update", "dead_letters", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("dead letter %s: %w", id, models.ErrNotFound)
	}
	s.updateDepthGauge(ctx, "")
	return nil
}

func (s *SQLDeadLetterStore) CountUnresolved(ctx context.Context, kind models.DeadLetterKind) (int64, error) {
	query := `SELECT COUNT(*) FROM dead_letters WHERE NOT resolved`
	args := []any{}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	start := time.Now()
	var n int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	metrics.RecordDBQuery("select", "dead_letters", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

func (s *SQLDeadLetterStore) DeleteByUser(ctx context.Context, userID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE user_id = ?`, userID)
	metrics.RecordDBQuery("delete", "dead_letters", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to delete dead letters for user: %w", err)
	}
	return nil
}

func (s *SQLDeadLetterStore) updateDepthGauge(ctx context.Context, kind models.DeadLetterKind) {
	kinds := []models.DeadLetterKind{models.DeadLetterIngress, models.DeadLetterDelivery}
	if kind != "" {
		kinds = []models.DeadLetterKind{kind}
	}
	for _, k := range kinds {
		if n, err := s.CountUnresolved(ctx, k); err == nil {
			metrics.DLQEntriesTotal.WithLabelValues(string(k)).Set(float64(n))
		}
	}
}

const selectDeadLetter = `
SELECT id, kind, user_id, endpoint, reason, CAST(payload AS VARCHAR), attempts,
       retry_attempted, resolved, created_at, resolved_at, resolved_by
FROM dead_letters`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*models.DeadLetterPayload, error) {
	var (
		p          models.DeadLetterPayload
		kind       string
		userID     sql.NullString
		endpoint   sql.NullString
		payload    sql.NullString
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
	)
	err := row.Scan(&p.ID, &kind, &userID, &endpoint, &p.Reason, &payload,
		&p.Attempts, &p.RetryAttempted, &p.Resolved, &p.CreatedAt,
		&resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	p.Kind = models.DeadLetterKind(kind)
	p.UserID = userID.String
	p.Endpoint = endpoint.String
	if payload.Valid {
		p.Payload = []byte(payload.String)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	p.ResolvedBy = resolvedBy.String
	return &p, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// MemoryDeadLetterStore is the in-memory implementation used by tests and
// memory-mode deployments.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	entries []*models.DeadLetterPayload
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

func (s *MemoryDeadLetterStore) Add(_ context.Context, p *models.DeadLetterPayload) error {
	if p.Reason == "" {
		return models.NewValidationError("reason", "required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *p
	s.entries = append(s.entries, &clone)
	metrics.DLQMessagesAdded.WithLabelValues(string(p.Kind)).Inc()
	return nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (*models.DeadLetterPayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			clone := *e
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("dead letter %s: %w", id, models.ErrNotFound)
}

func (s *MemoryDeadLetterStore) List(_ context.Context, kind models.DeadLetterKind, includeResolved bool, limit int) ([]models.DeadLetterPayload, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DeadLetterPayload
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if kind != "" && e.Kind != kind {
			continue
		}
		if e.Resolved && !includeResolved {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *MemoryDeadLetterStore) MarkRetried(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id && !e.Resolved {
			e.RetryAttempted = true
			return nil
		}
	}
	return fmt.Errorf("dead letter %s: %w", id, models.ErrNotFound)
}

func (s *MemoryDeadLetterStore) Resolve(_ context.Context, id, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id && !e.Resolved {
			now := time.Now().UTC()
			e.Resolved = true
			e.ResolvedAt = &now
			e.ResolvedBy = resolvedBy
			return nil
		}
	}
	return fmt.Errorf("dead letter %s: %w", id, models.ErrNotFound)
}

func (s *MemoryDeadLetterStore) CountUnresolved(_ context.Context, kind models.DeadLetterKind) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.entries {
		if e.Resolved {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemoryDeadLetterStore) DeleteByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.UserID != userID {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}
