// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package detection

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// CandidateStore persists anomaly candidates. Resolution is a status change;
// rows are never erased outside the user-erasure path.
type CandidateStore interface {
	Save(ctx context.Context, candidate *models.AnomalyCandidate) error
	Get(ctx context.Context, id string) (*models.AnomalyCandidate, error)
	// ActiveByUser returns unresolved candidates naming the user, newest
	// first.
	ActiveByUser(ctx context.Context, userID string) ([]models.AnomalyCandidate, error)
	ListByStatus(ctx context.Context, status models.ResolutionStatus, limit int) ([]models.AnomalyCandidate, error)
	Resolve(ctx context.Context, id, resolvedBy string, at time.Time) error
	// ExpireBefore resolves all active candidates detected before the
	// cutoff and returns how many it touched.
	ExpireBefore(ctx context.Context, cutoff time.Time, resolvedBy string) (int64, error)
	// CountDetectedBetween counts candidates detected in [from, to).
	CountDetectedBetween(ctx context.Context, from, to time.Time) (int64, error)
	// CountResolvedBetween counts candidates resolved in [from, to) by
	// anyone other than excludeBy. The rollup uses it with the expiry
	// job's name to separate operator dismissals from auto-expiry.
	CountResolvedBetween(ctx context.Context, from, to time.Time, excludeBy string) (int64, error)
	// DeleteByUser removes the user from every candidate and drops
	// candidates that named no one else. Erasure path.
	DeleteByUser(ctx context.Context, userID string) error
}

// SQLCandidateStore is the DuckDB-backed CandidateStore. Affected users live
// in a join table so per-user lookups stay indexed.
type SQLCandidateStore struct {
	db *sql.DB
}

// NewSQLCandidateStore creates the store and its schema.
func NewSQLCandidateStore(db *sql.DB) (*SQLCandidateStore, error) {
	s := &SQLCandidateStore{db: db}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create anomaly schema: %w", err)
	}
	return s, nil
}

func (s *SQLCandidateStore) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS anomaly_candidates (
			id TEXT PRIMARY KEY,
			pattern TEXT NOT NULL,
			severity TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			evidence TEXT,
			description TEXT NOT NULL,
			detected_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			resolved_at TIMESTAMP,
			resolved_by TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS anomaly_affected_users (
			candidate_id TEXT NOT NULL,
			user_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomaly_status ON anomaly_candidates(status, detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_anomaly_users ON anomaly_affected_users(user_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Save persists a candidate and its affected-user set.
func (s *SQLCandidateStore) Save(ctx context.Context, c *models.AnomalyCandidate) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomaly_candidates (
			id, pattern, severity, risk_score, evidence, description,
			detected_at, status, resolved_at, resolved_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Pattern), string(c.Severity), c.RiskScore,
		rawOrNil(c.Evidence), c.Description, c.DetectedAt, string(c.Status),
		c.ResolvedAt, c.ResolvedBy)
	metrics.RecordDBQuery("insert", "anomaly_candidates", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to save candidate %s: %w", c.ID, err)
	}
	for _, userID := range c.AffectedUsers {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO anomaly_affected_users (candidate_id, user_id) VALUES (?, ?)`,
			c.ID, userID); err != nil {
			return fmt.Errorf("failed to save affected user for %s: %w", c.ID, err)
		}
	}
	metrics.AnomaliesDetected.WithLabelValues(string(c.Pattern), string(c.Severity)).Inc()
	return nil
}

// Get returns a candidate by id or models.ErrNotFound.
func (s *SQLCandidateStore) Get(ctx context.Context, id string) (*models.AnomalyCandidate, error) {
	candidates, err := s.query(ctx,
		`SELECT id, pattern, severity, risk_score, evidence, description,
			detected_at, status, resolved_at, resolved_by
		FROM anomaly_candidates WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("candidate %s: %w", id, models.ErrNotFound)
	}
	return &candidates[0], nil
}

// ActiveByUser returns unresolved candidates naming the user, newest first.
func (s *SQLCandidateStore) ActiveByUser(ctx context.Context, userID string) ([]models.AnomalyCandidate, error) {
	return s.query(ctx,
		`SELECT c.id, c.pattern, c.severity, c.risk_score, c.evidence, c.description,
			c.detected_at, c.status, c.resolved_at, c.resolved_by
		FROM anomaly_candidates c
		JOIN anomaly_affected_users u ON u.candidate_id = c.id
		WHERE u.user_id = ? AND c.status = ?
		ORDER BY c.detected_at DESC`,
		userID, string(models.StatusActive))
}

// ListByStatus returns candidates in the given status, newest first.
func (s *SQLCandidateStore) ListByStatus(ctx context.Context, status models.ResolutionStatus, limit int) ([]models.AnomalyCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, pattern, severity, risk_score, evidence, description,
			detected_at, status, resolved_at, resolved_by
		FROM anomaly_candidates WHERE status = ?
		ORDER BY detected_at DESC LIMIT ?`,
		string(status), limit)
}

// Resolve marks a candidate resolved. Resolving twice is an error so admin
// actions stay auditable.
func (s *SQLCandidateStore) Resolve(ctx context.Context, id, resolvedBy string, at time.Time) error {
	start := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE anomaly_candidates SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status = ?`,
		string(models.StatusResolved), at, resolvedBy, id, string(models.StatusActive))
	metrics.RecordDBQuery("update", "anomaly_candidates", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to resolve candidate %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("candidate %s not active: %w", id, models.ErrNotFound)
	}
	return nil
}

// ExpireBefore resolves stale active candidates.
func (s *SQLCandidateStore) ExpireBefore(ctx context.Context, cutoff time.Time, resolvedBy string) (int64, error) {
	start := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE anomaly_candidates SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE status = ? AND detected_at < ?`,
		string(models.StatusResolved), time.Now().UTC(), resolvedBy,
		string(models.StatusActive), cutoff)
	metrics.RecordDBQuery("update", "anomaly_candidates", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to expire candidates: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// CountDetectedBetween counts candidates detected in [from, to).
func (s *SQLCandidateStore) CountDetectedBetween(ctx context.Context, from, to time.Time) (int64, error) {
	start := time.Now()
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomaly_candidates WHERE detected_at >= ? AND detected_at < ?`,
		from, to).Scan(&n)
	metrics.RecordDBQuery("select", "anomaly_candidates", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count candidates: %w", err)
	}
	return n, nil
}

// CountResolvedBetween counts candidates resolved in [from, to), excluding
// resolutions by excludeBy.
func (s *SQLCandidateStore) CountResolvedBetween(ctx context.Context, from, to time.Time, excludeBy string) (int64, error) {
	start := time.Now()
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomaly_candidates
		 WHERE status = ? AND resolved_at >= ? AND resolved_at < ? AND resolved_by <> ?`,
		string(models.StatusResolved), from, to, excludeBy).Scan(&n)
	metrics.RecordDBQuery("select", "anomaly_candidates", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count resolved candidates: %w", err)
	}
	return n, nil
}

// DeleteByUser removes the user from every candidate, dropping candidates
// that named no one else.
func (s *SQLCandidateStore) DeleteByUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM anomaly_affected_users WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to remove user %s from candidates: %w", userID, err)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM anomaly_candidates WHERE id NOT IN
			(SELECT DISTINCT candidate_id FROM anomaly_affected_users)`)
	if err != nil {
		return fmt.Errorf("failed to drop orphaned candidates: %w", err)
	}
	return nil
}

func (s *SQLCandidateStore) query(ctx context.Context, query string, args ...any) ([]models.AnomalyCandidate, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "anomaly_candidates", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.AnomalyCandidate
	for rows.Next() {
		var (
			c          models.AnomalyCandidate
			pattern    string
			severity   string
			status     string
			evidence   sql.NullString
			resolvedAt sql.NullTime
			resolvedBy sql.NullString
		)
		if err := rows.Scan(&c.ID, &pattern, &severity, &c.RiskScore, &evidence,
			&c.Description, &c.DetectedAt, &status, &resolvedAt, &resolvedBy); err != nil {
			return nil, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		c.Pattern = models.PatternName(pattern)
		c.Severity = models.Severity(severity)
		c.Status = models.ResolutionStatus(status)
		if evidence.Valid {
			c.Evidence = []byte(evidence.String)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			c.ResolvedAt = &t
		}
		c.ResolvedBy = resolvedBy.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		users, err := s.affectedUsers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].AffectedUsers = users
	}
	return out, nil
}

func (s *SQLCandidateStore) affectedUsers(ctx context.Context, candidateID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM anomaly_affected_users WHERE candidate_id = ?`, candidateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query affected users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func rawOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// MemoryCandidateStore is the in-memory CandidateStore used by tests.
type MemoryCandidateStore struct {
	mu         sync.RWMutex
	candidates map[string]*models.AnomalyCandidate
	order      []string
}

// NewMemoryCandidateStore creates an empty in-memory candidate store.
func NewMemoryCandidateStore() *MemoryCandidateStore {
	return &MemoryCandidateStore{candidates: make(map[string]*models.AnomalyCandidate)}
}

// Save persists a candidate.
func (m *MemoryCandidateStore) Save(_ context.Context, c *models.AnomalyCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.AffectedUsers = append([]string(nil), c.AffectedUsers...)
	m.candidates[c.ID] = &cp
	m.order = append(m.order, c.ID)
	return nil
}

// Get returns a candidate by id or models.ErrNotFound.
func (m *MemoryCandidateStore) Get(_ context.Context, id string) (*models.AnomalyCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", id, models.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// ActiveByUser returns unresolved candidates naming the user, newest first.
func (m *MemoryCandidateStore) ActiveByUser(_ context.Context, userID string) ([]models.AnomalyCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AnomalyCandidate
	for i := len(m.order) - 1; i >= 0; i-- {
		c := m.candidates[m.order[i]]
		if c != nil && c.Status == models.StatusActive && c.Affects(userID) {
			out = append(out, *c)
		}
	}
	return out, nil
}

// ListByStatus returns candidates in the given status, newest first.
func (m *MemoryCandidateStore) ListByStatus(_ context.Context, status models.ResolutionStatus, limit int) ([]models.AnomalyCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AnomalyCandidate
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		c := m.candidates[m.order[i]]
		if c != nil && c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Resolve marks a candidate resolved.
func (m *MemoryCandidateStore) Resolve(_ context.Context, id, resolvedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[id]
	if !ok || c.Status != models.StatusActive {
		return fmt.Errorf("candidate %s not active: %w", id, models.ErrNotFound)
	}
	c.Status = models.StatusResolved
	c.ResolvedAt = &at
	c.ResolvedBy = resolvedBy
	return nil
}

// ExpireBefore resolves stale active candidates.
func (m *MemoryCandidateStore) ExpireBefore(_ context.Context, cutoff time.Time, resolvedBy string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, c := range m.candidates {
		if c.Status == models.StatusActive && c.DetectedAt.Before(cutoff) {
			c.Status = models.StatusResolved
			c.ResolvedAt = &now
			c.ResolvedBy = resolvedBy
			n++
		}
	}
	return n, nil
}

// CountDetectedBetween counts candidates detected in [from, to).
func (m *MemoryCandidateStore) CountDetectedBetween(_ context.Context, from, to time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, c := range m.candidates {
		if !c.DetectedAt.Before(from) && c.DetectedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

// CountResolvedBetween counts candidates resolved in [from, to), excluding
// resolutions by excludeBy.
func (m *MemoryCandidateStore) CountResolvedBetween(_ context.Context, from, to time.Time, excludeBy string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, c := range m.candidates {
		if c.Status != models.StatusResolved || c.ResolvedAt == nil || c.ResolvedBy == excludeBy {
			continue
		}
		if !c.ResolvedAt.Before(from) && c.ResolvedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

// DeleteByUser removes the user from every candidate.
func (m *MemoryCandidateStore) DeleteByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.candidates {
		var kept []string
		for _, u := range c.AffectedUsers {
			if u != userID {
				kept = append(kept, u)
			}
		}
		if len(kept) == 0 {
			delete(m.candidates, id)
			continue
		}
		c.AffectedUsers = kept
	}
	return nil
}
