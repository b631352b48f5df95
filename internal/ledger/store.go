// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// SQLStore is the DuckDB-backed ledger store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			entry_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			user_id TEXT,
			action TEXT NOT NULL,
			description TEXT,
			metadata TEXT,
			correlation_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_ts ON ledger_entries(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_type ON ledger_entries(entry_type)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}
	return nil
}

// Append inserts an entry, assigning an ID and timestamp when unset.
func (s *SQLStore) Append(ctx context.Context, entry *Entry) error {
	if entry.Type == "" || entry.Action == "" {
		return models.NewValidationError("entry", "type and action are required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}

	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries
		 (id, ts, entry_type, severity, actor_id, actor_type, user_id, action, description, metadata, correlation_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp, string(entry.Type), string(entry.Severity),
		entry.Actor.ID, entry.Actor.Type, entry.UserID, entry.Action,
		entry.Description, metadataString(entry.Metadata), entry.CorrelationID)
	metrics.RecordDBQuery("insert", "ledger_entries", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// Query returns entries matching the filter, newest first.
func (s *SQLStore) Query(ctx context.Context, filter QueryFilter) ([]*Entry, error) {
	where, args := buildWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ts, entry_type, severity, actor_id, actor_type, user_id, action, description, metadata, correlation_id
		 FROM ledger_entries` + where + ` ORDER BY ts DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "ledger_entries", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var entryType, severity string
		var userID, description, metadata, correlationID sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &entryType, &severity,
			&e.Actor.ID, &e.Actor.Type, &userID, &e.Action,
			&description, &metadata, &correlationID); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Type = EntryType(entryType)
		e.Severity = Severity(severity)
		e.UserID = userID.String
		e.Description = description.String
		e.CorrelationID = correlationID.String
		if metadata.Valid && metadata.String != "" {
			e.Metadata = []byte(metadata.String)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Count returns how many entries match the filter.
func (s *SQLStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	where, args := buildWhere(filter)

	start := time.Now()
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries`+where, args...).Scan(&n)
	metrics.RecordDBQuery("select", "ledger_entries", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return n, nil
}

// PruneBefore removes entries older than the retention horizon.
func (s *SQLStore) PruneBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_entries WHERE ts < ?`, olderThan)
	metrics.RecordDBQuery("delete", "ledger_entries", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteByUser erases a user's entries. Erasure path only.
func (s *SQLStore) DeleteByUser(ctx context.Context, userID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_entries WHERE user_id = ?`, userID)
	metrics.RecordDBQuery("delete", "ledger_entries", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to delete ledger entries: %w", err)
	}
	return nil
}

func buildWhere(filter QueryFilter) (string, []any) {
	var conds []string
	var args []any

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "entry_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.StartTime != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		conds = append(conds, "ts < ?")
		args = append(args, *filter.EndTime)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func metadataString(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

// MemoryStore is the in-memory ledger store used by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, entry *Entry) error {
	if entry.Type == "" || entry.Action == "" {
		return models.NewValidationError("entry", "type and action are required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *entry
	m.entries = append(m.entries, &stored)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, filter QueryFilter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*Entry
	skipped := 0
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if !matches(e, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, filter QueryFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, e := range m.entries {
		if matches(e, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PruneBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	var removed int64
	for _, e := range m.entries {
		if e.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func (m *MemoryStore) DeleteByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.UserID == userID {
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return nil
}

func matches(e *Entry, filter QueryFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Severity != "" && e.Severity != filter.Severity {
		return false
	}
	if filter.UserID != "" && e.UserID != filter.UserID {
		return false
	}
	if filter.StartTime != nil && e.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && !e.Timestamp.Before(*filter.EndTime) {
		return false
	}
	return true
}
