// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/krellis/trustgate/internal/cache"
	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// Store is the event persistence contract the pipeline and detectors depend
// on. QueryByUser returns newest-first; the window queries take an inclusive
// lower bound.
type Store interface {
	Append(ctx context.Context, event *models.ActivityEvent) (string, error)
	QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.ActivityEvent, error)
	QueryByIP(ctx context.Context, ip string, since time.Time) ([]models.ActivityEvent, error)
	QueryWindow(ctx context.Context, since time.Time) ([]models.ActivityEvent, error)
	// CountBetween counts events with timestamp in [from, to), for rollups.
	CountBetween(ctx context.Context, from, to time.Time) (int64, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// SQLStore is the DuckDB-backed Store.
type SQLStore struct {
	db    *sql.DB
	dedup *cache.DedupWindow
}

// NewSQLStore creates the store and its schema. dedupWindow/dedupCapacity
// size the in-memory retry window; the unique index on dedup_key is the
// durable backstop behind it.
func NewSQLStore(db *sql.DB, dedupWindow time.Duration, dedupCapacity int) (*SQLStore, error) {
	s := &SQLStore{
		db:    db,
		dedup: cache.NewDedupWindow(dedupCapacity, dedupWindow),
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create event schema: %w", err)
	}
	return s, nil
}

// SetNow overrides the dedup window's clock. Tests only.
func (s *SQLStore) SetNow(now func() time.Time) {
	s.dedup.SetNow(now)
}

func (s *SQLStore) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS activity_events (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			device_hash TEXT NOT NULL,
			fingerprint_id TEXT,
			confidence DOUBLE NOT NULL DEFAULT 0,
			user_agent TEXT,
			context TEXT,
			dedup_key TEXT NOT NULL UNIQUE,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_ts ON activity_events(user_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ip_ts ON activity_events(ip_address, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON activity_events(ts)`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Append validates, deduplicates, and inserts an event, returning its id.
// Events inside the dedup window with an identical dedup key return
// models.ErrDuplicate; callers treat that as success.
func (s *SQLStore) Append(ctx context.Context, event *models.ActivityEvent) (string, error) {
	if err := validateEvent(event); err != nil {
		return "", err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	key := event.DedupKey()
	if s.dedup.Seen(key) {
		metrics.EventsDeduplicated.Inc()
		return "", fmt.Errorf("event %s: %w", key, models.ErrDuplicate)
	}

	var contextJSON []byte
	if len(event.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(event.Context)
		if err != nil {
			s.dedup.Forget(key)
			return "", fmt.Errorf("failed to encode event context: %w", err)
		}
	}

	start := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_events (
			id, user_id, event_type, ip_address, device_hash,
			fingerprint_id, confidence, user_agent, context, dedup_key, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		event.ID, event.UserID, string(event.EventType), event.IPAddress,
		event.DeviceHash, event.FingerprintID, event.Confidence,
		event.UserAgent, nullableString(contextJSON), key, event.Timestamp,
	)
	metrics.RecordDBQuery("insert", "activity_events", time.Since(start), err)
	if err != nil {
		// Release the dedup window entry so the client's retry is not
		// reported as a duplicate of an event that never persisted.
		s.dedup.Forget(key)
		return "", fmt.Errorf("failed to insert event: %w", err)
	}

	// Zero rows means the unique index caught a duplicate the in-memory
	// window had already forgotten (restart, eviction).
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		metrics.EventsDeduplicated.Inc()
		return "", fmt.Errorf("event %s: %w", key, models.ErrDuplicate)
	}

	metrics.EventsIngested.WithLabelValues(string(event.EventType)).Inc()
	return event.ID, nil
}

// QueryByUser returns the user's events since the given time, newest first.
func (s *SQLStore) QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.ActivityEvent, error) {
	return s.query(ctx,
		`SELECT CAST(id AS VARCHAR), user_id, event_type, ip_address, device_hash,
			fingerprint_id, confidence, user_agent, context, ts
		FROM activity_events
		WHERE user_id = ? AND ts >= ?
		ORDER BY ts DESC`,
		userID, since)
}

// QueryByIP returns all events from an IP since the given time, newest first.
func (s *SQLStore) QueryByIP(ctx context.Context, ip string, since time.Time) ([]models.ActivityEvent, error) {
	return s.query(ctx,
		`SELECT CAST(id AS VARCHAR), user_id, event_type, ip_address, device_hash,
			fingerprint_id, confidence, user_agent, context, ts
		FROM activity_events
		WHERE ip_address = ? AND ts >= ?
		ORDER BY ts DESC`,
		ip, since)
}

// QueryWindow returns every event since the given time, newest first. The
// population detectors scan this once per cycle.
func (s *SQLStore) QueryWindow(ctx context.Context, since time.Time) ([]models.ActivityEvent, error) {
	return s.query(ctx,
		`SELECT CAST(id AS VARCHAR), user_id, event_type, ip_address, device_hash,
			fingerprint_id, confidence, user_agent, context, ts
		FROM activity_events
		WHERE ts >= ?
		ORDER BY ts DESC`,
		since)
}

// CountBetween counts events with timestamp in [from, to).
func (s *SQLStore) CountBetween(ctx context.Context, from, to time.Time) (int64, error) {
	start := time.Now()
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_events WHERE ts >= ? AND ts < ?`,
		from, to).Scan(&n)
	metrics.RecordDBQuery("select", "activity_events", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// DeleteByUser removes all of a user's events. Part of the cascade erasure
// path.
func (s *SQLStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	start := time.Now()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM activity_events WHERE user_id = ?`, userID)
	metrics.RecordDBQuery("delete", "activity_events", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events for user %s: %w", userID, err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]models.ActivityEvent, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "activity_events", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.ActivityEvent
	for rows.Next() {
		var (
			e           models.ActivityEvent
			eventType   string
			fingerprint sql.NullString
			userAgent   sql.NullString
			contextJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &eventType, &e.IPAddress,
			&e.DeviceHash, &fingerprint, &e.Confidence, &userAgent,
			&contextJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.EventType = models.EventType(eventType)
		e.FingerprintID = fingerprint.String
		e.UserAgent = userAgent.String
		if contextJSON.Valid && contextJSON.String != "" {
			if err := json.Unmarshal([]byte(contextJSON.String), &e.Context); err != nil {
				return nil, fmt.Errorf("failed to decode event context: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// validateEvent enforces the ingress invariants shared by both store
// implementations.
func validateEvent(event *models.ActivityEvent) error {
	if event == nil {
		return models.NewValidationError("event", "must not be nil")
	}
	if strings.TrimSpace(event.UserID) == "" {
		return models.NewValidationError("user_id", "must not be empty")
	}
	if strings.TrimSpace(event.DeviceHash) == "" {
		return models.NewValidationError("device_hash", "must not be empty")
	}
	if event.EventType == "" {
		return models.NewValidationError("event_type", "must not be empty")
	}
	if event.Confidence < 0 || event.Confidence > 1 {
		return models.NewValidationError("confidence", "must be within [0, 1]")
	}
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
