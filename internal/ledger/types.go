// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package ledger provides the append-only audit and statistics ledger.
// Every score change, flag transition, anomaly lifecycle step, and delivery
// failure is recorded as an immutable entry; daily rollups aggregate the
// ledger for dashboards.
package ledger

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// EntryType categorizes ledger entries.
type EntryType string

const (
	// Scoring events
	EntryScoreChanged EntryType = "score.changed"

	// Flag state machine events
	EntryFlagTransition EntryType = "flag.transition"
	EntryFlagHold       EntryType = "flag.hold"

	// Anomaly lifecycle events
	EntryAnomalyDetected EntryType = "anomaly.detected"
	EntryAnomalyResolved EntryType = "anomaly.resolved"
	EntryAnomalyExpired  EntryType = "anomaly.expired"

	// Delivery events
	EntryDeliveryDeadLettered EntryType = "delivery.dead_lettered"
	EntryDeliveryRedriven     EntryType = "delivery.redriven"

	// Administrative events
	EntryUserErased      EntryType = "user.erased"
	EntryRollupCompleted EntryType = "rollup.completed"
	EntryConfigChanged   EntryType = "config.changed"
)

// Severity indicates how much attention an entry deserves.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Actor identifies who or what caused an entry.
type Actor struct {
	// ID is the user id, operator name, or job name.
	ID string `json:"id"`
	// Type is one of "system", "operator", or "job".
	Type string `json:"type"`
}

// Entry is one immutable ledger record. Entries are never edited or deleted
// outside retention pruning and the explicit per-user erasure path.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EntryType `json:"type"`
	Severity  Severity  `json:"severity"`
	Actor     Actor     `json:"actor"`
	// UserID is the affected user, empty for system-wide entries.
	UserID string `json:"user_id,omitempty"`
	// Action is a short machine-readable verb phrase.
	Action string `json:"action"`
	// Description is the human-readable account of what happened.
	Description string `json:"description"`
	// Metadata carries entry-specific structured detail.
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// QueryFilter narrows ledger reads.
type QueryFilter struct {
	Types     []EntryType `json:"types,omitempty"`
	Severity  Severity    `json:"severity,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	StartTime *time.Time  `json:"start_time,omitempty"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
}

// Store persists ledger entries. Append-only: no update operation exists.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter QueryFilter) ([]*Entry, error)
	Count(ctx context.Context, filter QueryFilter) (int64, error)
	// PruneBefore removes entries older than the retention horizon and
	// returns how many were removed.
	PruneBefore(ctx context.Context, olderThan time.Time) (int64, error)
	// DeleteByUser erases a user's entries. Erasure path only.
	DeleteByUser(ctx context.Context, userID string) error
}
