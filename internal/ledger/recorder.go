// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
	"github.com/krellis/trustgate/internal/scoring"
)

// Recorder translates pipeline happenings into ledger entries. It satisfies
// scoring.Recorder and is the only writer the other packages see; keeping
// the Entry construction here keeps the taxonomy in one place.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder wires a recorder over a ledger store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// SetNow overrides the clock. Tests only.
func (r *Recorder) SetNow(now func() time.Time) { r.now = now }

// RecordScoreChange appends a score.changed entry.
func (r *Recorder) RecordScoreChange(ctx context.Context, result *scoring.ScoreResult) error {
	meta, _ := json.Marshal(result.Factors)
	severity := SeverityInfo
	if result.RiskLevel == models.RiskLevelSuspicious {
		severity = SeverityWarning
	}
	return r.store.Append(ctx, &Entry{
		Timestamp: result.ScoredAt,
		Type:      EntryScoreChanged,
		Severity:  severity,
		Actor:     Actor{ID: "score-engine", Type: "system"},
		UserID:    result.UserID,
		Action:    "score.recompute",
		Description: fmt.Sprintf("score %d (%+d), risk level %s",
			result.Score, result.Delta, result.RiskLevel),
		Metadata: meta,
	})
}

// RecordFlagChange appends a flag.transition or flag.hold entry.
func (r *Recorder) RecordFlagChange(ctx context.Context, prev models.FlagColor, row *models.FlagHistory, changed bool) error {
	entryType := EntryFlagHold
	action := "flag.reevaluate"
	severity := SeverityInfo
	if changed {
		entryType = EntryFlagTransition
		action = "flag.transition"
		switch row.Color {
		case models.FlagRed:
			severity = SeverityCritical
		case models.FlagYellow:
			severity = SeverityWarning
		}
	}
	meta, _ := json.Marshal(map[string]any{
		"from":           string(prev),
		"to":             string(row.Color),
		"score":          row.Score,
		"anomaly_count":  row.AnomalyCount,
		"velocity_score": string(row.Velocity),
	})
	return r.store.Append(ctx, &Entry{
		Timestamp:   row.CreatedAt,
		Type:        entryType,
		Severity:    severity,
		Actor:       Actor{ID: "flag-machine", Type: "system"},
		UserID:      row.UserID,
		Action:      action,
		Description: fmt.Sprintf("flag %s -> %s at score %d", prev, row.Color, row.Score),
		Metadata:    meta,
	})
}

// RecordAnomaly appends one anomaly.detected entry per affected user so the
// per-user audit trail stays complete for cluster-wide candidates.
func (r *Recorder) RecordAnomaly(ctx context.Context, c *models.AnomalyCandidate) error {
	severity := SeverityWarning
	if c.Severity == models.SeverityCritical {
		severity = SeverityCritical
	}
	meta, _ := json.Marshal(map[string]any{
		"pattern":    string(c.Pattern),
		"severity":   string(c.Severity),
		"risk_score": c.RiskScore,
	})
	for _, userID := range c.AffectedUsers {
		if err := r.store.Append(ctx, &Entry{
			Timestamp:     c.DetectedAt,
			Type:          EntryAnomalyDetected,
			Severity:      severity,
			Actor:         Actor{ID: string(c.Pattern), Type: "system"},
			UserID:        userID,
			Action:        "anomaly.detect",
			Description:   c.Description,
			Metadata:      meta,
			CorrelationID: c.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// RecordAnomalyResolved appends an anomaly.resolved entry.
func (r *Recorder) RecordAnomalyResolved(ctx context.Context, c *models.AnomalyCandidate, resolvedBy string) error {
	metrics.AnomaliesResolved.WithLabelValues(string(c.Pattern), resolvedBy).Inc()
	entryType := EntryAnomalyResolved
	actorType := "operator"
	if resolvedBy == ExpiryActor {
		entryType = EntryAnomalyExpired
		actorType = "job"
	}
	return r.store.Append(ctx, &Entry{
		Timestamp:     r.now().UTC(),
		Type:          entryType,
		Severity:      SeverityInfo,
		Actor:         Actor{ID: resolvedBy, Type: actorType},
		Action:        "anomaly.resolve",
		Description:   fmt.Sprintf("%s anomaly resolved", c.Pattern),
		CorrelationID: c.ID,
	})
}

// RecordExpiry appends one anomaly.expired entry summarizing a whole expiry
// sweep. Individual candidates are already resolved in bulk by then.
func (r *Recorder) RecordExpiry(ctx context.Context, expired int64) error {
	meta, _ := json.Marshal(map[string]int64{"expired": expired})
	return r.store.Append(ctx, &Entry{
		Timestamp:   r.now().UTC(),
		Type:        EntryAnomalyExpired,
		Severity:    SeverityInfo,
		Actor:       Actor{ID: ExpiryActor, Type: "job"},
		Action:      "anomaly.expire",
		Description: fmt.Sprintf("%d anomaly candidates expired", expired),
		Metadata:    meta,
	})
}

// RecordDeadLetter appends a delivery.dead_lettered entry.
func (r *Recorder) RecordDeadLetter(ctx context.Context, p *models.DeadLetterPayload) error {
	meta, _ := json.Marshal(map[string]any{
		"kind":     string(p.Kind),
		"endpoint": p.Endpoint,
		"attempts": p.Attempts,
	})
	return r.store.Append(ctx, &Entry{
		Timestamp:     p.CreatedAt,
		Type:          EntryDeliveryDeadLettered,
		Severity:      SeverityWarning,
		Actor:         Actor{ID: "delivery-queue", Type: "system"},
		UserID:        p.UserID,
		Action:        "delivery.dead_letter",
		Description:   p.Reason,
		Metadata:      meta,
		CorrelationID: p.ID,
	})
}

// RecordRedrive appends a delivery.redriven entry.
func (r *Recorder) RecordRedrive(ctx context.Context, deadLetterID, operator string) error {
	return r.store.Append(ctx, &Entry{
		Timestamp:     r.now().UTC(),
		Type:          EntryDeliveryRedriven,
		Severity:      SeverityInfo,
		Actor:         Actor{ID: operator, Type: "operator"},
		Action:        "delivery.redrive",
		Description:   "dead letter redriven",
		CorrelationID: deadLetterID,
	})
}

// RecordErasure appends the final user.erased marker. The marker itself
// carries no user_id so it survives the erasure it documents.
func (r *Recorder) RecordErasure(ctx context.Context, userID, operator string) error {
	meta, _ := json.Marshal(map[string]string{"erased_user": userID})
	return r.store.Append(ctx, &Entry{
		Timestamp:   r.now().UTC(),
		Type:        EntryUserErased,
		Severity:    SeverityWarning,
		Actor:       Actor{ID: operator, Type: "operator"},
		Action:      "user.erase",
		Description: "user data erased with cascading history",
		Metadata:    meta,
	})
}
