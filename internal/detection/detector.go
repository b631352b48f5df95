// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package detection implements the pattern detectors and the engine that
// coordinates them. Detectors are pure functions of a bounded event window:
// they return anomaly candidates and never mutate state themselves; the
// engine persists what they find.
package detection

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/models"
)

// Scope says when a detector runs. User-scope detectors run synchronously on
// every appended event; population-scope detectors scan the whole recent
// window on the periodic path.
type Scope string

const (
	ScopeUser       Scope = "user"
	ScopePopulation Scope = "population"
)

// EvalContext is the bounded world a detector may look at.
type EvalContext struct {
	// Event is the triggering event for user-scope runs; nil on the
	// population path.
	Event *models.ActivityEvent

	// Events answers the windowed queries detectors are allowed to make.
	Events EventSource

	// Now anchors every window computation so a whole evaluation cycle
	// shares one clock reading.
	Now time.Time
}

// EventSource is the read-only slice of the event store detectors see.
type EventSource interface {
	QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.ActivityEvent, error)
	QueryByIP(ctx context.Context, ip string, since time.Time) ([]models.ActivityEvent, error)
	QueryWindow(ctx context.Context, since time.Time) ([]models.ActivityEvent, error)
}

// Detector is one pattern matcher. Each kind encodes its own window and
// threshold policy; they are not interchangeable.
type Detector interface {
	// Name returns the pattern this detector recognizes.
	Name() models.PatternName

	// Scope returns when the detector runs.
	Scope() Scope

	// Evaluate returns zero or more candidates for the given context.
	Evaluate(ctx context.Context, ec *EvalContext) ([]*models.AnomalyCandidate, error)

	// Configure replaces the detector's threshold policy.
	Configure(raw json.RawMessage) error

	Enabled() bool
	SetEnabled(enabled bool)
}

// capRisk applies the original count-over-threshold risk formula: risk grows
// linearly with how far past the threshold the observation is, scaled by a
// per-pattern multiplier and capped at 100.
func capRisk(count, threshold int, multiplier float64) int {
	if threshold <= 0 {
		return 100
	}
	risk := float64(count) / float64(threshold) * multiplier
	if risk > 100 {
		return 100
	}
	return int(risk)
}

// marshalEvidence encodes detector metadata; a failed encode degrades to no
// evidence rather than failing the detection.
func marshalEvidence(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// distinctUsers returns the unique user ids in order of first appearance.
func distinctUsers(events []models.ActivityEvent) []string {
	seen := make(map[string]bool, len(events))
	var out []string
	for i := range events {
		if !seen[events[i].UserID] {
			seen[events[i].UserID] = true
			out = append(out, events[i].UserID)
		}
	}
	return out
}
