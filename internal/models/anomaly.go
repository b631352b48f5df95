// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// PatternName identifies the detector that produced an anomaly candidate.
type PatternName string

const (
	PatternCluster               PatternName = "cluster"
	PatternActionVelocity        PatternName = "action_velocity"
	PatternReferralDiversity     PatternName = "referral_diversity"
	PatternDuplicateContent      PatternName = "duplicate_content"
	PatternLoginVelocity         PatternName = "login_velocity"
	PatternDeviceSwitching       PatternName = "device_switching"
	PatternFingerprintConfidence PatternName = "fingerprint_confidence"
)

// Severity ranks how strongly a candidate indicates abuse.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a total order over severities for tie-breaking, higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ResolutionStatus tracks whether a candidate still contributes to scoring.
type ResolutionStatus string

const (
	StatusActive   ResolutionStatus = "active"
	StatusResolved ResolutionStatus = "resolved"
)

// AnomalyCandidate is a detector finding. Cluster-type patterns name several
// affected users; per-user patterns name exactly one. Candidates are created
// by detectors and resolved by operators or auto-expiry; resolution is a
// status change, never an erase.
type AnomalyCandidate struct {
	ID            string           `json:"id"`
	Pattern       PatternName      `json:"pattern"`
	Severity      Severity         `json:"severity"`
	AffectedUsers []string         `json:"affected_users"`
	// RiskScore is the detector's own 0-100 estimate of how abusive the
	// observed behavior is, independent of the user's trust score.
	RiskScore   int              `json:"risk_score"`
	Evidence    json.RawMessage  `json:"evidence,omitempty"`
	Description string           `json:"description"`
	DetectedAt  time.Time        `json:"detected_at"`
	Status      ResolutionStatus `json:"status"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
}

// Affects reports whether the candidate names the given user.
func (a *AnomalyCandidate) Affects(userID string) bool {
	for _, u := range a.AffectedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// RiskFlag is a point-in-time scoring signal attached to a user. Flags are
// append-only; the cumulative set over a trailing window feeds the score.
type RiskFlag struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Flag             string           `json:"flag"`
	Category         string           `json:"category,omitempty"`
	RiskContribution int              `json:"risk_contribution"`
	Status           ResolutionStatus `json:"status"`
	Evidence         json.RawMessage  `json:"evidence,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}
