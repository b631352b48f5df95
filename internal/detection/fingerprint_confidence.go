// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package detection

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/krellis/trustgate/internal/models"
)

// FingerprintConfidenceDetector down-weights events whose fingerprint
// confidence is below the floor. A low-confidence event still counts toward
// every velocity window and is never rejected on confidence alone; the low
// candidate it emits is a nudge for the score, not a verdict.
type FingerprintConfidenceDetector struct {
	config  FingerprintConfidenceConfig
	enabled bool
	mu      sync.RWMutex
}

// NewFingerprintConfidenceDetector creates a fingerprint confidence detector.
func NewFingerprintConfidenceDetector(config FingerprintConfidenceConfig) *FingerprintConfidenceDetector {
	return &FingerprintConfidenceDetector{config: config, enabled: true}
}

// Name returns the pattern name.
func (d *FingerprintConfidenceDetector) Name() models.PatternName {
	return models.PatternFingerprintConfidence
}

// Scope returns the user scope.
func (d *FingerprintConfidenceDetector) Scope() Scope {
	return ScopeUser
}

type confidenceEvidence struct {
	UserID        string  `json:"user_id"`
	FingerprintID string  `json:"fingerprint_id,omitempty"`
	Confidence    float64 `json:"confidence"`
	Floor         float64 `json:"floor"`
}

// Evaluate checks the triggering event's confidence against the floor.
func (d *FingerprintConfidenceDetector) Evaluate(_ context.Context, ec *EvalContext) ([]*models.AnomalyCandidate, error) {
	d.mu.RLock()
	config := d.config
	enabled := d.enabled
	d.mu.RUnlock()
	if !enabled || ec.Event == nil {
		return nil, nil
	}
	if ec.Event.Confidence >= config.Floor {
		return nil, nil
	}

	// Risk grows with the shortfall below the floor.
	risk := int((config.Floor - ec.Event.Confidence) / config.Floor * 100)
	if risk > 100 {
		risk = 100
	}

	return []*models.AnomalyCandidate{{
		ID:            uuid.NewString(),
		Pattern:       models.PatternFingerprintConfidence,
		Severity:      models.SeverityLow,
		AffectedUsers: []string{ec.Event.UserID},
		RiskScore:     risk,
		Evidence: marshalEvidence(confidenceEvidence{
			UserID:        ec.Event.UserID,
			FingerprintID: ec.Event.FingerprintID,
			Confidence:    ec.Event.Confidence,
			Floor:         config.Floor,
		}),
		Description: fmt.Sprintf("user %s event with fingerprint confidence %.2f below floor %.2f",
			ec.Event.UserID, ec.Event.Confidence, config.Floor),
		DetectedAt: ec.Now,
		Status:     models.StatusActive,
	}}, nil
}

// Configure replaces the detector's policy.
func (d *FingerprintConfidenceDetector) Configure(raw json.RawMessage) error {
	var config FingerprintConfidenceConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Floor <= 0 || config.Floor > 1 {
		return fmt.Errorf("floor must be within (0, 1]")
	}

	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *FingerprintConfidenceDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *FingerprintConfidenceDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
