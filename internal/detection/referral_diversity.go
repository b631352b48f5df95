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

// ReferralDiversityDetector flags referral spam. A legitimate referral set
// comes from many origins; when the IP/device diversity of a user's recent
// referrals collapses, the referrals are self-generated.
type ReferralDiversityDetector struct {
	config  ReferralDiversityConfig
	enabled bool
	mu      sync.RWMutex
}

// NewReferralDiversityDetector creates a referral diversity detector.
func NewReferralDiversityDetector(config ReferralDiversityConfig) *ReferralDiversityDetector {
	return &ReferralDiversityDetector{config: config, enabled: true}
}

// Name returns the pattern name.
func (d *ReferralDiversityDetector) Name() models.PatternName {
	return models.PatternReferralDiversity
}

// Scope returns the user scope.
func (d *ReferralDiversityDetector) Scope() Scope {
	return ScopeUser
}

type referralEvidence struct {
	UserID         string  `json:"user_id"`
	ReferralCount  int     `json:"referral_count"`
	UniqueSources  int     `json:"unique_sources"`
	DiversityScore float64 `json:"diversity_score"`
}

// Evaluate checks the triggering user's recent referral volume and source
// diversity.
func (d *ReferralDiversityDetector) Evaluate(ctx context.Context, ec *EvalContext) ([]*models.AnomalyCandidate, error) {
	d.mu.RLock()
	config := d.config
	enabled := d.enabled
	d.mu.RUnlock()
	if !enabled || ec.Event == nil || ec.Event.EventType != models.EventTypeReferral {
		return nil, nil
	}

	since := ec.Now.Add(-config.Window)
	events, err := ec.Events.QueryByUser(ctx, ec.Event.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load user window: %w", err)
	}

	sources := make(map[string]bool)
	count := 0
	for _, e := range events {
		if e.EventType != models.EventTypeReferral {
			continue
		}
		count++
		sources[e.IPAddress+"|"+e.DeviceHash] = true
	}
	if count <= config.MaxReferrals {
		return nil, nil
	}

	diversity := float64(len(sources)) / float64(count)
	severity := models.SeverityMedium
	multiplier := 35.0
	if diversity < config.MinDiversity {
		severity = models.SeverityHigh
		multiplier = 60.0
	}

	return []*models.AnomalyCandidate{{
		ID:            uuid.NewString(),
		Pattern:       models.PatternReferralDiversity,
		Severity:      severity,
		AffectedUsers: []string{ec.Event.UserID},
		RiskScore:     capRisk(count, config.MaxReferrals, multiplier),
		Evidence: marshalEvidence(referralEvidence{
			UserID:         ec.Event.UserID,
			ReferralCount:  count,
			UniqueSources:  len(sources),
			DiversityScore: diversity,
		}),
		Description: fmt.Sprintf("user %s sent %d referrals in %s (diversity %.2f)",
			ec.Event.UserID, count, config.Window, diversity),
		DetectedAt: ec.Now,
		Status:     models.StatusActive,
	}}, nil
}

// Configure replaces the detector's policy.
func (d *ReferralDiversityDetector) Configure(raw json.RawMessage) error {
	var config ReferralDiversityConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if config.MaxReferrals <= 0 {
		return fmt.Errorf("max_referrals must be positive")
	}
	if config.MinDiversity < 0 || config.MinDiversity > 1 {
		return fmt.Errorf("min_diversity must be within [0, 1]")
	}

	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *ReferralDiversityDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *ReferralDiversityDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
