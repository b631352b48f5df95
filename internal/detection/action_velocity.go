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

// ActionVelocityDetector flags users performing wallet-connect or listing
// actions faster than a human plausibly would.
type ActionVelocityDetector struct {
	config  ActionVelocityConfig
	enabled bool
	mu      sync.RWMutex
}

// NewActionVelocityDetector creates an action velocity detector.
func NewActionVelocityDetector(config ActionVelocityConfig) *ActionVelocityDetector {
	return &ActionVelocityDetector{config: config, enabled: true}
}

// Name returns the pattern name.
func (d *ActionVelocityDetector) Name() models.PatternName {
	return models.PatternActionVelocity
}

// Scope returns the user scope: runs synchronously on every append.
func (d *ActionVelocityDetector) Scope() Scope {
	return ScopeUser
}

type actionVelocityEvidence struct {
	UserID      string           `json:"user_id"`
	ActionType  models.EventType `json:"action_type"`
	ActionCount int              `json:"action_count"`
	Window      string           `json:"window"`
}

// Evaluate counts the triggering user's recent actions of the same type.
func (d *ActionVelocityDetector) Evaluate(ctx context.Context, ec *EvalContext) ([]*models.AnomalyCandidate, error) {
	d.mu.RLock()
	config := d.config
	enabled := d.enabled
	d.mu.RUnlock()
	if !enabled || ec.Event == nil {
		return nil, nil
	}
	if ec.Event.EventType != models.EventTypeWalletConnect && ec.Event.EventType != models.EventTypeListing {
		return nil, nil
	}

	since := ec.Now.Add(-config.Window)
	events, err := ec.Events.QueryByUser(ctx, ec.Event.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load user window: %w", err)
	}

	count := 0
	for _, e := range events {
		if e.EventType == ec.Event.EventType {
			count++
		}
	}
	if count <= config.MaxPerWindow {
		return nil, nil
	}

	return []*models.AnomalyCandidate{{
		ID:            uuid.NewString(),
		Pattern:       models.PatternActionVelocity,
		Severity:      models.SeverityHigh,
		AffectedUsers: []string{ec.Event.UserID},
		RiskScore:     capRisk(count, config.MaxPerWindow, 40),
		Evidence: marshalEvidence(actionVelocityEvidence{
			UserID:      ec.Event.UserID,
			ActionType:  ec.Event.EventType,
			ActionCount: count,
			Window:      config.Window.String(),
		}),
		Description: fmt.Sprintf("user %s performed %d %s actions in %s",
			ec.Event.UserID, count, ec.Event.EventType, config.Window),
		DetectedAt: ec.Now,
		Status:     models.StatusActive,
	}}, nil
}

// Configure replaces the detector's policy.
func (d *ActionVelocityDetector) Configure(raw json.RawMessage) error {
	var config ActionVelocityConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if config.MaxPerWindow <= 0 {
		return fmt.Errorf("max_per_window must be positive")
	}

	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *ActionVelocityDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *ActionVelocityDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
