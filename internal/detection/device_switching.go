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

// DeviceSwitchingDetector flags a user whose device hash churns faster than
// hardware realistically changes hands: identity laundering through cleared
// fingerprints or rotating emulators.
type DeviceSwitchingDetector struct {
	config  DeviceSwitchingConfig
	enabled bool
	mu      sync.RWMutex
}

// NewDeviceSwitchingDetector creates a device switching detector.
func NewDeviceSwitchingDetector(config DeviceSwitchingConfig) *DeviceSwitchingDetector {
	return &DeviceSwitchingDetector{config: config, enabled: true}
}

// Name returns the pattern name.
func (d *DeviceSwitchingDetector) Name() models.PatternName {
	return models.PatternDeviceSwitching
}

// Scope returns the user scope.
func (d *DeviceSwitchingDetector) Scope() Scope {
	return ScopeUser
}

type deviceSwitchingEvidence struct {
	UserID      string `json:"user_id"`
	DeviceCount int    `json:"device_count"`
	Window      string `json:"window"`
}

// Evaluate counts the user's distinct device hashes inside the window.
func (d *DeviceSwitchingDetector) Evaluate(ctx context.Context, ec *EvalContext) ([]*models.AnomalyCandidate, error) {
	d.mu.RLock()
	config := d.config
	enabled := d.enabled
	d.mu.RUnlock()
	if !enabled || ec.Event == nil {
		return nil, nil
	}

	since := ec.Now.Add(-config.Window)
	events, err := ec.Events.QueryByUser(ctx, ec.Event.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load user window: %w", err)
	}

	devices := make(map[string]bool)
	for _, e := range events {
		if e.DeviceHash != "" {
			devices[e.DeviceHash] = true
		}
	}
	if len(devices) <= config.MaxDevices {
		return nil, nil
	}

	severity := models.SeverityMedium
	if len(devices) > 2*config.MaxDevices {
		severity = models.SeverityHigh
	}

	return []*models.AnomalyCandidate{{
		ID:            uuid.NewString(),
		Pattern:       models.PatternDeviceSwitching,
		Severity:      severity,
		AffectedUsers: []string{ec.Event.UserID},
		RiskScore:     capRisk(len(devices), config.MaxDevices, 50),
		Evidence: marshalEvidence(deviceSwitchingEvidence{
			UserID:      ec.Event.UserID,
			DeviceCount: len(devices),
			Window:      config.Window.String(),
		}),
		Description: fmt.Sprintf("user %s used %d distinct devices in %s",
			ec.Event.UserID, len(devices), config.Window),
		DetectedAt: ec.Now,
		Status:     models.StatusActive,
	}}, nil
}

// Configure replaces the detector's policy.
func (d *DeviceSwitchingDetector) Configure(raw json.RawMessage) error {
	var config DeviceSwitchingConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if config.MaxDevices <= 0 {
		return fmt.Errorf("max_devices must be positive")
	}

	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *DeviceSwitchingDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *DeviceSwitchingDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
