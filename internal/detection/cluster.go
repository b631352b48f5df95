// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/krellis/trustgate/internal/models"
)

// ClusterDetector groups recent signups sharing an IP address or device hash.
// Several accounts created from one origin inside the window is the classic
// sybil signature, so this is the only detector that names multiple affected
// users per candidate.
type ClusterDetector struct {
	config  ClusterConfig
	enabled bool
	mu      sync.RWMutex
}

// NewClusterDetector creates a cluster detector with the given policy.
func NewClusterDetector(config ClusterConfig) *ClusterDetector {
	return &ClusterDetector{config: config, enabled: true}
}

// Name returns the pattern name.
func (d *ClusterDetector) Name() models.PatternName {
	return models.PatternCluster
}

// Scope returns the population scope: clustering needs the whole window, not
// one user's history.
func (d *ClusterDetector) Scope() Scope {
	return ScopePopulation
}

type clusterEvidence struct {
	GroupKey    string    `json:"group_key"`
	GroupValue  string    `json:"group_value"`
	SignupCount int       `json:"signup_count"`
	UserCount   int       `json:"user_count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Evaluate scans the recent window for signup clusters.
func (d *ClusterDetector) Evaluate(ctx context.Context, ec *EvalContext) ([]*models.AnomalyCandidate, error) {
	d.mu.RLock()
	config := d.config
	enabled := d.enabled
	d.mu.RUnlock()
	if !enabled {
		return nil, nil
	}

	since := ec.Now.Add(-config.Window)
	events, err := ec.Events.QueryWindow(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load signup window: %w", err)
	}

	byIP := make(map[string][]models.ActivityEvent)
	byDevice := make(map[string][]models.ActivityEvent)
	for _, e := range events {
		if e.EventType != models.EventTypeSignup {
			continue
		}
		if e.IPAddress != "" {
			byIP[e.IPAddress] = append(byIP[e.IPAddress], e)
		}
		if e.DeviceHash != "" {
			byDevice[e.DeviceHash] = append(byDevice[e.DeviceHash], e)
		}
	}

	var candidates []*models.AnomalyCandidate
	for ip, signups := range byIP {
		if len(signups) > config.SignupsPerIP {
			candidates = append(candidates, d.candidate(
				"ip_address", ip, signups, config.SignupsPerIP, 50, &config, ec.Now))
		}
	}
	for device, signups := range byDevice {
		if len(signups) > config.SignupsPerDevice {
			candidates = append(candidates, d.candidate(
				"device_hash", device, signups, config.SignupsPerDevice, 60, &config, ec.Now))
		}
	}
	return candidates, nil
}

func (d *ClusterDetector) candidate(groupKey, groupValue string, signups []models.ActivityEvent,
	threshold int, multiplier float64, config *ClusterConfig, now time.Time) *models.AnomalyCandidate {

	users := distinctUsers(signups)
	severity := models.SeverityHigh
	if len(signups) > config.EscalateSize {
		severity = models.SeverityCritical
	}

	return &models.AnomalyCandidate{
		ID:            uuid.NewString(),
		Pattern:       models.PatternCluster,
		Severity:      severity,
		AffectedUsers: users,
		RiskScore:     capRisk(len(signups), threshold, multiplier),
		Evidence: marshalEvidence(clusterEvidence{
			GroupKey:    groupKey,
			GroupValue:  groupValue,
			SignupCount: len(signups),
			UserCount:   len(users),
			WindowStart: now.Add(-config.Window),
			WindowEnd:   now,
		}),
		Description: fmt.Sprintf("%d signups sharing %s within %s (%d users)",
			len(signups), groupKey, config.Window, len(users)),
		DetectedAt: now,
		Status:     models.StatusActive,
	}
}

// Configure replaces the detector's policy.
func (d *ClusterDetector) Configure(raw json.RawMessage) error {
	var config ClusterConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if config.SignupsPerIP <= 0 || config.SignupsPerDevice <= 0 {
		return fmt.Errorf("signup thresholds must be positive")
	}

	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *ClusterDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *ClusterDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
