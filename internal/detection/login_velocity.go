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

// LoginVelocityDetector flags bursts of logins from a single IP address.
// Credential stuffing and shared botnets both show up as one origin cycling
// through many accounts in minutes.
type LoginVelocityDetector struct {
	config  LoginVelocityConfig
	enabled bool
	mu      sync.RWMutex
}

// NewLoginVelocityDetector creates a login velocity detector.
func NewLoginVelocityDetector(config LoginVelocityConfig) *LoginVelocityDetector {
	return &LoginVelocityDetector{config: config, enabled: true}
}

// Name returns the pattern name.
func (d *LoginVelocityDetector) Name() models.PatternName {
	return models.PatternLoginVelocity
}

// Scope returns the user scope: the triggering login carries the IP to
// check, so this runs synchronously despite flagging whole IP cohorts.
func (d *LoginVelocityDetector) Scope() Scope {
	return ScopeUser
}

type loginVelocityEvidence struct {
	IPAddress   string  `json:"ip_address"`
	LoginCount  int     `json:"login_count"`
	UniqueUsers int     `json:"unique_users"`
	PerMinute   float64 `json:"per_minute"`
}

// Evaluate counts recent logins from the triggering event's IP.
func (d *LoginVelocityDetector) Evaluate(ctx context.Context, ec *EvalContext) ([]*models.AnomalyCandidate, error) {
	d.mu.RLock()
	config := d.config
	enabled := d.enabled
	d.mu.RUnlock()
	if !enabled || ec.Event == nil || ec.Event.EventType != models.EventTypeLogin {
		return nil, nil
	}

	since := ec.Now.Add(-config.Window)
	events, err := ec.Events.QueryByIP(ctx, ec.Event.IPAddress, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load IP window: %w", err)
	}

	var logins []models.ActivityEvent
	for _, e := range events {
		if e.EventType == models.EventTypeLogin {
			logins = append(logins, e)
		}
	}
	if len(logins) <= config.MaxPerIP {
		return nil, nil
	}

	users := distinctUsers(logins)
	return []*models.AnomalyCandidate{{
		ID:            uuid.NewString(),
		Pattern:       models.PatternLoginVelocity,
		Severity:      models.SeverityHigh,
		AffectedUsers: users,
		RiskScore:     capRisk(len(logins), config.MaxPerIP, 70),
		Evidence: marshalEvidence(loginVelocityEvidence{
			IPAddress:   ec.Event.IPAddress,
			LoginCount:  len(logins),
			UniqueUsers: len(users),
			PerMinute:   float64(len(logins)) / config.Window.Minutes(),
		}),
		Description: fmt.Sprintf("%d logins from IP %s in %s (%d users)",
			len(logins), ec.Event.IPAddress, config.Window, len(users)),
		DetectedAt: ec.Now,
		Status:     models.StatusActive,
	}}, nil
}

// Configure replaces the detector's policy.
func (d *LoginVelocityDetector) Configure(raw json.RawMessage) error {
	var config LoginVelocityConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if config.MaxPerIP <= 0 {
		return fmt.Errorf("max_per_ip must be positive")
	}

	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *LoginVelocityDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *LoginVelocityDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
