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

// contentHashKey is the event context key carrying the uploaded content's
// hash. The platform computes the hash; Trustgate only compares it.
const contentHashKey = "content_hash"

// DuplicateContentDetector flags identical content uploaded repeatedly
// inside the window, whether by one user re-posting or by a ring spreading
// the same payload across accounts. Repetitive uploads farm engagement
// rewards without producing anything.
type DuplicateContentDetector struct {
	config  DuplicateContentConfig
	enabled bool
	mu      sync.RWMutex
}

// NewDuplicateContentDetector creates a duplicate content detector.
func NewDuplicateContentDetector(config DuplicateContentConfig) *DuplicateContentDetector {
	return &DuplicateContentDetector{config: config, enabled: true}
}

// Name returns the pattern name.
func (d *DuplicateContentDetector) Name() models.PatternName {
	return models.PatternDuplicateContent
}

// Scope returns the user scope.
func (d *DuplicateContentDetector) Scope() Scope {
	return ScopeUser
}

type duplicateContentEvidence struct {
	ContentHash string   `json:"content_hash"`
	UploadCount int      `json:"upload_count"`
	Users       []string `json:"users"`
	Window      string   `json:"window"`
}

// Evaluate groups recent uploads across all users by content hash; the
// candidate names every account that uploaded the triggering hash.
func (d *DuplicateContentDetector) Evaluate(ctx context.Context, ec *EvalContext) ([]*models.AnomalyCandidate, error) {
	d.mu.RLock()
	config := d.config
	enabled := d.enabled
	d.mu.RUnlock()
	if !enabled || ec.Event == nil || ec.Event.EventType != models.EventTypeUpload {
		return nil, nil
	}
	hash := ec.Event.Context[contentHashKey]
	if hash == "" {
		return nil, nil
	}

	since := ec.Now.Add(-config.Window)
	events, err := ec.Events.QueryWindow(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload window: %w", err)
	}

	count := 0
	seen := map[string]bool{}
	var users []string
	for _, e := range events {
		if e.EventType != models.EventTypeUpload || e.Context[contentHashKey] != hash {
			continue
		}
		count++
		if !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
	}
	if count <= config.MaxUploads {
		return nil, nil
	}

	// Several accounts pushing one payload is a ring, not one user
	// grinding; rank it above a solo re-poster.
	severity := models.SeverityLow
	if len(users) > 1 {
		severity = models.SeverityMedium
	}

	return []*models.AnomalyCandidate{{
		ID:            uuid.NewString(),
		Pattern:       models.PatternDuplicateContent,
		Severity:      severity,
		AffectedUsers: users,
		RiskScore:     capRisk(count, config.MaxUploads, 25),
		Evidence: marshalEvidence(duplicateContentEvidence{
			ContentHash: hash,
			UploadCount: count,
			Users:       users,
			Window:      config.Window.String(),
		}),
		Description: fmt.Sprintf("identical content uploaded %d times by %d user(s) in %s",
			count, len(users), config.Window),
		DetectedAt: ec.Now,
		Status:     models.StatusActive,
	}}, nil
}

// Configure replaces the detector's policy.
func (d *DuplicateContentDetector) Configure(raw json.RawMessage) error {
	var config DuplicateContentConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if config.MaxUploads <= 0 {
		return fmt.Errorf("max_uploads must be positive")
	}

	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
	return nil
}

// Enabled returns whether this detector is enabled.
func (d *DuplicateContentDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *DuplicateContentDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
