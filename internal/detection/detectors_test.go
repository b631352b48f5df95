// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package detection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seedStore appends events through the real store path so detector tests
// exercise the same windows production does.
func seedStore(t *testing.T, events []models.ActivityEvent) *eventstore.MemoryStore {
	t.Helper()
	store := eventstore.NewMemoryStore(2*time.Minute, 10000)
	for i := range events {
		if _, err := store.Append(context.Background(), &events[i]); err != nil {
			t.Fatalf("seeding event %d: %v", i, err)
		}
	}
	return store
}

func signup(userID, ip, device string, ts time.Time) models.ActivityEvent {
	return models.ActivityEvent{
		UserID:     userID,
		EventType:  models.EventTypeSignup,
		IPAddress:  ip,
		DeviceHash: device,
		Confidence: 0.9,
		Timestamp:  ts,
	}
}

func TestClusterDetectorSameIP(t *testing.T) {
	var events []models.ActivityEvent
	for i := 0; i < 6; i++ {
		events = append(events, signup(
			fmt.Sprintf("user-%d", i), "203.0.113.7", fmt.Sprintf("dev-%d", i),
			testNow.Add(-time.Duration(i)*time.Minute)))
	}
	store := seedStore(t, events)

	d := NewClusterDetector(DefaultClusterConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
	}
	c := candidates[0]
	if c.Pattern != models.PatternCluster || c.Severity != models.SeverityHigh {
		t.Errorf("candidate = %s/%s, want cluster/high", c.Pattern, c.Severity)
	}
	if len(c.AffectedUsers) != 6 {
		t.Errorf("AffectedUsers = %d, want 6", len(c.AffectedUsers))
	}
	// 6 signups over threshold 5 at multiplier 50.
	if c.RiskScore != 60 {
		t.Errorf("RiskScore = %d, want 60", c.RiskScore)
	}
}

func TestClusterDetectorEscalatesLargeClusters(t *testing.T) {
	var events []models.ActivityEvent
	for i := 0; i < 11; i++ {
		events = append(events, signup(
			fmt.Sprintf("user-%d", i), "203.0.113.7", fmt.Sprintf("dev-%d", i),
			testNow.Add(-time.Duration(i)*time.Minute)))
	}
	store := seedStore(t, events)

	d := NewClusterDetector(DefaultClusterConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
	}
	if candidates[0].Severity != models.SeverityCritical {
		t.Errorf("Severity = %s, want critical past escalate size", candidates[0].Severity)
	}
	if candidates[0].RiskScore != 100 {
		t.Errorf("RiskScore = %d, want capped 100", candidates[0].RiskScore)
	}
}

func TestClusterDetectorSameDevice(t *testing.T) {
	var events []models.ActivityEvent
	for i := 0; i < 4; i++ {
		events = append(events, signup(
			fmt.Sprintf("user-%d", i), fmt.Sprintf("198.51.100.%d", i), "dev-shared",
			testNow.Add(-time.Duration(i)*time.Minute)))
	}
	store := seedStore(t, events)

	d := NewClusterDetector(DefaultClusterConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	// 4 signups from one device beats the device threshold (3) but not the
	// IP threshold.
	if len(candidates) != 1 {
		t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
	}
	if len(candidates[0].AffectedUsers) != 4 {
		t.Errorf("AffectedUsers = %d, want 4", len(candidates[0].AffectedUsers))
	}
}

func TestClusterDetectorIgnoresOldSignups(t *testing.T) {
	var events []models.ActivityEvent
	for i := 0; i < 6; i++ {
		events = append(events, signup(
			fmt.Sprintf("user-%d", i), "203.0.113.7", fmt.Sprintf("dev-%d", i),
			testNow.Add(-2*time.Hour)))
	}
	store := seedStore(t, events)

	d := NewClusterDetector(DefaultClusterConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("Evaluate() returned %d candidates for stale signups, want 0", len(candidates))
	}
}

func TestActionVelocityDetector(t *testing.T) {
	var events []models.ActivityEvent
	for i := 0; i < 6; i++ {
		events = append(events, models.ActivityEvent{
			UserID:     "user-1",
			EventType:  models.EventTypeWalletConnect,
			IPAddress:  "203.0.113.7",
			DeviceHash: "dev-a",
			Confidence: 0.9,
			Timestamp:  testNow.Add(-time.Duration(i*10) * time.Second),
		})
	}
	store := seedStore(t, events)
	trigger := events[0]

	d := NewActionVelocityDetector(DefaultActionVelocityConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
	}
	c := candidates[0]
	if c.Severity != models.SeverityHigh {
		t.Errorf("Severity = %s, want high", c.Severity)
	}
	// 6 actions over threshold 5 at multiplier 40.
	if c.RiskScore != 48 {
		t.Errorf("RiskScore = %d, want 48", c.RiskScore)
	}
}

func TestActionVelocityIgnoresOtherEventTypes(t *testing.T) {
	store := seedStore(t, nil)
	trigger := models.ActivityEvent{
		UserID: "user-1", EventType: models.EventTypeLogin,
		IPAddress: "203.0.113.7", DeviceHash: "dev-a", Timestamp: testNow,
	}
	d := NewActionVelocityDetector(DefaultActionVelocityConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if candidates != nil {
		t.Errorf("Evaluate() = %v for login event, want nil", candidates)
	}
}

func TestReferralDiversityDetector(t *testing.T) {
	tests := []struct {
		name         string
		sources      int // distinct IP/device pairs across 21 referrals
		wantSeverity models.Severity
	}{
		{"low diversity escalates", 2, models.SeverityHigh},
		{"normal diversity stays medium", 15, models.SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []models.ActivityEvent
			for i := 0; i < 21; i++ {
				src := i % tt.sources
				events = append(events, models.ActivityEvent{
					UserID:     "user-1",
					EventType:  models.EventTypeReferral,
					IPAddress:  fmt.Sprintf("203.0.113.%d", src),
					DeviceHash: fmt.Sprintf("dev-%d", src),
					Confidence: 0.9,
					Timestamp:  testNow.Add(-time.Duration(i) * time.Minute),
				})
			}
			store := seedStore(t, events)
			trigger := events[0]

			d := NewReferralDiversityDetector(DefaultReferralDiversityConfig())
			candidates, err := d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if len(candidates) != 1 {
				t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
			}
			if candidates[0].Severity != tt.wantSeverity {
				t.Errorf("Severity = %s, want %s", candidates[0].Severity, tt.wantSeverity)
			}
		})
	}
}

func TestDuplicateContentDetector(t *testing.T) {
	var events []models.ActivityEvent
	for i := 0; i < 4; i++ {
		events = append(events, models.ActivityEvent{
			UserID:     "user-1",
			EventType:  models.EventTypeUpload,
			IPAddress:  "203.0.113.7",
			DeviceHash: "dev-a",
			Confidence: 0.9,
			Context:    map[string]string{"content_hash": "deadbeef"},
			Timestamp:  testNow.Add(-time.Duration(i) * time.Hour),
		})
	}
	store := seedStore(t, events)
	trigger := events[0]

	d := NewDuplicateContentDetector(DefaultDuplicateContentConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
	}
	if candidates[0].Severity != models.SeverityLow {
		t.Errorf("Severity = %s, want low", candidates[0].Severity)
	}
}

func TestDuplicateContentDetectorSpansUsers(t *testing.T) {
	// Four accounts spread one payload, two uploads each. No single
	// account crosses the threshold; the hash across the window does.
	var events []models.ActivityEvent
	for i := 0; i < 8; i++ {
		events = append(events, models.ActivityEvent{
			UserID:     fmt.Sprintf("user-%d", i%4),
			EventType:  models.EventTypeUpload,
			IPAddress:  "203.0.113.7",
			DeviceHash: fmt.Sprintf("dev-%d", i%4),
			Confidence: 0.9,
			Context:    map[string]string{"content_hash": "deadbeef"},
			Timestamp:  testNow.Add(-time.Duration(i) * time.Hour),
		})
	}
	store := seedStore(t, events)
	trigger := events[0]

	d := NewDuplicateContentDetector(DefaultDuplicateContentConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
	}
	got := candidates[0]
	if len(got.AffectedUsers) != 4 {
		t.Errorf("AffectedUsers = %v, want all 4 accounts", got.AffectedUsers)
	}
	if got.Severity != models.SeverityMedium {
		t.Errorf("Severity = %s, want medium for a multi-account ring", got.Severity)
	}
}

func TestDuplicateContentDetectorDistinctHashes(t *testing.T) {
	var events []models.ActivityEvent
	for i := 0; i < 6; i++ {
		events = append(events, models.ActivityEvent{
			UserID:     "user-1",
			EventType:  models.EventTypeUpload,
			IPAddress:  "203.0.113.7",
			DeviceHash: "dev-a",
			Confidence: 0.9,
			Context:    map[string]string{"content_hash": fmt.Sprintf("hash-%d", i)},
			Timestamp:  testNow.Add(-time.Duration(i) * time.Hour),
		})
	}
	store := seedStore(t, events)
	trigger := events[0]

	d := NewDuplicateContentDetector(DefaultDuplicateContentConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("Evaluate() returned %d candidates for distinct hashes, want 0", len(candidates))
	}
}

func TestLoginVelocityDetector(t *testing.T) {
	var events []models.ActivityEvent
	for i := 0; i < 11; i++ {
		events = append(events, models.ActivityEvent{
			UserID:     fmt.Sprintf("user-%d", i),
			EventType:  models.EventTypeLogin,
			IPAddress:  "203.0.113.7",
			DeviceHash: fmt.Sprintf("dev-%d", i),
			Confidence: 0.9,
			Timestamp:  testNow.Add(-time.Duration(i*20) * time.Second),
		})
	}
	store := seedStore(t, events)
	trigger := events[0]

	d := NewLoginVelocityDetector(DefaultLoginVelocityConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
	}
	c := candidates[0]
	if c.Severity != models.SeverityHigh {
		t.Errorf("Severity = %s, want high", c.Severity)
	}
	if len(c.AffectedUsers) != 11 {
		t.Errorf("AffectedUsers = %d, want 11", len(c.AffectedUsers))
	}
}

func TestDeviceSwitchingDetector(t *testing.T) {
	var events []models.ActivityEvent
	for i := 0; i < 6; i++ {
		events = append(events, models.ActivityEvent{
			UserID:     "user-1",
			EventType:  models.EventTypeLogin,
			IPAddress:  "203.0.113.7",
			DeviceHash: fmt.Sprintf("dev-%d", i),
			Confidence: 0.9,
			Timestamp:  testNow.Add(-time.Duration(i) * time.Hour),
		})
	}
	store := seedStore(t, events)
	trigger := events[0]

	d := NewDeviceSwitchingDetector(DefaultDeviceSwitchingConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
	}
	if candidates[0].Severity != models.SeverityMedium {
		t.Errorf("Severity = %s, want medium", candidates[0].Severity)
	}
}

func TestFingerprintConfidenceDetector(t *testing.T) {
	store := seedStore(t, nil)
	trigger := models.ActivityEvent{
		UserID: "user-1", EventType: models.EventTypeLogin,
		IPAddress: "203.0.113.7", DeviceHash: "dev-a",
		Confidence: 0.1, Timestamp: testNow,
	}

	d := NewFingerprintConfidenceDetector(DefaultFingerprintConfidenceConfig())
	candidates, err := d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Evaluate() returned %d candidates, want 1", len(candidates))
	}
	// Never more than a low-severity nudge: low confidence alone must not
	// reject or escalate.
	if candidates[0].Severity != models.SeverityLow {
		t.Errorf("Severity = %s, want low", candidates[0].Severity)
	}

	trigger.Confidence = 0.5
	candidates, err = d.Evaluate(context.Background(), &EvalContext{Event: &trigger, Events: store, Now: testNow})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("Evaluate() flagged confidence above floor")
	}
}

func TestDetectorConfigure(t *testing.T) {
	d := NewActionVelocityDetector(DefaultActionVelocityConfig())
	if err := d.Configure([]byte(`{"window": 120000000000, "max_per_window": 10}`)); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if err := d.Configure([]byte(`{"window": 0, "max_per_window": 10}`)); err == nil {
		t.Error("Configure() accepted zero window")
	}
	if err := d.Configure([]byte(`{not json`)); err == nil {
		t.Error("Configure() accepted malformed JSON")
	}
}
