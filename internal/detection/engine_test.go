// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package detection

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := eventstore.Open(&config.DatabaseConfig{Path: ""})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// failingDetector always errors; used to prove sibling isolation.
type failingDetector struct{}

func (f *failingDetector) Name() models.PatternName { return "failing" }
func (f *failingDetector) Scope() Scope             { return ScopeUser }
func (f *failingDetector) Evaluate(context.Context, *EvalContext) ([]*models.AnomalyCandidate, error) {
	return nil, errors.New("boom")
}
func (f *failingDetector) Configure(json.RawMessage) error { return nil }
func (f *failingDetector) Enabled() bool                   { return true }
func (f *failingDetector) SetEnabled(bool)                 {}

// stubDetector returns a fixed candidate.
type stubDetector struct {
	name     models.PatternName
	severity models.Severity
	risk     int
}

func (s *stubDetector) Name() models.PatternName { return s.name }
func (s *stubDetector) Scope() Scope             { return ScopeUser }
func (s *stubDetector) Evaluate(_ context.Context, ec *EvalContext) ([]*models.AnomalyCandidate, error) {
	return []*models.AnomalyCandidate{{
		ID:            string(s.name) + "-1",
		Pattern:       s.name,
		Severity:      s.severity,
		AffectedUsers: []string{ec.Event.UserID},
		RiskScore:     s.risk,
		DetectedAt:    ec.Now,
		Status:        models.StatusActive,
	}}, nil
}
func (s *stubDetector) Configure(json.RawMessage) error { return nil }
func (s *stubDetector) Enabled() bool                   { return true }
func (s *stubDetector) SetEnabled(bool)                 {}

func TestEngineIsolatesDetectorFailure(t *testing.T) {
	store := NewMemoryCandidateStore()
	engine := NewEngine(store)
	engine.Register(&failingDetector{})
	engine.Register(&stubDetector{name: "stub", severity: models.SeverityHigh, risk: 60})

	event := &models.ActivityEvent{UserID: "user-1", EventType: models.EventTypeLogin,
		IPAddress: "203.0.113.7", DeviceHash: "dev-a", Timestamp: testNow}
	source := seedStore(t, nil)

	candidates, err := engine.EvaluateEvent(context.Background(), event, source, testNow)
	if !errors.Is(err, models.ErrDetector) {
		t.Errorf("EvaluateEvent() error = %v, want wrapped ErrDetector", err)
	}
	// The failing detector must not suppress its sibling's finding.
	if len(candidates) != 1 {
		t.Fatalf("EvaluateEvent() returned %d candidates, want 1", len(candidates))
	}

	// And the surviving candidate is persisted.
	active, err := store.ActiveByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Errorf("persisted %d candidates, want 1", len(active))
	}
}

func TestEngineBothCandidatesPersisted(t *testing.T) {
	store := NewMemoryCandidateStore()
	engine := NewEngine(store)
	engine.Register(&stubDetector{name: "stub-a", severity: models.SeverityMedium, risk: 40})
	engine.Register(&stubDetector{name: "stub-b", severity: models.SeverityCritical, risk: 90})

	event := &models.ActivityEvent{UserID: "user-1", EventType: models.EventTypeLogin,
		IPAddress: "203.0.113.7", DeviceHash: "dev-a", Timestamp: testNow}

	candidates, err := engine.EvaluateEvent(context.Background(), event, seedStore(t, nil), testNow)
	if err != nil {
		t.Fatalf("EvaluateEvent() error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("EvaluateEvent() returned %d candidates, want 2", len(candidates))
	}

	// Escalation picks the worst, persistence keeps both.
	top := Escalate(candidates)
	if top.Severity != models.SeverityCritical {
		t.Errorf("Escalate() severity = %s, want critical", top.Severity)
	}
	active, _ := store.ActiveByUser(context.Background(), "user-1")
	if len(active) != 2 {
		t.Errorf("persisted %d candidates, want both", len(active))
	}
}

func TestEscalateTieBreaksOnRisk(t *testing.T) {
	a := &models.AnomalyCandidate{ID: "a", Severity: models.SeverityHigh, RiskScore: 50}
	b := &models.AnomalyCandidate{ID: "b", Severity: models.SeverityHigh, RiskScore: 80}
	if got := Escalate([]*models.AnomalyCandidate{a, b}); got.ID != "b" {
		t.Errorf("Escalate() = %s, want b (higher risk at equal severity)", got.ID)
	}
	if got := Escalate(nil); got != nil {
		t.Errorf("Escalate(nil) = %v, want nil", got)
	}
}

func TestEngineDisabledSkipsDetectors(t *testing.T) {
	store := NewMemoryCandidateStore()
	engine := NewEngine(store)
	engine.Register(&stubDetector{name: "stub", severity: models.SeverityHigh, risk: 60})
	engine.Register(NewClusterDetector(DefaultClusterConfig())) // population scope, not run here

	engine.SetEnabled(false)
	event := &models.ActivityEvent{UserID: "user-1", EventType: models.EventTypeLogin,
		IPAddress: "203.0.113.7", DeviceHash: "dev-a", Timestamp: testNow}
	candidates, err := engine.EvaluateEvent(context.Background(), event, seedStore(t, nil), testNow)
	if err != nil {
		t.Fatalf("EvaluateEvent() error: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("disabled engine still produced %d candidates", len(candidates))
	}

	if err := engine.SetDetectorEnabled("no-such-pattern", false); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("SetDetectorEnabled(unknown) error = %v, want ErrNotFound", err)
	}
	if err := engine.Configure("no-such-pattern", nil); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Configure(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCandidateStoreResolveAndExpire(t *testing.T) {
	store := NewMemoryCandidateStore()
	ctx := context.Background()

	old := &models.AnomalyCandidate{
		ID: "old", Pattern: models.PatternCluster, Severity: models.SeverityHigh,
		AffectedUsers: []string{"user-1"}, DetectedAt: testNow.Add(-10 * 24 * time.Hour),
		Status: models.StatusActive,
	}
	fresh := &models.AnomalyCandidate{
		ID: "fresh", Pattern: models.PatternLoginVelocity, Severity: models.SeverityMedium,
		AffectedUsers: []string{"user-1"}, DetectedAt: testNow.Add(-time.Hour),
		Status: models.StatusActive,
	}
	if err := store.Save(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := store.ExpireBefore(ctx, testNow.Add(-7*24*time.Hour), "expiry")
	if err != nil {
		t.Fatalf("ExpireBefore() error: %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireBefore() = %d, want 1", n)
	}

	active, _ := store.ActiveByUser(ctx, "user-1")
	if len(active) != 1 || active[0].ID != "fresh" {
		t.Fatalf("active after expiry = %+v, want only fresh", active)
	}

	if err := store.Resolve(ctx, "fresh", "operator", testNow); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if err := store.Resolve(ctx, "fresh", "operator", testNow); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second Resolve() error = %v, want ErrNotFound", err)
	}
	active, _ = store.ActiveByUser(ctx, "user-1")
	if len(active) != 0 {
		t.Errorf("still %d active after resolution", len(active))
	}
}

func TestSQLCandidateStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLCandidateStore(db)
	if err != nil {
		t.Fatalf("NewSQLCandidateStore() error: %v", err)
	}
	ctx := context.Background()

	c := &models.AnomalyCandidate{
		ID: "c-1", Pattern: models.PatternCluster, Severity: models.SeverityHigh,
		AffectedUsers: []string{"user-1", "user-2"}, RiskScore: 60,
		Evidence: []byte(`{"signup_count":6}`), Description: "6 signups sharing ip_address",
		DetectedAt: testNow, Status: models.StatusActive,
	}
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := store.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Pattern != models.PatternCluster || got.RiskScore != 60 || len(got.AffectedUsers) != 2 {
		t.Errorf("round-tripped candidate mismatch: %+v", got)
	}

	forUser2, err := store.ActiveByUser(ctx, "user-2")
	if err != nil {
		t.Fatalf("ActiveByUser() error: %v", err)
	}
	if len(forUser2) != 1 {
		t.Fatalf("ActiveByUser(user-2) = %d candidates, want 1", len(forUser2))
	}

	if err := store.Resolve(ctx, "c-1", "operator", testNow.Add(time.Hour)); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	forUser2, _ = store.ActiveByUser(ctx, "user-2")
	if len(forUser2) != 0 {
		t.Errorf("candidate still active after resolve")
	}

	if err := store.DeleteByUser(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteByUser() error: %v", err)
	}
	// user-2 still names the candidate, so it survives.
	if _, err := store.Get(ctx, "c-1"); err != nil {
		t.Errorf("candidate dropped while still naming user-2: %v", err)
	}
	if err := store.DeleteByUser(ctx, "user-2"); err != nil {
		t.Fatalf("DeleteByUser() error: %v", err)
	}
	if _, err := store.Get(ctx, "c-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get() after full erasure error = %v, want ErrNotFound", err)
	}
}
