// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/delivery"
	"github.com/krellis/trustgate/internal/detection"
	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/flags"
	"github.com/krellis/trustgate/internal/models"
	"github.com/krellis/trustgate/internal/scoring"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// plantedDetector emits one fixed candidate per planted severity, once.
type plantedDetector struct {
	mu      sync.Mutex
	planted []models.Severity
	serial  int
	enabled bool
}

func (d *plantedDetector) Name() models.PatternName        { return models.PatternActionVelocity }
func (d *plantedDetector) Scope() detection.Scope          { return detection.ScopeUser }
func (d *plantedDetector) Configure(json.RawMessage) error { return nil }
func (d *plantedDetector) Enabled() bool                   { return true }
func (d *plantedDetector) SetEnabled(bool)                 {}

func (d *plantedDetector) plant(sev models.Severity) {
	d.mu.Lock()
	d.planted = append(d.planted, sev)
	d.mu.Unlock()
}

func (d *plantedDetector) Evaluate(_ context.Context, ec *detection.EvalContext) ([]*models.AnomalyCandidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*models.AnomalyCandidate
	for _, sev := range d.planted {
		d.serial++
		out = append(out, &models.AnomalyCandidate{
			ID:            fmt.Sprintf("planted-%d", d.serial),
			Pattern:       models.PatternActionVelocity,
			Severity:      sev,
			RiskScore:     50,
			AffectedUsers: []string{ec.Event.UserID},
			Description:   "planted",
			DetectedAt:    ec.Now,
			Status:        models.StatusActive,
		})
	}
	d.planted = nil
	return out, nil
}

type capturingPublisher struct {
	mu   sync.Mutex
	sent []*delivery.Notification
}

func (p *capturingPublisher) Publish(_ context.Context, n *delivery.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

func (p *capturingPublisher) byKind(kind delivery.Kind) []*delivery.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*delivery.Notification
	for _, n := range p.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	pipe      *Pipeline
	users     *eventstore.MemoryUserStore
	events    *eventstore.MemoryStore
	anomalies *detection.MemoryCandidateStore
	history   *flags.MemoryHistoryStore
	detector  *plantedDetector
	publisher *capturingPublisher
	riskFlags *scoring.MemoryRiskFlagStore
	gate      *flags.Gatekeeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()

	f := &fixture{
		users:     eventstore.NewMemoryUserStore(),
		events:    eventstore.NewMemoryStore(2*time.Minute, 1000),
		anomalies: detection.NewMemoryCandidateStore(),
		history:   flags.NewMemoryHistoryStore(),
		detector:  &plantedDetector{},
		publisher: &capturingPublisher{},
		riskFlags: scoring.NewMemoryRiskFlagStore(),
	}

	engine := detection.NewEngine(f.anomalies)
	engine.Register(f.detector)

	scores := scoring.NewEngine(f.users, f.anomalies, f.riskFlags, cfg.Scoring)
	scores.SetNow(func() time.Time { return testNow })

	machine := flags.NewMachine(cfg.Flags, f.history)
	machine.SetNow(func() time.Time { return testNow })

	f.gate = flags.NewGatekeeper(f.history, f.users, cfg.Cache)
	machine.SetInvalidator(f.gate.Invalidate)
	scores.SetInvalidator(f.gate.Invalidate)

	f.pipe = New(Deps{
		Users:      f.users,
		Events:     f.events,
		Detectors:  engine,
		Anomalies:  f.anomalies,
		Scores:     scores,
		Machine:    machine,
		History:    f.history,
		Velocity:   flags.NewVelocityTracker(cfg.Velocity, 1000),
		RiskFlags:  f.riskFlags,
		Publisher:  f.publisher,
		Invalidate: f.gate.Invalidate,
	})
	f.pipe.SetNow(func() time.Time { return testNow })
	return f
}

func event(userID, device string, at time.Time) *models.ActivityEvent {
	return &models.ActivityEvent{
		UserID:     userID,
		EventType:  models.EventTypeLogin,
		IPAddress:  "203.0.113.7",
		DeviceHash: device,
		Confidence: 0.9,
		Timestamp:  at,
	}
}

func TestIngestBaselineEvent(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipe.Ingest(context.Background(), event("user-1", "dev-a", testNow))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if res.Duplicate {
		t.Error("fresh event reported duplicate")
	}
	if res.Score == nil || res.Score.Score != 100 {
		t.Errorf("score = %+v, want 100", res.Score)
	}
	if res.Flag == nil || res.Flag.Color != models.FlagGreen {
		t.Errorf("flag = %+v, want GREEN", res.Flag)
	}
	if res.Changed {
		t.Error("GREEN baseline reported as a flag change")
	}
	if len(f.publisher.sent) != 0 {
		t.Errorf("published %d notifications for a no-op flag", len(f.publisher.sent))
	}
}

func TestIngestDuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := event("user-1", "dev-a", testNow)

	first, err := f.pipe.Ingest(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	rows := len(mustHistory(t, f, "user-1"))

	second, err := f.pipe.Ingest(ctx, event("user-1", "dev-a", testNow.Add(time.Second)))
	if err != nil {
		t.Fatalf("duplicate Ingest() error: %v", err)
	}
	if !second.Duplicate {
		t.Error("replayed event not reported duplicate")
	}
	if second.Score != nil {
		t.Error("duplicate event recomputed the score")
	}
	if got := len(mustHistory(t, f, "user-1")); got != rows {
		t.Errorf("flag history grew from %d to %d on duplicate", rows, got)
	}

	snap, err := f.gate.CurrentFlag(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Score != first.Score.Score {
		t.Errorf("score after duplicate = %d, want %d", snap.Score, first.Score.Score)
	}
}

func TestIngestAnomaliesEscalateFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three high-severity anomalies inside one minute plus the risk flag
	// the first one derives: 100 - 3*15 - 2 = 53, YELLOW.
	for i := 0; i < 3; i++ {
		f.detector.plant(models.SeverityHigh)
		if _, err := f.pipe.Ingest(ctx, event("user-1", "dev-a", testNow.Add(time.Duration(i)*20*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	snap, err := f.gate.CurrentFlag(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Score != 53 {
		t.Errorf("score = %d, want 53", snap.Score)
	}
	if snap.Color != models.FlagYellow {
		t.Errorf("flag = %s, want YELLOW", snap.Color)
	}
	if got := len(f.publisher.byKind(delivery.KindFlagChange)); got != 1 {
		t.Errorf("flag_change notifications = %d, want 1", got)
	}

	// A fourth, critical anomaly forces RED and an escalation.
	f.detector.plant(models.SeverityCritical)
	if _, err := f.pipe.Ingest(ctx, event("user-1", "dev-a", testNow.Add(90*time.Second))); err != nil {
		t.Fatal(err)
	}
	snap, err = f.gate.CurrentFlag(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Color != models.FlagRed {
		t.Errorf("flag = %s, want RED", snap.Color)
	}
	if snap.Score != 23 {
		t.Errorf("score = %d, want 23", snap.Score)
	}
	// Critical anomaly escalation plus RED-transition escalation.
	if got := len(f.publisher.byKind(delivery.KindEscalation)); got != 2 {
		t.Errorf("escalations = %d, want 2", got)
	}

	payload := f.publisher.byKind(delivery.KindFlagChange)[0].Payload
	var decoded flagChangePayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.UserID != "user-1" || decoded.Timestamp.IsZero() {
		t.Errorf("flag change payload missing dedup key fields: %+v", decoded)
	}
}

func TestIngestDerivesRiskFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.detector.plant(models.SeverityMedium)
	result, err := f.pipe.Ingest(ctx, event("user-1", "dev-a", testNow))
	if err != nil {
		t.Fatal(err)
	}

	stored, err := f.riskFlags.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("risk flags after anomaly = %d, want 1", len(stored))
	}
	got := stored[0]
	if got.Flag != string(models.PatternActionVelocity) || got.Status != models.StatusActive {
		t.Errorf("stored flag = %+v", got)
	}
	// Medium anomaly plus its derived flag: 100 - 5 - 2.
	if result.Score.Score != 93 {
		t.Errorf("score = %d, want 93", result.Score.Score)
	}

	// The same pattern re-firing inside the suppression window does not
	// stack another flag.
	f.detector.plant(models.SeverityMedium)
	if _, err := f.pipe.Ingest(ctx, event("user-1", "dev-a", testNow.Add(30*time.Second))); err != nil {
		t.Fatal(err)
	}
	stored, err = f.riskFlags.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("risk flags after repeat = %d, want 1", len(stored))
	}
}

func TestCriticalBurstPublishesOneLeadEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two critical candidates in one cycle: only the lead escalates, plus
	// the RED transition itself.
	f.detector.plant(models.SeverityCritical)
	f.detector.plant(models.SeverityCritical)
	if _, err := f.pipe.Ingest(ctx, event("user-1", "dev-a", testNow)); err != nil {
		t.Fatal(err)
	}
	if got := len(f.publisher.byKind(delivery.KindEscalation)); got != 2 {
		t.Errorf("escalations = %d, want 2 (lead candidate + RED flag)", got)
	}
}

func TestConcurrentIngestsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		device := []string{"dev-a", "dev-b"}[i]
		go func(device string, offset time.Duration) {
			defer wg.Done()
			f.detector.plant(models.SeverityHigh)
			if _, err := f.pipe.Ingest(ctx, event("user-1", device, testNow.Add(offset))); err != nil {
				t.Errorf("Ingest() error: %v", err)
			}
		}(device, time.Duration(i)*time.Second)
	}
	wg.Wait()

	// Both anomaly deltas land and the pattern yields exactly one risk
	// flag: 100 - 2*15 - 2 regardless of arrival order.
	snap, err := f.gate.CurrentFlag(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Score != 68 {
		t.Errorf("final score = %d, want 68 (both events applied)", snap.Score)
	}
}

func TestResolveAnomalyRecomputes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.detector.plant(models.SeverityCritical)
	if _, err := f.pipe.Ingest(ctx, event("user-1", "dev-a", testNow)); err != nil {
		t.Fatal(err)
	}
	active, err := f.anomalies.ActiveByUser(ctx, "user-1")
	if err != nil || len(active) != 1 {
		t.Fatalf("active = %v, %v", active, err)
	}
	rows := len(mustHistory(t, f, "user-1"))

	if err := f.pipe.ResolveAnomaly(ctx, active[0].ID, "ops"); err != nil {
		t.Fatalf("ResolveAnomaly() error: %v", err)
	}
	remaining, err := f.anomalies.ActiveByUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Errorf("active anomalies after resolve = %d, want 0", len(remaining))
	}
	// Resolution re-evaluates the flag (appends history) even when the
	// cooldown holds the color.
	if got := len(mustHistory(t, f, "user-1")); got != rows+1 {
		t.Errorf("history rows = %d, want %d", got, rows+1)
	}

	if err := f.pipe.ResolveAnomaly(ctx, "missing", "ops"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("ResolveAnomaly(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEraseCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.detector.plant(models.SeverityHigh)
	if _, err := f.pipe.Ingest(ctx, event("user-1", "dev-a", testNow)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.pipe.Ingest(ctx, event("user-2", "dev-b", testNow)); err != nil {
		t.Fatal(err)
	}

	if err := f.pipe.Erase(ctx, "user-1", "ops"); err != nil {
		t.Fatalf("Erase() error: %v", err)
	}

	if _, err := f.users.Get(ctx, "user-1"); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("Get(erased) error = %v, want ErrUserNotFound", err)
	}
	events, err := f.events.QueryByUser(ctx, "user-1", testNow.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events after erasure = %d, want 0", len(events))
	}
	if got := len(mustHistory(t, f, "user-1")); got != 0 {
		t.Errorf("flag history after erasure = %d, want 0", got)
	}
	active, err := f.anomalies.ActiveByUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("anomalies after erasure = %d, want 0", len(active))
	}

	// Unrelated users are untouched.
	if _, err := f.users.Get(ctx, "user-2"); err != nil {
		t.Errorf("Get(user-2) error = %v", err)
	}

	if err := f.pipe.Erase(ctx, "missing", "ops"); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("Erase(missing) error = %v, want ErrUserNotFound", err)
	}
}

func TestRecomputeAllCountsUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, u := range []string{"user-1", "user-2", "user-3"} {
		if _, err := f.pipe.Ingest(ctx, event(u, "dev-"+u, testNow)); err != nil {
			t.Fatal(err)
		}
	}
	result, err := f.pipe.RecomputeAll(ctx)
	if err != nil {
		t.Fatalf("RecomputeAll() error: %v", err)
	}
	if result.Processed != 3 || result.Failed != 0 {
		t.Errorf("result = %+v, want 3 processed", result)
	}
}

func mustHistory(t *testing.T, f *fixture, userID string) []*models.FlagHistory {
	t.Helper()
	rows, err := f.history.ListByUser(context.Background(), userID, 100)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}
