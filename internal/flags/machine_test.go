// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package flags

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTransition(t *testing.T) {
	cfg := config.Default().Flags

	tests := []struct {
		name        string
		score       int
		activeCount int
		hasCritical bool
		velocity    models.VelocityScore
		want        models.FlagColor
	}{
		{"healthy user", 95, 0, false, models.VelocityLow, models.FlagGreen},
		{"score below red band", 39, 0, false, models.VelocityLow, models.FlagRed},
		{"red band boundary stays yellow", 40, 0, false, models.VelocityLow, models.FlagYellow},
		{"critical anomaly overrides score", 95, 1, true, models.VelocityLow, models.FlagRed},
		{"score in yellow band", 55, 0, false, models.VelocityLow, models.FlagYellow},
		{"yellow band boundary is green", 70, 0, false, models.VelocityLow, models.FlagGreen},
		{"two active anomalies", 90, 2, false, models.VelocityLow, models.FlagYellow},
		{"one anomaly alone is fine", 90, 1, false, models.VelocityLow, models.FlagGreen},
		{"high velocity", 90, 0, false, models.VelocityHigh, models.FlagYellow},
		{"medium velocity is fine", 90, 0, false, models.VelocityMedium, models.FlagGreen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transition(cfg, tt.score, tt.activeCount, tt.hasCritical, tt.velocity)
			if got != tt.want {
				t.Errorf("Transition() = %s, want %s", got, tt.want)
			}
		})
	}
}

func newMachine(history HistoryStore) *Machine {
	m := NewMachine(config.Default().Flags, history)
	m.SetNow(func() time.Time { return testNow })
	return m
}

func TestReevaluateAppendsEveryTime(t *testing.T) {
	history := NewMemoryHistoryStore()
	m := newMachine(history)
	ctx := context.Background()

	in := &Input{UserID: "user-1", Score: 95, Velocity: models.VelocityLow}
	for i := 0; i < 3; i++ {
		row, changed, err := m.Reevaluate(ctx, in)
		if err != nil {
			t.Fatalf("Reevaluate() error: %v", err)
		}
		if row.Color != models.FlagGreen {
			t.Errorf("color = %s, want GREEN", row.Color)
		}
		if changed {
			t.Error("no-op re-evaluation reported a change")
		}
	}
	// Every re-evaluation appends, including no-ops.
	rows, err := history.ListByUser(ctx, "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("history rows = %d, want 3", len(rows))
	}
}

func TestReevaluateDegradesImmediately(t *testing.T) {
	history := NewMemoryHistoryStore()
	m := newMachine(history)
	ctx := context.Background()

	if _, _, err := m.Reevaluate(ctx, &Input{UserID: "user-1", Score: 95, Velocity: models.VelocityLow}); err != nil {
		t.Fatal(err)
	}
	row, changed, err := m.Reevaluate(ctx, &Input{
		UserID: "user-1", Score: 25, ActiveCount: 3,
		Velocity: models.VelocityLow, LastAnomalyAt: testNow,
	})
	if err != nil {
		t.Fatalf("Reevaluate() error: %v", err)
	}
	if row.Color != models.FlagRed || !changed {
		t.Errorf("color/changed = %s/%t, want RED/true", row.Color, changed)
	}
}

func TestHysteresisHoldsImprovementInsideCooldown(t *testing.T) {
	history := NewMemoryHistoryStore()
	m := newMachine(history)
	ctx := context.Background()

	// User goes RED.
	if _, _, err := m.Reevaluate(ctx, &Input{
		UserID: "user-1", Score: 25, ActiveCount: 2,
		Velocity: models.VelocityLow, LastAnomalyAt: testNow.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	// Score recovered to 80 but the last anomaly is only an hour old: the
	// flag must hold RED.
	row, changed, err := m.Reevaluate(ctx, &Input{
		UserID: "user-1", Score: 80,
		Velocity: models.VelocityLow, LastAnomalyAt: testNow.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Reevaluate() error: %v", err)
	}
	if row.Color != models.FlagRed {
		t.Errorf("color = %s, want RED held by cooldown", row.Color)
	}
	if changed {
		t.Error("held transition reported as a change")
	}

	// Once the cooldown has elapsed with no new anomaly, the next
	// re-evaluation may improve.
	row, changed, err = m.Reevaluate(ctx, &Input{
		UserID: "user-1", Score: 80,
		Velocity: models.VelocityLow, LastAnomalyAt: testNow.Add(-25 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Reevaluate() error: %v", err)
	}
	if row.Color != models.FlagGreen || !changed {
		t.Errorf("color/changed = %s/%t, want GREEN/true after cooldown", row.Color, changed)
	}
}

func TestHysteresisNeverBlocksDegradation(t *testing.T) {
	history := NewMemoryHistoryStore()
	m := newMachine(history)
	ctx := context.Background()

	if _, _, err := m.Reevaluate(ctx, &Input{
		UserID: "user-1", Score: 55, Velocity: models.VelocityLow, LastAnomalyAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	row, _, err := m.Reevaluate(ctx, &Input{
		UserID: "user-1", Score: 20, Velocity: models.VelocityLow, LastAnomalyAt: testNow,
	})
	if err != nil {
		t.Fatalf("Reevaluate() error: %v", err)
	}
	if row.Color != models.FlagRed {
		t.Errorf("color = %s, want RED despite fresh anomaly", row.Color)
	}
}

func TestNewUserWithNoAnomalyImprovesWithoutCooldown(t *testing.T) {
	history := NewMemoryHistoryStore()
	m := newMachine(history)
	ctx := context.Background()

	// A zero LastAnomalyAt means no anomaly exists; improvement from the
	// initial GREEN is a no-op, but a YELLOW from pure velocity may clear
	// as soon as the velocity does.
	if _, _, err := m.Reevaluate(ctx, &Input{
		UserID: "user-1", Score: 90, Velocity: models.VelocityHigh,
	}); err != nil {
		t.Fatal(err)
	}
	row, changed, err := m.Reevaluate(ctx, &Input{
		UserID: "user-1", Score: 90, Velocity: models.VelocityLow,
	})
	if err != nil {
		t.Fatalf("Reevaluate() error: %v", err)
	}
	if row.Color != models.FlagGreen || !changed {
		t.Errorf("color/changed = %s/%t, want GREEN/true", row.Color, changed)
	}
}

func TestGatekeeperCurrentFlag(t *testing.T) {
	history := NewMemoryHistoryStore()
	users := eventstore.NewMemoryUserStore()
	gk := NewGatekeeper(history, users, config.Default().Cache)
	ctx := context.Background()

	if _, err := gk.CurrentFlag(ctx, "nobody"); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("CurrentFlag(unknown) error = %v, want ErrUserNotFound", err)
	}

	if _, err := users.Ensure(ctx, "user-1", testNow); err != nil {
		t.Fatal(err)
	}
	snap, err := gk.CurrentFlag(ctx, "user-1")
	if err != nil {
		t.Fatalf("CurrentFlag() error: %v", err)
	}
	if snap.Color != models.FlagGreen || snap.Score != 100 {
		t.Errorf("snapshot = %s/%d, want GREEN/100", snap.Color, snap.Score)
	}

	// A write without invalidation is served stale from cache inside TTL.
	if err := history.Append(ctx, &models.FlagHistory{
		UserID: "user-1", Color: models.FlagRed, Score: 20,
		Velocity: models.VelocityLow, CreatedAt: testNow,
	}); err != nil {
		t.Fatal(err)
	}
	snap, err = gk.CurrentFlag(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Color != models.FlagGreen {
		t.Errorf("expected cached GREEN before invalidation, got %s", snap.Color)
	}

	// Invalidation makes the next read authoritative.
	gk.Invalidate("user-1")
	snap, err = gk.CurrentFlag(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Color != models.FlagRed {
		t.Errorf("color after invalidation = %s, want RED", snap.Color)
	}
}

func TestVelocityTracker(t *testing.T) {
	cfg := config.Default().Velocity
	tracker := NewVelocityTracker(cfg, 100)

	if got := tracker.Classify("user-1"); got != models.VelocityLow {
		t.Errorf("Classify(idle) = %s, want low", got)
	}

	// Enough events in five minutes to cross the medium burst threshold.
	for i := 0; i < cfg.MediumEventsPer5Min; i++ {
		tracker.Observe(&models.ActivityEvent{UserID: "user-1", DeviceHash: "dev-a"})
	}
	if got := tracker.Classify("user-1"); got != models.VelocityMedium {
		t.Errorf("Classify(burst) = %s, want medium", got)
	}

	// Device switching alone drives high.
	devices := []string{"dev-a", "dev-b", "dev-c"}
	for _, dev := range devices {
		tracker.Observe(&models.ActivityEvent{UserID: "user-2", DeviceHash: dev})
	}
	if got := tracker.Classify("user-2"); got != models.VelocityHigh {
		t.Errorf("Classify(switching) = %s, want high", got)
	}

	// Other users are unaffected.
	if got := tracker.Classify("user-3"); got != models.VelocityLow {
		t.Errorf("Classify(other) = %s, want low", got)
	}
}

func TestHistoryCountByColor(t *testing.T) {
	history := NewMemoryHistoryStore()
	ctx := context.Background()

	rows := []struct {
		user  string
		color models.FlagColor
	}{
		{"user-1", models.FlagGreen},
		{"user-2", models.FlagYellow},
		{"user-2", models.FlagRed}, // latest row wins
		{"user-3", models.FlagGreen},
	}
	for _, r := range rows {
		if err := history.Append(ctx, &models.FlagHistory{
			UserID: r.user, Color: r.color, Velocity: models.VelocityLow, CreatedAt: testNow,
		}); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := history.CountByColor(ctx)
	if err != nil {
		t.Fatalf("CountByColor() error: %v", err)
	}
	if counts[models.FlagGreen] != 2 || counts[models.FlagRed] != 1 || counts[models.FlagYellow] != 0 {
		t.Errorf("counts = %v, want green=2 red=1 yellow=0", counts)
	}
}

func TestSQLHistoryStoreRoundTrip(t *testing.T) {
	db, err := eventstore.Open(&config.DatabaseConfig{Path: ""})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = db.Close() }()

	store, err := NewSQLHistoryStore(db)
	if err != nil {
		t.Fatalf("NewSQLHistoryStore() error: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Latest(ctx, "user-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Latest(empty) error = %v, want ErrNotFound", err)
	}

	for i, color := range []models.FlagColor{models.FlagGreen, models.FlagYellow} {
		if err := store.Append(ctx, &models.FlagHistory{
			UserID: "user-1", Color: color, Score: 90 - i,
			AnomalyCount: i, Velocity: models.VelocityLow,
			CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	latest, err := store.Latest(ctx, "user-1")
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if latest.Color != models.FlagYellow || latest.Score != 89 {
		t.Errorf("latest = %s/%d, want YELLOW/89", latest.Color, latest.Score)
	}

	list, err := store.ListByUser(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListByUser() error: %v", err)
	}
	if len(list) != 2 || list[0].Color != models.FlagYellow {
		t.Errorf("list = %+v, want 2 rows newest first", list)
	}

	counts, err := store.CountByColor(ctx)
	if err != nil {
		t.Fatalf("CountByColor() error: %v", err)
	}
	if counts[models.FlagYellow] != 1 {
		t.Errorf("counts = %v, want one yellow user", counts)
	}

	if err := store.DeleteByUser(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteByUser() error: %v", err)
	}
	if _, err := store.Latest(ctx, "user-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Latest(deleted) error = %v, want ErrNotFound", err)
	}
}
