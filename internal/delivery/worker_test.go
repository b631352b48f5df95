// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeSender fails the first failures attempts, then succeeds. It records the
// clock time of every attempt.
type fakeSender struct {
	mu       sync.Mutex
	clock    *fakeClock
	failures int
	calls    []time.Time
}

func (s *fakeSender) Send(_ context.Context, _ config.EndpointConfig, _ *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, s.clock.Now())
	if len(s.calls) <= s.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (s *fakeSender) attempts() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

func testConfig(endpoints ...config.EndpointConfig) config.DeliveryConfig {
	return config.DeliveryConfig{
		InitialBackoff: time.Second,
		BackoffFactor:  2.0,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    5,
		Endpoints:      endpoints,
	}
}

func gatekeeperEndpoint() config.EndpointConfig {
	return config.EndpointConfig{Name: "gatekeeper", URL: "http://gatekeeper.local/flags"}
}

func newTestWorker(t *testing.T, cfg config.DeliveryConfig, sender Sender, clock *fakeClock) (*Worker, *MemoryDeadLetterStore, *MemoryPendingStore) {
	t.Helper()
	pending := NewMemoryPendingStore()
	deadLetters := NewMemoryDeadLetterStore()
	w := NewWorker(cfg, sender, pending, deadLetters)
	w.SetNow(clock.Now)
	return w, deadLetters, pending
}

func flagChange(id string) *Notification {
	return &Notification{
		ID:        id,
		UserID:    "user-1",
		Kind:      KindFlagChange,
		Payload:   []byte(`{"user_id":"user-1","flag_color":"RED","timestamp":"2026-03-01T12:00:00Z"}`),
		CreatedAt: testNow,
	}
}

func TestDeliverySucceedsFirstAttempt(t *testing.T) {
	clock := &fakeClock{t: testNow}
	sender := &fakeSender{clock: clock}
	w, deadLetters, pending := newTestWorker(t, testConfig(gatekeeperEndpoint()), sender, clock)
	ctx := context.Background()

	if err := w.Enqueue(ctx, flagChange("n-1")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if n := w.ProcessDue(ctx); n != 1 {
		t.Fatalf("ProcessDue() = %d, want 1", n)
	}
	if len(w.PendingItems()) != 0 {
		t.Error("queue not empty after successful delivery")
	}
	if items, _ := pending.List(); len(items) != 0 {
		t.Error("WAL not empty after successful delivery")
	}
	if n, _ := deadLetters.CountUnresolved(ctx, ""); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestBackoffLadderThenDeadLetter(t *testing.T) {
	clock := &fakeClock{t: testNow}
	sender := &fakeSender{clock: clock, failures: 100}
	w, deadLetters, _ := newTestWorker(t, testConfig(gatekeeperEndpoint()), sender, clock)
	ctx := context.Background()

	if err := w.Enqueue(ctx, flagChange("n-1")); err != nil {
		t.Fatal(err)
	}

	// Drive the ladder: each pass processes one due attempt, then the
	// clock jumps to the rescheduled time.
	for i := 0; i < 5; i++ {
		w.ProcessDue(ctx)
		if items := w.PendingItems(); len(items) == 1 {
			clock.mu.Lock()
			clock.t = items[0].NextAttempt
			clock.mu.Unlock()
		}
	}

	calls := sender.attempts()
	if len(calls) != 5 {
		t.Fatalf("sender called %d times, want 5", len(calls))
	}
	wantGaps := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantGaps {
		if got := calls[i+1].Sub(calls[i]); got != want {
			t.Errorf("gap %d = %v, want %v", i+1, got, want)
		}
	}

	if len(w.PendingItems()) != 0 {
		t.Error("exhausted item still queued")
	}
	letters, err := deadLetters.List(ctx, models.DeadLetterDelivery, false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	dl := letters[0]
	if dl.Attempts != 5 {
		t.Errorf("dead letter attempts = %d, want 5", dl.Attempts)
	}
	if dl.Endpoint != "gatekeeper" || dl.UserID != "user-1" {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.Reason == "" {
		t.Error("dead letter has no failure reason")
	}
}

func TestIngestionUnaffectedByFailingEndpoint(t *testing.T) {
	clock := &fakeClock{t: testNow}
	sender := &fakeSender{clock: clock, failures: 100}
	w, _, _ := newTestWorker(t, testConfig(gatekeeperEndpoint()), sender, clock)
	ctx := context.Background()

	// Enqueue stays non-blocking while the endpoint is down.
	for i := 0; i < 50; i++ {
		if err := w.Enqueue(ctx, flagChange("n-"+string(rune('a'+i%26)))); err != nil {
			t.Fatalf("Enqueue() error under failing endpoint: %v", err)
		}
	}
}

func TestEnqueueFansOutByKind(t *testing.T) {
	clock := &fakeClock{t: testNow}
	sender := &fakeSender{clock: clock}
	alerting := config.EndpointConfig{
		Name: "alerting", URL: "http://alerts.local",
		Kinds: []string{string(KindEscalation)},
	}
	w, _, _ := newTestWorker(t, testConfig(gatekeeperEndpoint(), alerting), sender, clock)
	ctx := context.Background()

	if err := w.Enqueue(ctx, flagChange("n-1")); err != nil {
		t.Fatal(err)
	}
	items := w.PendingItems()
	if len(items) != 1 {
		t.Fatalf("queue = %d items, want 1 (alerting filters flag_change)", len(items))
	}
	if items[0].Endpoint != "gatekeeper" {
		t.Errorf("item endpoint = %s, want gatekeeper", items[0].Endpoint)
	}

	escalation := flagChange("n-2")
	escalation.Kind = KindEscalation
	if err := w.Enqueue(ctx, escalation); err != nil {
		t.Fatal(err)
	}
	if got := len(w.PendingItems()); got != 3 {
		t.Errorf("queue = %d items, want 3 (escalation reaches both)", got)
	}
}

func TestDuplicateEnqueueDoesNotDouble(t *testing.T) {
	clock := &fakeClock{t: testNow}
	sender := &fakeSender{clock: clock}
	w, _, _ := newTestWorker(t, testConfig(gatekeeperEndpoint()), sender, clock)
	ctx := context.Background()

	n := flagChange("n-1")
	if err := w.Enqueue(ctx, n); err != nil {
		t.Fatal(err)
	}
	if err := w.Enqueue(ctx, n); err != nil {
		t.Fatal(err)
	}
	if got := len(w.PendingItems()); got != 1 {
		t.Errorf("queue = %d items after duplicate publish, want 1", got)
	}
}

func TestRecoverReloadsWAL(t *testing.T) {
	clock := &fakeClock{t: testNow}
	pending := NewMemoryPendingStore()
	item := &Item{
		ID:           "n-1/gatekeeper",
		Notification: *flagChange("n-1"),
		Endpoint:     "gatekeeper",
		Attempts:     2,
		NextAttempt:  testNow,
	}
	if err := pending.Put(item); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{clock: clock}
	w := NewWorker(testConfig(gatekeeperEndpoint()), sender, pending, NewMemoryDeadLetterStore())
	w.SetNow(clock.Now)

	n, err := w.Recover()
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover() = %d, want 1", n)
	}

	if got := w.ProcessDue(context.Background()); got != 1 {
		t.Errorf("ProcessDue() after recovery = %d, want 1", got)
	}
	// Recovered attempt count carries into the ladder.
	if len(sender.attempts()) != 1 {
		t.Errorf("sender called %d times, want 1", len(sender.attempts()))
	}
}

func TestRedriveRequeuesDeadLetter(t *testing.T) {
	clock := &fakeClock{t: testNow}
	sender := &fakeSender{clock: clock, failures: 5}
	w, deadLetters, _ := newTestWorker(t, testConfig(gatekeeperEndpoint()), sender, clock)
	ctx := context.Background()

	if err := w.Enqueue(ctx, flagChange("n-1")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		w.ProcessDue(ctx)
		if items := w.PendingItems(); len(items) == 1 {
			clock.mu.Lock()
			clock.t = items[0].NextAttempt
			clock.mu.Unlock()
		}
	}
	letters, _ := deadLetters.List(ctx, models.DeadLetterDelivery, false, 1)
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}

	if err := w.Redrive(ctx, letters[0].ID, "ops"); err != nil {
		t.Fatalf("Redrive() error: %v", err)
	}
	// Sender recovers on the 6th call; the redriven item delivers.
	if got := w.ProcessDue(ctx); got != 1 {
		t.Errorf("ProcessDue() after redrive = %d, want 1", got)
	}

	got, err := deadLetters.Get(ctx, letters[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.RetryAttempted {
		t.Error("dead letter not marked retried")
	}
	if got.Resolved {
		t.Error("redrive must not auto-resolve the dead letter")
	}

	if err := w.Redrive(ctx, "missing", "ops"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Redrive(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBusRoundTrip(t *testing.T) {
	bus := NewBus(8)
	defer func() { _ = bus.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	want := flagChange("n-1")
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case msg := <-msgs:
		got, err := DecodeNotification(msg)
		if err != nil {
			t.Fatalf("DecodeNotification() error: %v", err)
		}
		if got.ID != want.ID || got.Kind != want.Kind || got.UserID != want.UserID {
			t.Errorf("decoded = %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("no message received from bus")
	}
}

func TestBackoffCapped(t *testing.T) {
	w := NewWorker(config.DeliveryConfig{
		InitialBackoff: time.Second,
		BackoffFactor:  2.0,
		MaxBackoff:     10 * time.Second,
		MaxAttempts:    8,
	}, nil, NewMemoryPendingStore(), NewMemoryDeadLetterStore())

	if got := w.backoff(1); got != time.Second {
		t.Errorf("backoff(1) = %v, want 1s", got)
	}
	if got := w.backoff(4); got != 8*time.Second {
		t.Errorf("backoff(4) = %v, want 8s", got)
	}
	if got := w.backoff(7); got != 10*time.Second {
		t.Errorf("backoff(7) = %v, want capped 10s", got)
	}
}
