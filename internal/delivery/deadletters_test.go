// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/models"
)

func openTestStore(t *testing.T) *SQLDeadLetterStore {
	t.Helper()
	db, err := eventstore.Open(&config.DatabaseConfig{Path: ""})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLDeadLetterStore(db)
	if err != nil {
		t.Fatalf("NewSQLDeadLetterStore() error: %v", err)
	}
	return store
}

func TestSQLDeadLetterRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := &models.DeadLetterPayload{
		Kind:      models.DeadLetterIngress,
		UserID:    "user-1",
		Reason:    "event_type: unknown value",
		Payload:   []byte(`{"event_type":"bogus"}`),
		CreatedAt: testNow,
	}
	if err := store.Add(ctx, p); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if p.ID == "" {
		t.Fatal("Add() did not assign an id")
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Kind != models.DeadLetterIngress || got.Reason != p.Reason {
		t.Errorf("Get() = %+v", got)
	}
	if string(got.Payload) != `{"event_type":"bogus"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	onlyDelivery, err := store.List(ctx, models.DeadLetterDelivery, false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyDelivery) != 0 {
		t.Errorf("List(delivery) = %d entries, want 0", len(onlyDelivery))
	}

	if err := store.Resolve(ctx, p.ID, "ops"); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	open, err := store.List(ctx, "", false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("List() after resolve = %d entries, want 0", len(open))
	}
	resolved, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !resolved.Resolved || resolved.ResolvedBy != "ops" || resolved.ResolvedAt == nil {
		t.Errorf("resolved entry = %+v", resolved)
	}

	// Resolving twice is a no-op target.
	if err := store.Resolve(ctx, p.ID, "ops"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestSQLDeadLetterDeleteByUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, user := range []string{"user-1", "user-1", "user-2"} {
		if err := store.Add(ctx, &models.DeadLetterPayload{
			Kind: models.DeadLetterDelivery, UserID: user,
			Reason: "endpoint gatekeeper returned 503", CreatedAt: testNow,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.DeleteByUser(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteByUser() error: %v", err)
	}
	n, err := store.CountUnresolved(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountUnresolved() = %d, want 1", n)
	}
}

func TestMemoryDeadLetterRejectsMissingReason(t *testing.T) {
	store := NewMemoryDeadLetterStore()
	err := store.Add(context.Background(), &models.DeadLetterPayload{Kind: models.DeadLetterIngress})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("Add(no reason) error = %v, want ErrValidation", err)
	}
}
