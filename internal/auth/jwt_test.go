// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/krellis/trustgate/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(&config.AuthConfig{JWTSecret: testSecret})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewManager(&config.AuthConfig{JWTSecret: "short"}); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestGenerateValidateRoundTrip(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Generate("webhook-prod", RoleIngest, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "webhook-prod" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.Role != RoleIngest {
		t.Fatalf("role = %q", claims.Role)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Generate("ops", RoleAdmin, -time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := m.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m := newTestManager(t)
	other, err := NewManager(&config.AuthConfig{JWTSecret: "ffffffffffffffffffffffffffffffff"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	token, err := other.Generate("ops", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := m.Validate(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestMiddlewareGatesRequests(t *testing.T) {
	m := newTestManager(t)
	var gotSubject string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}

	// Garbage token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", rec.Code)
	}

	// Valid token.
	token, err := m.Generate("dashboard", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", rec.Code)
	}
	if gotSubject != "dashboard" {
		t.Fatalf("subject = %q", gotSubject)
	}
}

func TestMiddlewareDisabledAdmitsAll(t *testing.T) {
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := SubjectFromContext(r.Context()); got != "anonymous" {
			t.Fatalf("subject = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
