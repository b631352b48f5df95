// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Everything except loss of the persistence layer itself
// degrades gracefully: duplicates are success from the caller's perspective,
// a failing detector never aborts its siblings, and delivery failures are
// retried and eventually dead-lettered without touching the scoring path.
var (
	// ErrValidation marks malformed input rejected before persistence.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicate marks an event already recorded inside the dedup window.
	// Callers treat it as success.
	ErrDuplicate = errors.New("duplicate event")

	// ErrUserNotFound is surfaced to the caller, never fatal to ingestion.
	ErrUserNotFound = errors.New("user not found")

	// ErrNotFound is the generic missing-record sentinel for stores.
	ErrNotFound = errors.New("record not found")

	// ErrDetector wraps a single detector's failure; sibling detectors
	// continue with partial results.
	ErrDetector = errors.New("detector failed")

	// ErrDelivery marks a dispatch failure subject to retry and, once
	// retries are exhausted, dead-lettering.
	ErrDelivery = errors.New("delivery failed")
)

// ValidationError carries the field that failed validation and why.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a field-level validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrValidation) hold for field errors.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
