// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// Engine runs the registered detectors and persists whatever they find. A
// single failing detector never aborts its siblings: its error is wrapped in
// models.ErrDetector and joined onto the returned error while the other
// detectors' candidates are still persisted and returned.
type Engine struct {
	store CandidateStore

	mu        sync.RWMutex
	detectors map[models.PatternName]Detector
	enabled   bool
}

// NewEngine creates a detection engine over the given candidate store.
func NewEngine(store CandidateStore) *Engine {
	return &Engine{
		store:     store,
		detectors: make(map[models.PatternName]Detector),
		enabled:   true,
	}
}

// Register adds a detector to the engine.
func (e *Engine) Register(d Detector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detectors[d.Name()] = d
	logging.Info().Str("detector", string(d.Name())).Str("scope", string(d.Scope())).Msg("registered detector")
}

// EvaluateEvent runs the user-scope detectors against a freshly appended
// event. Candidates are persisted before being returned.
func (e *Engine) EvaluateEvent(ctx context.Context, event *models.ActivityEvent, source EventSource, now time.Time) ([]*models.AnomalyCandidate, error) {
	return e.run(ctx, &EvalContext{Event: event, Events: source, Now: now}, ScopeUser)
}

// EvaluatePopulation runs the population-scope detectors over the recent
// window. Called from the periodic path.
func (e *Engine) EvaluatePopulation(ctx context.Context, source EventSource, now time.Time) ([]*models.AnomalyCandidate, error) {
	return e.run(ctx, &EvalContext{Events: source, Now: now}, ScopePopulation)
}

func (e *Engine) run(ctx context.Context, ec *EvalContext, scope Scope) ([]*models.AnomalyCandidate, error) {
	detectors := e.enabledDetectors(scope)
	if len(detectors) == 0 {
		return nil, nil
	}

	var (
		candidates []*models.AnomalyCandidate
		errs       []error
	)
	for _, d := range detectors {
		start := time.Now()
		found, err := d.Evaluate(ctx, ec)
		if err != nil {
			metrics.RecordDetectorRun(string(d.Name()), "error", time.Since(start))
			logging.Error().Err(err).Str("detector", string(d.Name())).Msg("detector failed")
			errs = append(errs, fmt.Errorf("%s: %w: %w", d.Name(), models.ErrDetector, err))
			continue
		}
		result := "clean"
		if len(found) > 0 {
			result = "anomaly"
		}
		metrics.RecordDetectorRun(string(d.Name()), result, time.Since(start))
		candidates = append(candidates, found...)
	}

	for _, c := range candidates {
		if err := e.store.Save(ctx, c); err != nil {
			logging.Error().Err(err).Str("candidate", c.ID).Msg("failed to persist candidate")
			errs = append(errs, err)
		}
	}

	return candidates, errors.Join(errs...)
}

func (e *Engine) enabledDetectors(scope Scope) []Detector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.enabled {
		return nil
	}
	var out []Detector
	for _, d := range e.detectors {
		if d.Scope() == scope && d.Enabled() {
			out = append(out, d)
		}
	}
	return out
}

// Escalate picks the candidate that drives escalation when several flag the
// same cycle: highest severity wins, risk score breaks ties. Every candidate
// is still persisted; this only chooses which one leads.
func Escalate(candidates []*models.AnomalyCandidate) *models.AnomalyCandidate {
	var top *models.AnomalyCandidate
	for _, c := range candidates {
		if top == nil ||
			c.Severity.Rank() > top.Severity.Rank() ||
			(c.Severity.Rank() == top.Severity.Rank() && c.RiskScore > top.RiskScore) {
			top = c
		}
	}
	return top
}

// Configure updates a registered detector's policy.
func (e *Engine) Configure(name models.PatternName, raw json.RawMessage) error {
	e.mu.RLock()
	d, ok := e.detectors[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("detector %s: %w", name, models.ErrNotFound)
	}
	return d.Configure(raw)
}

// SetDetectorEnabled enables or disables one detector.
func (e *Engine) SetDetectorEnabled(name models.PatternName, enabled bool) error {
	e.mu.RLock()
	d, ok := e.detectors[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("detector %s: %w", name, models.ErrNotFound)
	}
	d.SetEnabled(enabled)
	return nil
}

// SetEnabled enables or disables the whole engine.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// Enabled returns whether the engine is enabled.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Detectors returns the registered detectors.
func (e *Engine) Detectors() []Detector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Detector, 0, len(e.detectors))
	for _, d := range e.detectors {
		out = append(out, d)
	}
	return out
}
