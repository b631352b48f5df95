// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package pipeline orchestrates event ingestion: append, synchronous
// detection, score recomputation, flag re-evaluation, audit, and delivery
// publish. It also owns the cross-store operations that span the whole
// system: anomaly resolution, population detector runs, full recomputes,
// and user erasure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/krellis/trustgate/internal/delivery"
	"github.com/krellis/trustgate/internal/detection"
	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/flags"
	"github.com/krellis/trustgate/internal/ledger"
	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
	"github.com/krellis/trustgate/internal/scoring"
)

// Publisher pushes notifications onto the delivery bus. Implemented by
// delivery.Bus; nil disables outbound notifications.
type Publisher interface {
	Publish(ctx context.Context, n *delivery.Notification) error
}

// Auditor is the slice of ledger.Recorder the pipeline writes to.
type Auditor interface {
	RecordAnomaly(ctx context.Context, c *models.AnomalyCandidate) error
	RecordAnomalyResolved(ctx context.Context, c *models.AnomalyCandidate, resolvedBy string) error
	RecordErasure(ctx context.Context, userID, operator string) error
}

// Eraser is any store that can drop all rows for one user. The erasure
// cascade walks every registered eraser.
type Eraser interface {
	DeleteByUser(ctx context.Context, userID string) error
}

// Deps wires the pipeline. Users, Events, Detectors, Anomalies, Scores,
// Machine, History, and Velocity are required; the rest are optional.
type Deps struct {
	Users     eventstore.UserStore
	Events    eventstore.Store
	Detectors *detection.Engine
	Anomalies detection.CandidateStore
	Scores    *scoring.Engine
	Machine   *flags.Machine
	History   flags.HistoryStore
	Velocity  *flags.VelocityTracker
	RiskFlags scoring.RiskFlagStore

	Auditor   Auditor
	Publisher Publisher
	Latency   *ledger.LatencySampler
	// Erasers are extra stores included in the erasure cascade (ledger
	// entries, dead letters).
	Erasers []Eraser
	// Invalidate drops the user's gatekeeper snapshot after erasure.
	Invalidate func(userID string)
}

// Pipeline is safe for concurrent use; per-user ordering is enforced by the
// scoring engine's and flag machine's sharded locks, not here.
type Pipeline struct {
	d   Deps
	now func() time.Time
	// riskMu serializes the risk-flag duplicate check with the insert so
	// concurrent ingests for one user cannot double-flag a burst.
	riskMu sync.Mutex
}

func New(d Deps) *Pipeline {
	return &Pipeline{d: d, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow injects the clock. Tests only.
func (p *Pipeline) SetNow(now func() time.Time) { p.now = now }

// Result is what ingestion reports back to the API layer.
type Result struct {
	EventID   string               `json:"event_id"`
	Duplicate bool                 `json:"duplicate"`
	Score     *scoring.ScoreResult `json:"score,omitempty"`
	Flag      *models.FlagHistory  `json:"flag,omitempty"`
	Changed   bool                 `json:"flag_changed"`
	Anomalies int                  `json:"anomalies_detected"`
}

// Ingest runs the full path for one event. Duplicates are success from the
// caller's perspective: the stored state is already exactly what this event
// would produce. Detector failures degrade to partial results and delivery
// failures never surface here; only persistence failures do.
func (p *Pipeline) Ingest(ctx context.Context, event *models.ActivityEvent) (*Result, error) {
	start := time.Now()
	defer func() {
		if p.d.Latency != nil {
			p.d.Latency.Record(time.Since(start))
		}
	}()
	now := p.now()

	if event.UserID == "" {
		return nil, models.NewValidationError("user_id", "required")
	}
	if _, err := p.d.Users.Ensure(ctx, event.UserID, now); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	if _, err := p.d.Events.Append(ctx, event); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return &Result{EventID: event.ID, Duplicate: true}, nil
		}
		return nil, err
	}
	metrics.EventsIngested.WithLabelValues(string(event.EventType)).Inc()
	p.d.Velocity.Observe(event)

	candidates, err := p.d.Detectors.EvaluateEvent(ctx, event, p.d.Events, now)
	if err != nil {
		// Partial detector results are still applied.
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", event.UserID).
			Msg("detector failures during ingest, continuing with partial results")
	}
	p.recordCandidates(ctx, candidates)

	score, err := p.d.Scores.Recompute(ctx, event.UserID, "event")
	if err != nil {
		return nil, err
	}

	row, changed, err := p.reevaluate(ctx, event.UserID, score.Score, event.Confidence)
	if err != nil {
		return nil, err
	}
	if changed {
		p.publishFlagChange(ctx, row)
	}

	return &Result{
		EventID:   event.ID,
		Score:     score,
		Flag:      row,
		Changed:   changed,
		Anomalies: len(candidates),
	}, nil
}

// riskFlagDedupWindow suppresses re-adding the same flag when a detector
// fires repeatedly on one burst of activity.
const riskFlagDedupWindow = 5 * time.Minute

func (p *Pipeline) recordCandidates(ctx context.Context, candidates []*models.AnomalyCandidate) {
	for _, c := range candidates {
		if p.d.Auditor != nil {
			if err := p.d.Auditor.RecordAnomaly(ctx, c); err != nil {
				logging.Ctx(ctx).Warn().Err(err).Str("candidate_id", c.ID).
					Msg("failed to record anomaly on ledger")
			}
		}
		p.recordRiskFlags(ctx, c)
	}
	// One escalation per detection cycle; the lead candidate carries it.
	if lead := detection.Escalate(candidates); lead != nil && lead.Severity == models.SeverityCritical {
		p.publishEscalation(ctx, lead)
	}
}

// recordRiskFlags turns one candidate into a risk flag per affected user.
// The flags feed the trailing-window score penalty; the score recompute that
// follows ingestion sees them immediately.
func (p *Pipeline) recordRiskFlags(ctx context.Context, c *models.AnomalyCandidate) {
	if p.d.RiskFlags == nil {
		return
	}
	p.riskMu.Lock()
	defer p.riskMu.Unlock()
	since := p.now().Add(-riskFlagDedupWindow)
	for _, userID := range c.AffectedUsers {
		dup, err := p.d.RiskFlags.HasRecent(ctx, userID, string(c.Pattern), since)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).
				Msg("failed to check recent risk flags")
			continue
		}
		if dup {
			continue
		}
		flag := &models.RiskFlag{
			ID:               uuid.NewString(),
			UserID:           userID,
			Flag:             string(c.Pattern),
			Category:         string(c.Severity),
			RiskContribution: c.RiskScore,
			Status:           models.StatusActive,
			Evidence:         c.Evidence,
			Timestamp:        c.DetectedAt,
		}
		if err := p.d.RiskFlags.Add(ctx, flag); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).
				Str("flag", flag.Flag).Msg("failed to store risk flag")
		}
	}
}

// reevaluate gathers the flag machine's inputs and runs one transition.
func (p *Pipeline) reevaluate(ctx context.Context, userID string, score int, confidence float64) (*models.FlagHistory, bool, error) {
	active, err := p.d.Anomalies.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load active anomalies: %w", err)
	}
	var (
		hasCritical   bool
		lastAnomalyAt time.Time
	)
	for _, c := range active {
		if c.Severity == models.SeverityCritical {
			hasCritical = true
		}
		if c.DetectedAt.After(lastAnomalyAt) {
			lastAnomalyAt = c.DetectedAt
		}
	}
	return p.d.Machine.Reevaluate(ctx, &flags.Input{
		UserID:        userID,
		Score:         score,
		ActiveCount:   len(active),
		HasCritical:   hasCritical,
		Velocity:      p.d.Velocity.Classify(userID),
		LastAnomalyAt: lastAnomalyAt,
		Confidence:    confidence,
	})
}

type flagChangePayload struct {
	UserID    string           `json:"user_id"`
	FlagColor models.FlagColor `json:"flag_color"`
	Score     int              `json:"score"`
	Timestamp time.Time        `json:"timestamp"`
}

func (p *Pipeline) publishFlagChange(ctx context.Context, row *models.FlagHistory) {
	payload, _ := json.Marshal(flagChangePayload{
		UserID:    row.UserID,
		FlagColor: row.Color,
		Score:     row.Score,
		Timestamp: row.CreatedAt,
	})
	p.publish(ctx, &delivery.Notification{
		ID:        uuid.NewString(),
		UserID:    row.UserID,
		Kind:      delivery.KindFlagChange,
		Payload:   payload,
		CreatedAt: p.now(),
	})
	if row.Color == models.FlagRed {
		p.publish(ctx, &delivery.Notification{
			ID:        uuid.NewString(),
			UserID:    row.UserID,
			Kind:      delivery.KindEscalation,
			Payload:   payload,
			CreatedAt: p.now(),
		})
	}
}

type anomalyPayload struct {
	AnomalyID   string             `json:"anomaly_id"`
	Pattern     models.PatternName `json:"pattern"`
	Severity    models.Severity    `json:"severity"`
	Users       []string           `json:"affected_users"`
	Description string             `json:"description"`
	DetectedAt  time.Time          `json:"detected_at"`
}

func (p *Pipeline) publishEscalation(ctx context.Context, c *models.AnomalyCandidate) {
	payload, _ := json.Marshal(anomalyPayload{
		AnomalyID:   c.ID,
		Pattern:     c.Pattern,
		Severity:    c.Severity,
		Users:       c.AffectedUsers,
		Description: c.Description,
		DetectedAt:  c.DetectedAt,
	})
	userID := ""
	if len(c.AffectedUsers) == 1 {
		userID = c.AffectedUsers[0]
	}
	p.publish(ctx, &delivery.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      delivery.KindEscalation,
		Payload:   payload,
		CreatedAt: p.now(),
	})
}

func (p *Pipeline) publish(ctx context.Context, n *delivery.Notification) {
	if p.d.Publisher == nil {
		return
	}
	if err := p.d.Publisher.Publish(ctx, n); err != nil {
		// Delivery failures never reach the scoring path.
		logging.Ctx(ctx).Error().Err(err).Str("notification_id", n.ID).
			Str("kind", string(n.Kind)).Msg("failed to publish notification")
	}
}

// ResolveAnomaly closes a candidate and re-scores everyone it named.
func (p *Pipeline) ResolveAnomaly(ctx context.Context, id, resolvedBy string) error {
	c, err := p.d.Anomalies.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := p.d.Anomalies.Resolve(ctx, id, resolvedBy, p.now()); err != nil {
		return err
	}
	if p.d.Auditor != nil {
		if err := p.d.Auditor.RecordAnomalyResolved(ctx, c, resolvedBy); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("candidate_id", id).
				Msg("failed to record anomaly resolution on ledger")
		}
	}
	for _, userID := range c.AffectedUsers {
		if err := p.RecomputeUser(ctx, userID, "anomaly_resolved"); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("user_id", userID).
				Msg("failed to recompute after anomaly resolution")
		}
	}
	return nil
}

// RecomputeUser re-scores one user and re-evaluates their flag.
func (p *Pipeline) RecomputeUser(ctx context.Context, userID, trigger string) error {
	score, err := p.d.Scores.Recompute(ctx, userID, trigger)
	if err != nil {
		return err
	}
	row, changed, err := p.reevaluate(ctx, userID, score.Score, 0)
	if err != nil {
		return err
	}
	if changed {
		p.publishFlagChange(ctx, row)
	}
	return nil
}

// RunPopulationDetectors executes the periodic cross-user detectors and
// applies their candidates. Returns how many candidates were produced.
func (p *Pipeline) RunPopulationDetectors(ctx context.Context) (int, error) {
	candidates, err := p.d.Detectors.EvaluatePopulation(ctx, p.d.Events, p.now())
	if err != nil && len(candidates) == 0 {
		return 0, err
	}
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Msg("population detector failures, applying partial results")
	}
	p.recordCandidates(ctx, candidates)

	users := make(map[string]struct{})
	for _, c := range candidates {
		for _, u := range c.AffectedUsers {
			users[u] = struct{}{}
		}
	}
	for userID := range users {
		if err := p.RecomputeUser(ctx, userID, "population"); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("user_id", userID).
				Msg("failed to recompute after population detection")
		}
	}
	return len(candidates), nil
}

// RecomputeAll re-scores and re-flags every user. Failures are counted, not
// fatal; the scheduler reports them in its job result.
func (p *Pipeline) RecomputeAll(ctx context.Context) (*scoring.BatchResult, error) {
	start := time.Now()
	ids, err := p.d.Users.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	result := &scoring.BatchResult{}
	for _, id := range ids {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := p.RecomputeUser(ctx, id, "scheduled"); err != nil {
			result.Failed++
			logging.Ctx(ctx).Error().Err(err).Str("user_id", id).
				Msg("scheduled recompute failed")
			continue
		}
		result.Processed++
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Erase removes every trace of the user across all stores, then appends the
// single anonymized erasure marker to the ledger.
func (p *Pipeline) Erase(ctx context.Context, userID, operator string) error {
	if _, err := p.d.Users.Get(ctx, userID); err != nil {
		return err
	}

	if _, err := p.d.Events.DeleteByUser(ctx, userID); err != nil {
		return fmt.Errorf("erase events: %w", err)
	}
	if err := p.d.Anomalies.DeleteByUser(ctx, userID); err != nil {
		return fmt.Errorf("erase anomalies: %w", err)
	}
	if p.d.RiskFlags != nil {
		if err := p.d.RiskFlags.DeleteByUser(ctx, userID); err != nil {
			return fmt.Errorf("erase risk flags: %w", err)
		}
	}
	if err := p.d.History.DeleteByUser(ctx, userID); err != nil {
		return fmt.Errorf("erase flag history: %w", err)
	}
	for _, e := range p.d.Erasers {
		if err := e.DeleteByUser(ctx, userID); err != nil {
			return fmt.Errorf("erase cascade: %w", err)
		}
	}
	if err := p.d.Users.Delete(ctx, userID); err != nil {
		return fmt.Errorf("erase user: %w", err)
	}
	if p.d.Invalidate != nil {
		p.d.Invalidate(userID)
	}
	if p.d.Auditor != nil {
		if err := p.d.Auditor.RecordErasure(ctx, userID, operator); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to record erasure marker")
		}
	}
	logging.Ctx(ctx).Info().Str("operator", operator).Msg("user erased")
	return nil
}
