// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/detection"
	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// Factor is one signed contribution to a score.
type Factor struct {
	Name   string `json:"name"`
	Delta  int    `json:"delta"`
	Detail string `json:"detail,omitempty"`
}

// ScoreResult describes the outcome of one recomputation.
type ScoreResult struct {
	UserID    string           `json:"user_id"`
	Score     int              `json:"score"`
	Delta     int              `json:"delta"`
	RiskLevel models.RiskLevel `json:"risk_level"`
	Factors   []Factor         `json:"contributing_factors"`
	ScoredAt  time.Time        `json:"scored_at"`
}

// Recorder receives every score change for the append-only ledger.
type Recorder interface {
	RecordScoreChange(ctx context.Context, result *ScoreResult) error
}

// Engine recomputes trust scores. The score is a deterministic function of
// the user record, active risk flags, and unresolved anomaly candidates,
// with one piece of hysteresis: a score may fall arbitrarily fast but only
// recovers toward baseline at a bounded rate per quiet day.
type Engine struct {
	users      eventstore.UserStore
	anomalies  detection.CandidateStore
	riskFlags  RiskFlagStore
	cfg        config.ScoringConfig
	locks      *userLocks
	recorder   Recorder
	invalidate func(userID string)
	now        func() time.Time
}

// NewEngine wires a score engine over its stores.
func NewEngine(users eventstore.UserStore, anomalies detection.CandidateStore, riskFlags RiskFlagStore, cfg config.ScoringConfig) *Engine {
	return &Engine{
		users:     users,
		anomalies: anomalies,
		riskFlags: riskFlags,
		cfg:       cfg,
		locks:     newUserLocks(cfg.LockShards),
		now:       time.Now,
	}
}

// SetRecorder registers the audit sink for score changes.
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

// SetInvalidator registers the cache invalidation hook, called synchronously
// after every persisted score change.
func (e *Engine) SetInvalidator(fn func(userID string)) { e.invalidate = fn }

// SetNow overrides the clock. Tests only.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

// Recompute recalculates the user's score, persists it, and reports the
// contributing factors. Returns models.ErrUserNotFound for unknown users.
// Trigger labels the cause for metrics: "event", "scheduled", or "admin".
func (e *Engine) Recompute(ctx context.Context, userID, trigger string) (*ScoreResult, error) {
	e.locks.Lock(userID)
	defer e.locks.Unlock(userID)

	start := time.Now()
	result, err := e.recompute(ctx, userID)
	metrics.ScoreRecomputeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	metrics.ScoreRecomputations.WithLabelValues(trigger).Inc()
	metrics.ScoreDistribution.Observe(float64(result.Score))

	if e.invalidate != nil {
		e.invalidate(userID)
	}
	if e.recorder != nil {
		if rerr := e.recorder.RecordScoreChange(ctx, result); rerr != nil {
			// Ledger unavailability degrades to a log line, never fails
			// the scoring path.
			logging.Ctx(ctx).Warn().Err(rerr).Str("user_id", userID).
				Msg("score change not recorded to ledger")
		}
	}
	return result, nil
}

func (e *Engine) recompute(ctx context.Context, userID string) (*ScoreResult, error) {
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()

	factors := []Factor{{Name: "baseline", Delta: models.BaselineScore}}
	target := models.BaselineScore

	if bonus := e.ageBonus(user, now); bonus > 0 {
		factors = append(factors, Factor{
			Name:   "account_age",
			Delta:  bonus,
			Detail: fmt.Sprintf("%d days old", user.AccountAgeDays(now)),
		})
		target += bonus
	}

	flagCount, err := e.riskFlags.CountActiveSince(ctx, userID, now.Add(-e.cfg.RiskFlagWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count risk flags: %w", err)
	}
	if flagCount > 0 {
		penalty := flagCount * e.cfg.RiskFlagPenalty
		factors = append(factors, Factor{
			Name:   "risk_flags",
			Delta:  -penalty,
			Detail: fmt.Sprintf("%d active in window", flagCount),
		})
		target -= penalty
	}

	active, err := e.anomalies.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active anomalies: %w", err)
	}
	var lastSignal time.Time
	for _, sev := range []models.Severity{
		models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical,
	} {
		count := 0
		for _, c := range active {
			if c.Severity == sev {
				count++
				if c.DetectedAt.After(lastSignal) {
					lastSignal = c.DetectedAt
				}
			}
		}
		if count == 0 {
			continue
		}
		penalty := count * e.severityPenalty(sev)
		factors = append(factors, Factor{
			Name:   "anomaly_" + string(sev),
			Delta:  -penalty,
			Detail: fmt.Sprintf("%d unresolved", count),
		})
		target -= penalty
	}
	target = models.ClampScore(target)

	// Downward moves apply immediately; recovery toward baseline is capped
	// at DecayRecoveryPerDay per quiet day since the last recomputation.
	score := target
	if target > user.TrustScore {
		quiet := e.quietDays(user, lastSignal, now)
		allowed := user.TrustScore + quiet*e.cfg.DecayRecoveryPerDay
		if allowed < target {
			score = allowed
			factors = append(factors, Factor{
				Name:   "recovery_limit",
				Delta:  score - target,
				Detail: fmt.Sprintf("%d quiet days", quiet),
			})
		}
	}
	score = models.ClampScore(score)

	weekly := e.weeklyScore(active, now)
	if err := e.users.SaveScore(ctx, userID, score, weekly, now); err != nil {
		return nil, err
	}

	return &ScoreResult{
		UserID:    userID,
		Score:     score,
		Delta:     score - user.TrustScore,
		RiskLevel: models.RiskLevelFor(score),
		Factors:   factors,
		ScoredAt:  now,
	}, nil
}

func (e *Engine) ageBonus(user *models.User, now time.Time) int {
	if e.cfg.AccountAgeBonusDays <= 0 {
		return 0
	}
	bonus := user.AccountAgeDays(now) / e.cfg.AccountAgeBonusDays
	if bonus > e.cfg.AccountAgeBonusCap {
		bonus = e.cfg.AccountAgeBonusCap
	}
	return bonus
}

func (e *Engine) severityPenalty(sev models.Severity) int {
	switch sev {
	case models.SeverityCritical:
		return e.cfg.PenaltyCritical
	case models.SeverityHigh:
		return e.cfg.PenaltyHigh
	case models.SeverityMedium:
		return e.cfg.PenaltyMedium
	default:
		return e.cfg.PenaltyLow
	}
}

// quietDays counts whole days with no new negative signal, bounded below by
// the last scoring pass so repeated recomputations in one day grant nothing.
func (e *Engine) quietDays(user *models.User, lastSignal, now time.Time) int {
	since := user.LastScoredAt
	if since.IsZero() {
		since = user.CreatedAt
	}
	if lastSignal.After(since) {
		since = lastSignal
	}
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return int(now.Sub(since).Hours() / 24)
}

// weeklyScore is the score considering only anomalies detected in the last
// seven days, used by dashboards as a short-horizon trust signal.
func (e *Engine) weeklyScore(active []models.AnomalyCandidate, now time.Time) int {
	cutoff := now.Add(-7 * 24 * time.Hour)
	score := models.BaselineScore
	for _, c := range active {
		if c.DetectedAt.Before(cutoff) {
			continue
		}
		score -= e.severityPenalty(c.Severity)
	}
	return models.ClampScore(score)
}

// BatchResult summarizes a full-population recomputation pass.
type BatchResult struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// RecomputeAll recomputes every known user. One user's failure never aborts
// the pass; failures are counted and logged.
func (e *Engine) RecomputeAll(ctx context.Context) (*BatchResult, error) {
	start := time.Now()
	ids, err := e.users.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	result := &BatchResult{}
	for _, id := range ids {
		if ctx.Err() != nil {
			result.Duration = time.Since(start)
			return result, ctx.Err()
		}
		if _, err := e.Recompute(ctx, id, "scheduled"); err != nil {
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
