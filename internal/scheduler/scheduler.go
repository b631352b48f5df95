// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package scheduler runs the periodic jobs: population detectors hourly,
// full score recomputation daily, statistics rollup daily, and anomaly
// expiry. Every run produces a structured JobResult for health logging.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/detection"
	"github.com/krellis/trustgate/internal/ledger"
	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/pipeline"
)

// JobResult is what every periodic job reports.
type JobResult struct {
	Job      string         `json:"job"`
	Success  bool           `json:"success"`
	Counts   map[string]int `json:"counts,omitempty"`
	Duration time.Duration  `json:"duration"`
	Err      error          `json:"-"`
}

// Job names, also the ledger's job/actor identifiers.
const (
	JobPopulationDetectors = "population-detectors"
	JobRecomputeAll        = "recompute-all"
	JobDailyRollup         = ledger.RollupJob
	JobAnomalyExpiry       = "anomaly-expiry"
)

// Scheduler owns the gocron instance. It implements suture.Service.
type Scheduler struct {
	cfg       config.SchedulerConfig
	pipe      *pipeline.Pipeline
	anomalies detection.CandidateStore
	roller    *ledger.Roller
	auditor   ExpiryAuditor

	now func() time.Time
}

// ExpiryAuditor records auto-expired anomalies on the ledger. Satisfied by
// ledger.Recorder through a small wrapper; nil disables it.
type ExpiryAuditor interface {
	RecordExpiry(ctx context.Context, expired int64) error
}

// New wires the scheduler. auditor may be nil.
func New(cfg config.SchedulerConfig, pipe *pipeline.Pipeline, anomalies detection.CandidateStore, roller *ledger.Roller, auditor ExpiryAuditor) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		pipe:      pipe,
		anomalies: anomalies,
		roller:    roller,
		auditor:   auditor,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNow injects the clock. Tests only.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

// Serve starts the gocron jobs and blocks until ctx is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) *JobResult
	}{
		{JobPopulationDetectors, s.cfg.PopulationInterval, s.RunPopulationDetectors},
		{JobRecomputeAll, s.cfg.RecomputeInterval, s.RunRecomputeAll},
		{JobDailyRollup, s.cfg.RollupInterval, s.RunDailyRollup},
		{JobAnomalyExpiry, s.cfg.RecomputeInterval, s.RunAnomalyExpiry},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		run := j.run
		if _, err := sched.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() { s.observe(run(ctx)) }),
		); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	sched.Start()
	logging.Info().Int("jobs", len(jobs)).Msg("scheduler started")
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("shut down scheduler: %w", err)
	}
	return ctx.Err()
}

func (s *Scheduler) observe(r *JobResult) {
	metrics.RecordJobRun(r.Job, r.Duration, r.Err)
	event := logging.Info()
	if r.Err != nil {
		event = logging.Error().Err(r.Err)
	}
	event.Str("job", r.Job).
		Bool("success", r.Success).
		Dur("duration", r.Duration).
		Interface("counts", r.Counts).
		Msg("job finished")
}

// RunPopulationDetectors executes the cross-user detectors once.
func (s *Scheduler) RunPopulationDetectors(ctx context.Context) *JobResult {
	start := time.Now()
	candidates, err := s.pipe.RunPopulationDetectors(ctx)
	return &JobResult{
		Job:      JobPopulationDetectors,
		Success:  err == nil,
		Counts:   map[string]int{"candidates": candidates},
		Duration: time.Since(start),
		Err:      err,
	}
}

// RunRecomputeAll re-scores and re-flags every user, applying decay
// recovery for users whose anomalies have cleared.
func (s *Scheduler) RunRecomputeAll(ctx context.Context) *JobResult {
	start := time.Now()
	batch, err := s.pipe.RecomputeAll(ctx)
	result := &JobResult{
		Job:      JobRecomputeAll,
		Success:  err == nil,
		Duration: time.Since(start),
		Err:      err,
	}
	if batch != nil {
		result.Counts = map[string]int{"processed": batch.Processed, "failed": batch.Failed}
		if batch.Failed > 0 {
			result.Success = false
		}
	}
	return result
}

// RunDailyRollup aggregates yesterday-to-now statistics for the current day.
func (s *Scheduler) RunDailyRollup(ctx context.Context) *JobResult {
	start := time.Now()
	stats, err := s.roller.Rollup(ctx, s.now())
	result := &JobResult{
		Job:      JobDailyRollup,
		Success:  err == nil,
		Duration: time.Since(start),
		Err:      err,
	}
	if stats != nil {
		result.Counts = map[string]int{
			"events":    int(stats.EventsProcessed),
			"anomalies": int(stats.AnomaliesDetected),
		}
	}
	return result
}

// RunAnomalyExpiry auto-resolves candidates older than the expiry window.
// Expired candidates stop penalizing scores on the next recompute.
func (s *Scheduler) RunAnomalyExpiry(ctx context.Context) *JobResult {
	start := time.Now()
	cutoff := s.now().Add(-s.cfg.AnomalyExpiry)
	expired, err := s.anomalies.ExpireBefore(ctx, cutoff, ledger.ExpiryActor)
	if err == nil && expired > 0 && s.auditor != nil {
		if aerr := s.auditor.RecordExpiry(ctx, expired); aerr != nil {
			logging.Ctx(ctx).Warn().Err(aerr).Msg("failed to record anomaly expiry")
		}
	}
	return &JobResult{
		Job:      JobAnomalyExpiry,
		Success:  err == nil,
		Counts:   map[string]int{"expired": int(expired)},
		Duration: time.Since(start),
		Err:      err,
	}
}
