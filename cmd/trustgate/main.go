// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package main is the Trustgate server entry point.
//
// Startup order: configuration (koanf), logging (zerolog), DuckDB stores,
// detection engine, scoring engine, flag machine, ledger, delivery worker,
// pipeline, scheduler, websocket hub, HTTP API. Everything long-running is
// placed under a suture supervisor tree; SIGINT/SIGTERM cancel the tree's
// context for graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/krellis/trustgate/internal/api"
	"github.com/krellis/trustgate/internal/auth"
	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/delivery"
	"github.com/krellis/trustgate/internal/detection"
	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/flags"
	"github.com/krellis/trustgate/internal/ledger"
	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/pipeline"
	"github.com/krellis/trustgate/internal/scheduler"
	"github.com/krellis/trustgate/internal/scoring"
	"github.com/krellis/trustgate/internal/supervisor"
	"github.com/krellis/trustgate/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to trustgate.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "trustgate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("addr", cfg.Server.Addr()).Msg("starting trustgate")

	db, err := eventstore.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	events, err := eventstore.NewSQLStore(db, cfg.Ingest.DedupWindow, cfg.Ingest.DedupCapacity)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	users, err := eventstore.NewSQLUserStore(db)
	if err != nil {
		return fmt.Errorf("user store: %w", err)
	}
	candidates, err := detection.NewSQLCandidateStore(db)
	if err != nil {
		return fmt.Errorf("candidate store: %w", err)
	}
	riskFlags, err := scoring.NewSQLRiskFlagStore(db)
	if err != nil {
		return fmt.Errorf("risk flag store: %w", err)
	}
	history, err := flags.NewSQLHistoryStore(db)
	if err != nil {
		return fmt.Errorf("flag history store: %w", err)
	}
	ledgerStore, err := ledger.NewSQLStore(db)
	if err != nil {
		return fmt.Errorf("ledger store: %w", err)
	}
	statsStore, err := ledger.NewSQLStatsStore(db)
	if err != nil {
		return fmt.Errorf("stats store: %w", err)
	}
	deadLetters, err := delivery.NewSQLDeadLetterStore(db)
	if err != nil {
		return fmt.Errorf("dead letter store: %w", err)
	}

	recorder := ledger.NewRecorder(ledgerStore)
	latency := ledger.NewLatencySampler(0)

	engine := detection.NewEngine(candidates)
	registerDetectors(engine, cfg.Detectors)

	scores := scoring.NewEngine(users, candidates, riskFlags, cfg.Scoring)
	scores.SetRecorder(recorder)

	machine := flags.NewMachine(cfg.Flags, history)
	machine.SetRecorder(recorder)

	gate := flags.NewGatekeeper(history, users, cfg.Cache)
	scores.SetInvalidator(gate.Invalidate)
	machine.SetInvalidator(gate.Invalidate)

	bus := delivery.NewBus(1024)
	defer bus.Close()

	var pending delivery.PendingStore
	if cfg.Delivery.WALDir != "" {
		pending, err = delivery.OpenPendingStore(cfg.Delivery.WALDir)
		if err != nil {
			return fmt.Errorf("delivery WAL: %w", err)
		}
	} else {
		logging.Warn().Msg("delivery WAL disabled, pending deliveries will not survive restarts")
		pending = delivery.NewMemoryPendingStore()
	}
	defer pending.Close()

	worker := delivery.NewWorker(cfg.Delivery, delivery.NewHTTPSender(), pending, deadLetters)
	worker.SetAuditor(recorder)
	worker.AttachBus(bus)

	pipe := pipeline.New(pipeline.Deps{
		Users:      users,
		Events:     events,
		Detectors:  engine,
		Anomalies:  candidates,
		Scores:     scores,
		Machine:    machine,
		History:    history,
		Velocity:   flags.NewVelocityTracker(cfg.Velocity, cfg.Ingest.DedupCapacity),
		RiskFlags:  riskFlags,
		Auditor:    recorder,
		Publisher:  bus,
		Latency:    latency,
		Erasers:    []pipeline.Eraser{ledgerStore, deadLetters},
		Invalidate: gate.Invalidate,
	})

	roller := ledger.NewRoller(statsStore, ledgerStore, events, candidates, history, latency)
	sched := scheduler.New(cfg.Scheduler, pipe, candidates, roller, recorder)

	hub := ws.NewHub()
	hub.AttachBus(bus)

	var jwtManager *auth.Manager
	if cfg.Auth.Disabled {
		logging.Warn().Msg("authentication is DISABLED, all API requests are admitted")
	} else {
		jwtManager, err = auth.NewManager(&cfg.Auth)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	server := api.NewServer(cfg, jwtManager, api.Deps{
		Pipeline:    pipe,
		Gatekeeper:  gate,
		Users:       users,
		Anomalies:   candidates,
		DeadLetters: deadLetters,
		Redriver:    worker,
		Stats:       statsStore,
		History:     history,
		WSHandler:   ws.Handler(hub, cfg.Server.CORSOrigins),
	})

	tree := supervisor.NewTree(
		slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		supervisor.DefaultTreeConfig(),
	)
	tree.AddDeliveryService(worker)
	tree.AddMessagingService(hub)
	tree.AddAPIService(sched)
	tree.AddAPIService(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	logging.Info().Msg("trustgate stopped")
	return err
}

// registerDetectors wires all seven pattern detectors with their configured
// thresholds.
func registerDetectors(engine *detection.Engine, cfg config.DetectorConfig) {
	engine.Register(detection.NewClusterDetector(detection.ClusterConfig{
		Window:           cfg.Cluster.Window,
		SignupsPerIP:     cfg.Cluster.SignupsPerIP,
		SignupsPerDevice: cfg.Cluster.SignupsPerDevice,
		EscalateSize:     cfg.Cluster.EscalateSize,
	}))
	engine.Register(detection.NewActionVelocityDetector(detection.ActionVelocityConfig{
		Window:       cfg.ActionVelocity.Window,
		MaxPerWindow: cfg.ActionVelocity.MaxPerWindow,
	}))
	engine.Register(detection.NewReferralDiversityDetector(detection.ReferralDiversityConfig{
		Window:       cfg.ReferralDiversity.Window,
		MaxReferrals: cfg.ReferralDiversity.MaxReferrals,
		MinDiversity: cfg.ReferralDiversity.MinDiversity,
	}))
	engine.Register(detection.NewDuplicateContentDetector(detection.DuplicateContentConfig{
		Window:     cfg.DuplicateContent.Window,
		MaxUploads: cfg.DuplicateContent.MaxUploads,
	}))
	engine.Register(detection.NewLoginVelocityDetector(detection.LoginVelocityConfig{
		Window:   cfg.LoginVelocity.Window,
		MaxPerIP: cfg.LoginVelocity.MaxPerIP,
	}))
	engine.Register(detection.NewDeviceSwitchingDetector(detection.DeviceSwitchingConfig{
		Window:     cfg.DeviceSwitching.Window,
		MaxDevices: cfg.DeviceSwitching.MaxDevices,
	}))
	engine.Register(detection.NewFingerprintConfidenceDetector(detection.FingerprintConfidenceConfig{
		Floor: cfg.FingerprintConfidence.Floor,
	}))
}
