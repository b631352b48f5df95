// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krellis/trustgate/internal/auth"
	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/delivery"
	"github.com/krellis/trustgate/internal/detection"
	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/flags"
	"github.com/krellis/trustgate/internal/ledger"
	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/middleware"
	"github.com/krellis/trustgate/internal/pipeline"
)

// Redriver re-queues an exhausted delivery dead letter.
type Redriver interface {
	Redrive(ctx context.Context, deadLetterID, operator string) error
}

// Deps are the wired collaborators behind the HTTP handlers.
type Deps struct {
	Pipeline    *pipeline.Pipeline
	Gatekeeper  *flags.Gatekeeper
	Users       eventstore.UserStore
	Anomalies   detection.CandidateStore
	DeadLetters delivery.DeadLetterStore
	Redriver    Redriver
	Stats       ledger.StatsStore
	History     flags.HistoryStore
	WSHandler   http.HandlerFunc
}

// Server is the HTTP API. It implements suture.Service.
type Server struct {
	cfg  *config.Config
	d    Deps
	jwt  *auth.Manager
	now  func() time.Time
	http *http.Server
}

// NewServer builds the API server. jwtManager may be nil only when auth is
// disabled in config.
func NewServer(cfg *config.Config, jwtManager *auth.Manager, d Deps) *Server {
	s := &Server{cfg: cfg, d: d, jwt: jwtManager, now: time.Now}
	s.http = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// SetNow injects a clock for tests.
func (s *Server) SetNow(now func() time.Time) { s.now = now }

// Routes assembles the router. Health and metrics are unauthenticated;
// everything under /api/v1 requires a bearer token unless auth is disabled.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimit())
		r.Use(middleware.PrometheusMetrics)
		r.Use(auth.Middleware(s.jwt))

		// Mutating operator routes require the admin role; ingest tokens
		// only write events and read state.
		admin := auth.RequireRole(auth.RoleAdmin)

		r.Post("/events", s.handleIngestEvent)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/flag", s.handleUserFlag)
			r.Get("/score", s.handleUserScore)
			r.With(admin).Delete("/", s.handleEraseUser)
		})

		r.Route("/anomalies", func(r chi.Router) {
			r.Get("/", s.handleListAnomalies)
			r.With(admin).Post("/{anomalyID}/resolve", s.handleResolveAnomaly)
		})

		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.With(admin).Post("/{deadLetterID}/redrive", s.handleRedriveDeadLetter)
			r.With(admin).Post("/{deadLetterID}/resolve", s.handleResolveDeadLetter)
		})

		r.Route("/stats", func(r chi.Router) {
			r.Get("/daily", s.handleDailyStats)
			r.Get("/overview", s.handleStatsOverview)
		})
	})

	return r
}

func (s *Server) rateLimit() func(http.Handler) http.Handler {
	limit := s.cfg.Ingest.RateLimit
	window := s.cfg.Ingest.RateWindow
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.APIRateLimitHits.WithLabelValues(r.URL.Path).Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"error":{"code":"TOO_MANY_REQUESTS","message":"rate limit exceeded"}}`))
		}),
	)
}

// Serve implements suture.Service: it runs the HTTP listener until the
// context is cancelled, then drains within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.http.Addr).Msg("http server listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logging.Warn().Err(err).Msg("http shutdown did not drain cleanly")
		}
		return ctx.Err()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.d.WSHandler == nil {
		http.NotFound(w, r)
		return
	}
	s.d.WSHandler(w, r)
}
