// Package server wires the HTTP surfaces of the control plane: collector
// ingest and command endpoints, operator command and audit routes, and the
// health and metrics handlers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hashsentry/hashsentry/pkg/authz"
	"github.com/hashsentry/hashsentry/pkg/command"
	"github.com/hashsentry/hashsentry/pkg/health"
	"github.com/hashsentry/hashsentry/pkg/ingest"
	"github.com/hashsentry/hashsentry/pkg/log"
	"github.com/hashsentry/hashsentry/pkg/metrics"
	"github.com/hashsentry/hashsentry/pkg/storage"
)

// Config bounds the HTTP server.
type Config struct {
	Addr               string
	MaxPayloadSize     int64
	MaxMinersPerUpload int
	LongPollWait       time.Duration // server-side hold on pending commands
}

// Server hosts the router and its dependencies.
type Server struct {
	cfg      Config
	store    storage.Store
	commands *command.Service
	authz    authz.Authorizer
	logger   zerolog.Logger

	http *http.Server
}

// New assembles the router.
func New(cfg Config, store storage.Store, commands *command.Service, limiter ingest.RateLimiter, hs *health.Server, az authz.Authorizer) *Server {
	if cfg.LongPollWait <= 0 {
		cfg.LongPollWait = 25 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		commands: commands,
		authz:    az,
		logger:   log.WithComponent("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	upload := ingest.NewUploadHandler(store, ingest.Config{
		MaxPayloadSize:     cfg.MaxPayloadSize,
		MaxMinersPerUpload: cfg.MaxMinersPerUpload,
	})

	r.Route("/collector", func(r chi.Router) {
		r.Use(ingest.Authenticate(store))
		r.With(ingest.RateLimit(limiter)).Method(http.MethodPost, "/upload", upload)
		r.Get("/commands/pending", s.handlePendingCommands)
		r.Post("/commands/{id}/result", s.handleCommandResult)
	})

	r.Route("/commands", func(r chi.Router) {
		r.Use(operatorAuth)
		r.Post("/", s.handleCreateCommand)
		r.Get("/{id}", s.handleGetCommand)
		r.Post("/{id}/approve", s.handleApproveCommand)
		r.Post("/{id}/cancel", s.handleCancelCommand)
	})

	r.With(operatorAuth).Get("/audit/verify", s.handleAuditVerify)
	r.Method(http.MethodGet, "/health", hs)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.LongPollWait + 10*time.Second, // long-poll headroom
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections within the context deadline. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
