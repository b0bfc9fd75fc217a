// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs for job submission, GET status/result, POST cancel.
//   - POST /v1/proxies for proxy ingestion and pool health.
//   - POST /v1/templates for template version uploads.
//   - /v1/domains/... for anti-bot detection state and resets.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sax3l/sparkling-owl-spin/internal/antibot"
	"github.com/sax3l/sparkling-owl-spin/internal/config"
	"github.com/sax3l/sparkling-owl-spin/internal/engine"
	"github.com/sax3l/sparkling-owl-spin/internal/extract"
	"github.com/sax3l/sparkling-owl-spin/internal/metrics"
	"github.com/sax3l/sparkling-owl-spin/internal/proxypool"
)

// JobScheduler is the slice of the scheduler the API needs.
type JobScheduler interface {
	Submit(ctx context.Context, job engine.Job) error
	Cancel(ctx context.Context, jobID string) error
}

// Stores bundles the read-side stores the handlers serve from.
type Stores struct {
	Jobs      engine.JobStore
	Attempts  engine.AttemptStore
	Results   engine.ResultStore
	Templates engine.TemplateStore
}

// Server wires HTTP handlers to the scheduler, stores, proxy pool and
// anti-bot engine.
type Server struct {
	router    chi.Router
	scheduler JobScheduler
	stores    Stores
	pool      *proxypool.Pool
	antibot   *antibot.Engine
	registry  *extract.Registry
	idGen     engine.IDGenerator
	clock     engine.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sched JobScheduler,
	stores Stores,
	pool *proxypool.Pool,
	ab *antibot.Engine,
	registry *extract.Registry,
	idGen engine.IDGenerator,
	clock engine.Clock,
	cfg config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		stores:    stores,
		pool:      pool,
		antibot:   ab,
		registry:  registry,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Post("/standard", s.submitStandardJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/proxies", func(r chi.Router) {
			r.Post("/", s.ingestProxies)
			r.Get("/health", s.poolHealth)
			r.Post("/{proxy_id}/deactivate", s.deactivateProxy)
		})
		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.putTemplate)
			r.Route("/{template_id}", func(r chi.Router) {
				r.Get("/", s.getTemplate)
			})
		})
		r.Route("/domains", func(r chi.Router) {
			r.Get("/", s.listDomains)
			r.Post("/{domain}/reset", s.resetDomain)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The job store answers a cheap read when its backend is reachable.
	if _, err := s.stores.Jobs.ListJobs(r.Context(), engine.JobStatusRunning); err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
