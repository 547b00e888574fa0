// Package server exposes the worker's operational surface: health with rate
// limit usage, readiness, and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
	"github.com/AletheiaFact/ai-task-processor/pkg/ratelimit"
	"github.com/AletheiaFact/ai-task-processor/pkg/shutdown"
)

const serviceName = "ai-task-processor"

// Deps carries what the endpoints report on.
type Deps struct {
	Limiter   *ratelimit.Limiter
	RateLimit config.RateLimitConfig
	Shutdown  *shutdown.Coordinator
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server is the operational HTTP listener. It serves no task traffic; the
// worker pulls work, it never receives it.
type Server struct {
	httpServer *http.Server
	limiter    *ratelimit.Limiter
	rlCfg      config.RateLimitConfig
	coord      *shutdown.Coordinator
	log        *zap.Logger
}

func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		limiter: deps.Limiter,
		rlCfg:   deps.RateLimit,
		coord:   deps.Shutdown,
		log:     deps.Logger.Named("server"),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	router.Get("/health", s.handleHealth)
	router.Get("/ready", s.handleReady)
	router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(deps.Metrics.Gatherer(), promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routing surface for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Stop is called. A server closed by Stop is not an error.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("http server stopping")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports liveness plus the rate limiter's view of its budgets.
// A limiter whose store cannot be read degrades the report but keeps the
// endpoint answering: the worker itself is still alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":  "healthy",
		"service": serviceName,
	}
	limits := map[string]any{
		"enabled":  s.rlCfg.Enabled,
		"strategy": s.rlCfg.Strategy,
	}
	if s.limiter.Enabled() {
		snapshot, err := s.limiter.Snapshot(r.Context())
		if err != nil {
			s.log.Error("rate limit snapshot failed", zap.Error(err))
			health["status"] = "degraded"
		} else {
			limits["usage"] = snapshot
		}
	}
	health["rate_limiting"] = limits
	writeJSON(w, http.StatusOK, health)
}

// handleReady flips to 503 as soon as shutdown begins so load balancers stop
// probing a worker that is draining.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.coord.ShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requestLogger logs every request except the scrape endpoint, which would
// otherwise dominate the log volume.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
