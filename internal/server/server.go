// Package server exposes health, metrics, the lifecycle event stream, queue
// administration and provider webhooks over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"distributor/internal/bus"
	"distributor/internal/domain"
	"distributor/internal/metrics"
	"distributor/internal/orchestrator"
)

// Webhook is a provider callback endpoint.
type Webhook interface {
	Path() string
	Register(mux *http.ServeMux)
}

// Config configures the HTTP server.
type Config struct {
	Addr         string
	AdminToken   string // admin endpoints are refused while empty
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Distribution
	Events       *bus.EventBus
	Webhooks     []Webhook
	Logger       *slog.Logger
}

// Server is the operational HTTP surface of the distributor.
type Server struct {
	addr       string
	adminToken string
	orch       *orchestrator.Orchestrator
	metrics    *metrics.Distribution
	hub        *eventHub
	webhooks   []Webhook
	logger     *slog.Logger
	server     *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = cfg.Orchestrator.Events()
	}
	s := &Server{
		addr:       cfg.Addr,
		adminToken: cfg.AdminToken,
		orch:       cfg.Orchestrator,
		metrics:    cfg.Metrics,
		webhooks:   cfg.Webhooks,
		logger:     cfg.Logger,
	}
	s.hub = newEventHub(cfg.Events, cfg.Logger)
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.HandleFunc("GET /metrics", s.handleMetrics)
	}
	mux.HandleFunc("GET /events", s.requireAdmin(s.hub.handleUpgrade))

	mux.HandleFunc("GET /admin/queue", s.requireAdmin(s.handleQueueStats))
	mux.HandleFunc("POST /admin/queue/pause", s.requireAdmin(s.handleQueuePause))
	mux.HandleFunc("POST /admin/queue/resume", s.requireAdmin(s.handleQueueResume))
	mux.HandleFunc("POST /admin/queue/clear", s.requireAdmin(s.handleQueueClear))

	for _, wh := range s.webhooks {
		wh.Register(mux)
		s.logger.Info("webhook mounted", "path", wh.Path())
	}
	return mux
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server started", "addr", "http://"+s.addr)

	go func() {
		<-ctx.Done()
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close detaches the event stream from the bus and disconnects its clients.
func (s *Server) Close() {
	s.hub.closeAll()
}

// requireAdmin checks a bearer token in constant time.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeJSON(rw, http.StatusForbidden, map[string]string{"error": "admin token not configured"})
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			rw.Header().Set("WWW-Authenticate", `Bearer realm="distributor"`)
			writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(rw, r)
	}
}

func (s *Server) handleLiveness(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.orch.Liveness())
}

func (s *Server) handleReadiness(rw http.ResponseWriter, r *http.Request) {
	if err := s.orch.Readiness(r.Context()); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	report := s.orch.ProviderHealth(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(rw, status, report)
}

func (s *Server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	if stats, err := s.orch.Queue().Stats(r.Context()); err == nil {
		s.metrics.SetQueueDepth(stats.Waiting, stats.Processing, stats.Delayed)
	}
	s.metrics.Collector().Handler()(rw, r)
}

func (s *Server) handleQueueStats(rw http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Queue().Stats(r.Context())
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	failed, err := s.orch.Queue().History(r.Context(), domain.JobFailed, 20)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"stats": stats, "recentFailures": failed})
}

func (s *Server) handleQueuePause(rw http.ResponseWriter, r *http.Request) {
	s.orch.Queue().Pause()
	writeJSON(rw, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleQueueResume(rw http.ResponseWriter, r *http.Request) {
	s.orch.Queue().Resume()
	writeJSON(rw, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleQueueClear(rw http.ResponseWriter, r *http.Request) {
	if err := s.orch.Queue().Clear(r.Context()); err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"cleared": true})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
