// Package http serves the worker's operational endpoints: probes, event bus
// statistics, manual job runs and catalog cache flushes.
// Engine operations are not exposed here.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/coursehub/progress-engine/internal/infrastructure/messaging"
	"github.com/coursehub/progress-engine/internal/infrastructure/scheduler"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JobRunner is the part of the scheduler the server drives.
type JobRunner interface {
	ListJobs() []scheduler.JobInfo
	RunNow(ctx context.Context, name string) (scheduler.JobResult, error)
}

// StatsSource reports event bus counters.
type StatsSource interface {
	Stats() messaging.StatsSnapshot
}

// CacheFlusher drops every cached catalog course.
type CacheFlusher interface {
	InvalidateAll(ctx context.Context) (int, error)
}

// Dependencies are optional; a nil field disables its endpoint.
type Dependencies struct {
	Health       *HealthChecker
	Jobs         JobRunner
	Events       StatsSource
	CatalogCache CacheFlusher
	Logger       *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server is the operational HTTP server.
type Server struct {
	config Config
	deps   Dependencies
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a server and registers its routes.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = NewHealthChecker("")
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: deps.Logger.With("component", "http_server"),
	}
	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	if s.deps.Events != nil {
		mux.HandleFunc("GET /stats/events", s.handleEventStats)
	}
	if s.deps.Jobs != nil {
		mux.HandleFunc("GET /jobs", s.handleListJobs)
		mux.HandleFunc("POST /jobs/{name}/run", s.handleRunJob)
	}
	if s.deps.CatalogCache != nil {
		mux.HandleFunc("POST /cache/catalog/flush", s.handleFlushCatalog)
	}
	return s.recoveryMiddleware(s.loggingMiddleware(mux))
}

// StartAsync listens in a goroutine. The channel receives the listen error,
// if any, and is closed when the server stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.logger.Info("http server listening", "address", s.config.Address())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type eventStatsResponse struct {
	Published          map[string]int64 `json:"published"`
	TotalPublished     int64            `json:"total_published"`
	HandlerRuns        int64            `json:"handler_runs"`
	HandlerFailures    int64            `json:"handler_failures"`
	AverageHandlerTime string           `json:"average_handler_time"`
}

func (s *Server) handleEventStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Events.Stats()
	resp := eventStatsResponse{
		Published:          make(map[string]int64, len(snap.Published)),
		TotalPublished:     snap.TotalPublished,
		HandlerRuns:        snap.HandlerRuns,
		HandlerFailures:    snap.HandlerFailures,
		AverageHandlerTime: snap.AverageHandlerTime.String(),
	}
	for t, n := range snap.Published {
		resp.Published[string(t)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobResponse struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	RunCount    int64      `json:"run_count"`
	FailCount   int64      `json:"fail_count"`
	LastRun     *runResult `json:"last_run,omitempty"`
}

type runResult struct {
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Success   bool      `json:"success"`
	Manual    bool      `json:"manual"`
	Error     string    `json:"error,omitempty"`
}

func toRunResult(r scheduler.JobResult) *runResult {
	out := &runResult{
		StartedAt: r.StartedAt,
		Duration:  r.Duration.String(),
		Success:   r.Success,
		Manual:    r.Manual,
	}
	if r.Error != nil {
		out.Error = r.Error.Error()
	}
	return out
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	infos := s.deps.Jobs.ListJobs()
	jobs := make([]jobResponse, 0, len(infos))
	for _, info := range infos {
		j := jobResponse{
			Name:        info.Name,
			Description: info.Description,
			Schedule:    info.Schedule,
			RunCount:    info.RunCount,
			FailCount:   info.FailCount,
		}
		if !info.NextRun.IsZero() {
			next := info.NextRun
			j.NextRun = &next
		}
		if info.LastResult != nil {
			j.LastRun = toRunResult(*info.LastResult)
		}
		jobs = append(jobs, j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	result, err := s.deps.Jobs.RunNow(r.Context(), name)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeJSONError(w, http.StatusNotFound, "JOB_NOT_FOUND", fmt.Sprintf("job %q is not registered", name))
		return
	}
	s.logger.Info("job run manually", "job", name, "success", result.Success)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, toRunResult(result))
		return
	}
	writeJSON(w, http.StatusOK, toRunResult(result))
}

func (s *Server) handleFlushCatalog(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.CatalogCache.InvalidateAll(r.Context())
	if err != nil {
		s.logger.Error("catalog cache flush failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, "CACHE_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in http handler",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
