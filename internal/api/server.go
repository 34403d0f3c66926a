// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/logging"
	"github.com/claimradar/harvester/internal/orchestrator"
	"github.com/claimradar/harvester/internal/queue"
	"github.com/claimradar/harvester/internal/telemetry"
)

// SourceResolver answers whether a source name can be collected.
type SourceResolver interface {
	KnownSource(ctx context.Context, name string) bool
}

// ScheduleControl pauses and resumes named schedules.
type ScheduleControl interface {
	Resume(name string) error
	Pause(name string) error
	Names() map[string]bool
}

// Config tunes the HTTP server.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the queue, orchestrator, and scheduler.
type Server struct {
	router    chi.Router
	queue     *queue.Queue
	orch      *orchestrator.Orchestrator
	sources   SourceResolver
	schedules ScheduleControl
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(q *queue.Queue, orch *orchestrator.Orchestrator, sources SourceResolver, schedules ScheduleControl, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		queue:     q,
		orch:      orch,
		sources:   sources,
		schedules: schedules,
		logger:    logging.Component(logger, "api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/cycles", s.startCycle)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.listSchedules)
			r.Post("/{name}/start", s.startSchedule)
			r.Post("/{name}/stop", s.stopSchedule)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type cycleRequest struct {
	Source string `json:"source,omitempty"`
}

// startCycle triggers collection. An empty or "all" source runs a full
// planned cycle; a named source runs just that source. Responses carry the
// enqueued job IDs.
func (s *Server) startCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	if req.Source == "" || req.Source == "all" {
		result, err := s.orch.RunCycle(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "collection queue unavailable")
			return
		}
		writeJSON(w, http.StatusAccepted, result)
		return
	}

	if !s.sources.KnownSource(r.Context(), req.Source) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.Source))
		return
	}
	job, err := s.orch.RunSource(r.Context(), req.Source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "collection queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_ids": []string{job.ID},
		"sources": []string{req.Source},
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.queue.GetJob(jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.schedules.Names())
}

func (s *Server) startSchedule(w http.ResponseWriter, r *http.Request) {
	s.toggleSchedule(w, r, s.schedules.Resume)
}

func (s *Server) stopSchedule(w http.ResponseWriter, r *http.Request) {
	s.toggleSchedule(w, r, s.schedules.Pause)
}

func (s *Server) toggleSchedule(w http.ResponseWriter, r *http.Request, toggle func(string) error) {
	name := chi.URLParam(r, "name")
	if err := toggle(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"schedule": name, "status": "ok"})
}

type requestIDKey struct{}

// RequestID extracts the request ID set by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", RequestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		telemetry.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
