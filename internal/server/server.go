// Package server exposes the orchestration service over HTTP alongside
// health probes and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/manuscript/internal/errors"
	"github.com/felixgeelhaar/manuscript/internal/health"
	"github.com/felixgeelhaar/manuscript/internal/log"
	"github.com/felixgeelhaar/manuscript/internal/orchestrator"
)

// maxBodyBytes bounds plan request bodies
const maxBodyBytes = 1 << 20

// Server serves the orchestration API.
type Server struct {
	httpServer      *http.Server
	service         *orchestrator.Service
	probeManager    *health.ProbeManager
	logger          *log.Logger
	inShutdown      atomic.Bool
	shutdownTimeout time.Duration
}

// Config holds server configuration.
type Config struct {
	// Address is the listen address (e.g., ":8080")
	Address string

	// ShutdownTimeout bounds connection draining. Defaults to 30 seconds.
	ShutdownTimeout time.Duration

	// ReadTimeout defaults to 10 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is unlimited by default because runs complete within
	// the request.
	WriteTimeout time.Duration

	// IdleTimeout defaults to 60 seconds.
	IdleTimeout time.Duration

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewServer wires the API, probe and metrics routes.
func NewServer(service *orchestrator.Service, probeManager *health.ProbeManager, logger *log.Logger, cfg Config) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = log.Discard()
	}

	s := &Server{
		service:         service,
		probeManager:    probeManager,
		logger:          logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.HandleFunc("GET /health/startup", s.handleStartup)
	mux.HandleFunc("GET /healthz", s.handleReadiness)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("POST /api/projects/{project}/executions/plan", s.handlePlan)
	mux.HandleFunc("GET /api/projects/{project}/artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("POST /api/plans/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/plans/{id}/run", s.handleRun)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/executions/{id}/collect", s.handleCollect)
	mux.HandleFunc("GET /api/executions/{id}", s.handleStatus)
	mux.HandleFunc("GET /api/executions/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /api/executions/{id}/audit", s.handleAudit)
	mux.HandleFunc("GET /api/executions/{id}/audit/verify", s.handleVerify)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.logRequests(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and marks startup complete.
func (s *Server) Serve(ln net.Listener) error {
	s.probeManager.MarkInitialized()
	s.logger.Info("server listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown fails readiness, stops keep-alives and drains connections
// within the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.probeManager.MarkShutdown()
	s.httpServer.SetKeepAlivesEnabled(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) IsShuttingDown() bool {
	return s.inShutdown.Load()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// errorBody is the JSON shape of every API error
type errorBody struct {
	Error       string   `json:"error"`
	Code        string   `json:"code,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// statusFor maps error codes to HTTP statuses. Running an unapproved plan
// is a client error rather than a conflict.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodePlanNotFound, errors.ErrCodeExecNotFound, errors.ErrCodeFileNotFound:
		return http.StatusNotFound
	case errors.ErrCodeExecNotApproved, errors.ErrCodeExecUnknownRunner, errors.ErrCodePlanInvalid:
		return http.StatusBadRequest
	case errors.ErrCodePlanFingerprintMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	var me *errors.ManuscriptError
	if stderrors.As(err, &me) {
		body.Error = me.Message
		if me.Cause != nil {
			body.Error += ": " + me.Cause.Error()
		}
		body.Code = string(me.Code)
		body.Suggestions = me.Suggestions
	}
	status := statusFor(errors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "error", err.Error())
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrap(errors.ErrCodePlanInvalid, "malformed request body", err)
	}
	return nil
}

func (s *Server) writeProbeResponse(w http.ResponseWriter, result *health.ProbeResult, unhealthyStatus int) {
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = unhealthyStatus
	}
	writeJSON(w, status, result)
}

// handleLiveness always answers 200, even during shutdown.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeProbeResponse(w, s.probeManager.CheckLiveness(r.Context()), http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.writeProbeResponse(w, s.probeManager.CheckReadiness(r.Context()), http.StatusServiceUnavailable)
}

func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	s.writeProbeResponse(w, s.probeManager.CheckStartup(r.Context()), http.StatusServiceUnavailable)
}
