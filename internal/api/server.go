// Package api serves the chatbot over HTTP: a JSON chat endpoint, an
// OpenAI-compatible completions endpoint, a WebSocket chat, and the
// operational endpoints.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/youngjulesverne/rafael-chatbot/internal/agent"
	"github.com/youngjulesverne/rafael-chatbot/internal/buildinfo"
	"github.com/youngjulesverne/rafael-chatbot/internal/connwatch"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Runner is the orchestration loop as seen by the server.
type Runner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// HealthReporter reports the reachability of a dependency.
// *connwatch.Watcher satisfies it.
type HealthReporter interface {
	Status() connwatch.ServiceStatus
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	persona  string
	runner   Runner
	metrics  http.Handler
	health   []HealthReporter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	stats    *SessionStats
}

// SessionStats tracks token usage and turn counts since start.
type SessionStats struct {
	mu                sync.Mutex
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	TotalRequests     int64 `json:"total_requests"`
	CacheHits         int64 `json:"cache_hits"`
	Failures          int64 `json:"failures"`
}

// Record adds a finished turn.
func (s *SessionStats) Record(resp *agent.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalRequests++
	s.TotalInputTokens += int64(resp.InputTokens)
	s.TotalOutputTokens += int64(resp.OutputTokens)
	if resp.CacheHit {
		s.CacheHits++
	}
}

// RecordFailure counts a turn that ended in an error.
func (s *SessionStats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalRequests++
	s.Failures++
}

// SessionStatsSnapshot is a copy-safe snapshot of session stats.
type SessionStatsSnapshot struct {
	TotalInputTokens  int64             `json:"total_input_tokens"`
	TotalOutputTokens int64             `json:"total_output_tokens"`
	TotalRequests     int64             `json:"total_requests"`
	CacheHits         int64             `json:"cache_hits"`
	Failures          int64             `json:"failures"`
	Build             map[string]string `json:"build,omitempty"`
}

// Snapshot copies the counters.
func (s *SessionStats) Snapshot() SessionStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatsSnapshot{
		TotalInputTokens:  s.TotalInputTokens,
		TotalOutputTokens: s.TotalOutputTokens,
		TotalRequests:     s.TotalRequests,
		CacheHits:         s.CacheHits,
		Failures:          s.Failures,
	}
}

// NewServer creates a new API server. persona is the display name
// reported on the root endpoint.
func NewServer(address string, port int, persona string, runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		persona: persona,
		runner:  runner,
		logger:  logger,
		stats:   &SessionStats{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The chat UI may be served from anywhere; there is no
			// authentication to protect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetMetricsHandler exposes h on GET /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// AddHealthCheck includes r in the /health report. Any unready
// dependency marks the server degraded.
func (s *Server) AddHealthCheck(r HealthReporter) {
	s.health = append(s.health, r)
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	// OpenAI-compatible endpoints
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	mux.HandleFunc("GET /v1/session/stats", s.handleSessionStats)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server is
// shut down, returning http.ErrServerClosed in that case.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Turns can take several engine rounds.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// statusRecorder captures the response status for logging. It keeps
// Hijack reachable so WebSocket upgrades still work.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    s.persona,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status   string                    `json:"status"`
		Services []connwatch.ServiceStatus `json:"services,omitempty"`
	}{Status: "healthy"}
	for _, h := range s.health {
		st := h.Status()
		if !st.Ready {
			resp.Status = "degraded"
		}
		resp.Services = append(resp.Services, st)
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	snap.Build = buildinfo.BuildInfo()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, ErrorResponse{Error: message}, s.logger)
}
