package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/graceos/grace/core/pkg/core"
)

// maxBodyBytes caps every request body read.
const maxBodyBytes = 1 << 20 // 1MB limit

// Await bounds. Zero would wait on the request context alone, which a
// proxy could hold open forever.
const (
	awaitDefault = 60 * time.Second
	awaitMax     = 10 * time.Minute
)

// Config carries the HTTP-surface settings.
type Config struct {
	// JWTHS256Key enables Bearer token verification when non-empty.
	JWTHS256Key []byte
	// RateRPS and RateBurst bound each actor's request rate.
	RateRPS   float64
	RateBurst int
	Logger    *slog.Logger
}

// Server is the control API. It talks to the components only through the
// core facade, so gate checks on reserved topics cannot be sidestepped.
type Server struct {
	core   *core.Core
	logger *slog.Logger
	auth   *ActorAuth
	limits *ActorRateLimiter
}

// NewServer wires the routes, identity middleware, and rate limiter.
func NewServer(c *core.Core, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 50
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 100
	}
	return &Server{
		core:   c,
		logger: logger.With("component", "api"),
		auth:   NewActorAuth(cfg.JWTHS256Key),
		limits: NewActorRateLimiter(rps, burst),
	}
}

// Close stops the rate limiter's sweeper.
func (s *Server) Close() {
	s.limits.Stop()
}

// Handler builds the full middleware chain. There is deliberately no
// route that appends to the log directly; every write goes through a
// component that stamps its own record.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/propose", s.handlePropose)
	mux.HandleFunc("/v1/executions", s.handleExecutions)
	mux.HandleFunc("/v1/approvals", s.handleApprovalsList)
	mux.HandleFunc("/v1/approvals/", s.handleApprovalsSub)
	mux.HandleFunc("/v1/publish", s.handlePublish)
	mux.HandleFunc("/v1/subscribe", s.handleSubscribe)
	mux.HandleFunc("/v1/replay", s.handleReplay)
	mux.HandleFunc("/v1/metrics", s.handleMetricRecord)
	mux.HandleFunc("/v1/metrics/batch", s.handleMetricBatch)
	mux.HandleFunc("/v1/domains/", s.handleDomain)
	mux.HandleFunc("/v1/readiness", s.handleReadiness)
	mux.HandleFunc("/v1/log/verify", s.handleLogVerify)
	mux.HandleFunc("/v1/log/range", s.handleLogRange)
	mux.HandleFunc("/health", s.handleHealth)

	return s.auth.Middleware(s.limits.Middleware(s.logRequests(mux)))
}

// logRequests logs after the handler returns. The writer is passed
// through untouched so streaming handlers keep their Flusher.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			"method", r.Method, "path", r.URL.Path,
			"actor", Actor(r.Context()), "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON bounds and parses the request body. It writes the problem
// response itself; callers just return on false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large",
				"Request body exceeds the 1 MiB limit")
			return false
		}
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
