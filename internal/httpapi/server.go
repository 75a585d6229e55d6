// Package httpapi serves a read-only JSON view of a running daemon.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/execution"
	"github.com/msageha/cairn/internal/history"
)

// StatusSnapshot is the body of GET /status.
type StatusSnapshot struct {
	PID           int                       `json:"pid"`
	Root          string                    `json:"root"`
	StartedAt     time.Time                 `json:"started_at"`
	Paused        bool                      `json:"paused"`
	Reloads       int64                     `json:"reloads"`
	ReloadsFailed int64                     `json:"reloads_failed"`
	QueueLength   int                       `json:"queue_length"`
	Agents        int                       `json:"agents"`
	Limits        execution.LimiterSnapshot `json:"limits"`
}

// AgentInfo is one entry of GET /agents.
type AgentInfo struct {
	Code        string `json:"code"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Event       string `json:"event"`
	Pattern     string `json:"pattern,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	Executor    string `json:"executor"`
	OutputMode  string `json:"output_mode"`
	MaxParallel int    `json:"max_parallel"`
	TimeoutSec  int    `json:"timeout_sec"`
}

// Provider is implemented by the daemon.
type Provider interface {
	Status() StatusSnapshot
	Agents() []AgentInfo
	Running() []execution.View
	Recent(n int, agent string) ([]history.Entry, error)
}

type Server struct {
	provider Provider
	logger   zerolog.Logger
}

func NewServer(provider Provider, logger zerolog.Logger) *Server {
	return &Server{
		provider: provider,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Get("/agents", s.agents)
	r.Route("/executions", func(r chi.Router) {
		r.Get("/running", s.running)
		r.Get("/recent", s.recent)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("duration", time.Since(start)).Msg("http_request")
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.provider.Status())
}

func (s *Server) agents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.provider.Agents())
}

func (s *Server) running(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.provider.Running())
}

func (s *Server) recent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 20, 500)
	entries, err := s.provider.Recent(limit, r.URL.Query().Get("agent"))
	if err != nil {
		s.logger.Error().Err(err).Msg("history_read_failed")
		respondError(w, http.StatusInternalServerError, "HISTORY_UNAVAILABLE", err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}
