// Package server exposes health, status, metrics and a manual poll trigger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"allegro-autoresponder/poll"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Poller runs a poll cycle on demand.
type Poller interface {
	ProcessOnce(ctx context.Context) (poll.CycleReport, error)
	Stats() poll.Stats
}

// Features mirrors the behaviour toggles reported by the status endpoint.
type Features struct {
	ProcessThreads  bool `json:"process_threads"`
	ProcessIssues   bool `json:"process_issues"`
	ReplyOnlyFirst  bool `json:"reply_only_first"`
	ReplyAfterHours bool `json:"reply_after_hours"`
}

// Server handles HTTP requests.
type Server struct {
	poller       Poller
	gatherer     prometheus.Gatherer
	limiter      *rate.Limiter
	logger       *slog.Logger
	env          string
	pollInterval time.Duration
	features     Features
}

// Config holds server configuration.
type Config struct {
	Poller       Poller
	Gatherer     prometheus.Gatherer // Defaults to prometheus.DefaultGatherer
	Logger       *slog.Logger
	Env          string
	PollInterval time.Duration
	Features     Features

	// Manual runs allowed per RunEvery, burst 1. Zero means every 10s.
	RunEvery time.Duration
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	every := cfg.RunEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	return &Server{
		poller:       cfg.Poller,
		gatherer:     gatherer,
		limiter:      rate.NewLimiter(rate.Every(every), 1),
		logger:       cfg.Logger,
		env:          cfg.Env,
		pollInterval: cfg.PollInterval,
		features:     cfg.Features,
	}
}

// Handler returns the routes served by the process.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/run-once", s.handleRunOnce)
	mux.HandleFunc("/pollz", s.handleRunOnce)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // A manual run can take several API round trips
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusResponse struct {
	Status       string            `json:"status"`
	Env          string            `json:"env"`
	PollInterval int               `json:"poll_interval"`
	Features     Features          `json:"features"`
	LastCycle    *poll.CycleReport `json:"last_cycle"`
	LastError    string            `json:"last_error,omitempty"`
	Runs         int               `json:"runs"`
	Failures     int               `json:"failures"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.poller.Stats()
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:       "ok",
		Env:          s.env,
		PollInterval: int(s.pollInterval / time.Second),
		Features:     s.features,
		LastCycle:    stats.LastCycle,
		LastError:    stats.LastError,
		Runs:         stats.Runs,
		Failures:     stats.Failures,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type runResponse struct {
	Ran    bool              `json:"ran"`
	RunID  string            `json:"run_id,omitempty"`
	Report *poll.CycleReport `json:"report,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		s.logger.Warn("Manual run rejected by rate limiter", "remote_addr", r.RemoteAddr)
		s.writeJSON(w, http.StatusTooManyRequests, runResponse{Error: "too many requests"})
		return
	}

	s.logger.Info("Manual run triggered", "path", r.URL.Path)

	// A client disconnect must not abort a cycle halfway through posting replies.
	report, err := s.poller.ProcessOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		s.logger.Error("Manual run failed", "run_id", report.ID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, runResponse{
			RunID:  report.ID,
			Report: &report,
			Error:  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, runResponse{Ran: true, RunID: report.ID, Report: &report})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
