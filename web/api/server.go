// Package api serves the orchestrator's status endpoints, result index,
// pause control, live events and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/resultstore"
	"github.com/hochfrequenz/pbt-orchestrator/internal/scheduler"
)

// SchedulerStatus is the read-only view of the completion scheduler
type SchedulerStatus interface {
	Health() []scheduler.BackendHealth
	QueueDepth(class domain.RequestClass) int
	Paused() bool
}

// Store interface for result lookups
type Store interface {
	ListResults(ctx context.Context, opts resultstore.ListOptions) ([]*resultstore.Record, error)
	GetResult(ctx context.Context, cutID string) (*resultstore.Record, error)
}

// Server is the HTTP API server
type Server struct {
	sched     SchedulerStatus
	store     Store
	pauseFile string
	addr      string
	mux       *http.ServeMux
	sseHub    *SSEHub
	logger    *zap.Logger
}

// NewServer creates a new API server. sched, store and pauseFile may be
// empty; the corresponding endpoints then report themselves unavailable.
func NewServer(sched SchedulerStatus, store Store, pauseFile, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sched:     sched,
		store:     store,
		pauseFile: pauseFile,
		addr:      addr,
		mux:       http.NewServeMux(),
		sseHub:    NewSSEHub(),
		logger:    logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/results", s.listResultsHandler())
	s.mux.HandleFunc("/api/results/", s.getResultHandler())
	s.mux.HandleFunc("/api/pause", s.pauseHandler(true))
	s.mux.HandleFunc("/api/resume", s.pauseHandler(false))
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx ends, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
