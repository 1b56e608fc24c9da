package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
	"github.com/hochfrequenz/pbt-orchestrator/internal/pause"
	"github.com/hochfrequenz/pbt-orchestrator/internal/resultstore"
)

// BackendStatus is the API response for one backend's capacity
type BackendStatus struct {
	Name       string `json:"name"`
	Configured int    `json:"configured"`
	Live       int    `json:"live"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Paused     bool            `json:"paused"`
	Backends   []BackendStatus `json:"backends"`
	QueueDepth map[string]int  `json:"queue_depth"`
	Results    map[string]int  `json:"results"`
}

// PauseResponse reports the pause state after a change
type PauseResponse struct {
	Paused bool `json:"paused"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		status := StatusResponse{
			Backends:   []BackendStatus{},
			QueueDepth: make(map[string]int),
			Results:    make(map[string]int),
		}

		if s.sched != nil {
			status.Paused = s.sched.Paused()
			for _, h := range s.sched.Health() {
				status.Backends = append(status.Backends, BackendStatus{Name: h.Backend, Configured: h.Configured, Live: h.Live})
			}
			for _, class := range domain.AllRequestClasses {
				status.QueueDepth[string(class)] = s.sched.QueueDepth(class)
			}
		}

		if s.store != nil {
			records, err := s.store.ListResults(r.Context(), resultstore.ListOptions{})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			for _, rec := range records {
				status.Results[string(rec.Status)]++
			}
		}

		writeJSON(w, status)
	}
}

func (s *Server) listResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.store == nil {
			writeError(w, http.StatusServiceUnavailable, "result store not configured")
			return
		}

		opts := resultstore.ListOptions{
			Module: r.URL.Query().Get("module"),
			Status: domain.RunStatus(r.URL.Query().Get("status")),
		}
		records, err := s.store.ListResults(r.Context(), opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if records == nil {
			records = []*resultstore.Record{}
		}

		writeJSON(w, records)
	}
}

func (s *Server) getResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.store == nil {
			writeError(w, http.StatusServiceUnavailable, "result store not configured")
			return
		}

		// Extract CUT ID from path: /api/results/{module::name}
		id := strings.TrimPrefix(r.URL.Path, "/api/results/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "cut ID required")
			return
		}

		rec, err := s.store.GetResult(r.Context(), id)
		if errors.Is(err, resultstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, rec)
	}
}

func (s *Server) pauseHandler(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.pauseFile == "" {
			writeError(w, http.StatusServiceUnavailable, "pause file not configured")
			return
		}

		if err := pause.Write(s.pauseFile, paused); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("pause state changed", zap.Bool("paused", paused))

		resp := PauseResponse{Paused: paused}
		s.Broadcast(SSEEvent{Type: "pause", Data: resp})
		writeJSON(w, resp)
	}
}
