package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/netsimlabs/netsim/pkg/models"
	"github.com/netsimlabs/netsim/pkg/sim"
)

type errorResponse struct {
	Error string `json:"error"`
}

type createResponse struct {
	SimIDs []string `json:"sim_ids"`
}

type statusResponse struct {
	SimID  string                  `json:"sim_id"`
	Status models.SimulationStatus `json:"status"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConcurrency):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// handleSimulate accepts a batch of topologies and creates one pending
// simulation per entry.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var requests []sim.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&requests); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	simIDs, err := s.cfg.Simulations.Create(r.Context(), requests)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createResponse{SimIDs: simIDs})
}

// lifecycleHandler adapts the pause/resume/stop/restart actions, which all
// share the same shape: one path id in, the updated aggregate out.
func (s *Server) lifecycleHandler(action string, fn func(ctx context.Context, simID string) (*models.Simulation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		simID := chi.URLParam(r, "id")
		updated, err := fn(r.Context(), simID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.log.Debug("lifecycle action applied", "action", action, "sim_id", simID)
		s.writeJSON(w, http.StatusOK, updated)
	}
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var cfg models.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	updated, err := s.cfg.Simulations.Edit(r.Context(), chi.URLParam(r, "id"), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSimulationData(w http.ResponseWriter, r *http.Request) {
	simulation, err := s.cfg.Simulations.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, simulation)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	simID := chi.URLParam(r, "id")
	status, err := s.cfg.Simulations.Status(r.Context(), simID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{SimID: simID, Status: status})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	page := models.CursorPaginationRequest{
		Cursor: r.URL.Query().Get("cursor"),
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "page_size must be a positive integer"})
			return
		}
		page.PageSize = size
	}
	if v := r.URL.Query().Get("with_total"); v != "" {
		withTotal, err := strconv.ParseBool(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "with_total must be a boolean"})
			return
		}
		page.WithTotal = withTotal
	}
	page.Normalize()

	listing, err := s.cfg.Simulations.List(r.Context(), page)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}
