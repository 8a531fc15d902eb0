package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/raphaelgruber/embedctl/internal/connection"
	"github.com/raphaelgruber/embedctl/internal/models"
)

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Chunks []models.Chunk `json:"chunks"`
}

// SubmitResponse is returned by POST /jobs.
type SubmitResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Total  int              `json:"total_chunks"`
}

// ConnectionResponse reports the push channel state.
type ConnectionResponse struct {
	State connection.State `json:"state"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Healthy bool `json:"healthy"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	job, err := s.cmds.SubmitJob(r.Context(), req.Chunks, nil)
	if errors.Is(err, models.ErrInvalidChunks) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("job submitted", "job_id", job.ID, "chunks", len(req.Chunks))
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:  job.ID,
		Status: models.JobRunning,
		Total:  len(req.Chunks),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cmds.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.cmds.JobResult(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cmds.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	records, err := s.cmds.Jobs().History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []models.JobRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleConnectionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConnectionResponse{State: s.cmds.ConnectionState()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.cmds.Connect(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{State: s.cmds.ConnectionState()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.cmds.Disconnect(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{State: s.cmds.ConnectionState()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.cmds.Health(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{Healthy: healthy})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cmds.Metrics())
}
