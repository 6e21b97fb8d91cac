package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/httputil"
	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/leader"
)

type jobListResponse struct {
	Items []jobs.Job `json:"items"`
	Count int        `json:"count"` // number of items returned, not the total
}

type jobRecordsResponse struct {
	// Records holds every stored record for one job ID, oldest first. A job
	// that went through retry deferrals has one record per scheduled run.
	Records []jobs.Job `json:"records"`
	Count   int        `json:"count"`
}

type schedulerStatusResponse struct {
	Started bool `json:"started"`
	*leader.Status
}

// handleListJobs returns job records with optional status and type filters.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	jobType := r.URL.Query().Get("type")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	items, err := s.store.List(r.Context(), status, jobType, limit)
	if err != nil {
		if strings.Contains(err.Error(), "unknown status") {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, jobListResponse{
		Items: items,
		Count: len(items),
	})
}

// handleGetJob returns every record sharing one job ID.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid job id format")
		return
	}

	records, err := s.store.Find(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, jobRecordsResponse{
		Records: records,
		Count:   len(records),
	})
}

// handleRetryJob revives a parked failed job as pending, scheduled now.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid job id format")
		return
	}

	job, err := s.store.RetryNow(r.Context(), id, s.clock.Now())
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			httputil.WriteError(w, http.StatusNotFound, "job not found")
		case strings.Contains(err.Error(), "no parked failed record"),
			strings.Contains(err.Error(), "already revived"):
			httputil.WriteError(w, http.StatusConflict, err.Error())
		default:
			httputil.WriteError(w, http.StatusInternalServerError, "failed to retry job")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusOK, job)
}

// handleCancelJob marks a pending job cancelled.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid job id format")
		return
	}

	job, err := s.store.Cancel(r.Context(), id, s.clock.Now())
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			httputil.WriteError(w, http.StatusNotFound, "job not found")
		case strings.Contains(err.Error(), "no longer pending"),
			strings.Contains(err.Error(), "no pending record"):
			httputil.WriteError(w, http.StatusConflict, err.Error())
		default:
			httputil.WriteError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusOK, job)
}

// handleJobStats returns aggregate queue statistics.
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context(), s.clock.Now())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// handleSchedulerStatus reports whether this process runs a scheduler, whether
// it currently leads, and who holds the lock record.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	resp := schedulerStatusResponse{Status: &leader.Status{}}
	if s.status != nil {
		st, err := s.status.Status(r.Context())
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to read scheduler status")
			return
		}
		resp.Started = true
		resp.Status = st
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}
