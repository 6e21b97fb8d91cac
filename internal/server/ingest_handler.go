package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/companionmemory/compmem/internal/httputil"
	"github.com/companionmemory/compmem/internal/jobs"
)

type appendLogRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type scheduleRequest struct {
	JobType   string          `json:"job_type"`
	Payload   json.RawMessage `json:"payload"`
	When      *time.Time      `json:"when"`
	LogicalID string          `json:"logical_id"`
	Bucket    string          `json:"bucket"`
}

type scheduleResponse struct {
	Status string    `json:"status"` // scheduled or deduplicated
	Job    *jobs.Job `json:"job"`
}

// handleAppendLog stores one activity log line, stamped with the server's
// clock so clients never have to agree on time.
func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	var req appendLogRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	entry, err := s.logs.Append(r.Context(), req.UserID, req.Text, s.clock.Now())
	if err != nil {
		if strings.Contains(err.Error(), "must not be empty") {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store log entry")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, entry)
}

// handleScheduleJob exposes the scheduling API over HTTP. Omitting `when`
// schedules for immediate execution.
func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	when := s.clock.Now()
	if req.When != nil {
		when = *req.When
	}

	res, err := s.scheduler.Schedule(r.Context(), req.JobType, req.Payload, when, jobs.ScheduleOpts{
		LogicalID: req.LogicalID,
		Bucket:    req.Bucket,
	})
	if err != nil {
		if isScheduleRequestError(err) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to schedule job")
		return
	}

	if res.Deduped {
		httputil.WriteJSON(w, http.StatusOK, scheduleResponse{Status: "deduplicated", Job: res.Job})
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, scheduleResponse{Status: "scheduled", Job: res.Job})
}

// isScheduleRequestError reports whether a Schedule failure was caused by the
// request rather than the store.
func isScheduleRequestError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no handler registered") ||
		strings.Contains(msg, "must not") ||
		strings.Contains(msg, "payload") ||
		strings.Contains(msg, "is not a YYYY-MM-DD date")
}
