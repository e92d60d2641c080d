package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/briefly/app/persistence"
	"github.com/umputun/briefly/app/service"
)

// JobResponse is the JSON representation of a job, unset values are null
type JobResponse struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Status      string           `json:"status"`
	CreatedAt   string           `json:"created_at"`
	StartedAt   *string          `json:"started_at"`
	CompletedAt *string          `json:"completed_at"`
	Progress    persistence.Blob `json:"progress"`
	Input       persistence.Blob `json:"input"`
	Output      persistence.Blob `json:"output"`
	Error       *string          `json:"error"`
	Source      string           `json:"source"`
}

// CreateJobRequest is the body of POST /api/jobs
type CreateJobRequest struct {
	Type   string           `json:"type"`
	Params persistence.Blob `json:"params"`
}

// CreateJobResponse is returned by POST /api/jobs
type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// toJobResponse converts persistence.Job to JobResponse
func toJobResponse(job persistence.Job) JobResponse {
	fmtTime := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		res := t.UTC().Format(time.RFC3339Nano)
		return &res
	}
	return JobResponse{
		ID:          job.ID,
		Type:        job.Type.String(),
		Status:      job.Status.String(),
		CreatedAt:   job.CreatedAt.UTC().Format(time.RFC3339Nano),
		StartedAt:   fmtTime(job.StartedAt),
		CompletedAt: fmtTime(job.CompletedAt),
		Progress:    job.Progress,
		Input:       job.Input,
		Output:      job.Output,
		Error:       job.Error,
		Source:      job.Source.String(),
	}
}

// handleCreateJob creates a pending job and hands it to the workflow engine or local runner
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	jobType, err := persistence.ParseType(req.Type)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Params == nil {
		req.Params = persistence.Blob{}
	}

	delegate := s.delegator != nil && s.delegator.Enabled()
	source := persistence.SourceLocal
	if delegate {
		source = persistence.SourceExternal
	}

	job, err := s.svc.Create(r.Context(), service.CreateRequest{Type: jobType, Input: req.Params, Source: source})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	switch {
	case delegate:
		s.delegator.Dispatch(job)
	case s.runner != nil:
		go s.runner(context.WithoutCancel(r.Context()), job)
	default:
		log.Printf("[DEBUG] job %s has no executor, stays pending", job.ID)
	}

	s.writeJSON(w, http.StatusOK, CreateJobResponse{JobID: job.ID, Status: job.Status.String()})
}

// handleGetJob returns job by id
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleActiveJob returns the most recent pending or running job, used by clients to reconnect
func (s *Server) handleActiveJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetActive(r.Context())
	if errors.Is(err, persistence.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "no active job")
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleListJobs returns recent jobs, newest first. Supports limit and status query params.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var req persistence.ListRequest
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = limit
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status, err := persistence.ParseStatus(v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Status = status
	}

	jobs, err := s.svc.ListRecent(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toJobResponse(job))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleWaitJob blocks until the job is terminal or timeout (default 30s, capped by maxWait) expires
func (s *Server) handleWaitJob(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := parseTimeout(v)
		if err != nil || d <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}
	timeout = min(timeout, s.maxWait)

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	job, err := s.svc.Wait(ctx, r.PathValue("id"), s.waitInterval)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleCancelJob cancels pending or running job, cancelling a finished job is a no-op
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.Cancel(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// parseTimeout accepts go duration ("10s", "1m") or number of seconds
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}
