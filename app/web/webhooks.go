package web

import (
	"fmt"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/invopop/jsonschema"

	"github.com/umputun/briefly/app/persistence"
)

// ProgressRequest is pushed by the workflow engine while a job runs
type ProgressRequest struct {
	JobID       string         `json:"job_id" jsonschema:"description=id of the job"`
	Step        string         `json:"step" jsonschema:"description=current step shown to the user"`
	StepDetail  string         `json:"step_detail,omitempty"`
	MediaStatus map[string]any `json:"media_status,omitempty" jsonschema:"description=per source status"`
	Current     *int           `json:"current,omitempty"`
	Total       *int           `json:"total,omitempty"`
}

// CompleteRequest is pushed by the workflow engine once a job is finished.
// Exactly one of result and error must be set.
type CompleteRequest struct {
	JobID  string           `json:"job_id"`
	Status string           `json:"status,omitempty" jsonschema:"enum=completed,enum=failed"`
	Result persistence.Blob `json:"result,omitempty"`
	Error  *string          `json:"error,omitempty"`
}

// validate checks required fields
func (p ProgressRequest) validate() error {
	if p.JobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrMalformedPayload)
	}
	if p.Step == "" {
		return fmt.Errorf("%w: step is required", ErrMalformedPayload)
	}
	return nil
}

// blob makes progress record, it replaces the previous one entirely
func (p ProgressRequest) blob() persistence.Blob {
	res := persistence.Blob{"step": p.Step}
	if p.StepDetail != "" {
		res["step_detail"] = p.StepDetail
	}
	if p.MediaStatus != nil {
		res["media_status"] = p.MediaStatus
	}
	if p.Current != nil {
		res["current"] = *p.Current
	}
	if p.Total != nil {
		res["total"] = *p.Total
	}
	return res
}

// validate checks required fields and that status, if set, agrees with result or error
func (c CompleteRequest) validate() error {
	if c.JobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrMalformedPayload)
	}
	hasResult, hasError := c.Result != nil, c.Error != nil
	if hasResult == hasError {
		return fmt.Errorf("%w: exactly one of result and error is required", ErrMalformedPayload)
	}
	switch c.Status {
	case "":
	case persistence.StatusCompleted.String():
		if !hasResult {
			return fmt.Errorf("%w: status completed requires result", ErrMalformedPayload)
		}
	case persistence.StatusFailed.String():
		if !hasError {
			return fmt.Errorf("%w: status failed requires error", ErrMalformedPayload)
		}
	default:
		return fmt.Errorf("%w: invalid status %q", ErrMalformedPayload, c.Status)
	}
	return nil
}

// handleProgress applies progress update pushed by the workflow engine
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if _, err := s.svc.Get(r.Context(), req.JobID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.svc.UpdateProgress(r.Context(), req.JobID, req.blob()); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	log.Printf("[DEBUG] progress for job %s: %s", req.JobID, req.Step)
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleComplete finishes job with result or error pushed by the workflow engine
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if _, err := s.svc.Get(r.Context(), req.JobID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var err error
	if req.Error != nil {
		err = s.svc.Fail(r.Context(), req.JobID, *req.Error)
	} else {
		err = s.svc.Complete(r.Context(), req.JobID, req.Result)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleWebhookSchema returns json schema of webhook payloads
func (s *Server) handleWebhookSchema(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]*jsonschema.Schema{
		"progress": jsonschema.Reflect(&ProgressRequest{}),
		"complete": jsonschema.Reflect(&CompleteRequest{}),
	})
}
