package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/briefly/app/persistence"
)

//go:generate moq -out mocks/repeater.go -pkg mocks -skip-ensure -fmt goimports . Repeater
//go:generate moq -out mocks/job_failer.go -pkg mocks -skip-ensure -fmt goimports . JobFailer

// FailurePolicy defines what happens to a job if the workflow engine can't be triggered
type FailurePolicy string

// failure policies
const (
	FailureKeep FailurePolicy = "keep" // leave job pending
	FailureFail FailurePolicy = "fail" // fail job with delegation error
)

// ParseFailurePolicy converts string to FailurePolicy, empty string means keep
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case FailureKeep, FailureFail:
		return p, nil
	case "":
		return FailureKeep, nil
	}
	return "", fmt.Errorf("invalid delegation failure policy %q", s)
}

// DelegationError reports the workflow engine did not accept a job
type DelegationError struct {
	JobID string
	Err   error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation of job %s failed: %v", e.JobID, e.Err)
}

func (e *DelegationError) Unwrap() error { return e.Err }

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// JobFailer fails jobs, used by FailureFail policy
type JobFailer interface {
	Fail(ctx context.Context, id, errMsg string) error
}

// DelegatorParams for NewDelegator
type DelegatorParams struct {
	BaseURL     string // workflow engine base url, empty disables delegation
	WebhookPath string
	APIKey      string // sent as X-N8N-API-KEY if set
	Timeout     time.Duration
	Concurrency int // max in-flight triggers
	Repeater    Repeater
	OnFailure   FailurePolicy
	Failer      JobFailer
	Client      *http.Client
}

// Delegator hands jobs off to the external workflow engine. The engine reports back through the webhooks.
type Delegator struct {
	DelegatorParams
	group *syncs.SizedGroup
}

// triggerRequest is the body posted to the workflow engine
type triggerRequest struct {
	JobID  string           `json:"job_id"`
	Type   string           `json:"type"`
	Params persistence.Blob `json:"params"`
}

// NewDelegator makes delegator with defaults for missing params
func NewDelegator(p DelegatorParams) *Delegator {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 8
	}
	if p.Repeater == nil {
		p.Repeater = repeater.New(&strategy.Backoff{Repeats: 1, Duration: time.Second, Factor: 1})
	}
	if p.OnFailure == "" {
		p.OnFailure = FailureKeep
	}
	if p.Client == nil {
		p.Client = &http.Client{Timeout: p.Timeout}
	}
	return &Delegator{DelegatorParams: p, group: syncs.NewSizedGroup(p.Concurrency)}
}

// Enabled reports whether delegation is configured
func (d *Delegator) Enabled() bool {
	return d != nil && d.BaseURL != ""
}

// URL returns the workflow trigger url
func (d *Delegator) URL() string {
	return strings.TrimSuffix(d.BaseURL, "/") + "/" + strings.TrimPrefix(d.WebhookPath, "/")
}

// Dispatch triggers the workflow in background and returns immediately.
// Failure is logged and handled according to OnFailure policy.
func (d *Delegator) Dispatch(job persistence.Job) {
	d.group.Go(func(ctx context.Context) {
		err := d.Trigger(ctx, job)
		if err == nil {
			return
		}
		log.Printf("[WARN] %v", err)
		if d.OnFailure != FailureFail || d.Failer == nil {
			log.Printf("[WARN] job %s stays pending, workflow engine was not triggered", job.ID)
			return
		}
		failCtx, cancel := context.WithTimeout(ctx, d.Timeout)
		defer cancel()
		if e := d.Failer.Fail(failCtx, job.ID, "failed to trigger workflow: "+err.Error()); e != nil {
			log.Printf("[ERROR] can't fail job %s after delegation error, %v", job.ID, e)
		}
	})
}

// Trigger posts the job to the workflow engine, retried by Repeater. Returns *DelegationError on failure.
func (d *Delegator) Trigger(ctx context.Context, job persistence.Job) error {
	body, err := json.Marshal(triggerRequest{JobID: job.ID, Type: job.Type.String(), Params: job.Input})
	if err != nil {
		return &DelegationError{JobID: job.ID, Err: fmt.Errorf("can't marshal request: %w", err)}
	}

	err = d.Repeater.Do(ctx, func() error {
		return d.post(ctx, job.ID, body)
	})
	if err != nil {
		return &DelegationError{JobID: job.ID, Err: err}
	}
	return nil
}

// Shutdown waits for in-flight triggers
func (d *Delegator) Shutdown() {
	d.group.Wait()
}

func (d *Delegator) post(ctx context.Context, jobID string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.URL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("can't make request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.APIKey != "" {
		req.Header.Set("X-N8N-API-KEY", d.APIKey)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", d.URL(), err)
	}
	defer resp.Body.Close() //nolint

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("can't read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, d.URL(), strings.TrimSpace(string(data)))
	}

	var result struct {
		ExecutionID any `json:"executionId"`
	}
	if err := json.Unmarshal(data, &result); err == nil && result.ExecutionID != nil {
		log.Printf("[INFO] job %s delegated, execution %v", jobID, result.ExecutionID)
		return nil
	}
	log.Printf("[INFO] job %s delegated", jobID)
	return nil
}
