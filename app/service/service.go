// Package service provides the job service, the only entry point other code uses to create and move jobs
// through their lifecycle. It also handles delegation to the external workflow engine and retention.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/google/uuid"

	"github.com/umputun/briefly/app/persistence"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// list limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ErrWaitTimeout returned by Wait if the job did not reach terminal state in time
var ErrWaitTimeout = errors.New("timeout waiting for job")

// Backend defines storage operations for job records. Implemented by persistence.SQLiteStore and
// persistence.PostgresStore, the service never branches on which one it holds.
type Backend interface {
	InitSchema(ctx context.Context) error
	InsertJob(ctx context.Context, job persistence.Job) error
	GetJob(ctx context.Context, id string) (persistence.Job, error)
	GetActiveJob(ctx context.Context) (persistence.Job, error)
	UpdateProgress(ctx context.Context, id string, progress persistence.Blob, ts time.Time) error
	CompleteJob(ctx context.Context, id string, output persistence.Blob, ts time.Time) error
	FailJob(ctx context.Context, id, errMsg string, ts time.Time) error
	CancelJob(ctx context.Context, id, reason string, ts time.Time) error
	ListRecent(ctx context.Context, req persistence.ListRequest) ([]persistence.Job, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Name() string
	Close() error
}

// Notifier gets jobs which just reached terminal state
type Notifier interface {
	Notify(ctx context.Context, job persistence.Job) error
}

// Service is the job façade. Construct once at startup with New and call Init before anything else.
type Service struct {
	backend       Backend
	notifier      Notifier
	notifications *syncs.SizedGroup
	nowFn         func() time.Time

	clockMu sync.Mutex
	lastTS  time.Time
}

// Params for New
type Params struct {
	Backend  Backend
	Notifier Notifier         // optional
	Now      func() time.Time // optional, time.Now by default
}

// CreateRequest defines a new job
type CreateRequest struct {
	Type   persistence.Type
	Input  persistence.Blob
	Source persistence.Source
}

// New makes job service on top of the given backend
func New(p Params) *Service {
	res := &Service{backend: p.Backend, notifier: p.Notifier, nowFn: p.Now, notifications: syncs.NewSizedGroup(4)}
	if res.nowFn == nil {
		res.nowFn = time.Now
	}
	return res
}

// Init creates storage schema. Must be called once before any other operation.
func (s *Service) Init(ctx context.Context) error {
	if err := s.backend.InitSchema(ctx); err != nil {
		return err
	}
	log.Printf("[INFO] job service initialized with %s backend", s.backend.Name())
	return nil
}

// BackendName returns the name of selected storage backend
func (s *Service) BackendName() string { return s.backend.Name() }

// Create makes a new pending job
func (s *Service) Create(ctx context.Context, req CreateRequest) (persistence.Job, error) {
	source := req.Source
	if source == "" {
		source = persistence.SourceLocal
	}
	job := persistence.Job{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Status:    persistence.StatusPending,
		CreatedAt: s.now(),
		Input:     req.Input,
		Source:    source,
	}
	if err := s.backend.InsertJob(ctx, job); err != nil {
		return persistence.Job{}, err
	}
	log.Printf("[INFO] created job %s of type %s (%s)", job.ID, job.Type, job.Source)
	return job, nil
}

// Get returns job by id
func (s *Service) Get(ctx context.Context, id string) (persistence.Job, error) {
	return s.backend.GetJob(ctx, id)
}

// GetActive returns the most recent pending or running job
func (s *Service) GetActive(ctx context.Context) (persistence.Job, error) {
	return s.backend.GetActiveJob(ctx)
}

// UpdateProgress replaces job progress and moves it to running. Callers are responsible for rate limiting.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress persistence.Blob) error {
	return s.guard(id, "update progress", s.backend.UpdateProgress(ctx, id, progress, s.now()))
}

// Complete marks job completed with output, nil output is stored as empty object
func (s *Service) Complete(ctx context.Context, id string, output persistence.Blob) error {
	if output == nil {
		output = persistence.Blob{}
	}
	if err := s.backend.CompleteJob(ctx, id, output, s.now()); err != nil {
		return s.guard(id, "complete", err)
	}
	log.Printf("[INFO] completed job %s", id)
	s.notify(ctx, id)
	return nil
}

// Fail marks job failed with error message
func (s *Service) Fail(ctx context.Context, id, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	if err := s.backend.FailJob(ctx, id, errMsg, s.now()); err != nil {
		return s.guard(id, "fail", err)
	}
	log.Printf("[WARN] failed job %s: %s", id, errMsg)
	s.notify(ctx, id)
	return nil
}

// Cancel marks job cancelled. Running work is not interrupted, later updates are ignored by the terminal guard.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	if err := s.backend.CancelJob(ctx, id, reason, s.now()); err != nil {
		return s.guard(id, "cancel", err)
	}
	log.Printf("[INFO] cancelled job %s: %s", id, reason)
	s.notify(ctx, id)
	return nil
}

// ListRecent returns recent jobs, newest first. Limit defaults to DefaultListLimit and capped by MaxListLimit.
func (s *Service) ListRecent(ctx context.Context, req persistence.ListRequest) ([]persistence.Job, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultListLimit
	}
	req.Limit = min(req.Limit, MaxListLimit)
	return s.backend.ListRecent(ctx, req)
}

// Wait blocks until the job reaches terminal state, checking every interval.
// Returns ErrWaitTimeout with the last seen job if ctx deadline is reached first.
func (s *Service) Wait(ctx context.Context, id string, interval time.Duration) (persistence.Job, error) {
	job, err := s.backend.GetJob(ctx, id)
	if err != nil || job.Status.IsTerminal() {
		return job, err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			latest, err := s.backend.GetJob(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					continue // reported by ctx.Done
				}
				return job, err
			}
			if job = latest; job.Status.IsTerminal() {
				return job, nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return job, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrWaitTimeout)
			}
			return job, ctx.Err()
		}
	}
}

// Purge removes terminal jobs created more than age ago
func (s *Service) Purge(ctx context.Context, age time.Duration) (int64, error) {
	n, err := s.backend.PurgeBefore(ctx, s.nowFn().UTC().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[INFO] purged %d jobs older than %v", n, age)
	}
	return n, nil
}

// Close waits for pending notifications and releases the backend
func (s *Service) Close() error {
	s.notifications.Wait()
	return s.backend.Close()
}

// guard turns already-terminal rejection into a no-op, everything else passes through unchanged
func (s *Service) guard(id, op string, err error) error {
	if errors.Is(err, persistence.ErrAlreadyTerminal) {
		log.Printf("[WARN] ignored %s for job %s, %v", op, id, err)
		return nil
	}
	return err
}

// notify sends terminal job to notifier in background, errors are logged only.
// The caller's cancellation is dropped, a finished webhook request must not abort delivery.
func (s *Service) notify(ctx context.Context, id string) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.notifications.Go(func(context.Context) {
		job, err := s.backend.GetJob(ctx, id)
		if err != nil {
			log.Printf("[WARN] can't load job %s for notification, %v", id, err)
			return
		}
		if err := s.notifier.Notify(ctx, job); err != nil {
			log.Printf("[WARN] failed to notify about job %s, %v", id, err)
		}
	})
}

// now returns strictly increasing timestamps with microsecond resolution,
// so creation order is preserved by both backends
func (s *Service) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	ts := s.nowFn().UTC().Truncate(time.Microsecond)
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = ts
	return ts
}
