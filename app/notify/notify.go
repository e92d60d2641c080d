// Package notify delivers summaries of finished jobs to webhook destinations
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/umputun/briefly/app/persistence"
)

//go:generate moq -out mocks/sender.go -pkg mocks -skip-ensure -fmt goimports . Sender

// Sender delivers text to destination, implemented by notify.Webhook
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Params for NewService
type Params struct {
	Destinations []string // webhook urls
	Timeout      time.Duration
	Headers      []string // extra headers, "Key:Value"
}

// Service sends job summaries to all destinations
type Service struct {
	sender       Sender
	destinations []string
	host         string
}

// Summary is the json body posted for a finished job
type Summary struct {
	JobID       string     `json:"job_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Source      string     `json:"source"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Host        string     `json:"host,omitempty"`
}

// NewService makes notification service, returns nil if no destinations defined
func NewService(p Params) *Service {
	if len(p.Destinations) == 0 {
		return nil
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	headers := append([]string{"Content-Type:application/json"}, p.Headers...)
	host, _ := os.Hostname()
	res := &Service{
		sender:       notify.NewWebhook(notify.WebhookParams{Timeout: p.Timeout, Headers: headers}),
		destinations: p.Destinations,
		host:         host,
	}
	log.Printf("[INFO] job notifications enabled for %d destination(s)", len(p.Destinations))
	return res
}

// Notify sends summary of the job to every destination. All destinations are tried, errors are combined.
func (s *Service) Notify(ctx context.Context, job persistence.Job) error {
	body, err := json.Marshal(s.summary(job))
	if err != nil {
		return fmt.Errorf("can't marshal summary for job %s: %w", job.ID, err)
	}

	var errs []error
	for _, dest := range s.destinations {
		if err := s.sender.Send(ctx, dest, string(body)); err != nil {
			errs = append(errs, fmt.Errorf("destination %s: %w", dest, err))
			continue
		}
		log.Printf("[DEBUG] sent notification for job %s to %s", job.ID, dest)
	}
	return errors.Join(errs...)
}

func (s *Service) summary(job persistence.Job) Summary {
	res := Summary{
		JobID:       job.ID,
		Type:        job.Type.String(),
		Status:      job.Status.String(),
		Source:      job.Source.String(),
		CreatedAt:   job.CreatedAt.UTC(),
		CompletedAt: job.CompletedAt,
		Host:        s.host,
	}
	if job.Error != nil {
		res.Error = *job.Error
	}
	if job.CompletedAt != nil {
		start := job.CreatedAt
		if job.StartedAt != nil {
			start = *job.StartedAt
		}
		res.Duration = job.CompletedAt.Sub(start).Truncate(time.Millisecond).String()
	}
	return res
}
