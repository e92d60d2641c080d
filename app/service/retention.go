package service

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
)

// Purger removes old terminal jobs
type Purger interface {
	Purge(ctx context.Context, age time.Duration) (int64, error)
}

// Retention runs purge of old jobs on cron schedule
type Retention struct {
	Purger   Purger
	Age      time.Duration // jobs older than this are removed, 0 disables retention
	Schedule string        // cron spec, e.g. "@every 1h"
}

// Run blocks until ctx is done
func (r *Retention) Run(ctx context.Context) error {
	if r.Age <= 0 {
		log.Printf("[INFO] job retention disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.Schedule, func() { r.purge(ctx) }); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", r.Schedule, err)
	}
	log.Printf("[INFO] job retention %v, schedule %q", r.Age, r.Schedule)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Retention) purge(ctx context.Context) {
	if _, err := r.Purger.Purge(ctx, r.Age); err != nil {
		log.Printf("[WARN] failed to purge old jobs, %v", err)
	}
}
