// Package jobstore defines the durable job store used for recurring campaigns
// and deferred work.
//
// Two implementations exist:
//   - memory: in-process (robfig/cron recurrences, timers, worker pool)
//   - asynqstore: Redis-backed via hibiken/asynq, shared across processes
//
// Both honour caller-supplied job ids for deduplication and never run two
// firings of the same recurring registration concurrently.
package jobstore

import (
	"context"
	"time"
)

// Store enqueues jobs and dispatches them to registered handlers.
type Store interface {
	// Enqueue adds a one-shot job (optionally delayed) or, when opts.Repeat is set,
	// a recurring registration. A live job with the same JobID is not added twice;
	// the existing one is returned with Duplicate set.
	Enqueue(ctx context.Context, name string, payload []byte, opts Options) (Job, error)
	// RemoveRepeatable cancels the recurring registration named by key.
	// Unknown keys are a no-op.
	RemoveRepeatable(ctx context.Context, key string) error
	// RepeatableKeys lists active recurring registrations.
	RepeatableKeys(ctx context.Context) ([]string, error)
	Handle(name string, h Handler)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Handler func(ctx context.Context, d *Delivery) error

// Delivery is one execution attempt of a job.
type Delivery struct {
	ID           string
	Name         string
	Payload      []byte
	Attempt      int
	RepeatJobKey string
	FiredAt      time.Time
}

type Options struct {
	JobID string
	Delay time.Duration
	// Repeat turns the job into a recurring registration.
	Repeat *Repeat
	// MaxAttempts overrides the store default (<=0 uses default).
	MaxAttempts int
}

type Job struct {
	ID           string
	Name         string
	RepeatJobKey string
	Duplicate    bool
}

// Event payload published on the bus when a job exhausts its attempts.
type FailedEvent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}
