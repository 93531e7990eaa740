// Package followup runs keyed one-shot actions after a delay.
//
// At most one job per id is live at a time: scheduling an id that is already
// pending is absorbed and the first timer and payload stay in place. A job is
// removed before its handler runs, so it executes exactly once whether it
// fires on its timer or is forced by Flush.
package followup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"chatfabric/internal/eventbus"
	"chatfabric/internal/metrics"
	"chatfabric/pkg/logx"
)

// Handler performs the deferred action for one payload.
type Handler func(ctx context.Context, payload any) error

// Tenanted payloads scope their lifecycle events to a tenant.
type Tenanted interface {
	TenantID() string
}

type Config struct {
	// HandlerTimeout bounds one timer-fired handler run (0 = unbounded).
	HandlerTimeout time.Duration
}

// FiredEvent is the Data of followup.fired and followup.failed events.
type FiredEvent struct {
	ID      string `json:"id"`
	Flushed bool   `json:"flushed,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Scheduler struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	jobs    map[string]*job
	seq     uint64
	stopped bool

	// inflight counts running handlers; idle is closed whenever it is zero.
	inflight int
	idle     chan struct{}
}

type job struct {
	id      string
	ver     uint64
	payload any
	h       Handler
	due     time.Time
	timer   *time.Timer
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if bus == nil {
		bus = eventbus.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		cfg:  cfg,
		log:  log.With(logx.Component("followup")),
		bus:  bus,
		jobs: map[string]*job{},
		idle: idle,
	}
}

// begin records n handlers as running. Callers hold s.mu.
func (s *Scheduler) begin(n int) {
	if n == 0 {
		return
	}
	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight += n
}

func (s *Scheduler) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
	}
}

// Schedule arms a one-shot timer for id. It reports false when a job with the
// same id is already pending (nothing changes), when id or h is empty, or
// after Stop.
func (s *Scheduler) Schedule(id string, delay time.Duration, payload any, h Handler) bool {
	id = strings.TrimSpace(id)
	if id == "" || h == nil {
		s.log.Warn("follow-up rejected: id and handler are required", logx.String("id", id))
		return false
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.log.Debug("follow-up rejected after stop", logx.String("id", id))
		return false
	}
	if _, ok := s.jobs[id]; ok {
		metrics.FollowUps.WithLabelValues("duplicate").Inc()
		s.log.Debug("follow-up already pending", logx.String("id", id))
		return false
	}

	s.seq++
	j := &job{id: id, ver: s.seq, payload: payload, h: h, due: time.Now().Add(delay)}
	ver := j.ver
	j.timer = time.AfterFunc(delay, func() { s.fire(id, ver) })
	s.jobs[id] = j
	metrics.FollowUps.WithLabelValues("scheduled").Inc()
	s.log.Debug("follow-up scheduled", logx.String("id", id), logx.Duration("delay", delay))
	return true
}

func (s *Scheduler) fire(id string, ver uint64) {
	s.mu.Lock()
	j := s.jobs[id]
	// Canceled, flushed or replaced since this timer was armed.
	if j == nil || j.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, id)
	s.begin(1)
	s.mu.Unlock()

	defer s.end()
	ctx := context.Background()
	if s.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		defer cancel()
	}
	_ = s.run(ctx, j, false)
}

func (s *Scheduler) run(ctx context.Context, j *job, flushed bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("follow-up handler panic",
				logx.String("id", j.id),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("follow-up %s panicked: %v", j.id, r)
		}
		s.finish(j, flushed, err)
	}()
	return j.h(ctx, j.payload)
}

func (s *Scheduler) finish(j *job, flushed bool, err error) {
	tenant := ""
	if t, ok := j.payload.(Tenanted); ok {
		tenant = t.TenantID()
	}
	ev := FiredEvent{ID: j.id, Flushed: flushed}
	if err != nil {
		ev.Error = err.Error()
		metrics.FollowUps.WithLabelValues("failed").Inc()
		s.log.Warn("follow-up failed", logx.String("id", j.id), logx.Bool("flushed", flushed), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.FollowUpFailed, Tenant: tenant, Data: ev})
		return
	}
	metrics.FollowUps.WithLabelValues("fired").Inc()
	s.log.Debug("follow-up fired", logx.String("id", j.id), logx.Bool("flushed", flushed))
	s.bus.Publish(eventbus.Event{Type: eventbus.FollowUpFired, Tenant: tenant, Data: ev})
}

// Cancel drops a pending job without running it.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	j.timer.Stop()
	delete(s.jobs, id)
	metrics.FollowUps.WithLabelValues("canceled").Inc()
	return true
}

func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Due reports when a pending job will fire.
func (s *Scheduler) Due(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false
	}
	return j.due, true
}

// Flush runs every pending job now, concurrently, and waits for them and for
// any timer-fired handler already in flight. Handler errors are joined.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := make([]*job, 0, len(s.jobs))
	for id, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, id)
		batch = append(batch, j)
	}
	s.begin(len(batch))
	idle := s.idle
	s.mu.Unlock()

	if len(batch) > 0 {
		s.log.Info("flushing follow-ups", logx.Int("count", len(batch)))
	}

	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, j := range batch {
		go func(j *job) {
			defer s.end()
			if err := s.run(ctx, j, true); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(j)
	}

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	errMu.Lock()
	defer errMu.Unlock()
	return errors.Join(errs...)
}

// Stop rejects new schedules, then flushes.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return s.Flush(ctx)
}
