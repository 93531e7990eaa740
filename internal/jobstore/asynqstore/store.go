// Package asynqstore is a Redis-backed jobstore.Store built on hibiken/asynq.
//
// One-shot jobs go through asynq.Client with TaskID dedup; recurring
// registrations through asynq.Scheduler with Unique so a registration never has
// two live firings. Start/end bounds travel in the task envelope and are
// checked when the task is processed.
package asynqstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"chatfabric/internal/eventbus"
	"chatfabric/internal/jobstore"
	"chatfabric/internal/metrics"
	"chatfabric/pkg/logx"
)

type Config struct {
	Redis       asynq.RedisClientOpt
	Queue       string
	Concurrency int
	MaxAttempts int
	Backoff     jobstore.Backoff
	// UniqueTTL bounds how long a recurring firing holds its uniqueness lock.
	UniqueTTL time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = "fabric"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.UniqueTTL <= 0 {
		c.UniqueTTL = time.Hour
	}
	return c
}

type Store struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux

	mu      sync.Mutex
	repeats map[string]string // repeat key (scheduler entry id) -> job key
	byJob   map[string]string // job key -> repeat key
	stopped bool
}

// envelope wraps the caller payload with the data needed at process time.
type envelope struct {
	Payload []byte     `json:"p,omitempty"`
	JobKey  string     `json:"k,omitempty"`
	StartAt *time.Time `json:"s,omitempty"`
	EndAt   *time.Time `json:"e,omitempty"`
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Store {
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.Component("jobstore"), logx.String("driver", "asynq"))
	s := &Store{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		client:  asynq.NewClient(cfg.Redis),
		mux:     asynq.NewServeMux(),
		repeats: map[string]string{},
		byJob:   map[string]string{},
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	s.server = asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		RetryDelayFunc: func(n int, err error, _ *asynq.Task) time.Duration {
			rngMu.Lock()
			defer rngMu.Unlock()
			return cfg.Backoff.Delay(n, err, rng)
		},
		Logger: asynqLogger{log},
	})
	s.scheduler = asynq.NewScheduler(cfg.Redis, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   asynqLogger{log},
	})
	return s
}

func (s *Store) Handle(name string, h jobstore.Handler) {
	s.mux.HandleFunc(name, func(ctx context.Context, t *asynq.Task) error {
		return s.process(ctx, name, t, h)
	})
}

func (s *Store) process(ctx context.Context, name string, t *asynq.Task, h jobstore.Handler) error {
	var env envelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil {
		return fmt.Errorf("decode envelope: %v: %w", err, asynq.SkipRetry)
	}
	now := time.Now()
	bounds := jobstore.Repeat{StartAt: env.StartAt, EndAt: env.EndAt}
	if !bounds.Within(now) {
		s.log.Debug("firing outside schedule bounds; skipped", logx.String("job", name), logx.String("job_key", env.JobKey))
		return nil
	}

	id, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	d := &jobstore.Delivery{
		ID:           id,
		Name:         name,
		Payload:      env.Payload,
		Attempt:      retried + 1,
		RepeatJobKey: s.keyForJob(env.JobKey),
		FiredAt:      now,
	}

	err := h(ctx, d)
	switch {
	case err == nil:
		metrics.JobOutcome(name, "ok")
		return nil
	case jobstore.IsNoRetry(err):
		s.failed(name, id, d.Attempt, err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		if retried >= maxRetry {
			s.failed(name, id, d.Attempt, err)
		} else {
			metrics.JobOutcome(name, "retry")
		}
		return err
	}
}

func (s *Store) failed(name, id string, attempts int, err error) {
	metrics.JobOutcome(name, "failed")
	s.log.Warn("job failed", logx.String("job", name), logx.String("id", id), logx.Int("attempts", attempts), logx.Err(err))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.JobFailed,
		Data: jobstore.FailedEvent{ID: id, Name: name, Attempts: attempts, Error: err.Error()},
	})
}

func (s *Store) keyForJob(jobKey string) string {
	if jobKey == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byJob[jobKey]
}

func (s *Store) Start(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := s.scheduler.Start(); err != nil {
		s.server.Shutdown()
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	s.log.Info("job store started", logx.String("queue", s.cfg.Queue), logx.Int("concurrency", s.cfg.Concurrency))
	return nil
}

func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.scheduler.Shutdown()
		s.server.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.client.Close()
}

func (s *Store) Enqueue(ctx context.Context, name string, payload []byte, opts jobstore.Options) (jobstore.Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return jobstore.Job{}, jobstore.ErrEmptyName
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return jobstore.Job{}, jobstore.ErrStopped
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	if opts.Repeat != nil {
		return s.register(name, payload, opts, maxAttempts)
	}

	body, err := json.Marshal(envelope{Payload: payload})
	if err != nil {
		return jobstore.Job{}, err
	}
	taskOpts := []asynq.Option{asynq.Queue(s.cfg.Queue), asynq.MaxRetry(maxAttempts - 1)}
	if id := strings.TrimSpace(opts.JobID); id != "" {
		taskOpts = append(taskOpts, asynq.TaskID(id))
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}
	info, err := s.client.EnqueueContext(ctx, asynq.NewTask(name, body), taskOpts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return jobstore.Job{ID: opts.JobID, Name: name, Duplicate: true}, nil
	}
	if err != nil {
		return jobstore.Job{}, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return jobstore.Job{ID: info.ID, Name: name}, nil
}

func (s *Store) register(name string, payload []byte, opts jobstore.Options, maxAttempts int) (jobstore.Job, error) {
	rep := *opts.Repeat
	if _, err := rep.Schedule(); err != nil {
		return jobstore.Job{}, err
	}
	jobID := strings.TrimSpace(opts.JobID)
	if jobID == "" {
		jobID = name
	}
	jobKey := name + ":" + jobID

	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.byJob[jobKey]; ok {
		return jobstore.Job{ID: jobID, Name: name, RepeatJobKey: key, Duplicate: true}, nil
	}

	body, err := json.Marshal(envelope{Payload: payload, JobKey: jobKey, StartAt: rep.StartAt, EndAt: rep.EndAt})
	if err != nil {
		return jobstore.Job{}, err
	}
	entryID, err := s.scheduler.Register(rep.Spec(), asynq.NewTask(name, body),
		asynq.Queue(s.cfg.Queue),
		asynq.MaxRetry(maxAttempts-1),
		asynq.Unique(s.cfg.UniqueTTL),
	)
	if err != nil {
		return jobstore.Job{}, fmt.Errorf("register %s: %w", jobKey, err)
	}
	s.repeats[entryID] = jobKey
	s.byJob[jobKey] = entryID
	s.log.Info("repeatable registered", logx.String("job", name), logx.String("key", entryID), logx.String("spec", rep.Spec()))
	return jobstore.Job{ID: jobID, Name: name, RepeatJobKey: entryID}, nil
}

func (s *Store) RemoveRepeatable(ctx context.Context, key string) error {
	s.mu.Lock()
	jobKey, ok := s.repeats[key]
	if ok {
		delete(s.repeats, key)
		delete(s.byJob, jobKey)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.scheduler.Unregister(key); err != nil {
		return fmt.Errorf("unregister %s: %w", key, err)
	}
	s.log.Info("repeatable removed", logx.String("key", key))
	return nil
}

func (s *Store) RepeatableKeys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.repeats))
	for k := range s.repeats {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}

// asynqLogger routes asynq's internal logging through logx.
type asynqLogger struct{ log logx.Logger }

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
