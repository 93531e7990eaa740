// Package memory is an in-process jobstore.Store.
//
// Recurring registrations run on a single robfig/cron instance (each entry
// carries its own CRON_TZ), delayed jobs on timers, and execution on a bounded
// worker pool with exponential-backoff retries. State is lost on restart; the
// campaign scheduler re-registers schedules on boot.
package memory

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"chatfabric/internal/eventbus"
	"chatfabric/internal/jobstore"
	"chatfabric/internal/metrics"
	"chatfabric/pkg/logx"
)

type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     jobstore.Backoff
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

type Store struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	c *cron.Cron

	mu       sync.Mutex
	handlers map[string]jobstore.Handler
	live     map[string]*oneShot      // job id -> delayed/queued/running job
	repeats  map[string]*registration // repeat key -> registration
	byJob    map[string]string        // name+"\x00"+job id -> repeat key
	started  bool
	stopped  bool

	queue  chan *task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type oneShot struct {
	timer *time.Timer
}

type registration struct {
	key     string
	name    string
	jobID   string
	payload []byte
	repeat  jobstore.Repeat
	entryID cron.EntryID
	state   runState
}

type task struct {
	id          string
	name        string
	payload     []byte
	repeatKey   string
	maxAttempts int
	enqueuedAt  time.Time
	firedAt     time.Time
	done        func()
}

// runState gates a recurring registration to one in-flight firing.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Store {
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	return &Store{
		cfg:      cfg,
		log:      log.With(logx.Component("jobstore"), logx.String("driver", "memory")),
		bus:      bus,
		c:        cron.New(cron.WithParser(jobstore.Parser), cron.WithLocation(time.UTC)),
		handlers: map[string]jobstore.Handler{},
		live:     map[string]*oneShot{},
		repeats:  map[string]*registration{},
		byJob:    map[string]string{},
		queue:    make(chan *task, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

func (s *Store) Handle(name string, h jobstore.Handler) {
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
}

func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return jobstore.ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.c.Start()
	s.log.Info("job store started", logx.Int("workers", s.cfg.Workers), logx.Int("queue_size", s.cfg.QueueSize))
	return nil
}

// Stop halts recurrences and timers, then waits for running jobs.
// Jobs still delayed or queued are dropped.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id, j := range s.live {
		if j.timer != nil && j.timer.Stop() {
			delete(s.live, id)
		}
	}
	s.mu.Unlock()

	cronDone := s.c.Stop()
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("job store stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) Enqueue(ctx context.Context, name string, payload []byte, opts jobstore.Options) (jobstore.Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return jobstore.Job{}, jobstore.ErrEmptyName
	}
	if opts.Repeat != nil {
		return s.addRepeat(name, payload, opts)
	}

	id := strings.TrimSpace(opts.JobID)
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return jobstore.Job{}, jobstore.ErrStopped
	}
	if _, ok := s.live[id]; ok {
		s.mu.Unlock()
		return jobstore.Job{ID: id, Name: name, Duplicate: true}, nil
	}
	j := &oneShot{}
	s.live[id] = j
	t := &task{
		id:          id,
		name:        name,
		payload:     payload,
		maxAttempts: maxAttempts,
		done:        func() { s.forget(id) },
	}
	if opts.Delay > 0 {
		j.timer = time.AfterFunc(opts.Delay, func() {
			t.firedAt = time.Now()
			if err := s.push(context.Background(), t); err != nil {
				t.done()
			}
		})
		s.mu.Unlock()
		return jobstore.Job{ID: id, Name: name}, nil
	}
	s.mu.Unlock()

	t.firedAt = time.Now()
	if err := s.push(ctx, t); err != nil {
		t.done()
		return jobstore.Job{}, err
	}
	return jobstore.Job{ID: id, Name: name}, nil
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

func (s *Store) addRepeat(name string, payload []byte, opts jobstore.Options) (jobstore.Job, error) {
	rep := *opts.Repeat
	sched, err := rep.Schedule()
	if err != nil {
		return jobstore.Job{}, err
	}
	jobID := strings.TrimSpace(opts.JobID)
	if jobID == "" {
		jobID = name
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return jobstore.Job{}, jobstore.ErrStopped
	}
	if key, ok := s.byJob[name+"\x00"+jobID]; ok {
		return jobstore.Job{ID: jobID, Name: name, RepeatJobKey: key, Duplicate: true}, nil
	}

	reg := &registration{
		key:     rep.Key(name, jobID),
		name:    name,
		jobID:   jobID,
		payload: payload,
		repeat:  rep,
	}
	reg.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(reg, maxAttempts) }))
	s.repeats[reg.key] = reg
	s.byJob[name+"\x00"+jobID] = reg.key

	s.log.Info("repeatable registered",
		logx.String("job", name),
		logx.String("key", reg.key),
		logx.Time("next", sched.Next(time.Now())),
	)
	return jobstore.Job{ID: jobID, Name: name, RepeatJobKey: reg.key}, nil
}

// fire runs on cron's goroutine for each tick of a registration.
func (s *Store) fire(reg *registration, maxAttempts int) {
	if !reg.state.tryAcquire() {
		s.log.Warn("repeatable firing skipped: previous run still active", logx.String("key", reg.key))
		metrics.JobOutcome(reg.name, "overlap_skipped")
		return
	}
	now := time.Now()
	t := &task{
		id:          fmt.Sprintf("%s:%d", reg.jobID, now.UnixMilli()),
		name:        reg.name,
		payload:     reg.payload,
		repeatKey:   reg.key,
		maxAttempts: maxAttempts,
		firedAt:     now,
		done:        reg.state.release,
	}
	if err := s.push(context.Background(), t); err != nil {
		reg.state.release()
	}
}

// push blocks until the queue accepts t, the store stops or ctx ends.
func (s *Store) push(ctx context.Context, t *task) error {
	t.enqueuedAt = time.Now()
	select {
	case s.queue <- t:
		return nil
	case <-s.stopCh:
		return jobstore.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) RemoveRepeatable(ctx context.Context, key string) error {
	s.mu.Lock()
	reg, ok := s.repeats[key]
	if ok {
		delete(s.repeats, key)
		delete(s.byJob, reg.name+"\x00"+reg.jobID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.c.Remove(reg.entryID)
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

// Pending returns the number of one-shot jobs not yet finished.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Store) worker(idx int) {
	defer s.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			s.exec(t, rng)
		}
	}
}

func (s *Store) exec(t *task, rng *rand.Rand) {
	defer t.done()

	s.mu.Lock()
	h := s.handlers[t.name]
	s.mu.Unlock()

	start := time.Now()
	log := s.log.With(logx.String("job", t.name), logx.String("id", t.id))
	if h == nil {
		s.failed(t, 0, jobstore.ErrNoHandler, log)
		return
	}

	// Cancel in-flight handlers on Stop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var err error
	attempts := 0
retry:
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		attempts = attempt
		err = runHandler(ctx, h, &jobstore.Delivery{
			ID:           t.id,
			Name:         t.name,
			Payload:      t.payload,
			Attempt:      attempt,
			RepeatJobKey: t.repeatKey,
			FiredAt:      t.firedAt,
		}, log)
		if err == nil || jobstore.IsNoRetry(err) || attempt == t.maxAttempts {
			break
		}
		delay := s.cfg.Backoff.Delay(attempt, err, rng)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-s.stopCh:
			tmr.Stop()
			err = jobstore.ErrStopped
			break retry
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	if err != nil {
		s.failed(t, attempts, err, log.With(logx.Duration("dur", dur)))
		return
	}
	metrics.JobOutcome(t.name, "ok")
	log.Debug("job completed", logx.Duration("queue_delay", start.Sub(t.enqueuedAt)), logx.Duration("dur", dur), logx.Int("attempts", attempts))
}

func (s *Store) failed(t *task, attempts int, err error, log logx.Logger) {
	metrics.JobOutcome(t.name, "failed")
	log.Warn("job failed", logx.Int("attempts", attempts), logx.Err(err))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.JobFailed,
		Data: jobstore.FailedEvent{ID: t.id, Name: t.name, Attempts: attempts, Error: err.Error()},
	})
}

func runHandler(ctx context.Context, h jobstore.Handler, d *jobstore.Delivery, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return h(ctx, d)
}
