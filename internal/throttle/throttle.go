// Package throttle paces outbound sends so each channel receives at most one
// message per window. Excess sends wait in a per-channel FIFO and are released
// one at a time; channels never wait on each other.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatfabric/internal/metrics"
	"chatfabric/pkg/logx"
)

var (
	ErrStopped      = errors.New("throttle stopped")
	ErrEmptyChannel = errors.New("channel id is required")
)

// SendFunc performs one outbound send.
type SendFunc func(ctx context.Context) error

type Config struct {
	// Window is the minimum gap between two send starts on one channel.
	Window time.Duration
	// GlobalRate caps sends per second across all channels (0 = no cap).
	GlobalRate int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.GlobalRate < 0 {
		c.GlobalRate = 0
	}
	return c
}

type Limiter struct {
	log logx.Logger

	mu       sync.Mutex
	cfg      Config
	global   *rate.Limiter // nil when uncapped
	channels map[string]*channel
	stopped  bool

	wg      sync.WaitGroup
	ctx     context.Context // canceled when Stop gives up waiting
	cancel  context.CancelFunc
	pending int
}

type channel struct {
	queue     []*job
	draining  bool
	lastStart time.Time
}

type job struct {
	fn   SendFunc
	done chan error
}

func New(cfg Config, log logx.Logger) *Limiter {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		log:      log.With(logx.Component("throttle")),
		channels: map[string]*channel{},
		ctx:      ctx,
		cancel:   cancel,
	}
	l.Apply(cfg)
	return l
}

// Apply swaps the window and global cap. Queued sends pick up the new window
// when they are next released.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	if cfg.GlobalRate == 0 {
		l.global = nil
		return
	}
	if l.global == nil {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalRate)
		return
	}
	l.global.SetLimit(rate.Limit(cfg.GlobalRate))
	l.global.SetBurst(cfg.GlobalRate)
}

// Submit queues fn for channelID. If the channel is idle and its window has
// elapsed, fn starts immediately. The returned channel yields fn's result once.
func (l *Limiter) Submit(channelID string, fn SendFunc) <-chan error {
	done := make(chan error, 1)
	if strings.TrimSpace(channelID) == "" {
		done <- ErrEmptyChannel
		return done
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		done <- ErrStopped
		return done
	}
	ch := l.channels[channelID]
	if ch == nil {
		ch = &channel{}
		l.channels[channelID] = ch
	}
	ch.queue = append(ch.queue, &job{fn: fn, done: done})
	l.pending++
	metrics.ThrottlePending.Inc()
	if !ch.draining {
		ch.draining = true
		l.wg.Add(1)
		go l.drain(channelID, ch)
	}
	return done
}

// Send submits fn and waits for its result. Canceling ctx stops the wait only;
// the send stays queued.
func (l *Limiter) Send(ctx context.Context, channelID string, fn SendFunc) error {
	select {
	case err := <-l.Submit(channelID, fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued (not yet started) sends for channelID.
func (l *Limiter) Pending(channelID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch := l.channels[channelID]; ch != nil {
		return len(ch.queue)
	}
	return 0
}

// drain is the single consumer of one channel's queue.
func (l *Limiter) drain(id string, ch *channel) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ch.queue) == 0 {
			ch.draining = false
			window := l.cfg.Window
			l.mu.Unlock()
			time.AfterFunc(window, func() { l.prune(id, ch) })
			return
		}
		j := ch.queue[0]
		ch.queue[0] = nil
		ch.queue = ch.queue[1:]
		wait := time.Until(ch.lastStart.Add(l.cfg.Window))
		global := l.global
		l.mu.Unlock()

		if err := l.pace(wait, global); err != nil {
			l.finish(j, err)
			continue
		}

		l.mu.Lock()
		ch.lastStart = time.Now()
		l.mu.Unlock()
		err := l.run(id, j.fn)
		l.finish(j, err)
	}
}

func (l *Limiter) pace(wait time.Duration, global *rate.Limiter) error {
	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-l.ctx.Done():
			t.Stop()
			return ErrStopped
		}
	}
	if global != nil {
		if err := global.Wait(l.ctx); err != nil {
			return ErrStopped
		}
	}
	return nil
}

func (l *Limiter) run(id string, fn SendFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
			l.log.Error("send panicked", logx.String("channel", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	err = fn(l.ctx)
	if err != nil {
		l.log.Warn("send failed", logx.String("channel", id), logx.Err(err))
	}
	return err
}

func (l *Limiter) finish(j *job, err error) {
	l.mu.Lock()
	l.pending--
	l.mu.Unlock()
	metrics.ThrottlePending.Dec()
	if err != nil {
		metrics.ThrottleSends.WithLabelValues("error").Inc()
	} else {
		metrics.ThrottleSends.WithLabelValues("ok").Inc()
	}
	j.done <- err
}

// prune drops an idle channel once its window has passed, when it no longer
// constrains the next send.
func (l *Limiter) prune(id string, ch *channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channels[id] != ch || ch.draining || len(ch.queue) > 0 {
		return
	}
	if time.Since(ch.lastStart) < l.cfg.Window {
		return
	}
	delete(l.channels, id)
}

// Channels returns the number of tracked channels.
func (l *Limiter) Channels() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.channels)
}

// Stop rejects new sends and waits for queued ones to run. If ctx ends first,
// the rest fail with ErrStopped.
func (l *Limiter) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	left := l.pending
	l.mu.Unlock()
	if left > 0 {
		l.log.Info("draining throttled sends", logx.Int("pending", left))
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		<-done
		return ctx.Err()
	}
}
