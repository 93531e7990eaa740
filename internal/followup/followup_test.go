package followup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatfabric/internal/eventbus"
	"chatfabric/pkg/logx"
)

type reminder struct {
	tenant string
	text   string
}

func (r reminder) TenantID() string { return r.tenant }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestDuplicateIDRunsOnceWithFirstPayload(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	var (
		mu   sync.Mutex
		seen []string
	)
	h := func(ctx context.Context, payload any) error {
		mu.Lock()
		seen = append(seen, payload.(string))
		mu.Unlock()
		return nil
	}

	if !s.Schedule("lead:42", 50*time.Millisecond, "first", h) {
		t.Fatalf("first Schedule = false, want true")
	}
	if s.Schedule("lead:42", 10*time.Millisecond, "second", h) {
		t.Fatalf("duplicate Schedule = true, want false")
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", s.Pending())
	}

	waitFor(t, 2*time.Second, func() bool { return s.Pending() == 0 })
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "first" {
		t.Fatalf("executions = %v, want [first]", seen)
	}
}

func TestFiresAfterDelay(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	fired := make(chan time.Time, 1)
	start := time.Now()
	s.Schedule("x", 60*time.Millisecond, nil, func(ctx context.Context, _ any) error {
		fired <- time.Now()
		return nil
	})
	if due, ok := s.Due("x"); !ok || due.Before(start) {
		t.Fatalf("Due = %v, %v", due, ok)
	}
	select {
	case at := <-fired:
		if at.Sub(start) < 60*time.Millisecond {
			t.Fatalf("fired after %v, want >= 60ms", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("follow-up never fired")
	}
	if s.Has("x") {
		t.Fatalf("Has(x) = true after firing")
	}

	// The id is free again once fired.
	if !s.Schedule("x", time.Hour, nil, func(context.Context, any) error { return nil }) {
		t.Fatalf("re-Schedule after fire = false")
	}
	s.Cancel("x")
}

func TestFlushRunsPendingNowAndOnlyOnce(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	var runs atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		s.Schedule(id, time.Hour, id, func(ctx context.Context, _ any) error {
			runs.Add(1)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending = %d after Flush", s.Pending())
	}
	if err := s.Flush(ctx); err != nil || runs.Load() != 3 {
		t.Fatalf("second Flush = %v, runs = %d", err, runs.Load())
	}
}

func TestFlushJoinsHandlerErrors(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	boom := errors.New("send failed")
	s.Schedule("bad", time.Hour, nil, func(context.Context, any) error { return boom })
	s.Schedule("panics", time.Hour, nil, func(context.Context, any) error { panic("nil map") })
	s.Schedule("good", time.Hour, nil, func(context.Context, any) error { return nil })

	err := s.Flush(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Flush err = %v, want to wrap %v", err, boom)
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("Flush err = %v, want panic reported", err)
	}
}

func TestFlushWaitsForInFlightFire(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	started := make(chan struct{})
	var finished atomic.Bool
	s.Schedule("slow", 0, nil, func(context.Context, any) error {
		close(started)
		time.Sleep(80 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	<-started
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !finished.Load() {
		t.Fatalf("Flush returned before in-flight handler finished")
	}
}

func TestFlushRacingTimerFiresRunsEachOnce(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	const n = 200
	var runs atomic.Int32
	for i := 0; i < n; i++ {
		id := "job-" + time.Duration(i).String()
		s.Schedule(id, time.Duration(i%5)*time.Millisecond, nil, func(context.Context, any) error {
			runs.Add(1)
			return nil
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := s.Flush(context.Background()); err != nil {
					t.Errorf("Flush: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("final Flush: %v", err)
	}
	if got := runs.Load(); got != n {
		t.Fatalf("runs = %d, want %d", got, n)
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", s.Pending())
	}
}

func TestCancelPreventsExecution(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	var runs atomic.Int32
	s.Schedule("c", 30*time.Millisecond, nil, func(context.Context, any) error {
		runs.Add(1)
		return nil
	})
	if !s.Cancel("c") {
		t.Fatalf("Cancel = false, want true")
	}
	if s.Cancel("c") {
		t.Fatalf("second Cancel = true, want false")
	}
	time.Sleep(80 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("canceled follow-up ran")
	}
}

func TestStopFlushesAndRejects(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	var runs atomic.Int32
	h := func(context.Context, any) error { runs.Add(1); return nil }
	s.Schedule("pending", time.Hour, nil, h)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want pending job flushed", runs.Load())
	}
	if s.Schedule("late", 0, nil, h) {
		t.Fatalf("Schedule after Stop = true")
	}
}

func TestRejectsEmptyIDAndHandler(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	tests := []struct {
		name string
		id   string
		h    Handler
	}{
		{"empty id", "  ", func(context.Context, any) error { return nil }},
		{"nil handler", "x", nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if s.Schedule(tt.id, 0, nil, tt.h) {
				t.Fatalf("Schedule(%q) = true, want false", tt.id)
			}
		})
	}
}

func TestPublishesTenantScopedEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := New(Config{}, logx.Nop(), bus)

	s.Schedule("ok", 0, reminder{tenant: "acme", text: "hi"}, func(context.Context, any) error { return nil })
	select {
	case e := <-events:
		fe, _ := e.Data.(FiredEvent)
		if e.Type != eventbus.FollowUpFired || e.Tenant != "acme" || fe.ID != "ok" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no followup.fired event")
	}

	s.Schedule("bad", 0, reminder{tenant: "acme"}, func(context.Context, any) error { return errors.New("x") })
	select {
	case e := <-events:
		if e.Type != eventbus.FollowUpFailed || e.Tenant != "acme" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no followup.failed event")
	}
}
