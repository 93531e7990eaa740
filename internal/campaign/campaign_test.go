package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatfabric/internal/eventbus"
	"chatfabric/internal/jobstore"
	"chatfabric/internal/jobstore/memory"
	"chatfabric/internal/messaging"
	"chatfabric/internal/storage"
	"chatfabric/internal/throttle"
	"chatfabric/pkg/logx"
)

type fixture struct {
	repo  *Repo
	store *memory.Store
	sched *Scheduler
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New(memory.Config{
		Workers: 2,
		Backoff: jobstore.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("store Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "campaign.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := NewRepo(db)
	store := newStore(t)
	return &fixture{repo: repo, store: store, sched: NewScheduler(repo, store, logx.Nop())}
}

func (f *fixture) campaign(t *testing.T, id string, targets ...string) {
	t.Helper()
	err := f.repo.CreateCampaign(context.Background(), Campaign{
		ID: id, Tenant: "acme", BotID: "bot-1", Name: "promo", Message: "hello",
	}, targets)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
}

func (f *fixture) keys(t *testing.T) []string {
	t.Helper()
	keys, err := f.store.RepeatableKeys(context.Background())
	if err != nil {
		t.Fatalf("RepeatableKeys: %v", err)
	}
	return keys
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func boolPtr(b bool) *bool { return &b }

func TestUpsertRegistersAndPersistsKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	sch, err := f.sched.UpsertSchedule(context.Background(), ScheduleSpec{
		ScheduleID: "s1", CampaignID: "c1", Cron: "*/5 * * * *", Timezone: "Asia/Jakarta",
	})
	if err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	if sch.RepeatJobKey == nil || sch.NextRunAt == nil {
		t.Fatalf("schedule = %+v, want key and next run", sch)
	}
	if sch.IdempotencyKey != "campaign:c1:schedule:s1" {
		t.Fatalf("IdempotencyKey = %q", sch.IdempotencyKey)
	}
	if keys := f.keys(t); len(keys) != 1 || keys[0] != *sch.RepeatJobKey {
		t.Fatalf("keys = %v, want [%s]", keys, *sch.RepeatJobKey)
	}
	stored, err := f.repo.GetSchedule(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if stored.RepeatJobKey == nil || *stored.RepeatJobKey != *sch.RepeatJobKey || !stored.Enabled {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestUpdateLeavesExactlyOneRegistration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	ctx := context.Background()
	first, err := f.sched.UpsertSchedule(ctx, ScheduleSpec{ScheduleID: "s1", CampaignID: "c1", Cron: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	updated, err := f.sched.UpdateSchedule(ctx, ScheduleSpec{ScheduleID: "s1", CampaignID: "c1", Cron: "0 9 * * *", Timezone: "Asia/Jakarta"})
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if *updated.RepeatJobKey == *first.RepeatJobKey {
		t.Fatalf("key unchanged after cron update: %s", *updated.RepeatJobKey)
	}
	keys := f.keys(t)
	if len(keys) != 1 || keys[0] != *updated.RepeatJobKey {
		t.Fatalf("keys = %v, want only %s", keys, *updated.RepeatJobKey)
	}
	if !strings.Contains(keys[0], "0 9 * * *") || !strings.Contains(keys[0], "Asia/Jakarta") {
		t.Fatalf("key %q does not reflect the new schedule", keys[0])
	}
	stored, _ := f.repo.GetSchedule(ctx, "s1")
	if *stored.RepeatJobKey != keys[0] || stored.Cron != "0 9 * * *" {
		t.Fatalf("stored = %+v", stored)
	}
	if stored.CreatedAt.Sub(first.CreatedAt).Abs() > time.Second {
		t.Fatalf("CreatedAt moved from %v to %v", first.CreatedAt, stored.CreatedAt)
	}
}

func TestUpsertSameSpecTwiceKeepsOneRegistration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	spec := ScheduleSpec{ScheduleID: "s1", CampaignID: "c1", Cron: "@hourly"}
	for i := 0; i < 2; i++ {
		if _, err := f.sched.UpsertSchedule(context.Background(), spec); err != nil {
			t.Fatalf("UpsertSchedule %d: %v", i, err)
		}
	}
	if keys := f.keys(t); len(keys) != 1 {
		t.Fatalf("keys = %v, want 1", keys)
	}
}

func TestSharedIdempotencyKeyKeepsOwnerRegistration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	f.campaign(t, "c2")
	ctx := context.Background()
	a, err := f.sched.UpsertSchedule(ctx, ScheduleSpec{ScheduleID: "sA", CampaignID: "c1", Cron: "*/5 * * * *", IdempotencyKey: "promo-key"})
	if err != nil {
		t.Fatalf("UpsertSchedule(sA): %v", err)
	}

	_, err = f.sched.UpsertSchedule(ctx, ScheduleSpec{ScheduleID: "sB", CampaignID: "c2", Cron: "0 9 * * *", IdempotencyKey: "promo-key"})
	if !errors.Is(err, ErrKeyInUse) {
		t.Fatalf("UpsertSchedule(sB) err = %v, want ErrKeyInUse", err)
	}
	if keys := f.keys(t); len(keys) != 1 || keys[0] != *a.RepeatJobKey {
		t.Fatalf("keys = %v, want only %s", keys, *a.RepeatJobKey)
	}
	stored, err := f.repo.GetSchedule(ctx, "sA")
	if err != nil || stored.RepeatJobKey == nil || *stored.RepeatJobKey != *a.RepeatJobKey {
		t.Fatalf("sA = %+v, %v", stored, err)
	}
	if _, err := f.repo.GetSchedule(ctx, "sB"); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("GetSchedule(sB) err = %v, want ErrScheduleNotFound", err)
	}

	// The owner may still re-upsert under its own key.
	if _, err := f.sched.UpsertSchedule(ctx, ScheduleSpec{ScheduleID: "sA", CampaignID: "c1", Cron: "@hourly", IdempotencyKey: "promo-key"}); err != nil {
		t.Fatalf("re-upsert sA: %v", err)
	}
	if keys := f.keys(t); len(keys) != 1 || !strings.Contains(keys[0], "@hourly") {
		t.Fatalf("keys = %v, want one @hourly registration", keys)
	}

	// The table refuses a second owner even without the scheduler's check.
	dup := &Schedule{ID: "sC", CampaignID: "c2", Cron: "@daily", Timezone: "UTC", Enabled: false, IdempotencyKey: "promo-key"}
	if err := f.repo.SaveSchedule(ctx, dup); !errors.Is(err, ErrKeyInUse) {
		t.Fatalf("SaveSchedule(dup) err = %v, want ErrKeyInUse", err)
	}
}

func TestUpdateScheduleErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	f.campaign(t, "c2")
	ctx := context.Background()
	if _, err := f.sched.UpsertSchedule(ctx, ScheduleSpec{ScheduleID: "s1", CampaignID: "c1", Cron: "@daily"}); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	tests := []struct {
		name string
		spec ScheduleSpec
		want error
	}{
		{"unknown schedule", ScheduleSpec{ScheduleID: "nope", CampaignID: "c1", Cron: "@daily"}, ErrScheduleNotFound},
		{"unknown campaign", ScheduleSpec{ScheduleID: "s1", CampaignID: "ghost", Cron: "@daily"}, ErrCampaignNotFound},
		{"other campaign", ScheduleSpec{ScheduleID: "s1", CampaignID: "c2", Cron: "@daily"}, ErrScheduleCampaign},
		{"bad cron", ScheduleSpec{ScheduleID: "s1", CampaignID: "c1", Cron: "every tuesday"}, ErrInvalidSchedule},
		{"bad timezone", ScheduleSpec{ScheduleID: "s1", CampaignID: "c1", Cron: "@daily", Timezone: "Mars/Olympus"}, ErrInvalidSchedule},
		{"missing ids", ScheduleSpec{Cron: "@daily"}, ErrInvalidSchedule},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.sched.UpdateSchedule(ctx, tt.spec); !errors.Is(err, tt.want) {
				t.Fatalf("UpdateSchedule err = %v, want %v", err, tt.want)
			}
		})
	}
	if keys := f.keys(t); len(keys) != 1 {
		t.Fatalf("keys after rejected updates = %v, want the original one", keys)
	}
}

func TestDisableAndReenable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	ctx := context.Background()
	spec := ScheduleSpec{ScheduleID: "s1", CampaignID: "c1", Cron: "@daily"}
	if _, err := f.sched.UpsertSchedule(ctx, spec); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	spec.Enabled = boolPtr(false)
	off, err := f.sched.UpdateSchedule(ctx, spec)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if off.RepeatJobKey != nil || len(f.keys(t)) != 0 {
		t.Fatalf("disabled schedule still registered: %+v, keys %v", off, f.keys(t))
	}
	stored, _ := f.repo.GetSchedule(ctx, "s1")
	if stored.Enabled || stored.RepeatJobKey != nil {
		t.Fatalf("stored = %+v, want disabled with NULL key", stored)
	}

	spec.Enabled = boolPtr(true)
	if _, err := f.sched.UpdateSchedule(ctx, spec); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if keys := f.keys(t); len(keys) != 1 {
		t.Fatalf("keys = %v, want 1", keys)
	}
}

func TestDeleteSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	ctx := context.Background()
	if _, err := f.sched.UpsertSchedule(ctx, ScheduleSpec{ScheduleID: "s1", CampaignID: "c1", Cron: "@daily"}); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	if err := f.sched.DeleteSchedule(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if keys := f.keys(t); len(keys) != 0 {
		t.Fatalf("keys = %v after delete", keys)
	}
	if _, err := f.repo.GetSchedule(ctx, "s1"); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("GetSchedule err = %v, want not found", err)
	}
	if err := f.sched.DeleteSchedule(ctx, "s1"); err != nil {
		t.Fatalf("second DeleteSchedule: %v", err)
	}
}

func TestRestoreRegistersIntoFreshStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	ctx := context.Background()
	if _, err := f.sched.UpsertSchedule(ctx, ScheduleSpec{ScheduleID: "on", CampaignID: "c1", Cron: "@daily"}); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	if _, err := f.sched.UpsertSchedule(ctx, ScheduleSpec{ScheduleID: "off", CampaignID: "c1", Cron: "@daily", Enabled: boolPtr(false)}); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	// A restarted process starts with an empty in-memory store.
	fresh := newStore(t)
	restored := NewScheduler(f.repo, fresh, logx.Nop())
	live, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if live != 1 {
		t.Fatalf("live = %d, want 1", live)
	}
	keys, _ := fresh.RepeatableKeys(ctx)
	stored, _ := f.repo.GetSchedule(ctx, "on")
	if len(keys) != 1 || stored.RepeatJobKey == nil || keys[0] != *stored.RepeatJobKey {
		t.Fatalf("keys = %v, stored key = %v", keys, stored.RepeatJobKey)
	}
}

func TestQueueCampaignCollapsesWithinMinute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	release := make(chan struct{})
	defer close(release)
	f.store.Handle(JobDispatch, func(ctx context.Context, d *jobstore.Delivery) error {
		<-release
		return nil
	})
	fixed := time.Date(2025, 3, 1, 10, 30, 15, 0, time.UTC)
	f.sched.now = func() time.Time { return fixed }

	ctx := context.Background()
	first, err := f.sched.QueueCampaign(ctx, "c1")
	if err != nil || first.Duplicate {
		t.Fatalf("first QueueCampaign = %+v, %v", first, err)
	}
	if !strings.HasPrefix(first.ID, "campaign:c1:run:") {
		t.Fatalf("job id = %q", first.ID)
	}
	second, err := f.sched.QueueCampaign(ctx, "c1")
	if err != nil || !second.Duplicate {
		t.Fatalf("second QueueCampaign = %+v, %v, want duplicate", second, err)
	}
	c, _ := f.repo.GetCampaign(ctx, "c1")
	if c.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", c.Status)
	}
	if _, err := f.sched.QueueCampaign(ctx, "ghost"); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("unknown campaign err = %v", err)
	}
}

type failingStore struct {
	jobstore.Store
}

func (failingStore) Enqueue(context.Context, string, []byte, jobstore.Options) (jobstore.Job, error) {
	return jobstore.Job{}, errors.New("redis unavailable")
}

func TestQueueCampaignEnqueueFailureLeavesDraft(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	sched := NewScheduler(f.repo, failingStore{Store: f.store}, logx.Nop())
	ctx := context.Background()
	if _, err := sched.QueueCampaign(ctx, "c1"); err == nil {
		t.Fatalf("QueueCampaign err = nil, want enqueue error")
	}
	c, _ := f.repo.GetCampaign(ctx, "c1")
	if c.Status != StatusDraft {
		t.Fatalf("status = %s, want draft", c.Status)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []messaging.Message
	fail map[string]bool
}

func (s *recordingSender) Send(ctx context.Context, m messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[m.ChannelID] {
		return errors.New("chat not found")
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newDispatcher(t *testing.T, f *fixture, sender messaging.Sender, bus eventbus.Bus) *Dispatcher {
	t.Helper()
	lim := throttle.New(throttle.Config{Window: 10 * time.Millisecond}, logx.Nop())
	t.Cleanup(func() { _ = lim.Stop(context.Background()) })
	return NewDispatcher(DispatcherConfig{ProgressEvery: 1}, f.repo, lim, sender, bus, logx.Nop())
}

func delivery(t *testing.T, p DispatchPayload) *jobstore.Delivery {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &jobstore.Delivery{ID: "test", Name: JobDispatch, Payload: b, Attempt: 1, FiredAt: time.Now()}
}

func TestDispatchDeliversAndCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1", "100", "200", "300")
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	sender := &recordingSender{fail: map[string]bool{"200": true}}
	d := newDispatcher(t, f, sender, bus)

	if err := d.Handle(context.Background(), delivery(t, DispatchPayload{CampaignID: "c1"})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	c, _ := f.repo.GetCampaign(context.Background(), "c1")
	if c.Status != StatusCompleted || c.SentCount != 2 || c.FailedCount != 1 || c.TotalTargets != 3 {
		t.Fatalf("campaign = %+v", c)
	}
	if sender.count() != 2 {
		t.Fatalf("sent = %d, want 2", sender.count())
	}

	var types []string
	for len(events) > 0 {
		e := <-events
		if e.Tenant != "acme" {
			t.Fatalf("event tenant = %q", e.Tenant)
		}
		types = append(types, e.Type)
	}
	if len(types) < 2 || types[0] != eventbus.CampaignStarted || types[len(types)-1] != eventbus.CampaignCompleted {
		t.Fatalf("event types = %v", types)
	}

	// Counters accumulate across runs.
	if err := d.Handle(context.Background(), delivery(t, DispatchPayload{CampaignID: "c1"})); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	c, _ = f.repo.GetCampaign(context.Background(), "c1")
	if c.SentCount != 4 || c.FailedCount != 2 {
		t.Fatalf("after second run = %+v", c)
	}
}

func TestDispatchAllFailedMarksFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1", "100")
	d := newDispatcher(t, f, &recordingSender{fail: map[string]bool{"100": true}}, nil)
	if err := d.Handle(context.Background(), delivery(t, DispatchPayload{CampaignID: "c1"})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	c, _ := f.repo.GetCampaign(context.Background(), "c1")
	if c.Status != StatusFailed || c.FailedCount != 1 {
		t.Fatalf("campaign = %+v", c)
	}
}

func TestDispatchWithoutTargetsCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1")
	d := newDispatcher(t, f, &recordingSender{}, nil)
	if err := d.Handle(context.Background(), delivery(t, DispatchPayload{CampaignID: "c1"})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	c, _ := f.repo.GetCampaign(context.Background(), "c1")
	if c.Status != StatusCompleted || c.TotalTargets != 0 {
		t.Fatalf("campaign = %+v", c)
	}
}

func TestDispatchSkips(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1", "100")
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	for _, s := range []*Schedule{
		{ID: "ended", CampaignID: "c1", Cron: "@daily", Timezone: "UTC", EndAt: &past, Enabled: true, IdempotencyKey: "k1"},
		{ID: "not-started", CampaignID: "c1", Cron: "@daily", Timezone: "UTC", StartAt: &future, Enabled: true, IdempotencyKey: "k2"},
		{ID: "disabled", CampaignID: "c1", Cron: "@daily", Timezone: "UTC", Enabled: false, IdempotencyKey: "k3"},
	} {
		if err := f.repo.SaveSchedule(ctx, s); err != nil {
			t.Fatalf("SaveSchedule: %v", err)
		}
	}
	sender := &recordingSender{}
	d := newDispatcher(t, f, sender, nil)

	for _, id := range []string{"ended", "not-started", "disabled", "deleted"} {
		if err := d.Handle(ctx, delivery(t, DispatchPayload{ScheduleID: id, CampaignID: "c1"})); err != nil {
			t.Fatalf("Handle(%s): %v", id, err)
		}
	}

	// A run already in progress is not joined.
	if won, err := f.repo.StartRun(ctx, "c1"); err != nil || !won {
		t.Fatalf("StartRun = %v, %v", won, err)
	}
	if err := d.Handle(ctx, delivery(t, DispatchPayload{CampaignID: "c1"})); err != nil {
		t.Fatalf("Handle while running: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("sent %d messages, want none", sender.count())
	}
}

func TestDispatchMissingCampaignIsPermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := newDispatcher(t, f, &recordingSender{}, nil)
	err := d.Handle(context.Background(), delivery(t, DispatchPayload{CampaignID: "ghost"}))
	if !jobstore.IsNoRetry(err) || !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("err = %v, want NoRetry(ErrCampaignNotFound)", err)
	}
	bad := &jobstore.Delivery{Payload: []byte("{")}
	if err := d.Handle(context.Background(), bad); !jobstore.IsNoRetry(err) {
		t.Fatalf("bad payload err = %v, want NoRetry", err)
	}
}

// stallingPacer sends to the first target, then cancels the run shortly
// after the second is submitted.
type stallingPacer struct {
	cancel context.CancelFunc
	calls  int
}

func (p *stallingPacer) Submit(_ string, fn throttle.SendFunc) <-chan error {
	p.calls++
	ch := make(chan error, 1)
	if p.calls == 1 {
		ch <- fn(context.Background())
		return ch
	}
	time.AfterFunc(50*time.Millisecond, p.cancel)
	return ch
}

func TestDispatchInterruptedAfterSendIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1", "100", "200")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &recordingSender{}
	d := NewDispatcher(DispatcherConfig{}, f.repo, &stallingPacer{cancel: cancel}, sender, nil, logx.Nop())

	err := d.Handle(ctx, delivery(t, DispatchPayload{CampaignID: "c1"}))
	if !jobstore.IsNoRetry(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want NoRetry(context.Canceled)", err)
	}
	if sender.count() != 1 {
		t.Fatalf("sent = %d, want 1", sender.count())
	}
	c, _ := f.repo.GetCampaign(context.Background(), "c1")
	if c.Status != StatusFailed || c.SentCount != 1 {
		t.Fatalf("campaign = %+v, want failed with 1 sent", c)
	}
}

func TestScheduledRunFiresThroughStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.campaign(t, "c1", "100")
	sender := &recordingSender{}
	d := newDispatcher(t, f, sender, nil)
	d.Register(f.store)

	ctx := context.Background()
	if _, err := f.sched.UpsertSchedule(ctx, ScheduleSpec{ScheduleID: "s1", CampaignID: "c1", Cron: "* * * * * *"}); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return sender.count() >= 1 })
	if err := f.sched.DeleteSchedule(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}

	var last *Campaign
	waitFor(t, 5*time.Second, func() bool {
		c, err := f.repo.GetCampaign(ctx, "c1")
		if err != nil {
			return false
		}
		last = c
		return c.Status == StatusCompleted && c.SentCount >= 1
	})
	if last.FailedCount != 0 {
		t.Fatalf("campaign = %+v", last)
	}
}
