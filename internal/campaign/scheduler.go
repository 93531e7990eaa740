package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatfabric/internal/jobstore"
	"chatfabric/pkg/logx"
)

// Scheduler keeps job store registrations in step with schedule rows.
type Scheduler struct {
	repo  *Repo
	store jobstore.Store
	log   logx.Logger
	now   func() time.Time

	locks keyedMutex
	// keyLocks serializes schedules that claim the same idempotency key.
	keyLocks keyedMutex
}

func NewScheduler(repo *Repo, store jobstore.Store, log logx.Logger) *Scheduler {
	return &Scheduler{
		repo:  repo,
		store: store,
		log:   log.With(logx.Component("campaign")),
		now:   time.Now,
	}
}

func (s *Scheduler) normalize(spec ScheduleSpec) (ScheduleSpec, jobstore.Repeat, error) {
	spec.ScheduleID = strings.TrimSpace(spec.ScheduleID)
	spec.CampaignID = strings.TrimSpace(spec.CampaignID)
	spec.Cron = strings.TrimSpace(spec.Cron)
	spec.Timezone = strings.TrimSpace(spec.Timezone)
	if spec.ScheduleID == "" || spec.CampaignID == "" {
		return spec, jobstore.Repeat{}, fmt.Errorf("%w: scheduleId and campaignId are required", ErrInvalidSchedule)
	}
	if spec.Timezone == "" {
		spec.Timezone = "UTC"
	}
	if strings.TrimSpace(spec.IdempotencyKey) == "" {
		spec.IdempotencyKey = DefaultIdempotencyKey(spec.CampaignID, spec.ScheduleID)
	}
	rep := jobstore.Repeat{Cron: spec.Cron, Timezone: spec.Timezone, StartAt: spec.StartAt, EndAt: spec.EndAt}
	if _, err := rep.Schedule(); err != nil {
		return spec, rep, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return spec, rep, nil
}

// UpsertSchedule creates the schedule or replaces its definition. Any
// registration the row already owns is removed first.
func (s *Scheduler) UpsertSchedule(ctx context.Context, spec ScheduleSpec) (*Schedule, error) {
	return s.write(ctx, spec, false)
}

// UpdateSchedule is UpsertSchedule for a schedule that must already exist.
func (s *Scheduler) UpdateSchedule(ctx context.Context, spec ScheduleSpec) (*Schedule, error) {
	return s.write(ctx, spec, true)
}

func (s *Scheduler) write(ctx context.Context, spec ScheduleSpec, mustExist bool) (*Schedule, error) {
	spec, rep, err := s.normalize(spec)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(spec.ScheduleID)
	defer unlock()
	unlockKey := s.keyLocks.lock(spec.IdempotencyKey)
	defer unlockKey()

	if _, err := s.repo.GetCampaign(ctx, spec.CampaignID); err != nil {
		return nil, err
	}
	owner, err := s.repo.ScheduleIDByKey(ctx, spec.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if owner != "" && owner != spec.ScheduleID {
		return nil, fmt.Errorf("%w: %s", ErrKeyInUse, owner)
	}
	existing, err := s.repo.GetSchedule(ctx, spec.ScheduleID)
	switch {
	case errors.Is(err, ErrScheduleNotFound):
		if mustExist {
			return nil, err
		}
		existing = nil
	case err != nil:
		return nil, err
	case existing.CampaignID != spec.CampaignID:
		return nil, ErrScheduleCampaign
	}

	if existing != nil && existing.RepeatJobKey != nil {
		if err := s.store.RemoveRepeatable(ctx, *existing.RepeatJobKey); err != nil {
			return nil, fmt.Errorf("remove previous registration: %w", err)
		}
		// The old key is gone; never leave it recorded if the rest fails.
		if err := s.repo.SetRepeatKey(ctx, existing.ID, nil); err != nil {
			return nil, err
		}
	}

	sch := &Schedule{
		ID:             spec.ScheduleID,
		CampaignID:     spec.CampaignID,
		Cron:           spec.Cron,
		Timezone:       spec.Timezone,
		StartAt:        spec.StartAt,
		EndAt:          spec.EndAt,
		Enabled:        spec.enabled(),
		IdempotencyKey: spec.IdempotencyKey,
	}
	if existing != nil {
		sch.CreatedAt = existing.CreatedAt
	}
	if sch.Enabled {
		key, err := s.register(ctx, sch, rep)
		if err != nil {
			return nil, err
		}
		sch.RepeatJobKey = &key
		if next, err := rep.Next(s.now(), 1); err == nil && len(next) == 1 {
			sch.NextRunAt = &next[0]
		}
	}
	if err := s.repo.SaveSchedule(ctx, sch); err != nil {
		if sch.RepeatJobKey != nil {
			_ = s.store.RemoveRepeatable(ctx, *sch.RepeatJobKey)
		}
		return nil, err
	}

	fields := []logx.Field{
		logx.String("schedule", sch.ID),
		logx.String("campaign", sch.CampaignID),
		logx.String("cron", sch.Cron),
		logx.String("tz", sch.Timezone),
		logx.Bool("enabled", sch.Enabled),
	}
	if sch.NextRunAt != nil {
		fields = append(fields, logx.Time("next", *sch.NextRunAt))
	}
	s.log.Info("schedule saved", fields...)
	return sch, nil
}

// register adds the recurring dispatch job and returns its key. Callers have
// checked that no other schedule owns the job id, so a registration still
// holding it was left by a crash between remove and persist and is replaced.
func (s *Scheduler) register(ctx context.Context, sch *Schedule, rep jobstore.Repeat) (string, error) {
	payload, err := json.Marshal(DispatchPayload{ScheduleID: sch.ID, CampaignID: sch.CampaignID})
	if err != nil {
		return "", err
	}
	opts := jobstore.Options{JobID: sch.IdempotencyKey, Repeat: &rep}
	job, err := s.store.Enqueue(ctx, JobDispatch, payload, opts)
	if err != nil {
		return "", fmt.Errorf("register schedule %s: %w", sch.ID, err)
	}
	if !job.Duplicate {
		return job.RepeatJobKey, nil
	}
	s.log.Warn("replacing orphaned registration", logx.String("schedule", sch.ID), logx.String("key", job.RepeatJobKey))
	if err := s.store.RemoveRepeatable(ctx, job.RepeatJobKey); err != nil {
		return "", fmt.Errorf("remove orphaned registration: %w", err)
	}
	job, err = s.store.Enqueue(ctx, JobDispatch, payload, opts)
	if err != nil {
		return "", fmt.Errorf("register schedule %s: %w", sch.ID, err)
	}
	return job.RepeatJobKey, nil
}

// DeleteSchedule removes the registration, then the row. Deleting an unknown
// schedule is not an error.
func (s *Scheduler) DeleteSchedule(ctx context.Context, scheduleID string) error {
	unlock := s.locks.lock(scheduleID)
	defer unlock()

	existing, err := s.repo.GetSchedule(ctx, scheduleID)
	if errors.Is(err, ErrScheduleNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.RepeatJobKey != nil {
		if err := s.store.RemoveRepeatable(ctx, *existing.RepeatJobKey); err != nil {
			return fmt.Errorf("remove registration: %w", err)
		}
	}
	if err := s.repo.DeleteSchedule(ctx, scheduleID); err != nil {
		return err
	}
	s.log.Info("schedule deleted", logx.String("schedule", scheduleID))
	return nil
}

// Restore re-registers every enabled schedule, for stores that keep
// registrations per process. It returns how many are live afterwards.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	rows, err := s.repo.Schedules(ctx)
	if err != nil {
		return 0, err
	}
	live := 0
	var errs []error
	for i := range rows {
		sch := &rows[i]
		if err := s.restoreOne(ctx, sch); err != nil {
			s.log.Error("restore schedule failed", logx.String("schedule", sch.ID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		if sch.Enabled {
			live++
		}
	}
	s.log.Info("schedules restored", logx.Int("live", live), logx.Int("total", len(rows)))
	return live, errors.Join(errs...)
}

func (s *Scheduler) restoreOne(ctx context.Context, sch *Schedule) error {
	unlock := s.locks.lock(sch.ID)
	defer unlock()

	if sch.RepeatJobKey != nil {
		if err := s.store.RemoveRepeatable(ctx, *sch.RepeatJobKey); err != nil {
			return err
		}
	}
	if !sch.Enabled {
		if sch.RepeatJobKey == nil {
			return nil
		}
		return s.repo.SetRepeatKey(ctx, sch.ID, nil)
	}
	rep := jobstore.Repeat{Cron: sch.Cron, Timezone: sch.Timezone, StartAt: sch.StartAt, EndAt: sch.EndAt}
	key, err := s.register(ctx, sch, rep)
	if err != nil {
		_ = s.repo.SetRepeatKey(ctx, sch.ID, nil)
		return err
	}
	return s.repo.SetRepeatKey(ctx, sch.ID, &key)
}

// QueueCampaign dispatches a campaign once, now. Repeated calls within the
// same minute collapse into one job.
func (s *Scheduler) QueueCampaign(ctx context.Context, campaignID string) (jobstore.Job, error) {
	if _, err := s.repo.GetCampaign(ctx, campaignID); err != nil {
		return jobstore.Job{}, err
	}
	payload, err := json.Marshal(DispatchPayload{CampaignID: campaignID})
	if err != nil {
		return jobstore.Job{}, err
	}
	jobID := "campaign:" + campaignID + ":run:" + strconv.FormatInt(s.now().Unix()/60, 10)
	job, err := s.store.Enqueue(ctx, JobDispatch, payload, jobstore.Options{JobID: jobID})
	if err != nil {
		return jobstore.Job{}, fmt.Errorf("queue campaign %s: %w", campaignID, err)
	}
	// The run may already have moved past draft; MarkQueued leaves that alone.
	if err := s.repo.MarkQueued(ctx, campaignID); err != nil {
		s.log.Warn("mark queued failed", logx.String("campaign", campaignID), logx.Err(err))
	}
	s.log.Info("campaign queued", logx.String("campaign", campaignID), logx.String("job", jobID), logx.Bool("duplicate", job.Duplicate))
	return job, nil
}

// keyedMutex serializes writers of the same schedule id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
