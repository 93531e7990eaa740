package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatfabric/internal/eventbus"
	"chatfabric/internal/jobstore"
	"chatfabric/internal/messaging"
	"chatfabric/internal/metrics"
	"chatfabric/internal/throttle"
	"chatfabric/pkg/logx"
)

// Pacer spaces sends per channel.
type Pacer interface {
	Submit(channelID string, fn throttle.SendFunc) <-chan error
}

type DispatcherConfig struct {
	// ProgressEvery publishes campaign.progress after this many deliveries.
	ProgressEvery int
}

// Dispatcher executes campaign.dispatch jobs.
type Dispatcher struct {
	cfg    DispatcherConfig
	repo   *Repo
	pacer  Pacer
	sender messaging.Sender
	bus    eventbus.Bus
	log    logx.Logger
}

func NewDispatcher(cfg DispatcherConfig, repo *Repo, pacer Pacer, sender messaging.Sender, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 25
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		cfg:    cfg,
		repo:   repo,
		pacer:  pacer,
		sender: sender,
		bus:    bus,
		log:    log.With(logx.Component("campaign")),
	}
}

// Register installs the handler on store.
func (d *Dispatcher) Register(store jobstore.Store) {
	store.Handle(JobDispatch, d.Handle)
}

// Handle runs one firing. Firings that are outside the schedule window, for a
// disabled or deleted schedule, or that find the campaign already running,
// finish without sending. Errors before the first send are retried; once
// sending has begun the firing is not retried.
func (d *Dispatcher) Handle(ctx context.Context, job *jobstore.Delivery) error {
	var p DispatchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobstore.NoRetry(fmt.Errorf("decode dispatch payload: %w", err))
	}
	log := d.log.With(logx.String("campaign", p.CampaignID), logx.String("schedule", p.ScheduleID), logx.String("job", job.ID))

	c, err := d.repo.GetCampaign(ctx, p.CampaignID)
	if errors.Is(err, ErrCampaignNotFound) {
		return jobstore.NoRetry(err)
	}
	if err != nil {
		return err
	}

	if p.ScheduleID != "" {
		sch, err := d.repo.GetSchedule(ctx, p.ScheduleID)
		if errors.Is(err, ErrScheduleNotFound) {
			log.Info("schedule deleted; firing skipped")
			return nil
		}
		if err != nil {
			return err
		}
		firedAt := job.FiredAt
		if firedAt.IsZero() {
			firedAt = time.Now()
		}
		window := jobstore.Repeat{StartAt: sch.StartAt, EndAt: sch.EndAt}
		if !sch.Enabled || !window.Within(firedAt) {
			log.Info("schedule disabled or out of window; firing skipped", logx.Bool("enabled", sch.Enabled))
			return nil
		}
	}

	won, err := d.repo.StartRun(ctx, c.ID)
	if err != nil {
		return err
	}
	if !won {
		log.Info("campaign already running; firing skipped")
		return nil
	}
	run := &runState{d: d, c: c, scheduleID: p.ScheduleID, log: log}
	run.publish(eventbus.CampaignStarted, StatusRunning, nil)
	log.Info("campaign run started")

	targets, err := d.repo.Targets(ctx, c.ID)
	if err != nil {
		run.finish(StatusFailed, err)
		return err
	}
	run.total = len(targets)
	if err := d.repo.SetTotalTargets(ctx, c.ID, run.total); err != nil {
		run.finish(StatusFailed, err)
		return err
	}

	if err := run.deliver(ctx, targets); err != nil {
		run.finish(StatusFailed, err)
		// Some targets may already have the message; a retry would send it again.
		return jobstore.NoRetry(err)
	}
	if run.sent > 0 || run.total == 0 {
		run.finish(StatusCompleted, nil)
	} else {
		run.finish(StatusFailed, errors.New("all deliveries failed"))
	}
	return nil
}

type runState struct {
	d          *Dispatcher
	c          *Campaign
	scheduleID string
	log        logx.Logger

	total, sent, failed int
}

func (r *runState) deliver(ctx context.Context, targets []string) error {
	futures := make([]<-chan error, len(targets))
	for i, ch := range targets {
		msg := messaging.Message{ChannelID: ch, Text: r.c.Message, Tenant: r.c.Tenant, BotID: r.c.BotID}
		futures[i] = r.d.pacer.Submit(ch, func(context.Context) error {
			return r.d.sender.Send(ctx, msg)
		})
	}

	for i, f := range futures {
		var err error
		select {
		case err = <-f:
		case <-ctx.Done():
			return ctx.Err()
		}
		ok := err == nil
		if ok {
			r.sent++
			metrics.CampaignDeliveries.WithLabelValues("sent").Inc()
		} else {
			r.failed++
			metrics.CampaignDeliveries.WithLabelValues("failed").Inc()
			r.log.Warn("delivery failed", logx.String("channel", targets[i]), logx.Err(err))
		}
		if err := r.d.repo.CountDelivery(ctx, r.c.ID, ok); err != nil {
			return err
		}
		if n := r.sent + r.failed; n%r.d.cfg.ProgressEvery == 0 && n < r.total {
			r.publish(eventbus.CampaignProgress, StatusRunning, nil)
		}
	}
	return nil
}

// finish records the terminal status. It uses a fresh context so a canceled
// run still leaves the running state.
func (r *runState) finish(status Status, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.d.repo.Finish(ctx, r.c.ID, status); err != nil {
		r.log.Error("finish run failed", logx.Err(err))
	}
	typ := eventbus.CampaignCompleted
	if status == StatusFailed {
		typ = eventbus.CampaignFailed
	}
	r.publish(typ, status, cause)
	r.log.Info("campaign run finished",
		logx.String("status", string(status)),
		logx.Int("total", r.total),
		logx.Int("sent", r.sent),
		logx.Int("failed", r.failed),
	)
}

func (r *runState) publish(typ string, status Status, cause error) {
	ev := RunEvent{
		CampaignID: r.c.ID,
		ScheduleID: r.scheduleID,
		Status:     status,
		Total:      r.total,
		Sent:       r.sent,
		Failed:     r.failed,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	r.d.bus.Publish(eventbus.Event{Type: typ, Tenant: r.c.Tenant, Data: ev})
}
