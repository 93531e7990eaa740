// Package app wires the fabric's components and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"chatfabric/internal/campaign"
	"chatfabric/internal/config"
	"chatfabric/internal/eventbus"
	"chatfabric/internal/followup"
	"chatfabric/internal/httpapi"
	"chatfabric/internal/jobstore"
	"chatfabric/internal/messaging"
	"chatfabric/internal/realtime"
	"chatfabric/internal/redemption"
	"chatfabric/internal/runtime/supervisor"
	"chatfabric/internal/storage"
	"chatfabric/internal/throttle"
	"chatfabric/pkg/logx"
)

type Options struct {
	ConfigPath string
	// Sender replaces the configured messaging driver.
	Sender messaging.Driver
}

// Fabric is one running instance.
type Fabric struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *sqlx.DB
	rdb  *redis.Client

	sender    messaging.Driver
	throttle  *throttle.Limiter
	store     jobstore.Store
	followups *followup.Scheduler
	campaigns *campaign.Repo
	schedules *campaign.Scheduler
	ledger    *redemption.Ledger
	hub       *realtime.Hub
	bridge    *realtime.Bridge
	server    *httpapi.Server

	flushTimeout time.Duration
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, opts Options) (f *Fabric, err error) {
	boot := logx.NewConsole("INFO").With(logx.Component("app"))
	cfgm := config.NewManager(opts.ConfigPath, boot)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	d, err := config.ParseDurations(cfg)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log)
	f = &Fabric{
		cfgm:         cfgm,
		log:          log.With(logx.Component("app")),
		logs:         logs,
		bus:          eventbus.New(),
		flushTimeout: d.FlushTimeout,
	}
	// Release what was opened if a later step fails.
	defer func() {
		if err != nil {
			f.closeResources()
		}
	}()

	f.db, err = storage.Open(ctx, mapStorage(cfg, d), log)
	if err != nil {
		return nil, err
	}

	f.sender = opts.Sender
	if f.sender == nil {
		if f.sender, err = messaging.Open(mapMessaging(cfg, d), log); err != nil {
			return nil, err
		}
	}

	f.throttle = throttle.New(mapThrottle(cfg, d), log)
	f.store = newJobStore(cfg, d, log, f.bus)
	f.followups = followup.New(followup.Config{HandlerTimeout: d.SendTimeout}, log, f.bus)

	f.campaigns = campaign.NewRepo(f.db)
	f.schedules = campaign.NewScheduler(f.campaigns, f.store, log)
	campaign.NewDispatcher(campaign.DispatcherConfig{}, f.campaigns, f.throttle, f.sender, f.bus, log).Register(f.store)

	if f.ledger, err = redemption.NewLedger(f.db, mapRedemption(cfg, d), log, f.bus); err != nil {
		return nil, err
	}

	hubCfg := realtime.Config{
		Heartbeat:    d.Heartbeat,
		QueueSize:    cfg.Realtime.QueueSize,
		WriteTimeout: d.WriteTimeout,
	}
	if cfg.Realtime.Relay.Enabled {
		f.rdb = redis.NewClient(redisOptions(cfg))
		hubCfg.Relay = realtime.NewRedisRelay(f.rdb, cfg.Realtime.Relay.Channel, log)
	}
	f.hub = realtime.NewHub(hubCfg, log)
	f.bridge = realtime.NewBridge(f.hub, f.bus)

	routerOpts := mapRouter(cfg)
	routerOpts.Events = f.hub.Handler
	f.server = httpapi.NewServer(mapServer(cfg, d), httpapi.NewRouter(f, routerOpts, log), log)
	return f, nil
}

func (f *Fabric) Bus() eventbus.Bus              { return f.bus }
func (f *Fabric) Hub() *realtime.Hub             { return f.hub }
func (f *Fabric) Ledger() *redemption.Ledger     { return f.ledger }
func (f *Fabric) Campaigns() *campaign.Repo      { return f.campaigns }
func (f *Fabric) Followups() *followup.Scheduler { return f.followups }

// Addr is the bound API address once started.
func (f *Fabric) Addr() string { return f.server.Addr() }

// Done is closed when a supervised goroutine fails fatally or Stop runs.
func (f *Fabric) Done() <-chan struct{} {
	if f.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return f.sup.Context().Done()
}

func (f *Fabric) Err() error {
	if f.sup == nil {
		return nil
	}
	return f.sup.Err()
}

func (f *Fabric) Start(ctx context.Context) error {
	f.sup = supervisor.New(ctx, supervisor.WithLogger(f.log), supervisor.WithCancelOnError(true))
	runCtx := f.sup.Context()

	// Registrations must exist before workers start pulling firings.
	n, err := f.schedules.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	f.log.Info("schedules restored", logx.Int("count", n))

	if err := f.store.Start(runCtx); err != nil {
		return fmt.Errorf("start job store: %w", err)
	}
	if err := f.hub.Start(runCtx); err != nil {
		return err
	}

	f.sup.GoRestart("realtime.bridge", f.bridge.Run)
	if f.rdb != nil {
		f.sup.GoRestart("realtime.relay", f.hub.RunRelay, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	f.sup.Go("config.watch", f.cfgm.Watch)
	f.watchConfig()
	f.logEvents()

	if err := f.server.Start(runCtx); err != nil {
		return fmt.Errorf("start http: %w", err)
	}
	f.log.Info("fabric started", logx.String("addr", f.server.Addr()))
	return nil
}

// watchConfig applies live sections of a reloaded config.
func (f *Fabric) watchConfig() {
	sub := f.cfgm.Subscribe(8)
	last := f.cfgm.Get()
	f.sup.Go("config.reload", func(ctx context.Context) error {
		defer f.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				f.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (f *Fabric) applyConfig(prev, next *config.Config) {
	changed, attrs := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		f.log.Debug("config reloaded (no changes)")
		return
	}
	d, err := config.ParseDurations(next)
	if err != nil {
		f.log.Warn("reloaded config rejected", logx.Err(err))
		return
	}
	var restart []string
	for _, s := range changed {
		switch s {
		case "logging":
			f.logs.Apply(mapLogging(next))
		case "throttle":
			f.throttle.Apply(mapThrottle(next, d))
		default:
			if !config.LiveSections[s] {
				restart = append(restart, s)
			}
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	f.log.Info("config applied", fields...)
	if len(restart) > 0 {
		f.log.Warn("config sections changed; restart required", logx.String("sections", strings.Join(restart, ",")))
	}
}

func (f *Fabric) logEvents() {
	events, unsub := f.bus.Subscribe(128)
	f.sup.Go("eventbus.log", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if e.Type == eventbus.JobFailed {
					f.log.Warn("event", logx.String("type", e.Type), logx.Any("data", e.Data))
					continue
				}
				f.log.Debug("event", logx.String("type", e.Type), logx.String("tenant", e.Tenant))
			}
		}
	})
}

// Stop shuts components down in reverse start order. Each step gets at most
// its own budget and never more than ctx allows.
func (f *Fabric) Stop(ctx context.Context, reason StopReason) error {
	if f.sup == nil {
		f.closeResources()
		return nil
	}
	f.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			f.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			f.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			f.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("http", 5*time.Second, f.server.Stop)
	step("followups", f.flushTimeout, f.followups.Stop)
	step("jobs", 10*time.Second, f.store.Stop)
	step("throttle", 5*time.Second, f.throttle.Stop)
	step("realtime", 2*time.Second, f.hub.Stop)
	f.bridge.Close()
	step("supervisor", 3*time.Second, f.sup.Stop)
	f.closeResources()

	f.log.Info("stopped")
	if f.logs != nil {
		_ = f.logs.Close()
	}
	return errors.Join(errs...)
}

func (f *Fabric) closeResources() {
	if f.sender != nil {
		if err := f.sender.Close(); err != nil {
			f.log.Warn("close sender", logx.Err(err))
		}
		f.sender = nil
	}
	if f.rdb != nil {
		_ = f.rdb.Close()
		f.rdb = nil
	}
	if f.db != nil {
		_ = f.db.Close()
		f.db = nil
	}
}
