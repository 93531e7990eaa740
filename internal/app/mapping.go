package app

import (
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"chatfabric/internal/config"
	"chatfabric/internal/eventbus"
	"chatfabric/internal/httpapi"
	"chatfabric/internal/jobstore"
	"chatfabric/internal/jobstore/asynqstore"
	"chatfabric/internal/jobstore/memory"
	"chatfabric/internal/messaging"
	"chatfabric/internal/redemption"
	"chatfabric/internal/storage"
	"chatfabric/internal/throttle"
	"chatfabric/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config, d config.Durations) storage.Config {
	driver := strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" && driver == "sqlite" {
		dsn = "./data/fabric.db"
	}
	return storage.Config{
		Driver:       driver,
		DSN:          dsn,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		BusyTimeout:  d.BusyTimeout,
	}
}

func mapThrottle(cfg *config.Config, d config.Durations) throttle.Config {
	return throttle.Config{Window: d.ThrottleWindow, GlobalRate: cfg.Throttle.GlobalRate}
}

func mapMessaging(cfg *config.Config, d config.Durations) messaging.Config {
	return messaging.Config{
		Driver: cfg.Messaging.Driver,
		Telegram: messaging.TelegramConfig{
			Token:       cfg.Messaging.Telegram.Token,
			SendTimeout: d.SendTimeout,
		},
		AMQP: messaging.AMQPConfig{
			URL:        cfg.Messaging.AMQP.URL,
			Exchange:   cfg.Messaging.AMQP.Exchange,
			RoutingKey: cfg.Messaging.AMQP.RoutingKey,
		},
	}
}

func mapRedemption(cfg *config.Config, d config.Durations) redemption.Config {
	return redemption.Config{
		Timezone:    cfg.Redemption.Timezone,
		RaceRetries: cfg.Redemption.RaceRetries,
		RaceBackoff: d.RaceBackoff,
	}
}

func mapServer(cfg *config.Config, d config.Durations) httpapi.ServerConfig {
	return httpapi.ServerConfig{Addr: cfg.Server.Addr, ReadTimeout: d.ReadTimeout, IdleTimeout: d.IdleTimeout}
}

func mapRouter(cfg *config.Config) httpapi.Options {
	opts := httpapi.Options{Pprof: cfg.Server.Pprof}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
		if opts.MetricsPath == "" {
			opts.MetricsPath = "/metrics"
		}
	}
	return opts
}

func redisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
}

func newJobStore(cfg *config.Config, d config.Durations, log logx.Logger, bus eventbus.Bus) jobstore.Store {
	backoff := jobstore.Backoff{Base: d.RetryBase, Max: d.RetryMaxDelay}
	if strings.EqualFold(strings.TrimSpace(cfg.Jobs.Driver), "asynq") {
		return asynqstore.New(asynqstore.Config{
			Redis:       asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB},
			Queue:       cfg.Jobs.Queue,
			Concurrency: cfg.Jobs.Workers,
			MaxAttempts: cfg.Jobs.RetryMax,
			Backoff:     backoff,
		}, log, bus)
	}
	return memory.New(memory.Config{
		Workers:     cfg.Jobs.Workers,
		QueueSize:   cfg.Jobs.QueueSize,
		MaxAttempts: cfg.Jobs.RetryMax,
		Backoff:     backoff,
	}, log, bus)
}
