package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatfabric/pkg/logx"
)

// Validate checks semantic constraints that the strict decoder cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := ParseDurations(cfg); err != nil {
		errs = append(errs, err)
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Database.Driver)) {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", cfg.Database.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Jobs.Driver)) {
	case "", "memory":
	case "asynq":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			errs = append(errs, errors.New("jobs.driver=asynq requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("jobs.driver: unsupported %q", cfg.Jobs.Driver))
	}
	if cfg.Realtime.Relay.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		errs = append(errs, errors.New("realtime.relay.enabled requires redis.addr"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Messaging.Driver)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(cfg.Messaging.Telegram.Token) == "" {
			errs = append(errs, errors.New("messaging.telegram.token is required"))
		}
	case "amqp":
		if strings.TrimSpace(cfg.Messaging.AMQP.URL) == "" {
			errs = append(errs, errors.New("messaging.amqp.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("messaging.driver: unsupported %q", cfg.Messaging.Driver))
	}
	if cfg.Throttle.GlobalRate < 0 {
		errs = append(errs, errors.New("throttle.global_rate must be >= 0"))
	}
	if cfg.Realtime.QueueSize < 0 {
		errs = append(errs, errors.New("realtime.queue_size must be >= 0"))
	}
	if cfg.Redemption.RaceRetries < 0 {
		errs = append(errs, errors.New("redemption.race_retries must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Redemption.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("redemption.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}
