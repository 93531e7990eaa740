package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurations parses every duration field of cfg, applying defaults.
// The first invalid field is reported with its config path.
func ParseDurations(cfg *Config) (Durations, error) {
	var (
		d   Durations
		err error
	)
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout, 15 * time.Second, &d.ReadTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout, 2 * time.Minute, &d.IdleTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout, 15 * time.Second, &d.ShutdownTimeout},
		{"database.busy_timeout", cfg.Database.BusyTimeout, 5 * time.Second, &d.BusyTimeout},
		{"jobs.retry_base", cfg.Jobs.RetryBase, 500 * time.Millisecond, &d.RetryBase},
		{"jobs.retry_max_delay", cfg.Jobs.RetryMaxDelay, 15 * time.Second, &d.RetryMaxDelay},
		{"throttle.window", cfg.Throttle.Window, time.Second, &d.ThrottleWindow},
		{"followup.flush_timeout", cfg.FollowUp.FlushTimeout, 10 * time.Second, &d.FlushTimeout},
		{"realtime.heartbeat", cfg.Realtime.Heartbeat, 25 * time.Second, &d.Heartbeat},
		{"realtime.write_timeout", cfg.Realtime.WriteTimeout, 10 * time.Second, &d.WriteTimeout},
		{"redemption.race_backoff", cfg.Redemption.RaceBackoff, 25 * time.Millisecond, &d.RaceBackoff},
		{"messaging.telegram.send_timeout", cfg.Messaging.Telegram.SendTimeout, 10 * time.Second, &d.SendTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return Durations{}, err
		}
	}
	return d, nil
}
