package config

import "time"

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "25s", "1m") and are parsed by
// the owning component's mapping in internal/app. Fields tagged with env may be
// overridden by FABRIC_* environment variables (see ApplyEnv).
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Jobs       JobsConfig       `json:"jobs"`
	Throttle   ThrottleConfig   `json:"throttle"`
	FollowUp   FollowUpConfig   `json:"followup"`
	Realtime   RealtimeConfig   `json:"realtime"`
	Redemption RedemptionConfig `json:"redemption"`
	Messaging  MessagingConfig  `json:"messaging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type ServerConfig struct {
	Addr            string `json:"addr" env:"HTTP_ADDR,overwrite"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Pprof mounts /debug/pprof on the API router.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level" env:"LOG_LEVEL,overwrite"`
	Format  string        `json:"format,omitempty"` // console | json
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DatabaseConfig selects the SQL backend for campaigns and the redemption ledger.
//
// Driver is "postgres" (DSN is a lib/pq connection string) or "sqlite"
// (DSN is a file path).
type DatabaseConfig struct {
	Driver       string `json:"driver" env:"DB_DRIVER,overwrite"`
	DSN          string `json:"dsn" env:"DB_DSN,overwrite"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	MaxIdleConns int    `json:"max_idle_conns,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR,overwrite"`
	Password string `json:"password,omitempty" env:"REDIS_PASSWORD,overwrite"`
	DB       int    `json:"db,omitempty"`
}

// JobsConfig controls the durable job store.
//
// Defaults (when fields are omitted/zero):
//   - driver: memory
//   - workers: 4
//   - queue_size: 256
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - queue: "fabric"
type JobsConfig struct {
	Driver        string `json:"driver" env:"JOBS_DRIVER,overwrite"` // memory | asynq
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	Queue         string `json:"queue,omitempty"`
}

type ThrottleConfig struct {
	// Window is the minimum gap between two sends to the same channel.
	Window string `json:"window"`
	// GlobalRate caps sends per second across all channels; 0 disables it.
	GlobalRate int `json:"global_rate,omitempty"`
}

type FollowUpConfig struct {
	FlushTimeout string `json:"flush_timeout,omitempty"`
}

type RealtimeConfig struct {
	Heartbeat    string `json:"heartbeat,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// QueueSize bounds frames waiting per client before it is dropped.
	QueueSize int `json:"queue_size,omitempty"`
	// Relay fans events out to other instances through Redis pub/sub.
	Relay RelayConfig `json:"relay"`
}

type RelayConfig struct {
	Enabled bool   `json:"enabled"`
	Channel string `json:"channel,omitempty"`
}

type RedemptionConfig struct {
	// Timezone is the reporting zone used to compute the per-day key.
	Timezone    string `json:"timezone,omitempty"`
	RaceRetries int    `json:"race_retries,omitempty"`
	RaceBackoff string `json:"race_backoff,omitempty"`
}

type MessagingConfig struct {
	Driver   string                  `json:"driver" env:"MESSAGING_DRIVER,overwrite"` // log | telegram | amqp
	Telegram TelegramMessagingConfig `json:"telegram"`
	AMQP     AMQPMessagingConfig     `json:"amqp"`
}

type TelegramMessagingConfig struct {
	Token       string `json:"token,omitempty" env:"TELEGRAM_TOKEN,overwrite"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type AMQPMessagingConfig struct {
	URL        string `json:"url,omitempty" env:"AMQP_URL,overwrite"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// Durations holds the parsed duration fields of a Config.
type Durations struct {
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	BusyTimeout     time.Duration
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	ThrottleWindow  time.Duration
	FlushTimeout    time.Duration
	Heartbeat       time.Duration
	WriteTimeout    time.Duration
	RaceBackoff     time.Duration
	SendTimeout     time.Duration
}
