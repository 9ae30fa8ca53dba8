package config

// Config is the runtimekit daemon configuration. JSON, YAML and TOML files
// all decode into it through the same strict JSON decoder.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Events    EventsConfig    `json:"events,omitempty"`
	Metrics   MetricsConfig   `json:"metrics"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`

	// Optional sections; nil means disabled.
	Redis   *RedisConfig   `json:"redis,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   *DebugConfig   `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// FailureRatePerSec caps "task failed" records per second. 0 disables the cap.
	FailureRatePerSec int `json:"failure_rate_per_sec,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the task scheduler.
//
// Defaults (when fields are omitted/zero):
//   - timezone: local time
//   - shutdown_grace: "10s"
//   - history_size: 200
type SchedulerConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type EventsConfig struct {
	// FailureRatePerSec caps "event handler failed" records per second.
	// 0 falls back to logging.failure_rate_per_sec.
	FailureRatePerSec int `json:"failure_rate_per_sec,omitempty"`
}

// RedisConfig controls the Redis pub/sub bridge.
//
// Example:
//
//	"redis": { "enabled": true, "addr": "localhost:6379", "channels": ["runtimekit"] }
type RedisConfig struct {
	Enabled  bool     `json:"enabled"`
	Addr     string   `json:"addr"`
	Password string   `json:"password,omitempty"` // do not log
	DB       int      `json:"db,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Async    bool     `json:"async,omitempty"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/runtimekit.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// DebugConfig controls the debug HTTP server (health, status JSON, pprof).
// A non-loopback addr requires a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// HeartbeatConfig schedules a periodic liveness task. Schedule accepts cron,
// Go durations or HH:MM. Empty disables it.
type HeartbeatConfig struct {
	Schedule string `json:"schedule,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true, FailureRatePerSec: 5},
		Scheduler: SchedulerConfig{ShutdownGrace: "10s", HistorySize: 200},
		Metrics:   MetricsConfig{Enabled: true},
		Heartbeat: HeartbeatConfig{Schedule: "@every 1m"},
	}
}
