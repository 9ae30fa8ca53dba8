package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"runtimekit/internal/task/scheduler"
)

// ParseDurationField parses an optional duration. Empty means 0.
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

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
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

// ShutdownGrace is scheduler.shutdown_grace with its default applied.
func (c *Config) ShutdownGrace() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.shutdown_grace", c.Scheduler.ShutdownGrace, scheduler.DefaultShutdownGrace)
	if err != nil {
		return scheduler.DefaultShutdownGrace
	}
	return d
}

// Validate checks everything that can be checked without side effects.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}
	if cfg.Logging.FailureRatePerSec < 0 || cfg.Events.FailureRatePerSec < 0 {
		errs = append(errs, errors.New("failure_rate_per_sec: must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if _, err := ParseDurationField("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace); err != nil {
		errs = append(errs, err)
	}
	if cfg.Scheduler.HistorySize < 0 {
		errs = append(errs, errors.New("scheduler.history_size: must be >= 0"))
	}

	if s := strings.TrimSpace(cfg.Heartbeat.Schedule); s != "" {
		if err := scheduler.ValidateSchedule(s); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat.schedule: %w", err))
		}
	}

	if r := cfg.Redis; r != nil && r.Enabled {
		if strings.TrimSpace(r.Addr) == "" {
			errs = append(errs, errors.New("redis.addr: required when redis is enabled"))
		}
		if r.DB < 0 {
			errs = append(errs, errors.New("redis.db: must be >= 0"))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path: required for sqlite"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.retention", st.Retention); err != nil {
			errs = append(errs, err)
		}
	}
	if d := cfg.Debug; d != nil && d.Enabled {
		if addr := strings.TrimSpace(d.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("debug.addr: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
