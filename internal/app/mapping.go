package app

import (
	"strings"
	"time"

	"runtimekit/internal/bridge/redisbus"
	"runtimekit/internal/config"
	"runtimekit/internal/observability/debughttp"
	"runtimekit/internal/storage"
	"runtimekit/internal/task/scheduler"
	logx "runtimekit/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
		HistorySize:    cfg.Scheduler.HistorySize,
		FailureLogRate: cfg.Logging.FailureRatePerSec,
	}
}

// eventFailureRate falls back to the logging-wide cap when events has none.
func eventFailureRate(cfg *config.Config) int {
	if cfg.Events.FailureRatePerSec > 0 {
		return cfg.Events.FailureRatePerSec
	}
	return cfg.Logging.FailureRatePerSec
}

func mapRedisConfig(cfg *config.Config) (redisbus.Config, bool) {
	r := cfg.Redis
	if r == nil || !r.Enabled {
		return redisbus.Config{}, false
	}
	return redisbus.Config{
		Addr:     strings.TrimSpace(r.Addr),
		Password: r.Password,
		DB:       r.DB,
		Channels: r.Channels,
		Async:    r.Async,
	}, true
}

func mapDebugConfig(cfg *config.Config) (debughttp.Config, bool) {
	d := cfg.Debug
	if d == nil || !d.Enabled {
		return debughttp.Config{}, false
	}
	return debughttp.Config{
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		IdleTimeout:   time.Minute,
	}, true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retention:   retention,
	}, true, nil
}

func runRecord(run scheduler.Run) storage.RunRecord {
	rec := storage.RunRecord{
		At:         run.Started,
		TaskID:     run.TaskID.String(),
		Name:       run.Name,
		TookMS:     run.Duration.Milliseconds(),
		LatenessMS: run.Lateness.Milliseconds(),
	}
	if run.Err != nil {
		rec.Error = run.Err.Error()
	}
	return rec
}
