package config

import (
	"reflect"
	"sort"
	"strings"

	logx "runtimekit/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like passwords).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.shutdown_grace", strings.TrimSpace(newCfg.Scheduler.ShutdownGrace)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
		)
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	if oldCfg.Heartbeat != newCfg.Heartbeat {
		changed = append(changed, "heartbeat")
		attrs = append(attrs, logx.String("heartbeat.schedule", newCfg.Heartbeat.Schedule))
	}

	// Redis (never log password). Nil means disabled.
	oR, nR := derefRedis(oldCfg.Redis), derefRedis(newCfg.Redis)
	if !reflect.DeepEqual(oR, nR) {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.Bool("redis.enabled", nR.Enabled),
			logx.String("redis.addr", nR.Addr),
			logx.Int("redis.channels", len(nR.Channels)),
			logx.Bool("redis.password_set", nR.Password != ""),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	oD, nD := derefDebug(oldCfg.Debug), derefDebug(newCfg.Debug)
	if oD != nD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nD.Enabled),
			logx.String("debug.addr", nD.Addr),
			logx.Bool("debug.token_set", nD.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefRedis(r *RedisConfig) RedisConfig {
	if r == nil {
		return RedisConfig{}
	}
	return *r
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefDebug(d *DebugConfig) DebugConfig {
	if d == nil {
		return DebugConfig{}
	}
	return *d
}
