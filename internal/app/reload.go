package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"runtimekit/internal/config"
	logx "runtimekit/pkg/logx"
)

// Sections that are read once at construction.
var restartSections = []string{"debug", "events", "metrics", "redis", "scheduler", "storage"}

// A restart warning for a section is not repeated within this window.
const restartNoticeWindow = 10 * time.Minute

// reloadLoop applies hot-reloaded configs until ctx ends. Logging and the
// heartbeat schedule change live; everything else needs a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.Config()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, _ := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if slices.Contains(sections, "heartbeat") {
		if err := a.scheduleHeartbeat(newCfg.Heartbeat.Schedule); err != nil {
			a.log.Warn("heartbeat reschedule failed", logx.Err(err))
		}
	}

	var pending []string
	for _, s := range sections {
		if !slices.Contains(restartSections, s) || a.notices.Has("restart:"+s) {
			continue
		}
		if err := a.notices.SetFor("restart:"+s, newCfg, restartNoticeWindow, nil); err != nil {
			a.log.Debug("restart notice not remembered", logx.String("section", s), logx.Err(err))
		}
		pending = append(pending, s)
	}
	if len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}
}
