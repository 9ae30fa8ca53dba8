package app

import (
	"context"
	"time"

	rtsup "runtimekit/internal/runtime/supervisor"
	"runtimekit/internal/storage"
	"runtimekit/internal/task/scheduler"
	logx "runtimekit/pkg/logx"
)

const statusRecentRuns = 20

// Status is the document served by the debug server.
type Status struct {
	Time          time.Time           `json:"time"`
	Heartbeats    uint64              `json:"heartbeats"`
	Stalls        uint64              `json:"heartbeat_stalls"`
	Subscriptions int                 `json:"subscriptions"`
	Scheduler     scheduler.Snapshot  `json:"scheduler"`
	Supervisor    *rtsup.Counters     `json:"supervisor,omitempty"`
	Redis         *RedisStatus        `json:"redis,omitempty"`
	RecentRuns    []storage.RunRecord `json:"recent_runs,omitempty"`
}

type RedisStatus struct {
	Channels []string `json:"channels"`
	Received uint64   `json:"received"`
	// Window counts messages per channel in the current activity window.
	Window map[string]uint64 `json:"window,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		Time:          time.Now(),
		Heartbeats:    a.beats.Load(),
		Stalls:        a.stalls.Load(),
		Subscriptions: a.events.Len(),
		Scheduler:     a.sched.Snapshot(),
	}
	if a.sup != nil {
		c := a.sup.Counters()
		st.Supervisor = &c
	}
	if a.bridge != nil {
		st.Redis = &RedisStatus{
			Channels: a.bridge.Channels(),
			Received: a.bridge.Received(),
			Window:   a.redisWindowCounts(),
		}
	}
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runs, err := a.store.RecentRuns(ctx, "", statusRecentRuns)
		if err != nil {
			a.log.Warn("status: run history read failed", logx.Err(err))
		}
		st.RecentRuns = runs
	}
	return st
}
