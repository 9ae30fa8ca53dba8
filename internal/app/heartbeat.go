package app

import (
	"context"
	"strings"
	"time"

	"runtimekit/internal/event"
	"runtimekit/internal/expiry"
	"runtimekit/internal/task/scheduler"
	logx "runtimekit/pkg/logx"
)

// KindHeartbeat is fired by the heartbeat task.
const KindHeartbeat event.Kind = "runtimekit.heartbeat"

// HeartbeatEvent reports that the scheduler is alive. Seq starts at 1.
type HeartbeatEvent struct {
	event.Base
	Seq   uint64
	At    time.Time
	Tasks int
}

func (a *App) subscribeHeartbeat() error {
	return event.Subscribe[*HeartbeatEvent](a.events, KindHeartbeat).
		Order(event.Late).
		Consume(func(_ context.Context, ev *HeartbeatEvent) error {
			a.log.Debug("heartbeat", logx.Uint64("seq", ev.Seq), logx.Int("tasks", ev.Tasks))
			a.feedWatchdog()
			return nil
		})
}

// Heartbeats that miss this many periods are reported as stalled.
const stallPeriods = 3

func (a *App) feedWatchdog() {
	a.hbMu.Lock()
	defer a.hbMu.Unlock()
	// A beat from a task that was just replaced or disabled must not re-arm.
	if a.heartbeat == nil || a.watchdog == nil {
		return
	}
	if err := a.watchdog.Reset(); err != nil {
		a.log.Debug("heartbeat watchdog not re-armed", logx.Err(err))
	}
}

func (a *App) heartbeatStalled(context.Context) {
	a.stalls.Add(1)
	a.log.Warn("heartbeat stalled", logx.Uint64("last_seq", a.beats.Load()))
}

// scheduleHeartbeat replaces the heartbeat task with one following spec.
// An empty spec only cancels the current one.
func (a *App) scheduleHeartbeat(spec string) error {
	spec = strings.TrimSpace(spec)

	a.hbMu.Lock()
	defer a.hbMu.Unlock()
	if a.heartbeat != nil {
		a.heartbeat.Cancel()
		a.heartbeat = nil
	}
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
	if spec == "" {
		a.log.Info("heartbeat disabled")
		return nil
	}

	t, err := a.sched.Builder().Named("heartbeat").Spec(spec).Schedule(context.Background(), func(ctx context.Context, _ *scheduler.Task) error {
		ev := &HeartbeatEvent{
			Base:  event.NewBase(KindHeartbeat, false),
			Seq:   a.beats.Add(1),
			At:    a.sched.Clock().Now(),
			Tasks: a.sched.Len(),
		}
		a.events.Execute(ctx, ev)
		return nil
	})
	if err != nil {
		return err
	}
	a.heartbeat = t

	// Cron heartbeats have no fixed period and are not watched.
	if ps, err := scheduler.ParseSchedule(spec); err == nil && ps.Kind == scheduler.SpecInterval {
		wd, err := expiry.NewEntity(a.sched, stallPeriods*ps.Every, a.heartbeatStalled)
		if err != nil {
			a.log.Warn("heartbeat watchdog not armed", logx.Err(err))
		} else {
			a.watchdog = wd
		}
	}
	a.log.Info("heartbeat scheduled", logx.String("schedule", spec), logx.String("task", t.ID().String()))
	return nil
}

// Heartbeats returns how many heartbeats fired so far.
func (a *App) Heartbeats() uint64 { return a.beats.Load() }
