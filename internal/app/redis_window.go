package app

import (
	"context"
	"time"

	"runtimekit/internal/bridge/redisbus"
	"runtimekit/internal/event"
	"runtimekit/internal/expiry"
	logx "runtimekit/pkg/logx"
)

// Length of a redis activity window.
const redisWindowLen = time.Minute

// watchRedisActivity counts relayed messages per channel in fixed windows.
// Each closed window is logged and a new one opened.
func (a *App) watchRedisActivity() error {
	if err := a.openRedisWindow(); err != nil {
		return err
	}
	return event.Subscribe[*redisbus.MessageEvent](a.events, redisbus.KindMessage).
		Order(event.First).
		Consume(func(_ context.Context, ev *redisbus.MessageEvent) error {
			a.winMu.Lock()
			defer a.winMu.Unlock()
			if w := a.redisWindow; w != nil {
				n, _ := w.Get(ev.Channel)
				w.Put(ev.Channel, n+1)
			}
			return nil
		})
}

func (a *App) openRedisWindow() error {
	w, err := expiry.NewCoolDown(a.sched, a.windowLen, a.closeRedisWindow)
	if err != nil {
		return err
	}
	a.winMu.Lock()
	a.redisWindow = w
	a.winMu.Unlock()
	return nil
}

func (a *App) closeRedisWindow(last map[string]uint64) {
	if len(last) > 0 {
		var total uint64
		for _, n := range last {
			total += n
		}
		a.log.Info("redis activity",
			logx.Duration("window", a.windowLen),
			logx.Uint64("messages", total),
			logx.Any("channels", last))
	}
	if err := a.openRedisWindow(); err != nil {
		a.log.Debug("redis activity window not reopened", logx.Err(err))
	}
}

// redisWindowCounts returns per-channel counts of the open window, or nil.
func (a *App) redisWindowCounts() map[string]uint64 {
	a.winMu.Lock()
	w := a.redisWindow
	a.winMu.Unlock()
	if w == nil {
		return nil
	}
	counts := w.Snapshot()
	if len(counts) == 0 {
		return nil
	}
	return counts
}
