package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"runtimekit/internal/bridge/redisbus"
	"runtimekit/internal/config"
	"runtimekit/internal/event"
	"runtimekit/internal/observability/debughttp"
	"runtimekit/internal/task/scheduler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Heartbeat.Schedule = "20ms"
	cfg.Scheduler.ShutdownGrace = "2s"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func hasMetric(rm metricdata.ResourceMetrics, name string) bool {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}

func TestAppWiresEveryComponent(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis = &config.RedisConfig{Enabled: true, Addr: mr.Addr(), Channels: []string{"rk"}}
	cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "rk.db")}

	a := startApp(t, cfg)
	require.NotNil(t, a.Store())
	require.NotNil(t, a.Bridge())

	// heartbeat task fires through the scheduler and the event registry
	require.Eventually(t, func() bool { return a.Heartbeats() >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, a.Events().Subscribers(KindHeartbeat))

	// every run lands in the run history
	require.Eventually(t, func() bool {
		runs, err := a.Store().RecentRuns(context.Background(), "heartbeat", 5)
		return err == nil && len(runs) > 0 && runs[0].OK()
	}, 3*time.Second, 10*time.Millisecond)

	// redis messages become events
	got := make(chan string, 1)
	require.NoError(t, event.Subscribe[*redisbus.MessageEvent](a.Events(), redisbus.KindMessage).
		Consume(func(_ context.Context, ev *redisbus.MessageEvent) error {
			got <- ev.Payload
			return nil
		}))
	_, err := a.Bridge().Publish(context.Background(), "rk", "ping")
	require.NoError(t, err)
	select {
	case p := <-got:
		assert.Equal(t, "ping", p)
	case <-time.After(3 * time.Second):
		t.Fatal("redis message not delivered")
	}

	rm, err := a.CollectMetrics(context.Background())
	require.NoError(t, err)
	assert.True(t, hasMetric(rm, "runtimekit.task.runs"))
	assert.True(t, hasMetric(rm, "runtimekit.event.fired"))
}

func TestAppMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Heartbeat.Schedule = ""
	a := startApp(t, cfg)

	_, err := a.CollectMetrics(context.Background())
	assert.ErrorIs(t, err, ErrMetricsDisabled)
	assert.Nil(t, a.Store())
	assert.Nil(t, a.Bridge())
	assert.Zero(t, a.Scheduler().Len())
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Timezone = "Nowhere/Special"
	_, err := NewWithConfig(context.Background(), cfg)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.Redis = &config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"}
	_, err = NewWithConfig(context.Background(), cfg)
	require.Error(t, err)
}

func TestAppStopIsIdempotentAndCancelsTasks(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	started := make(chan struct{})
	task, err := a.Scheduler().After(0).Named("waiter").Schedule(context.Background(), func(ctx context.Context, _ *scheduler.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, a.Stop(context.Background(), StopAppStop))
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task not released by stop")
	}
	assert.Equal(t, scheduler.StateCancelled, task.State())
	assert.True(t, a.Scheduler().Closed())

	_, err = a.Scheduler().After(time.Millisecond).Schedule(context.Background(), func(context.Context, *scheduler.Task) error { return nil })
	assert.True(t, errors.Is(err, scheduler.ErrShutdown))
	<-a.Done()
}

func TestAppHotReloadsHeartbeat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtimekit.yaml")
	write := func(schedule string) {
		body := "logging:\n  level: error\n  console: true\n  file: {enabled: false, path: \"\"}\n" +
			"scheduler: {shutdown_grace: 2s}\n" +
			"metrics: {enabled: false}\n" +
			"heartbeat: {schedule: \"" + schedule + "\"}\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("")

	a, err := New(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })
	assert.Zero(t, a.Scheduler().Len())

	// Give the watcher a moment to install before editing.
	time.Sleep(100 * time.Millisecond)
	write("20ms")
	require.Eventually(t, func() bool { return a.Heartbeats() > 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "20ms", strings.TrimSpace(a.Config().Heartbeat.Schedule))

	write("")
	require.Eventually(t, func() bool { return a.Scheduler().Len() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestAppServesStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Debug = &config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}
	a := startApp(t, cfg)
	require.Eventually(t, func() bool { return a.Heartbeats() > 0 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := a.Debug().Addr(ctx)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + debughttp.StatusPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Heartbeats uint64 `json:"heartbeats"`
		Scheduler  struct {
			Tasks []struct {
				Name  string
				State string
			}
		} `json:"scheduler"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Positive(t, doc.Heartbeats)
	var found bool
	for _, task := range doc.Scheduler.Tasks {
		if task.Name == "heartbeat" {
			found = true
			assert.Contains(t, []string{"SCHEDULED", "RUNNING"}, task.State)
		}
	}
	assert.True(t, found, "heartbeat task missing from status")
}

func TestAppReportsStalledHeartbeat(t *testing.T) {
	cfg := testConfig(t)
	a := startApp(t, cfg)
	require.Eventually(t, func() bool { return a.Heartbeats() > 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, a.Status().Stalls)

	// Kill the heartbeat task but leave the watchdog armed.
	a.hbMu.Lock()
	a.heartbeat.Cancel()
	a.hbMu.Unlock()

	require.Eventually(t, func() bool { return a.Status().Stalls > 0 }, 3*time.Second, 10*time.Millisecond)

	// Disabling the heartbeat disarms the watchdog too.
	require.NoError(t, a.scheduleHeartbeat(""))
	require.Eventually(t, func() bool { return a.Scheduler().Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAppCountsRedisActivityPerWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Heartbeat.Schedule = ""
	cfg.Redis = &config.RedisConfig{Enabled: true, Addr: mr.Addr(), Channels: []string{"a", "b"}}

	a, err := NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	a.windowLen = time.Second
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	for _, ch := range []string{"a", "a", "b"} {
		_, err := a.Bridge().Publish(context.Background(), ch, "x")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		w := a.Status().Redis.Window
		return w["a"] == 2 && w["b"] == 1
	}, 800*time.Millisecond, 5*time.Millisecond)

	// The window closes and a fresh, empty one takes its place.
	require.Eventually(t, func() bool { return a.Status().Redis.Window == nil }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(3), a.Status().Redis.Received)
}

func TestAppRestartNoticeLoggedOncePerWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Heartbeat.Schedule = ""
	a := startApp(t, cfg)

	changed := *cfg
	changed.Scheduler.HistorySize = cfg.Scheduler.HistorySize + 1
	a.apply(cfg, &changed)
	assert.True(t, a.notices.Has("restart:scheduler"))
	assert.Equal(t, 1, a.Scheduler().Len())

	// A second change to the same section does not add another notice.
	a.apply(cfg, &changed)
	assert.Equal(t, 1, a.notices.Len())
	assert.Equal(t, 1, a.Scheduler().Len())
}
