package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runtimekit/internal/task/engine"
	logx "runtimekit/pkg/logx"
)

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	return newTestSchedulerCfg(t, Config{Timezone: "UTC"}, logx.Nop(), opts...)
}

func newTestSchedulerCfg(t *testing.T, cfg Config, log logx.Logger, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, engine.New(log), log, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = s.Shutdown(time.Second) })
	return s
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task")
	}
	var zero T
	return zero
}

func TestOneShotRunsAfterDelayAndLeavesRegistry(t *testing.T) {
	s := newTestScheduler(t)
	ran := make(chan time.Time, 1)

	start := time.Now()
	task, err := s.After(50*time.Millisecond).Named("once").Schedule(context.Background(), func(ctx context.Context, _ *Task) error {
		ran <- time.Now()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	got, ok := s.Lookup(task.ID())
	require.True(t, ok)
	require.Same(t, task, got)

	at := recv(t, ran)
	assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)

	<-task.Done()
	assert.Equal(t, StateFinished, task.State())
	assert.Equal(t, uint64(1), task.Runs())
	assert.Equal(t, 0, s.Len())
	_, ok = s.Lookup(task.ID())
	assert.False(t, ok)
}

func TestFailingOneShotIsStillRemoved(t *testing.T) {
	var runs []Run
	var mu sync.Mutex
	obs := ObserverFunc(func(_ context.Context, r Run) {
		mu.Lock()
		runs = append(runs, r)
		mu.Unlock()
	})
	s := newTestScheduler(t, WithObserver(obs))

	task, err := s.Builder().Named("boom").Schedule(context.Background(), func(context.Context, *Task) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	<-task.Done()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(runs) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateFinished, task.State())
	assert.Equal(t, 0, s.Len())
	mu.Lock()
	assert.EqualError(t, runs[0].Err, "boom")
	assert.Equal(t, "boom", runs[0].Name)
	mu.Unlock()
}

func TestFixedRateKeepsGrid(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(t, WithClock(clock))
	ran := make(chan time.Time, 8)

	start := clock.Now()
	task, err := s.Every(time.Second).Named("tick").Schedule(context.Background(), func(context.Context, *Task) error {
		ran <- clock.Now()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, task.Repeating())

	assert.Equal(t, start, recv(t, ran))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 1; i <= 3; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
		assert.Equal(t, start.Add(time.Duration(i)*time.Second), recv(t, ran))
	}

	require.Eventually(t, func() bool { return task.Runs() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateScheduled, task.State())
	assert.Equal(t, 1, s.Len())

	task.Cancel()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.Snapshot().Pending)
}

func TestOverlappingFiringIsSkipped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(t, WithClock(clock))
	started := make(chan struct{}, 4)
	release := make(chan struct{})

	task, err := s.Every(time.Second).Named("slow").Schedule(context.Background(), func(ctx context.Context, _ *Task) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, err)
	recv(t, started)
	assert.Equal(t, StateRunning, task.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return task.Skipped() == 1 }, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return task.Runs() == 1 && task.State() == StateScheduled
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	recv(t, started)
	require.Eventually(t, func() bool { return task.Runs() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), task.Skipped())
}

func TestCancelIsIdempotent(t *testing.T) {
	s := newTestScheduler(t)
	var ran atomic.Bool
	task, err := s.After(time.Hour).Schedule(context.Background(), func(context.Context, *Task) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	task.Cancel()
	task.Cancel()

	assert.Equal(t, StateCancelled, task.State())
	assert.Equal(t, 0, s.Len())
	assert.Error(t, task.Context().Err())
	select {
	case <-task.Done():
	default:
		t.Fatal("done channel not closed after cancel")
	}
	assert.False(t, ran.Load())
}

func TestCancelFromInsideBody(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.Every(5*time.Millisecond).Named("self-cancel").Schedule(context.Background(), func(ctx context.Context, t *Task) error {
		if t.Runs() == 1 {
			t.Cancel()
			if ctx.Err() == nil {
				return errors.New("ctx not cancelled")
			}
		}
		return nil
	})
	require.NoError(t, err)

	recv(t, task.Done())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, uint64(2), task.Runs())
	assert.Equal(t, StateCancelled, task.State())
	assert.Equal(t, 0, s.Len())
}

func TestBlockingScheduleWaitsForCompletion(t *testing.T) {
	s := newTestScheduler(t)
	var ran atomic.Bool
	task, err := s.After(20*time.Millisecond).Block().Schedule(context.Background(), func(context.Context, *Task) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
	assert.True(t, task.Blocking())
	assert.Equal(t, StateFinished, task.State())
}

func TestBlockingScheduleHonoursCallerContext(t *testing.T) {
	s := newTestScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	task, err := s.Schedule(ctx, time.Hour, 0, true, func(context.Context, *Task) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, task)
	assert.Equal(t, StateScheduled, task.State())
	assert.Equal(t, 1, s.Len())
}

func TestScheduleAfterShutdown(t *testing.T) {
	s := newTestScheduler(t)
	drained, err := s.Shutdown(time.Second)
	require.NoError(t, err)
	require.True(t, drained)

	_, err = s.After(time.Millisecond).Schedule(context.Background(), func(context.Context, *Task) error { return nil })
	assert.ErrorIs(t, err, ErrShutdown)
	assert.True(t, s.Snapshot().Closed)
}

func TestShutdownCancelsPendingTasks(t *testing.T) {
	s := newTestScheduler(t)
	pending, err := s.After(5*time.Second).Schedule(context.Background(), func(context.Context, *Task) error { return nil })
	require.NoError(t, err)

	// Nothing was running, so the pool drains even though a task was cancelled.
	drained, err := s.Shutdown(time.Second)
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Equal(t, StateCancelled, pending.State())
	assert.Equal(t, 0, s.Len())
}

func TestShutdownReportsUndrainedBodies(t *testing.T) {
	s := newTestScheduler(t)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	task, err := s.Builder().Named("stubborn").Schedule(context.Background(), func(context.Context, *Task) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	recv(t, started)

	drained, err := s.Shutdown(50 * time.Millisecond)
	assert.False(t, drained)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateCancelled, task.State())
	assert.Equal(t, 0, s.Len())
}

func TestShutdownCancelsCooperativeBodies(t *testing.T) {
	s := newTestScheduler(t)
	started := make(chan struct{})
	_, err := s.Builder().Schedule(context.Background(), func(ctx context.Context, _ *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	recv(t, started)

	drained, err := s.Shutdown(time.Second)
	require.NoError(t, err)
	assert.True(t, drained)
}

func TestPanickingBodyIsContained(t *testing.T) {
	var buf syncBuffer
	runs := make(chan Run, 1)
	s := newTestSchedulerCfg(t, Config{}, logx.NewWriter(&buf, "debug"),
		WithObserver(ObserverFunc(func(_ context.Context, r Run) { runs <- r })))

	task, err := s.Builder().Named("panicky").Schedule(context.Background(), func(context.Context, *Task) error {
		panic("kaboom")
	})
	require.NoError(t, err)

	run := recv(t, runs)
	require.True(t, IsPanic(run.Err))
	assert.Contains(t, run.Err.Error(), "kaboom")
	<-task.Done()
	assert.Equal(t, StateFinished, task.State())
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte("task panicked"))
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidTasksAreRejected(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(context.Context, *Task) error { return nil }

	tests := []struct {
		name string
		b    Builder
		body Body
	}{
		{name: "nil body", b: s.Builder(), body: nil},
		{name: "negative delay", b: s.After(-time.Second), body: noop},
		{name: "negative interval", b: s.Every(-time.Second), body: noop},
		{name: "bad cron", b: s.Builder().Cron("not a cron"), body: noop},
		{name: "bad spec", b: s.Builder().Spec("soon"), body: noop},
		{name: "cron never due", b: s.Builder().Cron("0 0 30 2 *"), body: noop},
		{name: "spec cron never due", b: s.Builder().Spec("cron:0 0 31 4 *"), body: noop},
		{name: "unbound builder", b: Builder{}, body: noop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Schedule(context.Background(), tt.body)
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
	assert.Equal(t, 0, s.Len())
}

func TestBuilderIsImmutable(t *testing.T) {
	s := newTestScheduler(t)
	base := s.After(time.Hour).Named("base")
	repeating := base.Every(time.Minute)

	one, err := base.Schedule(context.Background(), func(context.Context, *Task) error { return nil })
	require.NoError(t, err)
	rep, err := repeating.Schedule(context.Background(), func(context.Context, *Task) error { return nil })
	require.NoError(t, err)

	assert.False(t, one.Repeating())
	assert.True(t, rep.Repeating())
	assert.Equal(t, time.Minute, rep.Interval())
	assert.Equal(t, time.Hour, one.Delay())
	assert.NotEqual(t, one.ID(), rep.ID())
}

func TestCronTriggerUsesTimezone(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC))
	s := newTestSchedulerCfg(t, Config{Timezone: "Asia/Jakarta"}, logx.Nop(), WithClock(clock))

	task, err := s.Builder().Named("daily").Cron("0 0 18 * * *").Schedule(context.Background(), func(context.Context, *Task) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "0 0 18 * * *", task.CronSpec())

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	// 10:00:30 UTC is 17:00:30 in Jakarta (UTC+7).
	want := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	assert.True(t, snap.Tasks[0].Next.Equal(want), "next = %s", snap.Tasks[0].Next)
	assert.Equal(t, "Asia/Jakarta", snap.Timezone)
}

func TestSpecBuildsIntervalOrCron(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(context.Context, *Task) error { return nil }

	iv, err := s.After(time.Hour).Spec("02:30").Schedule(context.Background(), noop)
	require.NoError(t, err)
	assert.Equal(t, 150*time.Minute, iv.Interval())

	cr, err := s.Builder().Spec("@hourly").Schedule(context.Background(), noop)
	require.NoError(t, err)
	assert.Equal(t, "@hourly", cr.CronSpec())
	assert.True(t, cr.Repeating())
}

func TestHistoryIsBounded(t *testing.T) {
	s := newTestSchedulerCfg(t, Config{HistorySize: 2}, logx.Nop())
	for i := 0; i < 3; i++ {
		_, err := s.Builder().Named("h").Block().Schedule(context.Background(), func(context.Context, *Task) error { return nil })
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 2 }, time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.Pool.Submitted)
}
