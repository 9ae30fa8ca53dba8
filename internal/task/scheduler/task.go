package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "runtimekit/pkg/logx"
)

// Task is a unit of deferred, optionally repeating work. Its configuration is
// fixed at Schedule time; only its state changes afterwards.
type Task struct {
	id       uuid.UUID
	name     string
	delay    time.Duration
	interval time.Duration
	cron     string
	trigger  Trigger // nil for one-shot tasks
	blocking bool
	body     Body

	s      *Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	entry  *entry

	state    atomic.Int32
	inflight atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
}

func (t *Task) ID() uuid.UUID { return t.id }

func (t *Task) Name() string { return t.name }

func (t *Task) Delay() time.Duration { return t.delay }

// Interval is the fixed-rate period; zero for one-shot and cron tasks.
func (t *Task) Interval() time.Duration { return t.interval }

// CronSpec is the cron expression of a cron-triggered task, or "".
func (t *Task) CronSpec() string { return t.cron }

func (t *Task) Blocking() bool { return t.blocking }

// Repeating reports whether the task fires more than once.
func (t *Task) Repeating() bool { return t.trigger != nil }

// Runs is the number of completed body executions.
func (t *Task) Runs() uint64 { return t.runs.Load() }

// Skipped counts firings dropped because the previous run was still in flight.
func (t *Task) Skipped() uint64 { return t.skipped.Load() }

func (t *Task) State() State { return State(t.state.Load()) }

// Done is closed when the task is finished or cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Context is the cancellation token handed to the body.
func (t *Task) Context() context.Context { return t.ctx }

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s)", t.name, t.id)
}

// Cancel stops all future executions. It may be called from any goroutine,
// including from inside the task's own body; calls after the first are
// no-ops. A body that is already running is not interrupted, but its ctx is
// cancelled.
func (t *Task) Cancel() {
	for {
		cur := State(t.state.Load())
		if cur == StateFinished || cur == StateCancelled {
			return
		}
		if t.state.CompareAndSwap(int32(cur), int32(StateCancelled)) {
			break
		}
	}
	t.cancel()
	t.s.driver.remove(t.entry)
	t.s.registry.remove(t.id)
	t.s.metrics.TaskCancelled(context.Background(), t.name)
	t.s.log.Debug("task cancelled", logx.String("task", t.name), logx.String("id", t.id.String()))
	t.release()
}

func (t *Task) release() {
	t.doneOnce.Do(func() { close(t.done) })
}

// fire is called by the driver when the task is due. It must not block.
func (t *Task) fire(due time.Time) {
	if t.State() == StateCancelled {
		return
	}
	if t.trigger != nil {
		if next := t.trigger.Next(due); !next.IsZero() {
			t.s.driver.reschedule(t.entry, next, func() bool {
				return t.State() != StateCancelled
			})
		}
	}
	if !t.inflight.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.s.metrics.TaskSkipped(t.ctx, t.name)
		t.s.log.Debug("task firing skipped, previous run still in flight", logx.String("task", t.name))
		return
	}
	if err := t.s.pool.Submit("task:"+t.name, func(context.Context) { t.run(due) }); err != nil {
		t.inflight.Store(false)
		t.s.log.Debug("task firing dropped", logx.String("task", t.name), logx.Err(err))
	}
}

func (t *Task) run(due time.Time) {
	defer t.inflight.Store(false)
	if !t.state.CompareAndSwap(int32(StateScheduled), int32(StateRunning)) {
		return
	}

	started := t.s.clock.Now()
	err := t.invoke()
	dur := t.s.clock.Since(started)
	t.runs.Add(1)

	if t.trigger != nil {
		t.state.CompareAndSwap(int32(StateRunning), int32(StateScheduled))
	} else if t.state.CompareAndSwap(int32(StateRunning), int32(StateFinished)) {
		t.s.registry.remove(t.id)
		t.cancel()
		t.release()
	}

	lateness := started.Sub(due)
	if lateness < 0 {
		lateness = 0
	}
	t.s.record(Run{
		TaskID:   t.id,
		Name:     t.name,
		Started:  started,
		Duration: dur,
		Lateness: lateness,
		Err:      err,
	})
}

func (t *Task) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: logx.StackTrace(3, 32)}
		}
	}()
	return t.body(t.ctx, t)
}

// IsPanic reports whether err came from a panicking body.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
