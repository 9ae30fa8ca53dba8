package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"runtimekit/internal/observability/metrics"
	"runtimekit/internal/task/engine"
	logx "runtimekit/pkg/logx"
)

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests with clockwork.NewFakeClock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithObserver adds an observer notified after every body execution.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.metrics = r
		}
	}
}

// Scheduler runs deferred and repeating tasks on a worker pool. A single
// timer driver decides when tasks are due; bodies always run on the pool.
//
// The scheduler takes ownership of the pool: Shutdown also shuts the pool.
type Scheduler struct {
	cfg   Config
	log   logx.Logger
	loc   *time.Location
	clock clockwork.Clock

	parser    cron.Parser
	pool      *engine.Pool
	driver    *driver
	registry  *registry
	metrics   metrics.Recorder
	observers []Observer
	failLog   *logx.Throttle

	// ctx parents every task context; cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders Schedule against Shutdown: schedule holds it for reading.
	mu     sync.RWMutex
	closed bool

	histMu sync.Mutex
	hist   []HistoryItem
}

func New(cfg Config, pool *engine.Pool, log logx.Logger, opts ...Option) (*Scheduler, error) {
	if pool == nil {
		return nil, fmt.Errorf("scheduler: nil worker pool")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler: load timezone %q: %w", tz, err)
		}
		loc = l
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		loc:      loc,
		clock:    clockwork.NewRealClock(),
		parser:   newCronParser(),
		pool:     pool,
		registry: newRegistry(),
		metrics:  metrics.Noop{},
		failLog:  logx.NewThrottle(cfg.FailureLogRate),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.driver = newDriver(s.clock, func(e *entry) { e.task.fire(e.due) })
	s.log.Debug("scheduler started", logx.String("tz", loc.String()))
	return s, nil
}

// Schedule is the flat form of the Builder: delay before the first run,
// repeat > 0 for a fixed-rate task, blocking to wait for completion.
func (s *Scheduler) Schedule(ctx context.Context, delay, repeat time.Duration, blocking bool, body Body) (*Task, error) {
	b := s.Builder().After(delay).Every(repeat)
	if blocking {
		b = b.Block()
	}
	return b.Schedule(ctx, body)
}

type taskSpec struct {
	name     string
	delay    time.Duration
	interval time.Duration
	cron     string
	trigger  Trigger
	blocking bool
	body     Body
}

func (s *Scheduler) schedule(ts taskSpec) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrShutdown
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &Task{
		id:       uuid.New(),
		name:     ts.name,
		delay:    ts.delay,
		interval: ts.interval,
		cron:     ts.cron,
		trigger:  ts.trigger,
		blocking: ts.blocking,
		body:     ts.body,
		s:        s,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.entry = &entry{task: t, index: -1}
	t.state.Store(int32(StateScheduled))

	now := s.clock.Now()
	due := now.Add(ts.delay)
	if _, ok := ts.trigger.(cronTrigger); ok {
		due = ts.trigger.Next(now)
	}

	s.registry.add(t)
	if !s.driver.add(t.entry, due) {
		s.registry.remove(t.id)
		cancel()
		return nil, ErrShutdown
	}
	s.metrics.TaskScheduled(ctx, t.name, t.Repeating())
	s.log.Debug("task scheduled",
		logx.String("task", t.name),
		logx.String("id", t.id.String()),
		logx.Duration("delay", ts.delay),
		logx.Duration("interval", ts.interval),
		logx.String("cron", ts.cron),
		logx.Time("due", due),
	)
	return t, nil
}

// Shutdown stops the scheduler and waits up to grace for running bodies.
// See ShutdownContext.
func (s *Scheduler) Shutdown(grace time.Duration) (bool, error) {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.ShutdownContext(ctx)
}

// ShutdownContext rejects new tasks, cancels every registered task, stops the
// timer driver and the pool, then waits for in-flight bodies until ctx ends.
// drained is false when bodies were still running at that point; err then
// carries ctx's error. Calling it again only repeats the wait.
func (s *Scheduler) ShutdownContext(ctx context.Context) (drained bool, err error) {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()

	if !already {
		tasks := s.registry.list()
		for _, t := range tasks {
			t.Cancel()
		}
		s.driver.stop()
		s.cancel()
		s.pool.Shutdown()
		s.log.Info("scheduler shutting down", logx.Int("cancelled", len(tasks)))
	}

	if !s.pool.Await(ctx) {
		s.log.Warn("scheduler shutdown timed out with tasks still running",
			logx.Int64("active", s.pool.Snapshot().Active))
		return false, fmt.Errorf("scheduler: await running tasks: %w", ctx.Err())
	}
	if !already {
		s.log.Info("scheduler stopped")
	}
	return true, nil
}

// Closed reports whether Shutdown has been called.
func (s *Scheduler) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Scheduler) Lookup(id uuid.UUID) (*Task, bool) { return s.registry.get(id) }

// Tasks returns the live tasks sorted by name.
func (s *Scheduler) Tasks() []*Task { return s.registry.list() }

// Len is the number of live tasks.
func (s *Scheduler) Len() int { return s.registry.len() }

func (s *Scheduler) Location() *time.Location { return s.loc }

func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

func (s *Scheduler) record(run Run) {
	s.appendHistory(run)
	s.metrics.TaskRun(s.ctx, run.Name, run.Duration, run.Err)
	for _, o := range s.observers {
		s.notify(o, run)
	}
	if run.Err == nil {
		return
	}
	ok, suppressed := s.failLog.Allow()
	if !ok {
		return
	}
	fields := []logx.Field{
		logx.String("task", run.Name),
		logx.String("id", run.TaskID.String()),
		logx.Duration("took", run.Duration),
		logx.Err(run.Err),
	}
	if suppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", suppressed))
	}
	if pe, isPanic := run.Err.(*PanicError); isPanic {
		fields = append(fields, logx.Stack(pe.Stack))
		s.log.Error("task panicked", fields...)
		return
	}
	s.log.Warn("task failed", fields...)
}

func (s *Scheduler) notify(o Observer, run Run) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task observer panicked", logx.String("task", run.Name), logx.Any("panic", r))
		}
	}()
	o.TaskRan(s.ctx, run)
}

func (s *Scheduler) appendHistory(run Run) {
	item := HistoryItem{
		ID:       run.TaskID.String(),
		Name:     run.Name,
		Started:  run.Started,
		Duration: run.Duration,
	}
	if run.Err != nil {
		item.Error = run.Err.Error()
	}
	s.histMu.Lock()
	s.hist = append(s.hist, item)
	if over := len(s.hist) - s.cfg.HistorySize; over > 0 {
		s.hist = append(s.hist[:0:0], s.hist[over:]...)
	}
	s.histMu.Unlock()
}

// Snapshot returns a diagnostic view: live tasks, pool counters and the most
// recent runs, newest last.
func (s *Scheduler) Snapshot() Snapshot {
	tasks := s.registry.list()
	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		next, _ := s.driver.next(t.entry)
		infos = append(infos, TaskInfo{
			ID:       t.id.String(),
			Name:     t.name,
			State:    t.State(),
			Interval: t.interval,
			Cron:     t.cron,
			Next:     next,
			Runs:     t.Runs(),
			Skipped:  t.Skipped(),
		})
	}
	s.histMu.Lock()
	hist := append([]HistoryItem(nil), s.hist...)
	s.histMu.Unlock()

	return Snapshot{
		Timezone: s.loc.String(),
		Closed:   s.Closed(),
		Pending:  s.driver.len(),
		Tasks:    infos,
		Pool:     s.pool.Snapshot(),
		History:  hist,
	}
}
