package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Builder describes a task before it is scheduled. It is a value: every
// method returns a modified copy, so a Builder can be shared and reused and
// nothing can change a task after Schedule has captured its configuration.
//
//	t, err := s.Builder().Named("flush").After(time.Second).Every(time.Minute).Schedule(ctx, flush)
type Builder struct {
	s        *Scheduler
	name     string
	delay    time.Duration
	interval time.Duration
	cron     string
	spec     string
	blocking bool
	err      error
}

// Builder starts an empty task description: one-shot, no delay, non-blocking.
func (s *Scheduler) Builder() Builder { return Builder{s: s} }

// After is shorthand for s.Builder().After(d).
func (s *Scheduler) After(d time.Duration) Builder { return s.Builder().After(d) }

// Every is shorthand for s.Builder().Every(d).
func (s *Scheduler) Every(d time.Duration) Builder { return s.Builder().Every(d) }

// Named sets the name used in logs, metrics and history.
func (b Builder) Named(name string) Builder {
	b.name = strings.TrimSpace(name)
	return b
}

// After delays the first execution by d.
func (b Builder) After(d time.Duration) Builder {
	if d < 0 && b.err == nil {
		b.err = fmt.Errorf("%w: negative delay %s", ErrInvalidTask, d)
	}
	b.delay = d
	return b
}

// Every repeats the task at a fixed rate of d after the first execution.
// Zero makes the task one-shot again.
func (b Builder) Every(d time.Duration) Builder {
	if d < 0 && b.err == nil {
		b.err = fmt.Errorf("%w: negative interval %s", ErrInvalidTask, d)
	}
	b.interval = d
	b.cron, b.spec = "", ""
	return b
}

// Cron repeats the task on a cron expression (seconds field optional) in the
// scheduler's timezone. The delay, if any, is ignored.
func (b Builder) Cron(expr string) Builder {
	b.cron = strings.TrimSpace(expr)
	b.interval, b.spec = 0, ""
	return b
}

// Spec accepts anything ParseSchedule does: cron, Go durations or HH:MM.
func (b Builder) Spec(raw string) Builder {
	b.spec = raw
	b.interval, b.cron = 0, ""
	return b
}

// Block makes Schedule wait until the task is finished or cancelled.
func (b Builder) Block() Builder {
	b.blocking = true
	return b
}

// Schedule registers the task and arms its first firing. When the builder is
// blocking it waits for the task to finish (or be cancelled) or for ctx to
// end, in which case the task is returned along with ctx.Err() and keeps
// running.
func (b Builder) Schedule(ctx context.Context, body Body) (*Task, error) {
	if b.s == nil {
		return nil, fmt.Errorf("%w: builder not bound to a scheduler", ErrInvalidTask)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if body == nil {
		return nil, fmt.Errorf("%w: nil body", ErrInvalidTask)
	}
	if b.err != nil {
		return nil, b.err
	}

	var trig Trigger
	cronExpr := b.cron
	interval := b.interval
	if b.spec != "" {
		ps, err := ParseSchedule(b.spec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		switch ps.Kind {
		case SpecCron:
			cronExpr = ps.Cron
		case SpecInterval:
			interval = ps.Every
		}
	}
	switch {
	case cronExpr != "":
		sched, err := b.s.parser.Parse(cronExpr)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidTask, cronExpr, err)
		}
		trig = cronTrigger{spec: cronExpr, sched: sched, loc: b.s.loc}
		if trig.Next(b.s.clock.Now()).IsZero() {
			return nil, fmt.Errorf("%w: cron %q never fires", ErrInvalidTask, cronExpr)
		}
	case interval > 0:
		trig = fixedRate(interval)
	}

	name := b.name
	if name == "" {
		name = defaultTaskName
	}
	t, err := b.s.schedule(taskSpec{
		name:     name,
		delay:    b.delay,
		interval: interval,
		cron:     cronExpr,
		trigger:  trig,
		blocking: b.blocking,
		body:     body,
	})
	if err != nil || !b.blocking {
		return t, err
	}

	select {
	case <-t.Done():
		return t, nil
	case <-ctx.Done():
		return t, ctx.Err()
	}
}
