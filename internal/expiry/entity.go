package expiry

import (
	"context"
	"sync"
	"time"

	"runtimekit/internal/task/scheduler"
)

// Entity is a resettable one-shot timer, the building block for cached
// values that expire when left untouched for a while.
type Entity struct {
	s      *scheduler.Scheduler
	ttl    time.Duration
	action func(ctx context.Context)

	mu   sync.Mutex
	task *scheduler.Task
	gen  uint64
	done bool
}

// NewEntity arms a timer that runs action after ttl unless Reset first.
func NewEntity(s *scheduler.Scheduler, ttl time.Duration, action func(ctx context.Context)) (*Entity, error) {
	e := &Entity{s: s, ttl: ttl, action: action}
	if err := e.Reset(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reset restarts the timer. An entity that already expired is armed again.
func (e *Entity) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task != nil {
		e.task.Cancel()
	}
	e.gen++
	gen := e.gen
	e.done = false

	t, err := e.s.After(e.ttl).Named("expiry.entity").Schedule(context.Background(), func(ctx context.Context, _ *scheduler.Task) error {
		e.fire(ctx, gen)
		return nil
	})
	if err != nil {
		e.task = nil
		return err
	}
	e.task = t
	return nil
}

func (e *Entity) fire(ctx context.Context, gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.task = nil
	e.mu.Unlock()

	if e.action != nil {
		e.action(ctx)
	}

	e.mu.Lock()
	if gen == e.gen {
		e.done = true
	}
	e.mu.Unlock()
}

// Expired reports whether the timer ran out since the last Reset.
func (e *Entity) Expired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Stop disarms the timer without running the action.
func (e *Entity) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if e.task != nil {
		e.task.Cancel()
		e.task = nil
	}
}
