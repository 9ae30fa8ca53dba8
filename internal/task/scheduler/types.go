package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"runtimekit/internal/task/engine"
)

const (
	// DefaultShutdownGrace bounds how long Shutdown waits for running bodies.
	DefaultShutdownGrace = 10 * time.Second

	defaultHistorySize = 200
	defaultTaskName    = "task"
)

var (
	ErrShutdown    = errors.New("scheduler is shut down")
	ErrInvalidTask = errors.New("invalid task")
)

// Config controls the scheduler.
type Config struct {
	Timezone    string // IANA TZ used by cron triggers, e.g. "Asia/Jakarta"
	HistorySize int    // in-memory run history ring (default 200)

	// FailureLogRate caps "task failed" log records per second.
	// 0 disables the cap.
	FailureLogRate int
}

// State is the lifecycle state of a Task.
type State int32

const (
	StateScheduled State = iota
	StateRunning
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "SCHEDULED"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Body is the work a task performs. ctx is cancelled when the task is
// cancelled or the scheduler shuts down.
type Body func(ctx context.Context, t *Task) error

// Run describes one finished execution of a task body.
type Run struct {
	TaskID   uuid.UUID
	Name     string
	Started  time.Time
	Duration time.Duration
	// Lateness is how long after its due time the body started.
	Lateness time.Duration
	Err      error
}

// Observer is notified after every task body execution, on the worker
// goroutine that ran it.
type Observer interface {
	TaskRan(ctx context.Context, run Run)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, run Run)

func (f ObserverFunc) TaskRan(ctx context.Context, run Run) { f(ctx, run) }

// PanicError wraps a value recovered from a panicking body.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type TaskInfo struct {
	ID       string
	Name     string
	State    State
	Interval time.Duration
	Cron     string
	Next     time.Time
	Runs     uint64
	Skipped  uint64
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Timezone string
	Closed   bool
	Pending  int // entries waiting in the timer heap
	Tasks    []TaskInfo
	Pool     engine.Snapshot
	History  []HistoryItem
}
