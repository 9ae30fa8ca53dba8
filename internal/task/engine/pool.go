package engine

import (
	"context"
	"sync"
	"sync/atomic"

	rtsup "runtimekit/internal/runtime/supervisor"
	logx "runtimekit/pkg/logx"
)

// Pool is an unbounded worker pool: every submitted job gets its own goroutine
// immediately, so a slow job never delays another one. There is no queue and
// no back-pressure.
//
// Jobs run under a supervisor so a panic that escapes a job is recovered and
// logged instead of crashing the process.
type Pool struct {
	mu      sync.Mutex
	stopped bool

	log logx.Logger
	sup *rtsup.Supervisor

	submitted atomic.Uint64
	rejected  atomic.Uint64
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Stopped   bool
	Active    int64
	Submitted uint64
	Rejected  uint64
	Panics    uint64
}

func New(log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		log: log,
		sup: rtsup.New(context.Background(),
			rtsup.WithLogger(log),
			rtsup.WithQuietStarts(),
			// a failing job must not take its siblings down
			rtsup.WithCancelOnError(false),
		),
	}
}

// Submit starts fn on a new goroutine. ctx passed to fn is the pool context,
// cancelled only when a shutdown grace period runs out.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) error {
	if fn == nil {
		return ErrNilJob
	}
	// Hold mu across Go() so Shutdown cannot interleave between the check and
	// the WaitGroup increment.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.rejected.Add(1)
		return ErrStopped
	}
	p.submitted.Add(1)
	p.sup.Go0(name, fn)
	return nil
}

// Shutdown stops accepting jobs. Running jobs are left alone; use Await to
// wait for them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	already := p.stopped
	p.stopped = true
	p.mu.Unlock()
	if !already {
		p.log.Debug("worker pool shutting down", logx.Int64("active", p.sup.Counters().Active))
	}
}

// Await waits for in-flight jobs. It returns false when ctx ends first; in that
// case the pool context is cancelled so cooperative jobs can bail out.
func (p *Pool) Await(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	err := p.sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		p.sup.Cancel()
		p.log.Warn("worker pool did not drain in time", logx.Int64("active", p.sup.Counters().Active))
		return false
	}
	return true
}

func (p *Pool) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Pool) Snapshot() Snapshot {
	c := p.sup.Counters()
	return Snapshot{
		Stopped:   p.Stopped(),
		Active:    c.Active,
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    c.Panics,
	}
}
