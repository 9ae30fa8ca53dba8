package event

import (
	"context"
	"sort"
	"sync"

	"runtimekit/internal/observability/metrics"
	"runtimekit/internal/task/scheduler"
	logx "runtimekit/pkg/logx"
)

type Option func(*Registry)

func WithMetrics(r metrics.Recorder) Option {
	return func(reg *Registry) {
		if r != nil {
			reg.metrics = r
		}
	}
}

// WithFailureLogRate caps "event handler failed" records per second.
func WithFailureLogRate(perSec int) Option {
	return func(reg *Registry) { reg.failLog = logx.NewThrottle(perSec) }
}

// Registry indexes subscriptions by kind and dispatches fired events to them
// in tier order. Registration order breaks ties within a tier.
type Registry struct {
	sched   *scheduler.Scheduler
	log     logx.Logger
	metrics metrics.Recorder
	failLog *logx.Throttle

	mu     sync.RWMutex
	byKind map[Kind][]subscriber
	all    map[subscriber]struct{}
	seq    uint64
	closed bool
}

// NewRegistry builds a registry that runs asynchronous handlers as tasks on s.
func NewRegistry(s *scheduler.Scheduler, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		sched:   s,
		log:     log.With(logx.String("comp", "events")),
		metrics: metrics.Noop{},
		byKind:  make(map[Kind][]subscriber),
		all:     make(map[subscriber]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Of starts a subscription that accepts any event of the given kinds.
func (r *Registry) Of(kinds ...Kind) *Subscription[Event] {
	return Subscribe[Event](r, kinds...)
}

// Execute fires events in the given order. Each event is dispatched
// synchronously or asynchronously according to its Async flag.
func (r *Registry) Execute(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		r.dispatch(ctx, ev, ev.Async())
	}
}

// Fire dispatches ev with an explicit mode, ignoring ev.Async.
func (r *Registry) Fire(ctx context.Context, ev Event, async bool) {
	if ev == nil {
		return
	}
	r.dispatch(ctx, ev, async)
}

func (r *Registry) dispatch(ctx context.Context, ev Event, async bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	kind := ev.Kind()
	subs := r.snapshot(kind)
	r.metrics.EventDispatched(ctx, string(kind), len(subs), async)
	if len(subs) == 0 {
		return
	}
	r.log.Trace("event fired", logx.String("kind", string(kind)), logx.Int("subscribers", len(subs)), logx.Bool("async", async))

	for _, sub := range subs {
		if !async {
			sub.execute(ctx, ev)
			continue
		}
		_, err := r.sched.Builder().Named("event:"+string(kind)).Schedule(ctx, func(tctx context.Context, _ *scheduler.Task) error {
			sub.execute(tctx, ev)
			return nil
		})
		if err != nil {
			r.log.Warn("async event dropped", logx.String("kind", string(kind)), logx.Err(err))
		}
	}
}

// snapshot returns the subscribers of kind, already in dispatch order.
func (r *Registry) snapshot(kind Kind) []subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byKind[kind]
	if len(list) == 0 {
		return nil
	}
	out := make([]subscriber, len(list))
	copy(out, list)
	return out
}

func (r *Registry) add(s subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.seq++
	s.register(r.seq)
	r.all[s] = struct{}{}
	for _, k := range s.kinds() {
		list := r.byKind[k]
		i := sort.Search(len(list), func(i int) bool { return less(s, list[i]) })
		list = append(list, nil)
		copy(list[i+1:], list[i:])
		list[i] = s
		r.byKind[k] = list
	}
	return nil
}

func (r *Registry) remove(s subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.all[s]; !ok {
		return
	}
	delete(r.all, s)
	for _, k := range s.kinds() {
		list := r.byKind[k]
		for i, v := range list {
			if v == s {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(r.byKind, k)
		} else {
			r.byKind[k] = list
		}
	}
}

func less(a, b subscriber) bool {
	if a.tier() != b.tier() {
		return a.tier() < b.tier()
	}
	return a.order() < b.order()
}

func (r *Registry) handlerFailed(ctx context.Context, kind Kind, err error) {
	r.metrics.HandlerFailed(ctx, string(kind))
	ok, suppressed := r.failLog.Allow()
	if !ok {
		return
	}
	fields := []logx.Field{logx.String("kind", string(kind)), logx.Err(err)}
	if suppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", suppressed))
	}
	if pe, isPanic := err.(*scheduler.PanicError); isPanic {
		r.log.Error("event handler panicked", append(fields, logx.Stack(pe.Stack))...)
		return
	}
	r.log.Warn("event handler failed", fields...)
}

// Len is the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// Subscribers is the number of subscriptions registered for kind.
func (r *Registry) Subscribers(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKind[kind])
}

// Close unregisters every subscription; later Consume calls return ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]subscriber, 0, len(r.all))
	for s := range r.all {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.unregister()
	}
	if len(subs) > 0 {
		r.log.Debug("event registry closed", logx.Int("unregistered", len(subs)))
	}
}
