package event

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"runtimekit/internal/expiry"
	"runtimekit/internal/task/scheduler"
	logx "runtimekit/pkg/logx"
)

var (
	ErrClosed = errors.New("event registry is closed")
	ErrSealed = errors.New("subscription already consumed")
)

// Handler reacts to an event of family T.
type Handler[T Event] func(ctx context.Context, ev T) error

// SubscriptionState is the lifecycle of a Subscription.
type SubscriptionState int32

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionRegistered
	SubscriptionUnregistered
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "PENDING"
	case SubscriptionRegistered:
		return "REGISTERED"
	case SubscriptionUnregistered:
		return "UNREGISTERED"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int32(s))
	}
}

// subscriber is the type-erased view the registry keeps.
type subscriber interface {
	kinds() []Kind
	tier() Tier
	order() uint64
	execute(ctx context.Context, ev Event)
	register(seq uint64)
	unregister()
}

// Subscription is interest in one or more event kinds. T is the family the
// handler accepts: a fired event of a subscribed kind that is not a T is
// skipped.
//
// Order, Filter, Limit and Expire configure it; Consume registers it. Once
// registered (or unregistered) further configuration is ignored.
type Subscription[T Event] struct {
	r     *Registry
	kindz []Kind

	mu       sync.Mutex
	state    atomic.Int32
	tierV    Tier
	filters  []func(T) bool
	limit    int64
	expireIn time.Duration
	onExpire func()
	handler  Handler[T]
	expiry   *scheduler.Task
	expiring atomic.Bool
	meta     *expiry.Metadata
	seq      uint64

	// execMu serializes filtering and usage counting.
	execMu sync.Mutex
	usage  atomic.Int64
}

// Subscribe starts a subscription for events of family T. It panics when no
// kind is given.
func Subscribe[T Event](r *Registry, kinds ...Kind) *Subscription[T] {
	if len(kinds) == 0 {
		panic("event: Subscribe needs at least one kind")
	}
	return &Subscription[T]{
		r:     r,
		kindz: slices.Compact(slices.Sorted(slices.Values(kinds))),
		tierV: Normal,
	}
}

// Order sets the dispatch tier. The default is Normal.
func (s *Subscription[T]) Order(t Tier) *Subscription[T] {
	s.configure("order", func() { s.tierV = t })
	return s
}

// Filter adds a predicate; all predicates must pass for the handler to run.
func (s *Subscription[T]) Filter(pred func(T) bool) *Subscription[T] {
	if pred == nil {
		panic("event: nil filter")
	}
	s.configure("filter", func() { s.filters = append(s.filters, pred) })
	return s
}

// Limit unregisters the subscription once the handler has run n times.
// n <= 0 means unlimited.
func (s *Subscription[T]) Limit(n int) *Subscription[T] {
	s.configure("limit", func() { s.limit = int64(n) })
	return s
}

// Expire unregisters the subscription d after registration. onExpire, if
// not nil, runs once when that happens.
func (s *Subscription[T]) Expire(d time.Duration, onExpire func()) *Subscription[T] {
	s.configure("expire", func() {
		s.expireIn = d
		s.onExpire = onExpire
	})
	return s
}

func (s *Subscription[T]) configure(what string, apply func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.State(); st != SubscriptionPending {
		s.r.log.Debug("subscription change ignored",
			logx.String("op", what),
			logx.String("state", st.String()),
			logx.Any("kinds", s.kindz))
		return
	}
	apply()
}

// Consume sets the handler and registers the subscription. It panics on a
// nil handler.
func (s *Subscription[T]) Consume(h Handler[T]) error {
	if h == nil {
		panic("event: nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil || s.State() != SubscriptionPending {
		return ErrSealed
	}
	s.handler = h
	if err := s.r.add(s); err != nil {
		s.state.Store(int32(SubscriptionUnregistered))
		return err
	}

	if s.expireIn > 0 {
		t, err := s.r.sched.After(s.expireIn).Named("event.expire").Schedule(context.Background(),
			func(context.Context, *scheduler.Task) error {
				s.expire()
				return nil
			})
		if err != nil {
			s.r.log.Warn("subscription expiry not scheduled", logx.Any("kinds", s.kindz), logx.Err(err))
		}
		s.expiry = t
	}
	return nil
}

// Unregister removes the subscription. Safe to call more than once and from
// inside the handler.
func (s *Subscription[T]) Unregister() {
	if !s.claim() {
		return
	}
	s.mu.Lock()
	exp, meta := s.expiry, s.meta
	s.mu.Unlock()
	if exp != nil {
		exp.Cancel()
	}
	s.r.remove(s)
	if meta != nil {
		meta.Reset()
	}
}

// claim moves the subscription to the terminal state. Only the first caller
// gets true.
func (s *Subscription[T]) claim() bool {
	for {
		cur := s.state.Load()
		if SubscriptionState(cur) == SubscriptionUnregistered {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(SubscriptionUnregistered)) {
			return SubscriptionState(cur) == SubscriptionRegistered
		}
	}
}

// expire runs onExpire while the subscription is still registered, then
// unregisters it.
func (s *Subscription[T]) expire() {
	if s.State() != SubscriptionRegistered || !s.expiring.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if !s.claim() {
			return
		}
		s.r.remove(s)
		s.mu.Lock()
		meta := s.meta
		s.mu.Unlock()
		if meta != nil {
			meta.Reset()
		}
	}()
	if s.onExpire != nil {
		func() {
			defer func() {
				if v := recover(); v != nil {
					s.r.log.Error("subscription expiry callback panicked", logx.Any("panic", v), logx.Stack(logx.StackTrace(3, 32)))
				}
			}()
			s.onExpire()
		}()
	}
	s.r.log.Debug("subscription expired", logx.Any("kinds", s.kindz), logx.Duration("after", s.expireIn))
}

// Metadata is a per-subscription bag of values. Keys set with a lifetime
// expire on the registry's scheduler; pending lifetimes are dropped when the
// subscription is unregistered.
func (s *Subscription[T]) Metadata() *expiry.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		s.meta = expiry.NewMetadata(s.r.sched)
	}
	return s.meta
}

func (s *Subscription[T]) State() SubscriptionState { return SubscriptionState(s.state.Load()) }

// Usage is the number of times the limit counter was charged.
func (s *Subscription[T]) Usage() int64 { return s.usage.Load() }

func (s *Subscription[T]) Kinds() []Kind { return slices.Clone(s.kindz) }

func (s *Subscription[T]) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tierV
}

func (s *Subscription[T]) kinds() []Kind { return s.kindz }
func (s *Subscription[T]) tier() Tier    { return s.tierV }
func (s *Subscription[T]) order() uint64 { return s.seq }
func (s *Subscription[T]) unregister()   { s.Unregister() }

// register is called by the registry under its lock.
func (s *Subscription[T]) register(seq uint64) {
	s.seq = seq
	s.state.Store(int32(SubscriptionRegistered))
}

func (s *Subscription[T]) execute(ctx context.Context, ev Event) {
	v, ok := ev.(T)
	if !ok {
		return
	}
	if !s.admit(v) {
		return
	}
	if err := s.invoke(ctx, v); err != nil {
		s.r.handlerFailed(ctx, ev.Kind(), err)
	}
}

// admit runs the filters and charges the usage limit. The handler runs
// after execMu is released so it may fire events this subscription matches.
func (s *Subscription[T]) admit(v T) bool {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if s.State() != SubscriptionRegistered {
		return false
	}
	for _, f := range s.filters {
		if !s.pass(f, v) {
			return false
		}
	}
	n := s.usage.Add(1)
	if s.limit > 0 && n > s.limit {
		s.Unregister()
		return false
	}
	return true
}

func (s *Subscription[T]) pass(f func(T) bool, v T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.r.log.Error("event filter panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			ok = false
		}
	}()
	return f(v)
}

func (s *Subscription[T]) invoke(ctx context.Context, v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &scheduler.PanicError{Value: r, Stack: logx.StackTrace(3, 32)}
		}
	}()
	return s.handler(ctx, v)
}
