// Package event is an ordered, in-process publish/subscribe registry.
//
// Subscriptions are built fluently and registered by Consume:
//
//	event.Subscribe[*UserJoined](reg, KindUserJoined).
//		Order(event.Early).
//		Filter(func(e *UserJoined) bool { return !e.Bot }).
//		Limit(10).
//		Expire(time.Minute, nil).
//		Consume(func(ctx context.Context, e *UserJoined) error { ... })
//
// Synchronous events run their handlers on the firing goroutine in tier order.
// Asynchronous events submit every handler as its own scheduler task.
package event

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Kind names an event. Subscriptions match on it.
type Kind string

// Event is anything that can be fired through a Registry.
type Event interface {
	Kind() Kind
	// Async selects pooled dispatch when fired through Execute.
	Async() bool
}

// Base is an embeddable Event implementation.
type Base struct {
	kind  Kind
	async bool
}

func NewBase(kind Kind, async bool) Base { return Base{kind: kind, async: async} }

func (b Base) Kind() Kind  { return b.kind }
func (b Base) Async() bool { return b.async }

// Cancellable can be embedded in events that earlier handlers may veto.
// Later handlers check Cancelled; the registry itself does not.
type Cancellable struct {
	cancelled atomic.Bool
}

func (c *Cancellable) Cancel()             { c.cancelled.Store(true) }
func (c *Cancellable) Cancelled() bool     { return c.cancelled.Load() }
func (c *Cancellable) SetCancelled(v bool) { c.cancelled.Store(v) }

// Tier is the dispatch priority of a subscription. Lower tiers run first.
type Tier int8

const (
	First Tier = iota
	Early
	Normal
	Late
	Last
)

var tierNames = [...]string{"FIRST", "EARLY", "NORMAL", "LATE", "LAST"}

func (t Tier) String() string {
	if t < First || t > Last {
		return fmt.Sprintf("Tier(%d)", int8(t))
	}
	return tierNames[t]
}

// ParseTier accepts tier names case-insensitively.
func ParseTier(s string) (Tier, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range tierNames {
		if n == v {
			return Tier(i), nil
		}
	}
	return Normal, fmt.Errorf("unknown tier %q", s)
}
