// Package expiry holds small containers that expire on the scheduler: a map
// that clears itself, a resettable one-shot timer and a key/value bag with
// per-key lifetimes.
package expiry

import (
	"context"
	"maps"
	"sync"
	"time"

	"runtimekit/internal/task/scheduler"
)

// CoolDown is a map that lives for a fixed duration. When it expires the
// contents are handed to onExpire and the map is cleared; afterwards writes
// are ignored and reads miss.
type CoolDown[K comparable, V any] struct {
	mu       sync.Mutex
	m        map[K]V
	expired  bool
	task     *scheduler.Task
	onExpire func(last map[K]V)
}

// NewCoolDown starts a map that expires after d. onExpire may be nil.
func NewCoolDown[K comparable, V any](s *scheduler.Scheduler, d time.Duration, onExpire func(last map[K]V)) (*CoolDown[K, V], error) {
	c := &CoolDown[K, V]{m: make(map[K]V), onExpire: onExpire}
	// Hold mu so a very short d cannot expire the map before task is set.
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := s.After(d).Named("expiry.cooldown").Schedule(context.Background(), func(context.Context, *scheduler.Task) error {
		c.expire()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.task = t
	return c, nil
}

func (c *CoolDown[K, V]) expire() {
	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return
	}
	c.expired = true
	last := c.m
	c.m = make(map[K]V)
	c.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire(last)
	}
}

// Cancel ends the map early without calling onExpire.
func (c *CoolDown[K, V]) Cancel() {
	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return
	}
	c.expired = true
	c.m = make(map[K]V)
	t := c.task
	c.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

func (c *CoolDown[K, V]) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Put stores v under k. It reports false once the map has expired.
func (c *CoolDown[K, V]) Put(k K, v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return false
	}
	c.m[k] = v
	return true
}

// PutIfAbsent stores v unless k is present and returns the value now held.
func (c *CoolDown[K, V]) PutIfAbsent(k K, v V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		var zero V
		return zero, false
	}
	if cur, ok := c.m[k]; ok {
		return cur, true
	}
	c.m[k] = v
	return v, true
}

func (c *CoolDown[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[k]
	return v, ok
}

func (c *CoolDown[K, V]) Has(k K) bool {
	_, ok := c.Get(k)
	return ok
}

func (c *CoolDown[K, V]) Delete(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return false
	}
	_, ok := c.m[k]
	delete(c.m, k)
	return ok
}

func (c *CoolDown[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Snapshot copies the current contents.
func (c *CoolDown[K, V]) Snapshot() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.m)
}
