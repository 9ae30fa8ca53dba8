package expiry

import (
	"context"
	"sync"
	"time"

	"runtimekit/internal/task/scheduler"
)

// Metadata is a string-keyed bag of values where each key may carry its own
// lifetime. Replacing or deleting a key cancels its pending expiry.
type Metadata struct {
	s *scheduler.Scheduler

	mu     sync.Mutex
	values map[string]any
	timers map[string]*scheduler.Task
}

func NewMetadata(s *scheduler.Scheduler) *Metadata {
	return &Metadata{
		s:      s,
		values: make(map[string]any),
		timers: make(map[string]*scheduler.Task),
	}
}

// Set stores v under key with no lifetime.
func (m *Metadata) Set(key string, v any) {
	m.mu.Lock()
	m.dropTimerLocked(key)
	m.values[key] = v
	m.mu.Unlock()
}

// SetFor stores v under key for d. onExpire, if not nil, runs after the key
// has been removed.
func (m *Metadata) SetFor(key string, v any, d time.Duration, onExpire func(key string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropTimerLocked(key)

	var self *scheduler.Task
	ready := make(chan struct{})
	t, err := m.s.After(d).Named("expiry.metadata").Schedule(context.Background(), func(context.Context, *scheduler.Task) error {
		<-ready
		m.mu.Lock()
		if m.timers[key] != self {
			m.mu.Unlock()
			return nil
		}
		delete(m.timers, key)
		delete(m.values, key)
		m.mu.Unlock()
		if onExpire != nil {
			onExpire(key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	self = t
	close(ready)
	m.values[key] = v
	m.timers[key] = t
	return nil
}

func (m *Metadata) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Metadata) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Metadata) Delete(key string) {
	m.mu.Lock()
	m.dropTimerLocked(key)
	delete(m.values, key)
	m.mu.Unlock()
}

func (m *Metadata) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// Reset clears everything and cancels all pending expiries.
func (m *Metadata) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		t.Cancel()
	}
	clear(m.timers)
	clear(m.values)
}

func (m *Metadata) dropTimerLocked(key string) {
	if t, ok := m.timers[key]; ok {
		t.Cancel()
		delete(m.timers, key)
	}
}

// GetAs returns the value under key when it holds a T.
func GetAs[T any](m *Metadata, key string) (T, bool) {
	v, ok := m.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
