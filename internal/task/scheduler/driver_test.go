package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverFiresEqualDueInInsertionOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	var order []int
	fired := make(chan struct{}, 8)

	entries := make(map[*entry]int)
	d := newDriver(clock, func(e *entry) {
		mu.Lock()
		order = append(order, entries[e])
		mu.Unlock()
		fired <- struct{}{}
	})
	defer d.stop()

	due := clock.Now().Add(time.Second)
	batch := make([]*entry, 4)
	mu.Lock()
	for i := range batch {
		batch[i] = &entry{index: -1}
		entries[batch[i]] = i
	}
	early := &entry{index: -1}
	entries[early] = -1
	mu.Unlock()

	for _, e := range batch {
		require.True(t, d.add(e, due))
	}
	require.True(t, d.add(early, due.Add(-500*time.Millisecond)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	for i := 0; i < 5; i++ {
		recv(t, fired)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{-1, 0, 1, 2, 3}, order)
}

func TestDriverRemoveAndStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fired := make(chan *entry, 2)
	d := newDriver(clock, func(e *entry) { fired <- e })

	keep := &entry{index: -1}
	drop := &entry{index: -1}
	require.True(t, d.add(keep, clock.Now().Add(time.Second)))
	require.True(t, d.add(drop, clock.Now().Add(time.Second)))
	d.remove(drop)
	d.remove(drop)
	assert.Equal(t, 1, d.len())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	assert.Same(t, keep, recv(t, fired))

	d.stop()
	d.stop()
	assert.False(t, d.add(keep, clock.Now()))
	select {
	case e := <-fired:
		t.Fatalf("unexpected firing %p", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDriverRescheduleRespectsKeep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDriver(clock, func(*entry) {})
	defer d.stop()

	e := &entry{index: -1}
	d.reschedule(e, clock.Now().Add(time.Hour), func() bool { return false })
	assert.Equal(t, 0, d.len())
	d.reschedule(e, clock.Now().Add(time.Hour), func() bool { return true })
	assert.Equal(t, 1, d.len())
	next, ok := d.next(e)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Hour), next)
}
