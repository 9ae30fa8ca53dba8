package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// entry is one pending firing in the driver heap.
type entry struct {
	due   time.Time
	seq   uint64
	index int // position in the heap, -1 when not queued
	task  *Task
}

// entryHeap orders entries by (due, seq) so equal due times fire in the
// order they were queued.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// driver owns the timer heap. A single goroutine sleeps until the earliest
// entry is due and hands it to fire. fire runs on the driver goroutine and
// must not block; it never runs task bodies.
type driver struct {
	clock clockwork.Clock
	fire  func(e *entry)

	mu      sync.Mutex
	h       entryHeap
	seq     uint64
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newDriver(clock clockwork.Clock, fire func(e *entry)) *driver {
	d := &driver{
		clock: clock,
		fire:  fire,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

// add queues e at due. It returns false once the driver is stopped.
func (d *driver) add(e *entry, due time.Time) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.pushLocked(e, due)
	d.mu.Unlock()
	d.poke()
	return true
}

// reschedule re-queues a fired entry. keep is evaluated under the driver lock
// so a concurrent remove cannot be undone by a late re-insert.
func (d *driver) reschedule(e *entry, due time.Time, keep func() bool) {
	d.mu.Lock()
	if d.stopped || e.index >= 0 || (keep != nil && !keep()) {
		d.mu.Unlock()
		return
	}
	d.pushLocked(e, due)
	d.mu.Unlock()
	d.poke()
}

func (d *driver) pushLocked(e *entry, due time.Time) {
	d.seq++
	e.due = due
	e.seq = d.seq
	heap.Push(&d.h, e)
}

// remove drops e from the heap if it is queued. Safe from any goroutine.
func (d *driver) remove(e *entry) {
	d.mu.Lock()
	if e.index >= 0 && e.index < len(d.h) && d.h[e.index] == e {
		heap.Remove(&d.h, e.index)
	}
	d.mu.Unlock()
	d.poke()
}

// next returns the due time of e, or false when it is not queued.
func (d *driver) next(e *entry) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.index < 0 {
		return time.Time{}, false
	}
	return e.due, true
}

func (d *driver) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.h)
}

// stop terminates the driver goroutine and waits for it. Queued entries are
// dropped.
func (d *driver) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	for _, e := range d.h {
		e.index = -1
	}
	d.h = nil
	d.mu.Unlock()
	close(d.quit)
	<-d.done
}

func (d *driver) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *driver) loop() {
	defer close(d.done)
	var ready []*entry
	for {
		d.mu.Lock()
		now := d.clock.Now()
		ready = ready[:0]
		for len(d.h) > 0 && !d.h[0].due.After(now) {
			ready = append(ready, heap.Pop(&d.h).(*entry))
		}
		wait := time.Duration(-1)
		if len(ready) == 0 && len(d.h) > 0 {
			wait = d.h[0].due.Sub(now)
		}
		d.mu.Unlock()

		if len(ready) > 0 {
			for _, e := range ready {
				d.fire(e)
			}
			continue
		}

		var timer clockwork.Timer
		var tc <-chan time.Time
		if wait >= 0 {
			timer = d.clock.NewTimer(wait)
			tc = timer.Chan()
		}
		select {
		case <-d.quit:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-d.wake:
		case <-tc:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
