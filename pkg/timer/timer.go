// Package timer implements the cooperative timers of a worker. Timers fire
// only from Poll, so callbacks run on the worker goroutine and may freely
// touch worker-owned state. A Queue is not safe for concurrent use.
package timer

import (
	"container/heap"
	"time"
)

// ID identifies an armed timer. The zero ID is never issued.
type ID uint64

// Func is a timer callback. Returning true keeps a periodic timer armed;
// one-shot timers (period 0) are always disarmed after firing.
type Func func() bool

type entry struct {
	id       ID
	fn       Func
	delay    time.Duration
	period   time.Duration
	deadline time.Time
	index    int // position in the heap, -1 while firing

	cancelled bool
	updated   bool
}

// Queue is a deadline-ordered set of timers.
type Queue struct {
	items entries
	byID  map[ID]*entry
	next  ID
	now   func() time.Time
}

// New creates a Queue that reads the current time from now.
func New(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		byID: make(map[ID]*entry),
		now:  now,
	}
}

// Add arms fn to fire after delay and then every period while fn returns true.
func (q *Queue) Add(fn Func, delay, period time.Duration) ID {
	q.next++
	e := &entry{
		id:       q.next,
		fn:       fn,
		delay:    delay,
		period:   period,
		deadline: q.now().Add(delay),
	}
	q.byID[e.id] = e
	heap.Push(&q.items, e)
	return e.id
}

// Remove disarms a timer. It reports whether the timer was armed.
func (q *Queue) Remove(id ID) bool {
	e, ok := q.byID[id]
	if !ok || e.cancelled {
		return false
	}
	if e.index < 0 {
		e.cancelled = true
		return true
	}
	heap.Remove(&q.items, e.index)
	delete(q.byID, id)
	return true
}

// Update pushes the deadline of a timer back to now plus its initial delay.
func (q *Queue) Update(id ID) bool {
	e, ok := q.byID[id]
	if !ok || e.cancelled {
		return false
	}
	e.deadline = q.now().Add(e.delay)
	if e.index < 0 {
		e.updated = true
		return true
	}
	heap.Fix(&q.items, e.index)
	return true
}

// Armed reports whether id refers to a live timer.
func (q *Queue) Armed(id ID) bool {
	e, ok := q.byID[id]
	return ok && !e.cancelled
}

// Len returns the number of armed timers.
func (q *Queue) Len() int {
	return len(q.byID)
}

// Next returns the earliest deadline.
func (q *Queue) Next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].deadline, true
}

// Poll fires every timer whose deadline is not after now and returns how
// many callbacks ran.
func (q *Queue) Poll(now time.Time) int {
	fired := 0
	for len(q.items) > 0 && !q.items[0].deadline.After(now) {
		e := heap.Pop(&q.items).(*entry)
		keep := e.fn()
		fired++

		switch {
		case e.cancelled:
			delete(q.byID, e.id)
		case e.updated:
			e.updated = false
			heap.Push(&q.items, e)
		case keep && e.period > 0:
			e.deadline = now.Add(e.period)
			heap.Push(&q.items, e)
		default:
			delete(q.byID, e.id)
		}
	}
	return fired
}

type entries []*entry

func (h entries) Len() int           { return len(h) }
func (h entries) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h entries) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entries) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entries) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
