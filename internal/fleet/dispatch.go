package fleet

import (
	"context"
	"sync"

	"github.com/rickgao/shardfleet/internal/gateway"
)

// dispatchQueue is an unbounded FIFO of events between a runner and its
// dispatcher goroutine. push never blocks; the ring doubles when full.
type dispatchQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []gateway.Event
	head   int
	count  int
	closed bool

	// Stats
	pushed int64
	grows  int
}

func newDispatchQueue(capacity int) *dispatchQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &dispatchQueue{buf: make([]gateway.Event, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends ev. It returns false once the queue is closed.
func (q *dispatchQueue) push(ev gateway.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.count == len(q.buf) {
		q.grow()
	}

	q.buf[(q.head+q.count)%len(q.buf)] = ev
	q.count++
	q.pushed++

	q.cond.Signal()
	return true
}

// pop blocks until an event is available. After close it drains the
// remaining events and then returns false.
func (q *dispatchQueue) pop() (gateway.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		return gateway.Event{}, false
	}

	ev := q.buf[q.head]
	q.buf[q.head] = gateway.Event{} // Clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return ev, true
}

func (q *dispatchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

func (q *dispatchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// grow doubles the ring and unwraps it. Must be called with lock held.
func (q *dispatchQueue) grow() {
	next := make([]gateway.Event, len(q.buf)*2)
	n := copy(next, q.buf[q.head:])
	copy(next[n:], q.buf[:q.head])

	q.buf = next
	q.head = 0
	q.grows++
}

// dispatchLoop delivers queued events in order to the cache, handlers and
// framework until the queue is closed and drained.
func (r *runner) dispatchLoop(ctx context.Context, q *dispatchQueue) {
	defer r.wg.Done()

	for {
		ev, ok := q.pop()
		if !ok {
			return
		}

		if r.app.Cache != nil {
			r.app.Cache.Update(ev)
		}
		for _, h := range r.app.Handlers {
			h.HandleEvent(ctx, r.info, ev)
		}
		if r.app.Framework != nil {
			r.app.Framework.Dispatch(ctx, r.info, ev)
		}
	}
}
