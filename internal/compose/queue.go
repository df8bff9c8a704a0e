package compose

import (
	"context"
	"io"
	"sync"

	"github.com/jmylchreest/stitch/internal/fragment"
	"github.com/jmylchreest/stitch/internal/template"
)

// item is one unit of ordered output: either a verbatim template event or
// a fragment runtime whose block belongs at this position.
type item struct {
	ev template.Event
	rt *fragment.Runtime
}

// eventQueue is an unbounded FIFO between the parse goroutine and the
// assembler. It must be unbounded: the assembler may withhold output while
// deciding the response head, and a bounded queue would deadlock the
// parser against it.
type eventQueue struct {
	mu     sync.Mutex
	items  []item
	closed bool
	err    error
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

// push appends an item. push never blocks.
func (q *eventQueue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.wake()
}

// close marks the end of the stream. A nil err means clean end of
// template; a non-nil err is surfaced to the consumer after the already
// queued items have drained (emitted events are not retracted).
func (q *eventQueue) close(err error) {
	q.mu.Lock()
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the next item, blocking until one is available. It returns
// io.EOF when the queue is drained and cleanly closed, or the close error.
func (q *eventQueue) pop(ctx context.Context) (item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err != nil {
				return item{}, err
			}
			return item{}, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return item{}, ctx.Err()
		}
	}
}
