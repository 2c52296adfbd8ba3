package producerpool

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
)

// entry is one pending send. done receives exactly one result.
type entry struct {
	dest    broker.Destination
	message *broker.Message
	done    chan error
}

func newEntry(dest broker.Destination, message *broker.Message) *entry {
	return &entry{
		dest:    dest,
		message: message,
		done:    make(chan error, 1),
	}
}

func (e *entry) resolve(err error) {
	e.done <- err
}

// entryQueue is an unbounded FIFO shared by every producer routine.
type entryQueue struct {
	mu     sync.Mutex
	items  *queue.Queue
	closed bool
	// notify holds a token while the queue may be non-empty
	notify chan struct{}
}

func newEntryQueue() *entryQueue {
	return &entryQueue{
		items:  queue.New(),
		notify: make(chan struct{}, 1),
	}
}

func (q *entryQueue) push(e *entry) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items.Add(e)
	q.mu.Unlock()

	q.wake()
	return nil
}

// pop removes the oldest entry. It passes the wake-up token on when entries
// are left so another routine can pick them up.
func (q *entryQueue) pop() (*entry, bool) {
	q.mu.Lock()
	if q.items.Length() == 0 {
		q.mu.Unlock()
		return nil, false
	}
	e := q.items.Remove().(*entry)
	left := q.items.Length()
	q.mu.Unlock()

	if left > 0 {
		q.wake()
	}
	return e, true
}

func (q *entryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// close rejects further pushes.
func (q *entryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// drain removes and returns everything still queued.
func (q *entryQueue) drain() []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*entry, 0, q.items.Length())
	for q.items.Length() > 0 {
		out = append(out, q.items.Remove().(*entry))
	}
	return out
}
