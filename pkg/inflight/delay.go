package inflight

import "github.com/eapache/queue"

// delayQueue is a FIFO of overflow buckets holding messages that could not
// be admitted into the ring yet.
type delayQueue[P any] struct {
	buckets  *queue.Queue
	capacity int
	inputs   int
	messages int
}

func newDelayQueue[P any](capacity, inputs int) *delayQueue[P] {
	return &delayQueue[P]{
		buckets:  queue.New(),
		capacity: capacity,
		inputs:   inputs,
	}
}

func (q *delayQueue[P]) Len() int {
	return q.buckets.Length()
}

// push appends m to the newest delay bucket, opening a new one when full.
func (q *delayQueue[P]) push(m *MessageInfo[P]) (int, error) {
	var last *Bucket[P]
	if q.buckets.Length() > 0 {
		last = q.buckets.Get(-1).(*Bucket[P])
	}
	if last == nil || !last.HavePlace() {
		last = NewBucket[P](q.capacity, q.inputs)
		q.buckets.Add(last)
	}
	id, err := last.Add(m)
	if err != nil {
		return -1, err
	}
	q.messages++
	return id, nil
}

// pop removes the oldest delay bucket.
func (q *delayQueue[P]) pop() (*Bucket[P], bool) {
	if q.buckets.Length() == 0 {
		return nil, false
	}
	b := q.buckets.Remove().(*Bucket[P])
	q.messages -= b.Size()
	return b, true
}
