package inflight

import (
	"fmt"
	"sort"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
)

// watermark is the running offset range of one input inside a bucket.
type watermark struct {
	min, max broker.Offset
	ok       bool
}

func (w *watermark) widen(offset broker.Offset) {
	if !w.ok {
		w.min, w.max, w.ok = offset, offset, true
		return
	}
	if offset.Offset < w.min.Offset {
		w.min = offset
	}
	if offset.Offset > w.max.Offset {
		w.max = offset
	}
}

// Bucket is a fixed-capacity group of messages tracked together for commit
// purposes. Message ids are assigned by Add in insertion order, so the item
// slice is always sorted by id.
type Bucket[P any] struct {
	id       int
	capacity int
	inputs   int

	items       []*MessageInfo[P]
	finished    int
	offsetsFull int
	marks       []watermark
}

// NewBucket creates an empty bucket. The bucket id stays -1 until the owning
// storage assigns one.
func NewBucket[P any](capacity, inputs int) *Bucket[P] {
	capacity = max(capacity, 1)
	return &Bucket[P]{
		id:       -1,
		capacity: capacity,
		inputs:   inputs,
		items:    make([]*MessageInfo[P], 0, capacity),
		marks:    make([]watermark, inputs),
	}
}

func (b *Bucket[P]) ID() int {
	return b.id
}

func (b *Bucket[P]) Capacity() int {
	return b.capacity
}

func (b *Bucket[P]) Size() int {
	return len(b.items)
}

// FinishedCount is the number of finished messages.
func (b *Bucket[P]) FinishedCount() int {
	return b.finished
}

func (b *Bucket[P]) IsEmpty() bool {
	return len(b.items) == 0
}

func (b *Bucket[P]) IsFull() bool {
	return len(b.items) == b.capacity
}

func (b *Bucket[P]) HavePlace() bool {
	return len(b.items) < b.capacity
}

// Messages returns the tracked messages ordered by id. The slice must not be
// modified.
func (b *Bucket[P]) Messages() []*MessageInfo[P] {
	return b.items
}

// Add appends a message, assigning it the next bucket-local id.
func (b *Bucket[P]) Add(m *MessageInfo[P]) (int, error) {
	if len(b.items) == b.capacity {
		return -1, ErrCapacityExceeded
	}
	if len(m.offsets) != b.inputs {
		return -1, fmt.Errorf("%w: message has %d offsets, bucket tracks %d inputs", ErrOffsetsSize, len(m.offsets), b.inputs)
	}

	m.id = len(b.items)
	b.items = append(b.items, m)

	for i, ok := range m.present {
		if ok {
			b.marks[i].widen(m.offsets[i])
		}
	}
	if m.known == b.inputs {
		b.offsetsFull++
	}
	if m.finished {
		b.finished++
	}
	return m.id, nil
}

// Find returns the index of the message with the given id.
func (b *Bucket[P]) Find(id int) (int, error) {
	i := sort.Search(len(b.items), func(i int) bool {
		return b.items[i].id >= id
	})
	if i == len(b.items) || b.items[i].id != id {
		return -1, fmt.Errorf("%w: id %d in bucket %d", ErrMessageNotFound, id, b.id)
	}
	return i, nil
}

// Message returns the message with the given id.
func (b *Bucket[P]) Message(id int) (*MessageInfo[P], error) {
	i, err := b.Find(id)
	if err != nil {
		return nil, err
	}
	return b.items[i], nil
}

// SetOffset records the offset of input for the message and widens the
// bucket's watermark for that input.
func (b *Bucket[P]) SetOffset(id, input int, offset broker.Offset) error {
	if input < 0 || input >= b.inputs {
		return fmt.Errorf("%w: input %d of %d", ErrOffsetsSize, input, b.inputs)
	}
	m, err := b.Message(id)
	if err != nil {
		return err
	}
	full, err := m.SetOffset(input, offset)
	if err != nil {
		return err
	}
	if full {
		b.offsetsFull++
	}
	b.marks[input].widen(offset)
	return nil
}

// Finish marks the message complete. When offsets is not nil it must hold one
// offset per input and is recorded first. Finishing a finished message
// returns the existing record unchanged.
func (b *Bucket[P]) Finish(id int, offsets []broker.Offset) (*MessageInfo[P], error) {
	m, err := b.Message(id)
	if err != nil {
		return nil, err
	}
	if m.finished {
		return m, nil
	}
	if offsets != nil {
		if len(offsets) != b.inputs {
			return nil, fmt.Errorf("%w: got %d offsets for %d inputs", ErrOffsetsSize, len(offsets), b.inputs)
		}
		for i, offset := range offsets {
			full, err := m.SetOffset(i, offset)
			if err != nil {
				return nil, err
			}
			if full {
				b.offsetsFull++
			}
			b.marks[i].widen(offset)
		}
	}
	m.finish()
	b.finished++
	return m, nil
}

// CanFree reports whether the bucket is full and every message is finished.
func (b *Bucket[P]) CanFree() bool {
	return len(b.items) == b.capacity && b.finished == b.capacity
}

// OnlyWaitFinish reports whether the bucket is full and every message has a
// complete offset vector, so only completion is still pending.
func (b *Bucket[P]) OnlyWaitFinish() bool {
	return len(b.items) == b.capacity && b.offsetsFull == b.capacity
}

// MinOffset returns the lowest offset seen for input.
func (b *Bucket[P]) MinOffset(input int) (broker.Offset, bool) {
	if input < 0 || input >= b.inputs {
		return broker.Offset{}, false
	}
	return b.marks[input].min, b.marks[input].ok
}

// MaxOffset returns the highest offset seen for input.
func (b *Bucket[P]) MaxOffset(input int) (broker.Offset, bool) {
	if input < 0 || input >= b.inputs {
		return broker.Offset{}, false
	}
	return b.marks[input].max, b.marks[input].ok
}

func (b *Bucket[P]) hasOffsets() bool {
	for _, w := range b.marks {
		if w.ok {
			return true
		}
	}
	return false
}

// Reset empties the bucket and returns the messages it held. The id is kept.
func (b *Bucket[P]) Reset() []*MessageInfo[P] {
	items := b.items
	b.items = make([]*MessageInfo[P], 0, b.capacity)
	b.finished = 0
	b.offsetsFull = 0
	clear(b.marks)
	return items
}

// adopt moves the messages of other into b, keeping b's id, and rebuilds the
// counters and watermarks from them. other is left empty with an invalid id.
func (b *Bucket[P]) adopt(other *Bucket[P]) {
	b.items = other.items
	b.finished = 0
	b.offsetsFull = 0
	clear(b.marks)
	for _, m := range b.items {
		for i, ok := range m.present {
			if ok {
				b.marks[i].widen(m.offsets[i])
			}
		}
		if m.known == b.inputs {
			b.offsetsFull++
		}
		if m.finished {
			b.finished++
		}
	}

	other.items = nil
	other.finished = 0
	other.offsetsFull = 0
	other.id = -1
	clear(other.marks)
}
