package inflight

import (
	"fmt"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
)

// MessageInfo is the record kept for every message in flight. P is the type
// of the continuation resumed once the message completes.
type MessageInfo[P any] struct {
	id       int
	finished bool

	offsets []broker.Offset
	present []bool
	// number of entries of offsets already set
	known int

	process    P
	hasProcess bool
}

// NewMessageInfo creates a record with room for one offset per tracked input.
func NewMessageInfo[P any](inputs int) *MessageInfo[P] {
	return &MessageInfo[P]{
		id:      -1,
		offsets: make([]broker.Offset, inputs),
		present: make([]bool, inputs),
	}
}

// ID is the bucket-local sequence id, -1 until the message is added to a bucket.
func (m *MessageInfo[P]) ID() int {
	return m.id
}

func (m *MessageInfo[P]) Finished() bool {
	return m.finished
}

// Offset returns the offset produced for input i, if it is known.
func (m *MessageInfo[P]) Offset(i int) (broker.Offset, bool) {
	if i < 0 || i >= len(m.offsets) {
		return broker.Offset{}, false
	}
	return m.offsets[i], m.present[i]
}

// Offsets returns the known offsets in input order.
func (m *MessageInfo[P]) Offsets() []broker.Offset {
	out := make([]broker.Offset, 0, m.known)
	for i, off := range m.offsets {
		if m.present[i] {
			out = append(out, off)
		}
	}
	return out
}

// OffsetsFull reports whether every input offset has been set.
func (m *MessageInfo[P]) OffsetsFull() bool {
	return m.known == len(m.offsets)
}

// SetOffset records the offset for input i. It returns true when this call
// completed the offset vector.
func (m *MessageInfo[P]) SetOffset(i int, offset broker.Offset) (bool, error) {
	if i < 0 || i >= len(m.offsets) {
		return false, fmt.Errorf("%w: input %d of %d", ErrOffsetsSize, i, len(m.offsets))
	}
	m.offsets[i] = offset
	if m.present[i] {
		return false, nil
	}
	m.present[i] = true
	m.known++
	return m.known == len(m.offsets), nil
}

func (m *MessageInfo[P]) SetProcess(process P) {
	m.process = process
	m.hasProcess = true
}

// TakeProcess returns the pending continuation and clears it.
func (m *MessageInfo[P]) TakeProcess() (P, bool) {
	var zero P
	process, ok := m.process, m.hasProcess
	m.process = zero
	m.hasProcess = false
	return process, ok
}

func (m *MessageInfo[P]) HaveProcess() bool {
	return m.hasProcess
}

func (m *MessageInfo[P]) finish() {
	m.finished = true
}
