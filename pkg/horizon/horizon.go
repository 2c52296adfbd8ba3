// Package horizon keeps a descending sorted set of sequence ids and tracks the
// contiguous finished run at its low end, which is the part that may be
// committed.
//
// Storage is not safe for concurrent use.
package horizon

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"

	"github.com/tnewman/kafka-exchanger/pkg/broker"
)

var (
	ErrDuplicateHorizon = errors.New("horizon: id already tracked, storage is corrupted")
	ErrOutOfOrder       = errors.New("horizon: id must be higher than the lowest tracked id")
	ErrHorizonNotFound  = errors.New("horizon: id not found")
	ErrNothingToClear   = errors.New("horizon: nothing to clear")
	ErrHorizonFinished  = errors.New("horizon: can not add offset into finished horizon")
	ErrIndexOutOfRange  = errors.New("horizon: index out of range")
)

// Info is one tracked sequence id with the offsets produced for it.
type Info struct {
	id       int64
	finished bool
	offsets  []broker.Offset
}

func NewInfo(id int64) *Info {
	return &Info{id: id}
}

func (h *Info) ID() int64 {
	return h.id
}

func (h *Info) Finished() bool {
	return h.finished
}

// Offsets returns the offsets recorded with AddOffset in insertion order.
func (h *Info) Offsets() []broker.Offset {
	return h.offsets
}

func (h *Info) AddOffset(offset broker.Offset) error {
	if h.finished {
		return ErrHorizonFinished
	}
	h.offsets = append(h.offsets, offset)
	return nil
}

// Storage holds Info entries sorted by id, highest first.
type Storage struct {
	items []*Info
	// number of finished entries at the low end
	tail int
}

func New() *Storage {
	return &Storage{items: make([]*Info, 0, 10)}
}

func (s *Storage) Len() int {
	return len(s.items)
}

// At returns the entry at index i, 0 being the highest id.
func (s *Storage) At(i int) (*Info, error) {
	if i < 0 || i >= len(s.items) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(s.items))
	}
	return s.items[i], nil
}

// Add inserts h and returns its index. Ids must be unique and no lower than
// the currently lowest id.
func (s *Storage) Add(h *Info) (int, error) {
	n := len(s.items)
	pos := sort.Search(n, func(i int) bool {
		return s.items[i].id <= h.id
	})
	if pos < n && s.items[pos].id == h.id {
		return -1, fmt.Errorf("%w: %d", ErrDuplicateHorizon, h.id)
	}
	if n != 0 && pos == n {
		return -1, fmt.Errorf("%w: %d is below %d", ErrOutOfOrder, h.id, s.items[n-1].id)
	}

	s.items = slices.Insert(s.items, pos, h)
	if pos > n-s.tail {
		s.tail = n - pos
	}
	s.extend()
	return pos, nil
}

// Find returns the index of id.
func (s *Storage) Find(id int64) (int, error) {
	i := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].id <= id
	})
	if i == len(s.items) || s.items[i].id != id {
		return -1, fmt.Errorf("%w: %d", ErrHorizonNotFound, id)
	}
	return i, nil
}

// Finish marks id finished.
func (s *Storage) Finish(id int64) error {
	i, err := s.Find(id)
	if err != nil {
		return err
	}
	s.items[i].finished = true
	s.extend()
	return nil
}

func (s *Storage) extend() {
	for i := len(s.items) - 1 - s.tail; i >= 0 && s.items[i].finished; i-- {
		s.tail++
	}
}

// CanFree is the number of contiguous finished entries at the low end.
func (s *Storage) CanFree() int {
	return s.tail
}

// ClearFinished removes the finished low end and returns it, highest id first.
func (s *Storage) ClearFinished() ([]*Info, error) {
	if s.tail == 0 {
		return nil, ErrNothingToClear
	}
	cut := len(s.items) - s.tail
	cleared := slices.Clone(s.items[cut:])
	clear(s.items[cut:])
	s.items = s.items[:cut]
	s.tail = 0
	return cleared, nil
}

// CanFreeAt is the number of entries at or below index.
func (s *Storage) CanFreeAt(index int) (int, error) {
	if index < 0 || index >= len(s.items) {
		return 0, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(s.items))
	}
	return len(s.items) - index, nil
}

// ClearAt drops every entry at or below index. It is a no-op on an empty
// storage.
func (s *Storage) ClearAt(index int) error {
	n := len(s.items)
	if n == 0 {
		return nil
	}
	if index < 0 || index >= n {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, n)
	}
	clear(s.items[index:])
	s.items = s.items[:index]
	s.tail = max(0, s.tail-(n-index))
	s.extend()
	return nil
}

// AfterHorizon returns the lowest unfinished entry, the next commit boundary.
func (s *Storage) AfterHorizon() (*Info, bool) {
	i := len(s.items) - 1 - s.tail
	if i < 0 {
		return nil, false
	}
	return s.items[i], true
}

// Ascending yields the entries from the lowest id to the highest.
func (s *Storage) Ascending() iter.Seq2[int, *Info] {
	return func(yield func(int, *Info) bool) {
		for i := len(s.items) - 1; i >= 0; i-- {
			if !yield(i, s.items[i]) {
				return
			}
		}
	}
}
