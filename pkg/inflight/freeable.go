package inflight

import "github.com/tnewman/kafka-exchanger/pkg/broker"

// scope is the per-input highest offset covered by a run of buckets.
type scope []watermark

func newScope(marks []watermark) scope {
	s := make(scope, len(marks))
	copy(s, marks)
	return s
}

func (s scope) widen(marks []watermark) {
	for i, w := range marks {
		if w.ok && (!s[i].ok || w.max.Offset > s[i].max.Offset) {
			s[i].max = w.max
			s[i].ok = true
		}
	}
}

// covers reports whether the bucket's data interleaves with the scope on
// every input, i.e. its lowest offset is below the scope's highest one.
func (s scope) covers(b []watermark) bool {
	for i := range s {
		if !s[i].ok || !b[i].ok || b[i].min.Offset >= s[i].max.Offset {
			return false
		}
	}
	return true
}

// CanFreeBuckets returns the longest run of freeable buckets starting at
// head that can be committed without moving past unacknowledged data. A
// bucket whose offsets lie above everything covered so far is held back
// until a later bucket reaches below the covered range and ties it in.
// Any unfreeable bucket inside the run empties the result.
func (s *Storage[P]) CanFreeBuckets() []*Bucket[P] {
	return s.releasable((*Bucket[P]).CanFree, true)
}

// OnlyWait reports whether the run of buckets that wait only for completion
// has reached InFlyLimit. It walks the ring like CanFreeBuckets using
// OnlyWaitFinish as the readiness test. It is always false when InFlyLimit
// is zero.
func (s *Storage[P]) OnlyWait() bool {
	if s.opts.InFlyLimit <= 0 {
		return false
	}
	run := s.releasable((*Bucket[P]).OnlyWaitFinish, false)
	return len(run) > 0 && len(run) >= s.opts.InFlyLimit
}

func (s *Storage[P]) releasable(ready func(*Bucket[P]) bool, dataless bool) []*Bucket[P] {
	if s.size == 0 {
		return nil
	}
	head := s.buckets[s.head]
	if !ready(head) {
		return nil
	}

	run := []*Bucket[P]{head}
	covered := newScope(head.marks)

	var held []*Bucket[P]
	var heldMax scope
	for i := 1; i < s.size; i++ {
		b := s.buckets[s.slot(i)]
		if b.IsEmpty() {
			break
		}

		if !covered.covers(b.marks) {
			held = append(held, b)
			if heldMax == nil {
				heldMax = newScope(b.marks)
			} else {
				heldMax.widen(b.marks)
			}
			continue
		}

		if !ready(b) {
			return nil
		}
		if len(held) != 0 {
			for _, h := range held {
				if !ready(h) {
					return nil
				}
			}
			run = append(run, held...)
			covered.widen(heldMax)
			held, heldMax = nil, nil
		}
		run = append(run, b)
		covered.widen(b.marks)
	}

	for _, h := range held {
		if !ready(h) || (dataless && h.hasOffsets()) {
			break
		}
		run = append(run, h)
	}

	for _, b := range run {
		if !ready(b) {
			return nil
		}
	}
	return run
}

// CommitOffsets folds the highest offset of every input over buckets and
// returns the next offsets to read, ready to be committed to the broker.
func (s *Storage[P]) CommitOffsets(buckets []*Bucket[P]) []broker.Offset {
	highest := make(scope, s.opts.Inputs)
	for _, b := range buckets {
		highest.widen(b.marks)
	}

	offsets := make([]broker.Offset, 0, len(highest))
	for _, w := range highest {
		if !w.ok {
			continue
		}
		next := w.max
		next.Offset++
		offsets = append(offsets, next)
	}
	return offsets
}
