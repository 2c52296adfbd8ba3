package inflight

// View is a bounded window [head..tail] over a circular slice of buckets.
// TryAdd fills the window bucket by bucket starting at current, wrapping
// from tail back to head, and never touches buckets outside the window.
type View[P any] struct {
	buckets []*Bucket[P]
	head    int
	tail    int
	current int
	size    int
}

// NewView creates a window of size buckets.
func NewView[P any](buckets []*Bucket[P], head, tail, current, size int) *View[P] {
	return &View[P]{
		buckets: buckets,
		head:    head,
		tail:    tail,
		current: current,
		size:    size,
	}
}

func (v *View[P]) Size() int {
	return v.size
}

// Head is the global index of the first bucket of the window.
func (v *View[P]) Head() int {
	return v.head
}

// Tail is the global index of the last bucket of the window.
func (v *View[P]) Tail() int {
	return v.tail
}

// CurrentIndex is the global index of the bucket messages are added to.
func (v *View[P]) CurrentIndex() int {
	return v.current
}

func (v *View[P]) Current() *Bucket[P] {
	return v.buckets[v.current]
}

// LocalIndex is the position of current counted from head.
func (v *View[P]) LocalIndex() int {
	return distance(v.head, v.current, len(v.buckets))
}

// TryAdd adds m to the current bucket or to the next bucket of the window
// with free space. It reports false when the window is full.
func (v *View[P]) TryAdd(m *MessageInfo[P]) bool {
	if v.buckets[v.current].HavePlace() {
		_, err := v.buckets[v.current].Add(m)
		return err == nil
	}
	if !v.moveNext() {
		return false
	}
	_, err := v.buckets[v.current].Add(m)
	return err == nil
}

func (v *View[P]) moveNext() bool {
	if v.size == 1 {
		return false
	}

	idx := v.head
	if v.current != v.tail {
		idx = next(v.current, len(v.buckets))
	}
	if !v.buckets[idx].HavePlace() {
		return false
	}
	v.current = idx
	return true
}
