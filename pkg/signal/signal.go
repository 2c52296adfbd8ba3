// Package signal provides FreeWatcher, a lock-free gate that parks producers
// while no free slots are left and releases them once one is returned.
package signal

import (
	"context"
	"sync/atomic"
)

type gate struct {
	ch   chan struct{}
	done atomic.Bool
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{})}
	if open {
		g.open()
	}
	return g
}

func (g *gate) open() {
	if g.done.CompareAndSwap(false, true) {
		close(g.ch)
	}
}

// state pairs the free counter with the gate of the current period so both
// change in a single compare-and-swap.
type state struct {
	free int64
	gate *gate
}

// FreeWatcher counts free slots. While the count is positive the gate is
// open; the transition to zero installs a new closed gate and the next
// transition back to one opens it.
type FreeWatcher struct {
	state atomic.Pointer[state]
}

// New creates a watcher with free slots. The gate starts open when free is
// positive.
func New(free int) *FreeWatcher {
	w := &FreeWatcher{}
	w.state.Store(&state{free: int64(free), gate: newGate(free > 0)})
	return w
}

// SignalFree returns a slot.
func (w *FreeWatcher) SignalFree() {
	for {
		old := w.state.Load()
		next := &state{free: old.free + 1, gate: old.gate}
		if !w.state.CompareAndSwap(old, next) {
			continue
		}
		if next.free == 1 {
			next.gate.open()
		}
		return
	}
}

// SignalStuck takes a slot.
func (w *FreeWatcher) SignalStuck() {
	for {
		old := w.state.Load()
		next := &state{free: old.free - 1, gate: old.gate}
		if next.free == 0 {
			next.gate = newGate(false)
		}
		if w.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// WaitFree returns a channel closed once a slot is free. The channel of an
// open period is already closed.
func (w *FreeWatcher) WaitFree() <-chan struct{} {
	return w.state.Load().gate.ch
}

// Wait blocks until a slot is free or ctx is done.
func (w *FreeWatcher) Wait(ctx context.Context) error {
	select {
	case <-w.WaitFree():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Free is the current number of free slots. It may be negative.
func (w *FreeWatcher) Free() int64 {
	return w.state.Load().free
}
