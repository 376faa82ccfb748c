// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package waitset is the single suspension point of the subsystem: readers
// of an empty trace pipe or of a perf ring with no data register here and are
// woken by producers.
package waitset

import (
	"context"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
)

type WaitSet struct {
	lock    lock.SpinNoPreempt
	waiters map[chan struct{}]struct{}
}

func New() *WaitSet {
	return &WaitSet{waiters: make(map[chan struct{}]struct{})}
}

// Wait blocks until ready returns true. ready is evaluated after the waker
// is registered, so a Wake racing with the check is never lost. A cancelled
// context interrupts the wait with errno.ErrInterrupted.
func (w *WaitSet) Wait(ctx context.Context, ready func() bool) error {
	for {
		ch := make(chan struct{}, 1)
		w.lock.Lock()
		w.waiters[ch] = struct{}{}
		w.lock.Unlock()

		if ready() {
			w.remove(ch)
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			w.remove(ch)
			return errno.ErrInterrupted
		}
	}
}

func (w *WaitSet) remove(ch chan struct{}) {
	w.lock.Lock()
	delete(w.waiters, ch)
	w.lock.Unlock()
}

// Wake wakes every registered waiter. It never blocks and can be called
// from trap context.
func (w *WaitSet) Wake() {
	w.lock.Lock()
	for ch := range w.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
		delete(w.waiters, ch)
	}
	w.lock.Unlock()
}

// Waiters returns the number of registered waiters.
func (w *WaitSet) Waiters() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return len(w.waiters)
}
