// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Cilium

package lock

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

// RWMutex is used by user-facing paths that are allowed to sleep.
type RWMutex struct {
	sync.RWMutex
}

// Mutex is used by user-facing paths that are allowed to sleep.
type Mutex struct {
	sync.Mutex
}

// preemptCount is the number of SpinNoPreempt locks currently held. While
// it is non-zero the simulated kernel runs with preemption disabled.
var preemptCount atomic.Int64

// PreemptCount returns the number of spin locks currently held.
func PreemptCount() int64 {
	return preemptCount.Load()
}

// SpinNoPreempt is a non-sleeping lock for state touched from trap context
// (probe dispatch, tracepoint firing, BPF helpers). Waiters spin and yield
// the processor instead of parking, so holding it never suspends the caller.
// Holding it raises the preemption count.
type SpinNoPreempt struct {
	state atomic.Uint32
}

func (l *SpinNoPreempt) Lock() {
	preemptCount.Inc()
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *SpinNoPreempt) TryLock() bool {
	preemptCount.Inc()
	if l.state.CompareAndSwap(0, 1) {
		return true
	}
	preemptCount.Dec()
	return false
}

func (l *SpinNoPreempt) Unlock() {
	if !l.state.CompareAndSwap(1, 0) {
		panic("lock: unlock of unlocked SpinNoPreempt")
	}
	preemptCount.Dec()
}

// Locked reports whether the lock is currently held.
func (l *SpinNoPreempt) Locked() bool {
	return l.state.Load() == 1
}
