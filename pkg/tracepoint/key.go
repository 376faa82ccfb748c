// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import "go.uber.org/atomic"

// StaticKey gates the tracepoint fast path. It is enabled while at least
// one user holds it; a disabled key costs one atomic load at the firing
// site.
type StaticKey struct {
	users atomic.Int32
}

func (k *StaticKey) Inc() {
	k.users.Inc()
}

func (k *StaticKey) Dec() {
	for {
		n := k.users.Load()
		if n == 0 || k.users.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (k *StaticKey) Enabled() bool {
	return k.users.Load() > 0
}
