// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package waitset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cilium/ktrace/pkg/errno"
)

func TestWaitReady(t *testing.T) {
	w := New()
	require.NoError(t, w.Wait(context.Background(), func() bool { return true }))
	assert.Equal(t, 0, w.Waiters())
}

func TestWaitWake(t *testing.T) {
	w := New()
	var ready atomic.Bool
	done := make(chan error)
	go func() {
		done <- w.Wait(context.Background(), ready.Load)
	}()

	require.Eventually(t, func() bool { return w.Waiters() == 1 }, time.Second, time.Millisecond)
	ready.Store(true)
	w.Wake()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitInterrupted(t *testing.T) {
	w := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- w.Wait(ctx, func() bool { return false })
	}()

	require.Eventually(t, func() bool { return w.Waiters() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, errno.ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not interrupted")
	}
	assert.Equal(t, 0, w.Waiters())
}
