// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/atomic"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
)

// CmdlineCache maps recently traced pids to their process names. Add runs
// on the tracepoint fire path, so the cache is guarded by a spin lock.
type CmdlineCache struct {
	lock  lock.SpinNoPreempt
	cache *simplelru.LRU[int32, string]
	size  atomic.Int64
}

func NewCmdlineCache(size int) (*CmdlineCache, error) {
	if size < 1 {
		return nil, fmt.Errorf("cmdline cache size %d: %w", size, errno.ErrInvalidInput)
	}
	cache, err := simplelru.NewLRU[int32, string](size, nil)
	if err != nil {
		return nil, err
	}
	c := &CmdlineCache{cache: cache}
	c.size.Store(int64(size))
	return c, nil
}

func (c *CmdlineCache) Add(pid int32, comm string) {
	c.lock.Lock()
	c.cache.Add(pid, comm)
	c.lock.Unlock()
}

// Lookup returns the name of pid without touching its recency.
func (c *CmdlineCache) Lookup(pid int32) (string, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cache.Peek(pid)
}

func (c *CmdlineCache) Size() int {
	return int(c.size.Load())
}

// Resize changes the capacity, evicting the oldest entries if needed.
func (c *CmdlineCache) Resize(size int) error {
	if size < 1 {
		return fmt.Errorf("cmdline cache size %d: %w", size, errno.ErrInvalidInput)
	}
	c.lock.Lock()
	c.cache.Resize(size)
	c.size.Store(int64(size))
	c.lock.Unlock()
	return nil
}

// CmdlineEntry is one pid to name association.
type CmdlineEntry struct {
	PID  int32
	Comm string
}

// Snapshot returns the cached entries, oldest first.
func (c *CmdlineCache) Snapshot() []CmdlineEntry {
	c.lock.Lock()
	defer c.lock.Unlock()
	keys := c.cache.Keys()
	ret := make([]CmdlineEntry, 0, len(keys))
	for _, pid := range keys {
		if comm, ok := c.cache.Peek(pid); ok {
			ret = append(ret, CmdlineEntry{PID: pid, Comm: comm})
		}
	}
	return ret
}
