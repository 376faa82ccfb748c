// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package file

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
)

// Table is a per-process descriptor table. Descriptors are allocated lowest
// free slot first and released slots are reused.
type Table struct {
	lock lock.SpinNoPreempt
	arr  []*File
}

func NewTable() *Table {
	return &Table{}
}

// findEmpty will find an empty slot in the table, or create a new one
func (t *Table) findEmpty() int {
	for i := range t.arr {
		if t.arr[i] == nil {
			return i
		}
	}

	idx := len(t.arr)
	t.arr = append(t.arr, nil)
	return idx
}

// Install stores f and returns its descriptor. The table takes over the
// caller's reference.
func (t *Table) Install(f *File) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	fd := t.findEmpty()
	t.arr[fd] = f
	return fd
}

func (t *Table) getValidEntryIndex(fd int) (int, error) {
	if fd >= len(t.arr) || fd < 0 || t.arr[fd] == nil {
		return -1, fmt.Errorf("fd %d: %w", fd, errno.ErrBadFD)
	}
	return fd, nil
}

// Get returns the file behind fd with a new reference the caller must Put.
func (t *Table) Get(fd int) (*File, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	idx, err := t.getValidEntryIndex(fd)
	if err != nil {
		return nil, err
	}
	return t.arr[idx].Get(), nil
}

// Dup installs another descriptor for the file behind fd.
func (t *Table) Dup(fd int) (int, error) {
	f, err := t.Get(fd)
	if err != nil {
		return -1, err
	}
	return t.Install(f), nil
}

// Close removes fd and drops the table's reference.
func (t *Table) Close(fd int) error {
	t.lock.Lock()
	idx, err := t.getValidEntryIndex(fd)
	if err != nil {
		t.lock.Unlock()
		return err
	}
	f := t.arr[idx]
	t.arr[idx] = nil
	t.lock.Unlock()
	return f.Put()
}

// CloseAll closes every descriptor.
func (t *Table) CloseAll() error {
	t.lock.Lock()
	files := t.arr
	t.arr = nil
	t.lock.Unlock()

	var err error
	for _, f := range files {
		if f != nil {
			err = multierr.Append(err, f.Put())
		}
	}
	return err
}

// Len returns the number of open descriptors.
func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	count := 0
	for i := range t.arr {
		if t.arr[i] != nil {
			count++
		}
	}
	return count
}
