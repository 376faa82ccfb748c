// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package task is the process table: tasks with their address space and
// descriptor table, the current task, and the per-task stacks of pending
// return probe instances.
package task

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/kprobe"
	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/mm"
)

// CommLen is the size of the comm buffer, NUL included.
const CommLen = 16

type Task struct {
	PID     int32
	TGID    int32
	Comm    string
	ExePath string
	Space   *mm.Space
	Files   *file.Table

	mu      lock.Mutex
	uprobes *kprobe.Manager
}

// Uprobes returns the uprobe manager of the process, creating it with
// newMgr on first use.
func (t *Task) Uprobes(newMgr func(*Task) *kprobe.Manager) *kprobe.Manager {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.uprobes == nil && newMgr != nil {
		t.uprobes = newMgr(t)
	}
	return t.uprobes
}

type Table struct {
	lock    lock.SpinNoPreempt
	tasks   map[int32]*Task
	nextPID int32
	// stacks of pending return instances; pid 0 is used when there is no
	// current task
	stacks  map[int32][]*kprobe.RetprobeInstance
	current atomic.Int32
}

func NewTable() *Table {
	return &Table{
		tasks:   make(map[int32]*Task),
		nextPID: 1,
		stacks:  make(map[int32][]*kprobe.RetprobeInstance),
	}
}

// Spawn creates a task running exePath in space.
func (t *Table) Spawn(comm, exePath string, space *mm.Space) *Task {
	if len(comm) >= CommLen {
		comm = comm[:CommLen-1]
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	pid := t.nextPID
	t.nextPID++
	tsk := &Task{
		PID:     pid,
		TGID:    pid,
		Comm:    comm,
		ExePath: exePath,
		Space:   space,
		Files:   file.NewTable(),
	}
	t.tasks[pid] = tsk
	return tsk
}

func (t *Table) Find(pid int32) (*Task, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	tsk, ok := t.tasks[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, errno.ErrNotFound)
	}
	return tsk, nil
}

// Tasks returns the live tasks ordered by pid.
func (t *Table) Tasks() []*Task {
	t.lock.Lock()
	ret := make([]*Task, 0, len(t.tasks))
	for _, tsk := range t.tasks {
		ret = append(ret, tsk)
	}
	t.lock.Unlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].PID < ret[j].PID })
	return ret
}

// Exit removes the task. Its pending return instances are discarded, its
// descriptors closed, its uprobes removed and its address space torn down.
func (t *Table) Exit(pid int32) (*Task, error) {
	t.lock.Lock()
	tsk, ok := t.tasks[pid]
	if !ok {
		t.lock.Unlock()
		return nil, fmt.Errorf("pid %d: %w", pid, errno.ErrNotFound)
	}
	delete(t.tasks, pid)
	delete(t.stacks, pid)
	t.lock.Unlock()
	t.current.CompareAndSwap(pid, 0)

	err := tsk.Files.CloseAll()
	if mgr := tsk.Uprobes(nil); mgr != nil {
		err = multierr.Append(err, mgr.Close())
	}
	if tsk.Space != nil {
		tsk.Space.UnmapAll()
	}
	return tsk, err
}

// Current returns the pid of the running task, 0 when none.
func (t *Table) Current() int32 {
	return t.current.Load()
}

// SetCurrent switches to pid and returns a function switching back.
func (t *Table) SetCurrent(pid int32) func() {
	prev := t.current.Swap(pid)
	return func() {
		t.current.Store(prev)
	}
}

// ProcessName returns the executable name shown for pid.
func (t *Table) ProcessName(pid int32) (string, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	tsk, ok := t.tasks[pid]
	if !ok {
		return "", false
	}
	if tsk.ExePath != "" {
		return filepath.Base(tsk.ExePath), true
	}
	return tsk.Comm, true
}

func (t *Table) PushInstance(pid int32, inst *kprobe.RetprobeInstance) {
	t.lock.Lock()
	t.stacks[pid] = append(t.stacks[pid], inst)
	t.lock.Unlock()
}

func (t *Table) PopInstance(pid int32) (*kprobe.RetprobeInstance, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	st := t.stacks[pid]
	if len(st) == 0 {
		return nil, false
	}
	inst := st[len(st)-1]
	st[len(st)-1] = nil
	if len(st) == 1 {
		delete(t.stacks, pid)
	} else {
		t.stacks[pid] = st[:len(st)-1]
	}
	return inst, true
}

func (t *Table) CountInstances(pid int32, kr *kprobe.Kretprobe) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	n := 0
	for _, inst := range t.stacks[pid] {
		if inst.Kretprobe == kr {
			n++
		}
	}
	return n
}

// Pending returns the number of pending return instances of pid.
func (t *Table) Pending(pid int32) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.stacks[pid])
}
