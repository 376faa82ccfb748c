// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package kernel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cilium/ktrace/pkg/cpu"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/kprobe"
	"github.com/cilium/ktrace/pkg/logger/logfields"
	"github.com/cilium/ktrace/pkg/mm"
	"github.com/cilium/ktrace/pkg/perf"
	"github.com/cilium/ktrace/pkg/task"
)

const (
	// UserTextBase is where executables are mapped.
	UserTextBase = 0x400000
	// UserStackBase is a read/write area of every process, used for
	// syscall arguments.
	UserStackBase  = 0x10000
	UserStackPages = 8
)

// DefineFunction places a simulated function in kernel text and adds its
// symbol.
func (k *Kernel) DefineFunction(name string, body func(f *cpu.Frame) uint64) (*cpu.Function, error) {
	code := k.cfg.Arch.Prologue()

	k.textLock.Lock()
	defer k.textLock.Unlock()
	if k.nextText+funcSlot > k.textEnd {
		return nil, fmt.Errorf("kernel text full defining %s: %w", name, errno.ErrNoMemory)
	}
	if _, err := k.syms.Lookup(name); err == nil {
		return nil, fmt.Errorf("function %s: %w", name, errno.ErrAlreadyExists)
	}
	fn := &cpu.Function{Name: name, Entry: k.nextText, PrologueLen: len(code), Body: body}
	if err := k.space.Protect(fn.Entry, uint64(len(code)), mm.PermRead|mm.PermWrite); err != nil {
		return nil, err
	}
	if err := k.space.Write(fn.Entry, code); err != nil {
		return nil, err
	}
	if err := k.space.Protect(fn.Entry, uint64(len(code)), mm.PermRead|mm.PermExec); err != nil {
		return nil, err
	}
	k.syms.Add(name, fn.Entry, "T")
	k.nextText += funcSlot
	k.log.WithFields(logrus.Fields{
		"function":     name,
		logfields.Addr: fmt.Sprintf("0x%x", fn.Entry),
	}).Debug("Function defined")
	return fn, nil
}

// UserFunction is a function of an executable, Body running once its
// prologue has executed.
type UserFunction struct {
	Name string
	Body func(f *cpu.Frame) uint64
}

// Process is a task running an executable made of simulated functions.
type Process struct {
	*task.Task
	// Funcs maps function names to their mapped location.
	Funcs map[string]*cpu.Function
	// Offsets maps function names to their offset in the executable file,
	// the location uprobes are given.
	Offsets map[string]uint64
}

// Spawn starts a process running exePath, an executable whose text holds
// funcs in order.
func (k *Kernel) Spawn(comm, exePath string, funcs ...UserFunction) (*Process, error) {
	code := k.cfg.Arch.Prologue()
	content := make([]byte, max(len(funcs), 1)*funcSlot)
	for i := range funcs {
		copy(content[i*funcSlot:], code)
	}
	bin, err := k.phys.NewFile(exePath, content)
	if err != nil {
		return nil, err
	}
	space := mm.NewSpace(k.phys, true)
	if err := space.MapFile(UserTextBase, mm.PermRead|mm.PermExec, bin, 0, exePath); err != nil {
		return nil, err
	}
	if err := space.Map(UserStackBase, UserStackPages*mm.PageSize, mm.PermRead|mm.PermWrite, "[stack]"); err != nil {
		return nil, err
	}

	p := &Process{
		Task:    k.tasks.Spawn(comm, exePath, space),
		Funcs:   make(map[string]*cpu.Function, len(funcs)),
		Offsets: make(map[string]uint64, len(funcs)),
	}
	for i, f := range funcs {
		off := uint64(i * funcSlot)
		p.Offsets[f.Name] = off
		p.Funcs[f.Name] = &cpu.Function{Name: f.Name, Entry: UserTextBase + off, PrologueLen: len(code), Body: f.Body}
	}
	k.log.WithFields(logrus.Fields{
		logfields.PID: p.PID,
		"comm":        comm,
		"exe":         exePath,
	}).Debug("Process spawned")
	return p, nil
}

// Call runs fn in the context of pid, in kernel mode for kernel text and
// in user mode otherwise. pid 0 runs kernel functions with no current task.
func (k *Kernel) Call(pid int32, fn *cpu.Function, args ...uint64) (uint64, error) {
	var (
		mem  cpu.Memory = k.space
		ret  uint64     = kernelCaller
		user            = fn.Entry < mm.KernelTextBase
	)
	if pid != 0 || user {
		tk, err := k.tasks.Find(pid)
		if err != nil {
			return 0, err
		}
		if user {
			mem, ret = tk.Space, userCaller
		}
	}
	restore := k.tasks.SetCurrent(pid)
	defer restore()
	return cpu.New(k.cfg.Arch, mem, &trap{k: k, pid: pid}, user).Call(fn, ret, args...)
}

// OnBreakpoint is the breakpoint trap entry. Kernel mode traps go to the
// kprobe manager, user mode traps to the uprobe manager of pid.
func (k *Kernel) OnBreakpoint(pid int32, regs *kprobe.PtRegs) bool {
	if mgr := k.managerFor(pid, regs); mgr != nil {
		return mgr.Dispatch(regs.PC, regs)
	}
	return false
}

// OnDebugException is the single step trap entry.
func (k *Kernel) OnDebugException(pid int32, regs *kprobe.PtRegs) bool {
	if mgr := k.managerFor(pid, regs); mgr != nil {
		return mgr.DispatchDebug(regs)
	}
	return false
}

func (k *Kernel) managerFor(pid int32, regs *kprobe.PtRegs) *kprobe.Manager {
	if !regs.User {
		return k.kprobes
	}
	tk, err := k.tasks.Find(pid)
	if err != nil {
		return nil
	}
	return tk.Uprobes(nil)
}

// trap binds the trap entries to the task being run.
type trap struct {
	k   *Kernel
	pid int32
}

func (t *trap) OnBreakpoint(regs *kprobe.PtRegs) bool {
	return t.k.OnBreakpoint(t.pid, regs)
}

func (t *trap) OnDebugException(regs *kprobe.PtRegs) bool {
	return t.k.OnDebugException(t.pid, regs)
}

// PerfEventOutput implements helpers.Env.
func (k *Kernel) PerfEventOutput(f *file.File, data []byte) error {
	ev, err := perf.FromFile(f)
	if err != nil {
		return err
	}
	return ev.WriteEvent(data)
}
