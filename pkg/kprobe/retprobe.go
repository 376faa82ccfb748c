// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package kprobe

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/logger/logfields"
	"github.com/cilium/ktrace/pkg/metrics/probemetrics"
)

// RetHandler is called in trap context when a probed function returns,
// regs.Ret holding the return value.
type RetHandler func(inst *RetprobeInstance, regs *PtRegs)

// RetprobeInstance is a pending return interception.
type RetprobeInstance struct {
	Kretprobe *Kretprobe
	// RetAddr is where the function returns to once the trampoline has
	// been handled.
	RetAddr    uint64
	Trampoline uint64
	// Regs are the registers at function entry.
	Regs PtRegs
}

// InstanceStore keeps the pending instances of each task. Returns unwind in
// reverse call order, so a per-task stack pairs entries with returns even
// under recursion.
type InstanceStore interface {
	PushInstance(pid int32, inst *RetprobeInstance)
	PopInstance(pid int32) (*RetprobeInstance, bool)
	CountInstances(pid int32, kr *Kretprobe) int
}

// Kretprobe is a return probe: an entry probe redirecting the return
// address of the probed function to the manager's trampoline.
type Kretprobe struct {
	probe     *Probe
	mgr       *Manager
	entry     Handler
	ret       RetHandler
	maxActive int
	nmissed   atomic.Uint64
}

func (kr *Kretprobe) Probe() *Probe {
	return kr.probe
}

// Missed returns the number of entries that were not redirected because
// maxactive instances were pending.
func (kr *Kretprobe) Missed() uint64 {
	return kr.nmissed.Load()
}

// Trampoline returns the address the probed function returns to.
func (kr *Kretprobe) Trampoline() uint64 {
	return kr.mgr.trampoline.Load()
}

// RegisterKretprobe places a return probe. The builder's pre handler is run
// on entry, its return handler on return.
func (m *Manager) RegisterKretprobe(b *Builder) (*Kretprobe, error) {
	if b.ret == nil {
		return nil, fmt.Errorf("return probe without return handler: %w", errno.ErrInvalidInput)
	}
	if m.cfg.Instances == nil {
		return nil, fmt.Errorf("return probes need an instance store: %w", errno.ErrNotSupported)
	}
	kind := KindKretprobe
	if m.isUser() {
		kind = KindUretprobe
	}
	p, err := m.newProbe(b, kind)
	if err != nil {
		return nil, err
	}
	kr := &Kretprobe{
		probe:     p,
		mgr:       m,
		entry:     b.pre,
		ret:       b.ret,
		maxActive: b.maxActive,
	}
	p.pre = kr.onEntry

	m.ensureTrampoline()
	if err := m.insert(p); err != nil {
		return nil, err
	}
	return kr, nil
}

func (m *Manager) UnregisterKretprobe(kr *Kretprobe) error {
	return m.Unregister(kr.probe)
}

// ensureTrampoline allocates the manager's trampoline, a single breakpoint
// shared by all its return probes. Without it no return can be
// intercepted, so failure is fatal.
func (m *Manager) ensureTrampoline() {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if m.trampoline.Load() != 0 {
		return
	}
	bp := m.cfg.Arch.BreakpointInsn(4)
	addr, err := m.allocExec(func(page []byte) {
		copy(page, bp)
	})
	if err != nil {
		errno.Fatal("failed to allocate return trampoline: %v", err)
	}
	m.trampoline.Store(addr)
	m.log.WithField(logfields.Addr, fmt.Sprintf("0x%x", addr)).Debug("return trampoline installed")
}

func (kr *Kretprobe) onEntry(p *Probe, regs *PtRegs) {
	if kr.entry != nil {
		kr.entry(p, regs)
	}
	m := kr.mgr
	pid := m.current()
	if kr.maxActive > 0 && m.cfg.Instances.CountInstances(pid, kr) >= kr.maxActive {
		kr.nmissed.Inc()
		probemetrics.RetprobeMissed.Inc()
		return
	}
	tr := m.trampoline.Load()
	m.cfg.Instances.PushInstance(pid, &RetprobeInstance{
		Kretprobe:  kr,
		RetAddr:    regs.RA,
		Trampoline: tr,
		Regs:       *regs,
	})
	regs.RA = tr
}

// handleTrampoline pops the newest instance of the current task, runs its
// return handler and resumes at the original return address.
func (m *Manager) handleTrampoline(regs *PtRegs) {
	pid := m.current()
	inst, ok := m.cfg.Instances.PopInstance(pid)
	if !ok {
		errno.Fatal("return trampoline hit by pid %d without pending instance", pid)
	}
	if kr := inst.Kretprobe; kr.probe.IsRegistered() && kr.probe.IsEnabled() {
		kr.ret(inst, regs)
	}
	regs.PC = inst.RetAddr
}
