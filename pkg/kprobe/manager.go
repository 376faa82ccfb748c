// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package kprobe implements breakpoint based dynamic probes on kernel
// (kprobe) and user (uprobe) code, and return probes built on a trampoline.
//
// A Manager owns the probes of one address space. Registration patches a
// breakpoint at the target address; the trap frontend then calls Dispatch
// (and DispatchDebug on architectures that single step) with the trapping
// registers. Dispatch runs in trap context: it never sleeps and only takes
// the manager's spin lock, which is released before any handler runs.
package kprobe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"

	"github.com/cilium/ktrace/pkg/arch"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/logger"
	"github.com/cilium/ktrace/pkg/logger/logfields"
	"github.com/cilium/ktrace/pkg/metrics/probemetrics"
	"github.com/cilium/ktrace/pkg/mm"
)

// SymbolResolver resolves probe targets given by name, and names addresses
// in logs.
type SymbolResolver interface {
	Lookup(name string) (uint64, error)
	Name(addr uint64) string
}

// Config holds the collaborators of a Manager.
type Config struct {
	Arch arch.Arch
	// Space is the address space probes are placed in. A user space makes
	// the manager a uprobe manager.
	Space *mm.Space
	Exec  *mm.ExecAllocator
	// Symbols is optional, probes by name fail without it.
	Symbols SymbolResolver
	// Instances and Current are needed by return probes.
	Instances InstanceStore
	Current   func() int32
	// PID is the process owning a uprobe manager.
	PID int32
	// OnHit is called for every enabled probe hit, before its pre handler.
	OnHit Handler
}

type Manager struct {
	// regMu serializes registration, which may sleep. lock guards what
	// Dispatch reads.
	regMu lock.Mutex
	lock  lock.SpinNoPreempt

	cfg        Config
	patcher    *Patcher
	points     *PointList
	trampoline atomic.Uint64
	log        logrus.FieldLogger
}

func NewManager(cfg Config) *Manager {
	subsys := "kprobe"
	if cfg.Space.IsUser() {
		subsys = "uprobe"
	}
	log := logger.WithSubsys(subsys)
	if cfg.Space.IsUser() {
		log = log.WithField(logfields.PID, cfg.PID)
	}
	return &Manager{
		cfg:     cfg,
		patcher: NewPatcher(cfg.Arch, cfg.Space),
		points:  newPointList(),
		log:     log,
	}
}

func (m *Manager) isUser() bool {
	return m.cfg.Space.IsUser()
}

func (m *Manager) current() int32 {
	if m.cfg.Current == nil {
		return 0
	}
	return m.cfg.Current()
}

func (m *Manager) symbolName(addr uint64) string {
	if m.cfg.Symbols == nil {
		return fmt.Sprintf("0x%x", addr)
	}
	return m.cfg.Symbols.Name(addr)
}

func (m *Manager) resolveSymbol(name string) (uint64, error) {
	if m.cfg.Symbols == nil {
		return 0, fmt.Errorf("cannot resolve %s without a symbol table: %w", name, errno.ErrInvalidInput)
	}
	addr, err := m.cfg.Symbols.Lookup(name)
	if errors.Is(err, errno.ErrNotFound) && strings.HasPrefix(name, "sys_") {
		if prefixed, perr := m.cfg.Arch.AddSyscallPrefix(name); perr == nil && prefixed != name {
			return m.cfg.Symbols.Lookup(prefixed)
		}
	}
	return addr, err
}

func (m *Manager) newProbe(b *Builder, kind Kind) (*Probe, error) {
	if b.user != m.isUser() {
		return nil, fmt.Errorf("user mode %t probe on a user mode %t manager: %w", b.user, m.isUser(), errno.ErrInvalidInput)
	}
	if b.user && b.pid != m.cfg.PID {
		return nil, fmt.Errorf("probe for pid %d on the manager of pid %d: %w", b.pid, m.cfg.PID, errno.ErrInvalidInput)
	}

	var addr uint64
	switch {
	case b.symbolAddr != 0:
		addr = b.symbolAddr + b.offset
	case b.symbol != "":
		sym, err := m.resolveSymbol(b.symbol)
		if err != nil {
			return nil, err
		}
		addr = sym + b.offset
	default:
		return nil, fmt.Errorf("probe without target: %w", errno.ErrInvalidInput)
	}

	p := &Probe{
		kind:   kind,
		addr:   addr,
		symbol: b.symbol,
		offset: b.offset,
		pre:    b.pre,
		post:   b.post,
		pid:    b.pid,
	}
	p.enabled.Store(b.enable)
	return p, nil
}

func (m *Manager) allocExec(fill func(page []byte)) (uint64, error) {
	if m.isUser() {
		return m.cfg.Exec.AllocUserExec(m.cfg.Space, fill)
	}
	return m.cfg.Exec.AllocKernelExec(fill)
}

func (m *Manager) freeExec(addr uint64) error {
	if m.isUser() {
		return m.cfg.Exec.FreeUserExec(m.cfg.Space, addr)
	}
	return m.cfg.Exec.FreeKernelExec(addr)
}

// Register places a probe. Probes sharing an address run in registration
// order and share a single breakpoint.
func (m *Manager) Register(b *Builder) (*Probe, error) {
	if b.ret != nil {
		return nil, fmt.Errorf("return handler on a plain probe: %w", errno.ErrInvalidInput)
	}
	kind := KindKprobe
	if m.isUser() {
		kind = KindUprobe
	}
	p, err := m.newProbe(b, kind)
	if err != nil {
		return nil, err
	}
	if err := m.insert(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Manager) insert(p *Probe) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.lock.Lock()
	if pt := m.points.get(p.addr); pt != nil {
		pt.probes = append(slices.Clip(pt.probes), p)
		m.lock.Unlock()
		p.registered.Store(true)
		m.log.WithField(logfields.Probe, p.String()).Debug("probe registered on existing point")
		return nil
	}
	m.lock.Unlock()

	insn, err := m.patcher.ReadInsn(p.addr)
	if err != nil {
		return fmt.Errorf("cannot probe 0x%x: %w", p.addr, err)
	}
	if m.cfg.Arch.IsBreakpoint(insn) {
		return fmt.Errorf("0x%x already holds a breakpoint: %w", p.addr, errno.ErrInvalidInput)
	}
	bp := m.cfg.Arch.BreakpointInsn(len(insn))
	slot, err := m.allocExec(func(page []byte) {
		n := copy(page, insn)
		if !m.cfg.Arch.SingleStep() {
			copy(page[n:], bp)
		}
	})
	if err != nil {
		return fmt.Errorf("cannot allocate instruction slot: %w", err)
	}

	pt := &point{addr: p.addr, insn: insn, slot: slot, probes: []*Probe{p}}
	// the point is visible before the breakpoint is, so a trap on it is
	// always recognized
	m.lock.Lock()
	m.points.insert(pt)
	m.lock.Unlock()

	tok := m.patcher.Apply(p.addr)

	m.lock.Lock()
	pt.tok = tok
	m.points.setPatched(p.addr, true)
	m.lock.Unlock()

	p.registered.Store(true)
	probemetrics.PointsPatched.Inc()
	m.log.WithFields(logrus.Fields{
		logfields.Probe:  p.String(),
		logfields.Addr:   fmt.Sprintf("0x%x", p.addr),
		logfields.Symbol: m.symbolName(p.addr),
	}).Debug("probe point armed")
	return nil
}

// Unregister removes a probe. The breakpoint is removed with the last probe
// of its address.
func (m *Manager) Unregister(p *Probe) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.unregisterLocked(p)
}

func (m *Manager) unregisterLocked(p *Probe) error {
	if !p.IsRegistered() {
		return fmt.Errorf("probe %s not registered: %w", p, errno.ErrNotFound)
	}

	m.lock.Lock()
	pt := m.points.get(p.addr)
	if pt == nil {
		m.lock.Unlock()
		return fmt.Errorf("no probe point at 0x%x: %w", p.addr, errno.ErrNotFound)
	}
	probes, found := withoutProbe(pt.probes, p)
	if !found {
		m.lock.Unlock()
		return fmt.Errorf("probe %s not registered here: %w", p, errno.ErrNotFound)
	}
	pt.probes = probes
	m.lock.Unlock()
	p.registered.Store(false)

	if len(probes) > 0 {
		return nil
	}

	m.patcher.Revert(pt.tok)
	m.lock.Lock()
	m.points.remove(pt)
	m.lock.Unlock()
	probemetrics.PointsPatched.Dec()

	m.log.WithFields(logrus.Fields{
		logfields.Addr:   fmt.Sprintf("0x%x", pt.addr),
		logfields.Symbol: m.symbolName(pt.addr),
	}).Debug("probe point disarmed")
	if err := m.freeExec(pt.slot); err != nil {
		m.log.WithError(err).Warn("failed to free instruction slot")
	}
	return nil
}

func (m *Manager) hit(p *Probe, regs *PtRegs) {
	p.hits.Inc()
	probemetrics.HitInc(p.kind.String())
	if m.cfg.OnHit != nil {
		m.cfg.OnHit(p, regs)
	}
}

// Dispatch handles a breakpoint trap at pc. It returns false when pc is
// not one of the manager's breakpoints, the trap then being a genuine one.
//
// On a probe point the pre handlers run and the PC is moved to the
// out-of-line copy of the original instruction. The post handlers run once
// that instruction has executed: on the breakpoint following the copy, or
// from DispatchDebug on single stepping architectures. A pre handler
// changing the PC skips the step and the post handlers.
func (m *Manager) Dispatch(pc uint64, regs *PtRegs) bool {
	m.lock.Lock()
	if pt := m.points.get(pc); pt != nil {
		probes, slot := pt.probes, pt.slot
		m.lock.Unlock()

		regs.PC = pc
		for _, p := range probes {
			if !p.IsEnabled() {
				continue
			}
			m.hit(p, regs)
			if p.pre != nil {
				p.pre(p, regs)
			}
		}
		if regs.PC != pc {
			return true
		}
		regs.PC = slot
		if m.cfg.Arch.SingleStep() {
			regs.Flags |= FlagTrap
		}
		return true
	}
	if !m.cfg.Arch.SingleStep() {
		if pt := m.points.getBySlot(pc); pt != nil {
			probes, next := pt.probes, pt.next()
			m.lock.Unlock()
			m.runPost(probes, regs)
			regs.PC = next
			return true
		}
	}
	m.lock.Unlock()

	if tr := m.trampoline.Load(); tr != 0 && pc == tr {
		m.handleTrampoline(regs)
		return true
	}
	return false
}

// DispatchDebug handles the debug exception raised after the out-of-line
// step of a single stepping architecture.
func (m *Manager) DispatchDebug(regs *PtRegs) bool {
	if regs.Flags&FlagTrap == 0 {
		return false
	}
	m.lock.Lock()
	pt := m.points.getBySlot(regs.PC)
	if pt == nil {
		m.lock.Unlock()
		return false
	}
	probes, next := pt.probes, pt.next()
	m.lock.Unlock()

	regs.Flags &^= FlagTrap
	m.runPost(probes, regs)
	regs.PC = next
	return true
}

func (m *Manager) runPost(probes []*Probe, regs *PtRegs) {
	for _, p := range probes {
		if p.IsEnabled() && p.post != nil {
			p.post(p, regs)
		}
	}
}

// Points describes the probe points, ordered by address.
func (m *Manager) Points() []PointInfo {
	m.lock.Lock()
	defer m.lock.Unlock()
	ret := make([]PointInfo, 0, len(m.points.byAddr))
	for _, pt := range m.points.byAddr {
		ret = append(ret, m.points.info(pt))
	}
	slices.SortFunc(ret, func(a, b PointInfo) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return ret
}

// Patched returns the addresses currently holding a breakpoint.
func (m *Manager) Patched() []uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.points.Patched()
}

// Probes returns the probes registered at addr in invocation order.
func (m *Manager) Probes(addr uint64) []*Probe {
	m.lock.Lock()
	defer m.lock.Unlock()
	if pt := m.points.get(addr); pt != nil {
		return slices.Clone(pt.probes)
	}
	return nil
}

// Close unregisters every probe and frees the return trampoline.
func (m *Manager) Close() error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.lock.Lock()
	var probes []*Probe
	for _, pt := range m.points.byAddr {
		probes = append(probes, pt.probes...)
	}
	m.lock.Unlock()

	var err error
	for _, p := range probes {
		err = multierr.Append(err, m.unregisterLocked(p))
	}
	if tr := m.trampoline.Swap(0); tr != 0 {
		err = multierr.Append(err, m.freeExec(tr))
	}
	return err
}
