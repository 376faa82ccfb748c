// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package perf

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/kprobe"
	"github.com/cilium/ktrace/pkg/mm"
)

// probeBacking feeds an event from a kprobe, uprobe or their return
// variants. The probe is registered disabled and follows the event state.
type probeBacking struct {
	ev    *Event
	mgr   *kprobe.Manager
	probe *kprobe.Probe
	kret  *kprobe.Kretprobe
	prog  atomic.Pointer[attached]
}

func (b *probeBacking) onHit(_ *kprobe.Probe, regs *kprobe.PtRegs) {
	b.ev.hit(regs.Bytes(), b.prog.Load())
}

func (b *probeBacking) onReturn(_ *kprobe.RetprobeInstance, regs *kprobe.PtRegs) {
	b.ev.hit(regs.Bytes(), b.prog.Load())
}

func (b *probeBacking) register(builder *kprobe.Builder, retprobe bool) error {
	builder.WithEnable(false)
	if retprobe {
		kr, err := b.mgr.RegisterKretprobe(builder.WithReturnHandler(b.onReturn))
		if err != nil {
			return err
		}
		b.kret = kr
		b.probe = kr.Probe()
		return nil
	}
	p, err := b.mgr.Register(builder.WithPreHandler(b.onHit))
	if err != nil {
		return err
	}
	b.probe = p
	return nil
}

func (b *probeBacking) enable()  { b.probe.Enable() }
func (b *probeBacking) disable() { b.probe.Disable() }

func (b *probeBacking) attach(a *attached) error {
	b.prog.Store(a)
	return nil
}

func (b *probeBacking) release() error {
	b.prog.Store(nil)
	if b.kret != nil {
		return b.mgr.UnregisterKretprobe(b.kret)
	}
	return b.mgr.Unregister(b.probe)
}

// openKprobe registers the probe of a kprobe PMU event. config1 points to
// the symbol name in the caller and config2 is the offset, or the address
// when no name is given.
func openKprobe(e *Event, caller *mm.Space) (backing, error) {
	if e.cfg.Kprobes == nil {
		return nil, fmt.Errorf("kprobe events: %w", errno.ErrNotSupported)
	}
	builder := kprobe.NewBuilder()
	target := fmt.Sprintf("0x%x", e.attr.Ext2)
	if e.attr.Ext1 != 0 {
		sym, err := caller.ReadCString(e.attr.Ext1, ksymNameLen)
		if err != nil {
			return nil, err
		}
		if sym == "" {
			return nil, fmt.Errorf("empty kprobe symbol: %w", errno.ErrInvalidInput)
		}
		builder.WithSymbol(sym).WithOffset(e.attr.Ext2)
		target = fmt.Sprintf("%s+0x%x", sym, e.attr.Ext2)
	} else {
		if e.attr.Ext2 == 0 {
			return nil, fmt.Errorf("kprobe without symbol or address: %w", errno.ErrInvalidInput)
		}
		builder.WithSymbolAddr(e.attr.Ext2)
	}
	e.log = e.newLog(target)

	b := &probeBacking{ev: e, mgr: e.cfg.Kprobes}
	if err := b.register(builder, e.attr.Config&RetprobeBit != 0); err != nil {
		return nil, err
	}
	return b, nil
}

// openUprobe registers the probe of a uprobe PMU event. config1 points to
// the path of the probed file and config2 is the offset in it, resolved
// against the mappings of the target process.
func openUprobe(e *Event, caller *mm.Space) (backing, error) {
	if e.pid == -1 {
		return nil, fmt.Errorf("system wide uprobe: %w", errno.ErrNotSupported)
	}
	if e.cfg.Uprobes == nil {
		return nil, fmt.Errorf("uprobe events: %w", errno.ErrNotSupported)
	}
	path, err := caller.ReadCString(e.attr.Ext1, pathMax)
	if err != nil {
		return nil, err
	}
	mgr, space, err := e.cfg.Uprobes(e.pid)
	if err != nil {
		return nil, err
	}
	addr, err := resolveFileOffset(space, path, e.attr.Ext2)
	if err != nil {
		return nil, err
	}
	e.log = e.newLog(fmt.Sprintf("%s:0x%x", path, e.attr.Ext2))

	b := &probeBacking{ev: e, mgr: mgr}
	builder := kprobe.NewBuilder().WithSymbolAddr(addr).WithUserMode(e.pid)
	if err := b.register(builder, e.attr.Config&RetprobeBit != 0); err != nil {
		return nil, err
	}
	return b, nil
}

// resolveFileOffset returns the address where offset of the file at path
// is mapped in space.
func resolveFileOffset(space *mm.Space, path string, offset uint64) (uint64, error) {
	for _, a := range space.Areas() {
		if a.File == nil || a.File.Path != path {
			continue
		}
		if offset >= a.Offset && offset-a.Offset < a.End-a.Start {
			return a.Start + offset - a.Offset, nil
		}
	}
	return 0, fmt.Errorf("%s+0x%x is not mapped: %w", path, offset, errno.ErrNotFound)
}
