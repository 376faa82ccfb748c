// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package kprobe

import (
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"
)

// point is an instrumented address shared by every probe registered on it.
// The breakpoint is written once, when the first probe registers, and
// removed when the last one goes away.
type point struct {
	addr uint64
	insn []byte
	tok  Token
	// slot holds the original instruction, executed out of line, followed
	// by a breakpoint on architectures that do not single step.
	slot uint64
	// probes is replaced, never modified in place, so dispatch can run
	// handlers on the slice it loaded after dropping the lock.
	probes []*Probe
}

func (pt *point) stepDone() uint64 {
	return pt.slot + uint64(len(pt.insn))
}

func (pt *point) next() uint64 {
	return pt.addr + uint64(len(pt.insn))
}

// PointInfo describes a probe point.
type PointInfo struct {
	Addr    uint64
	Saved   []byte
	Patched bool
	Owners  int
	Slot    uint64
}

// PointList indexes the probe points of a manager by probed address and by
// the address at which the out-of-line step completes.
type PointList struct {
	byAddr  map[uint64]*point
	bySlot  map[uint64]*point
	patched mapset.Set[uint64]
}

func newPointList() *PointList {
	return &PointList{
		byAddr:  make(map[uint64]*point),
		bySlot:  make(map[uint64]*point),
		patched: mapset.NewThreadUnsafeSet[uint64](),
	}
}

func (l *PointList) get(addr uint64) *point {
	return l.byAddr[addr]
}

func (l *PointList) getBySlot(addr uint64) *point {
	return l.bySlot[addr]
}

func (l *PointList) insert(pt *point) {
	l.byAddr[pt.addr] = pt
	l.bySlot[pt.stepDone()] = pt
}

func (l *PointList) remove(pt *point) {
	delete(l.byAddr, pt.addr)
	delete(l.bySlot, pt.stepDone())
	l.patched.Remove(pt.addr)
}

func (l *PointList) setPatched(addr uint64, patched bool) {
	if patched {
		l.patched.Add(addr)
	} else {
		l.patched.Remove(addr)
	}
}

// Patched returns the addresses currently holding a breakpoint, sorted.
func (l *PointList) Patched() []uint64 {
	ret := l.patched.ToSlice()
	slices.Sort(ret)
	return ret
}

func (l *PointList) info(pt *point) PointInfo {
	return PointInfo{
		Addr:    pt.addr,
		Saved:   slices.Clone(pt.tok.Saved),
		Patched: l.patched.Contains(pt.addr),
		Owners:  len(pt.probes),
		Slot:    pt.slot,
	}
}

// withoutProbe returns a copy of probes without p and whether p was found.
func withoutProbe(probes []*Probe, p *Probe) ([]*Probe, bool) {
	idx := slices.Index(probes, p)
	if idx < 0 {
		return probes, false
	}
	ret := make([]*Probe, 0, len(probes)-1)
	ret = append(ret, probes[:idx]...)
	return append(ret, probes[idx+1:]...), true
}
