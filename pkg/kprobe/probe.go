// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package kprobe

import (
	"fmt"

	"go.uber.org/atomic"
)

type Kind int

const (
	KindKprobe Kind = iota
	KindKretprobe
	KindUprobe
	KindUretprobe
)

func (k Kind) String() string {
	switch k {
	case KindKprobe:
		return "kprobe"
	case KindKretprobe:
		return "kretprobe"
	case KindUprobe:
		return "uprobe"
	case KindUretprobe:
		return "uretprobe"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Handler is called in trap context with the trapping task's registers.
// Changes to regs are seen by the interrupted code.
type Handler func(p *Probe, regs *PtRegs)

// Probe is a registered breakpoint probe. It is owned by the Manager it was
// registered with; callers keep the pointer to unregister it.
type Probe struct {
	kind   Kind
	addr   uint64
	symbol string
	offset uint64
	pre    Handler
	post   Handler
	pid    int32

	enabled    atomic.Bool
	registered atomic.Bool
	hits       atomic.Uint64
}

func (p *Probe) Kind() Kind {
	return p.kind
}

// Addr returns the probed address.
func (p *Probe) Addr() uint64 {
	return p.addr
}

func (p *Probe) Symbol() string {
	return p.symbol
}

func (p *Probe) Offset() uint64 {
	return p.offset
}

// PID returns the process owning a user probe, 0 for kernel probes.
func (p *Probe) PID() int32 {
	return p.pid
}

func (p *Probe) IsUser() bool {
	return p.kind == KindUprobe || p.kind == KindUretprobe
}

func (p *Probe) Enable() {
	p.enabled.Store(true)
}

func (p *Probe) Disable() {
	p.enabled.Store(false)
}

func (p *Probe) IsEnabled() bool {
	return p.enabled.Load()
}

func (p *Probe) IsRegistered() bool {
	return p.registered.Load()
}

// Hits returns the number of times the pre handlers ran.
func (p *Probe) Hits() uint64 {
	return p.hits.Load()
}

func (p *Probe) String() string {
	target := fmt.Sprintf("0x%x", p.addr)
	if p.symbol != "" {
		target = fmt.Sprintf("%s+0x%x", p.symbol, p.offset)
	}
	if p.IsUser() {
		return fmt.Sprintf("%s:%d:%s", p.kind, p.pid, target)
	}
	return fmt.Sprintf("%s:%s", p.kind, target)
}

// Builder describes a probe to register.
type Builder struct {
	symbol     string
	symbolAddr uint64
	offset     uint64
	pre        Handler
	post       Handler
	ret        RetHandler
	maxActive  int
	user       bool
	pid        int32
	enable     bool
}

// NewBuilder returns a builder for an enabled kernel probe.
func NewBuilder() *Builder {
	return &Builder{enable: true}
}

// WithSymbol targets a symbol, resolved at registration.
func (b *Builder) WithSymbol(name string) *Builder {
	b.symbol = name
	return b
}

// WithSymbolAddr targets an address, the symbol being used for display only.
func (b *Builder) WithSymbolAddr(addr uint64) *Builder {
	b.symbolAddr = addr
	return b
}

func (b *Builder) WithOffset(off uint64) *Builder {
	b.offset = off
	return b
}

// WithPreHandler sets the handler run before the probed instruction. For
// return probes it is the entry handler.
func (b *Builder) WithPreHandler(h Handler) *Builder {
	b.pre = h
	return b
}

// WithPostHandler sets the handler run after the probed instruction.
func (b *Builder) WithPostHandler(h Handler) *Builder {
	b.post = h
	return b
}

// WithReturnHandler sets the handler run when the probed function returns.
func (b *Builder) WithReturnHandler(h RetHandler) *Builder {
	b.ret = h
	return b
}

// WithMaxActive bounds the number of pending return interceptions per task,
// 0 meaning no bound.
func (b *Builder) WithMaxActive(n int) *Builder {
	b.maxActive = n
	return b
}

// WithUserMode makes the probe a user probe in process pid.
func (b *Builder) WithUserMode(pid int32) *Builder {
	b.user = true
	b.pid = pid
	return b
}

func (b *Builder) WithEnable(enable bool) *Builder {
	b.enable = enable
	return b
}
