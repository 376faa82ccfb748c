// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package kprobe

import (
	"fmt"

	"github.com/cilium/ktrace/pkg/arch"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/mm"
)

// AddressSpace is what patching needs from an address space. All page
// permission changes on executable memory go through the Patcher.
type AddressSpace interface {
	IsUser() bool
	Phys() *mm.Phys
	FindMapping(addr uint64) (mm.Area, error)
	SetAreaPerm(addr uint64, perm mm.Perm) (mm.Perm, error)
	Protect(addr, length uint64, perm mm.Perm) error
	HandlePageFault(addr uint64, access mm.Perm) error
	Translate(addr uint64) (uint64, mm.Perm, error)
	FlushTLB(addr uint64)
	Read(addr uint64, buf []byte, access mm.Perm) error
	Write(addr uint64, data []byte) error
}

// Token is what Apply saved: the bytes the breakpoint overwrote.
type Token struct {
	Addr  uint64
	Saved []byte
}

// Patcher places and removes breakpoints in one address space.
type Patcher struct {
	arch  arch.Arch
	space AddressSpace
}

func NewPatcher(a arch.Arch, space AddressSpace) *Patcher {
	return &Patcher{arch: a, space: space}
}

// ReadInsn returns the instruction at addr.
func (p *Patcher) ReadInsn(addr uint64) ([]byte, error) {
	n := min(uint64(p.arch.MaxInsnLen()), mm.PageSize-addr%mm.PageSize)
	buf := make([]byte, p.arch.MaxInsnLen())
	if err := p.space.Read(addr, buf[:n], mm.PermExec); err != nil {
		return nil, err
	}
	l, err := p.arch.InsnLen(buf[:n])
	if err != nil {
		return nil, err
	}
	if uint64(l) > n {
		if err := p.space.Read(addr, buf[:l], mm.PermExec); err != nil {
			return nil, err
		}
	}
	return buf[:l], nil
}

// Apply writes a breakpoint at addr and returns the overwritten bytes.
// Failing to do so leaves the instruction stream in an unknown state and is
// fatal.
func (p *Patcher) Apply(addr uint64) Token {
	tok, err := p.apply(addr)
	if err != nil {
		errno.Fatal("failed to arm breakpoint at 0x%x: %v", addr, err)
	}
	return tok
}

// Revert restores the bytes saved by Apply. Failure is fatal.
func (p *Patcher) Revert(tok Token) {
	if err := p.write(tok.Addr, tok.Saved); err != nil {
		errno.Fatal("failed to disarm breakpoint at 0x%x: %v", tok.Addr, err)
	}
}

func (p *Patcher) apply(addr uint64) (Token, error) {
	insn, err := p.ReadInsn(addr)
	if err != nil {
		return Token{}, err
	}
	bp := p.arch.BreakpointInsn(len(insn))
	if len(bp) > len(insn) {
		return Token{}, fmt.Errorf("%d byte instruction too short for breakpoint: %w", len(insn), errno.ErrInvalidInput)
	}
	tok := Token{Addr: addr, Saved: append([]byte(nil), insn[:len(bp)]...)}
	return tok, p.write(addr, bp)
}

func (p *Patcher) write(addr uint64, data []byte) error {
	if p.space.IsUser() {
		return p.writeUser(addr, data)
	}
	return p.writeKernel(addr, data)
}

// writeKernel makes the page writable, stores the bytes and restores the
// original protection.
func (p *Patcher) writeKernel(addr uint64, data []byte) error {
	_, perm, err := p.space.Translate(addr)
	if err != nil {
		return err
	}
	if err := p.space.Protect(addr, uint64(len(data)), perm|mm.PermWrite); err != nil {
		return err
	}
	werr := p.space.Write(addr, data)
	if err := p.space.Protect(addr, uint64(len(data)), perm); err != nil {
		return err
	}
	p.space.FlushTLB(addr)
	return werr
}

// writeUser gives the process a private copy of the page through a write
// fault, so the file backed page cache is never modified, then stores the
// bytes through the direct map.
func (p *Patcher) writeUser(addr uint64, data []byte) error {
	area, err := p.space.FindMapping(addr)
	if err != nil {
		return err
	}
	orig, err := p.space.SetAreaPerm(addr, area.Perm|mm.PermWrite)
	if err != nil {
		return err
	}
	end := addr + uint64(len(data))
	for va := mm.PageDown(addr); va < end; va += mm.PageSize {
		if err = p.space.HandlePageFault(va, mm.PermWrite); err != nil {
			break
		}
	}
	if _, rerr := p.space.SetAreaPerm(addr, orig); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}
	if err := p.space.Protect(addr, uint64(len(data)), orig); err != nil {
		return err
	}

	for len(data) > 0 {
		pa, _, err := p.space.Translate(addr)
		if err != nil {
			return err
		}
		n := min(uint64(len(data)), mm.PageSize-addr%mm.PageSize)
		if err := p.space.Phys().WritePhys(pa, data[:n]); err != nil {
			return err
		}
		p.space.FlushTLB(addr)
		data = data[n:]
		addr += n
	}
	return nil
}
