// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package cpu is a minimal instruction stepper standing in for the trap
// frontend. It executes the prologue of simulated functions one instruction
// at a time, raising breakpoint and debug traps exactly where a CPU would,
// runs the function body as Go code, and returns through the return address
// so return trampolines are exercised.
package cpu

import (
	"errors"
	"fmt"

	"github.com/cilium/ktrace/pkg/arch"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/kprobe"
	"github.com/cilium/ktrace/pkg/mm"
)

var ErrUnhandledTrap = errors.New("unhandled trap")

const defaultMaxSteps = 1 << 16

// Trap receives the traps raised while stepping.
type Trap interface {
	OnBreakpoint(regs *kprobe.PtRegs) bool
	OnDebugException(regs *kprobe.PtRegs) bool
}

// Memory is where instructions are fetched from.
type Memory interface {
	Read(addr uint64, buf []byte, access mm.Perm) error
}

// Function is a simulated function: PrologueLen bytes of instructions at
// Entry followed by Body.
type Function struct {
	Name        string
	Entry       uint64
	PrologueLen int
	Body        func(f *Frame) uint64
}

func (fn *Function) bodyAddr() uint64 {
	return fn.Entry + uint64(fn.PrologueLen)
}

// Frame is the activation of a Function.
type Frame struct {
	m    *Machine
	fn   *Function
	regs kprobe.PtRegs
	err  error
}

func (f *Frame) Arg(i int) uint64 {
	return f.regs.Args[i]
}

// Call calls fn from the body of the frame's function.
func (f *Frame) Call(fn *Function, args ...uint64) uint64 {
	ret, err := f.m.Call(fn, f.fn.bodyAddr(), args...)
	if err != nil && f.err == nil {
		f.err = err
	}
	return ret
}

type Machine struct {
	arch     arch.Arch
	mem      Memory
	trap     Trap
	user     bool
	maxSteps int
	steps    int
}

func New(a arch.Arch, mem Memory, trap Trap, user bool) *Machine {
	return &Machine{
		arch:     a,
		mem:      mem,
		trap:     trap,
		user:     user,
		maxSteps: defaultMaxSteps,
	}
}

// Steps returns the number of instructions and traps processed so far.
func (m *Machine) Steps() int {
	return m.steps
}

func (m *Machine) fetch(pc uint64) ([]byte, error) {
	buf := make([]byte, m.arch.MaxInsnLen())
	n := min(uint64(len(buf)), mm.PageSize-pc%mm.PageSize)
	if err := m.mem.Read(pc, buf[:n], mm.PermExec); err != nil {
		return nil, err
	}
	if m.arch.IsBreakpoint(buf[:n]) {
		return buf[:n], nil
	}
	l, err := m.arch.InsnLen(buf[:n])
	if err != nil {
		return nil, err
	}
	if uint64(l) > n {
		if err := m.mem.Read(pc, buf[:l], mm.PermExec); err != nil {
			return nil, err
		}
	}
	return buf[:l], nil
}

// Call runs fn with args until it returns to ret, and returns its return
// value.
func (m *Machine) Call(fn *Function, ret uint64, args ...uint64) (uint64, error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("%s: too many arguments: %w", fn.Name, errno.ErrInvalidInput)
	}
	regs := &kprobe.PtRegs{PC: fn.Entry, RA: ret, User: m.user}
	copy(regs.Args[:], args)

	returned := false
	for {
		m.steps++
		if m.steps > m.maxSteps {
			return 0, fmt.Errorf("%s: step budget exhausted at 0x%x: %w", fn.Name, regs.PC, errno.ErrTooBig)
		}
		if returned && regs.PC == ret {
			return regs.Ret, nil
		}
		if !returned && regs.PC == fn.bodyAddr() {
			f := &Frame{m: m, fn: fn, regs: *regs}
			regs.Ret = fn.Body(f)
			if f.err != nil {
				return 0, f.err
			}
			returned = true
			regs.PC = regs.RA
			continue
		}

		code, err := m.fetch(regs.PC)
		if err != nil {
			return 0, fmt.Errorf("%s: instruction fetch at 0x%x: %w", fn.Name, regs.PC, err)
		}
		if m.arch.IsBreakpoint(code) {
			pc := regs.PC
			if !m.trap.OnBreakpoint(regs) {
				return 0, fmt.Errorf("%s: breakpoint at 0x%x: %w", fn.Name, pc, ErrUnhandledTrap)
			}
			continue
		}
		regs.PC += uint64(len(code))
		if regs.Flags&kprobe.FlagTrap != 0 {
			pc := regs.PC
			if !m.trap.OnDebugException(regs) {
				return 0, fmt.Errorf("%s: debug exception at 0x%x: %w", fn.Name, pc, ErrUnhandledTrap)
			}
		}
	}
}
