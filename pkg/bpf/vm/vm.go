// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package vm interprets loaded BPF programs. Every invocation runs on its
// own registers, stack and memory regions; a fault aborts only the
// invocation that raised it.
package vm

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/bpf/maps"
	"github.com/cilium/ktrace/pkg/bpf/prog"
	"github.com/cilium/ktrace/pkg/defaults"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/option"
)

// Fault reasons, also used as metric labels.
const (
	FaultOutOfBounds   = "out_of_bounds"
	FaultDivByZero     = "div_by_zero"
	FaultBadInsn       = "bad_insn"
	FaultUnknownHelper = "unknown_helper"
	FaultGPLOnly       = "gpl_only"
	FaultHelper        = "helper"
	FaultBudget        = "budget"
)

// Fault is the error of an aborted invocation.
type Fault struct {
	Reason string
	Insn   int
	Msg    string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("bpf fault at insn %d: %s: %s", f.Insn, f.Reason, f.Msg)
}

func (f *Fault) Unwrap() error {
	return errno.ErrFault
}

// FaultReason returns the reason of a fault error, or "" for other errors.
func FaultReason(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

// Range is an address range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Contains(addr uint64, n int) bool {
	return addr >= r.Start && addr <= r.End && uint64(n) <= r.End-addr
}

type Config struct {
	InstructionLimit int
	StackSize        int
	// ProbeRange bounds the addresses probe_read helpers may access.
	ProbeRange Range
	// CPU returns the current CPU; nil means CPU 0.
	CPU func() int
}

// DefaultConfig returns the configuration derived from option.Config.
func DefaultConfig() Config {
	cfg := Config{
		InstructionLimit: option.Config.VMInstructionLimit,
		StackSize:        option.Config.VMStackSize,
	}
	if cfg.InstructionLimit <= 0 {
		cfg.InstructionLimit = defaults.DefaultVMInstructionLimit
	}
	if cfg.StackSize <= 0 {
		cfg.StackSize = defaults.DefaultVMStackSize
	}
	return cfg
}

// HelperFunc implements a helper. A returned error faults the invocation;
// helpers report recoverable failures through their return value instead.
type HelperFunc func(c *Context, r1, r2, r3, r4, r5 uint64) (uint64, error)

type Helper struct {
	Name    string
	GPLOnly bool
	Fn      HelperFunc
}

// HelperTable maps helper ids to their implementation.
type HelperTable map[asm.BuiltinFunc]Helper

// VM is an interpreter bound to a program, a helper table and a
// configuration. It is safe for concurrent use.
type VM struct {
	prog    *prog.Prog
	helpers HelperTable
	cfg     Config
}

func New(p *prog.Prog, helpers HelperTable, cfg Config) *VM {
	if cfg.InstructionLimit <= 0 {
		cfg.InstructionLimit = defaults.DefaultVMInstructionLimit
	}
	if cfg.StackSize <= 0 {
		cfg.StackSize = defaults.DefaultVMStackSize
	}
	return &VM{prog: p, helpers: helpers, cfg: cfg}
}

func (vm *VM) Prog() *prog.Prog {
	return vm.prog
}

// Context is the state of one invocation, handed to helpers.
type Context struct {
	vm   *VM
	mem  memory
	regs [11]uint64
	pc   int
	cpu  int
}

func (c *Context) Prog() *prog.Prog {
	return c.vm.prog
}

func (c *Context) CPU() int {
	return c.cpu
}

// Mem returns n bytes of program memory at addr. The slice aliases the
// memory; write reports whether it will be written to.
func (c *Context) Mem(addr uint64, n int, write bool) ([]byte, error) {
	b, err := c.mem.slice(addr, n, write)
	if err != nil {
		return nil, c.fault(FaultOutOfBounds, err.Error())
	}
	return b, nil
}

// Expose makes data addressable by the program and returns its address.
func (c *Context) Expose(name string, data []byte, writable bool) uint64 {
	return c.mem.add(name, data, writable)
}

// MapArg returns the map of a handle argument.
func (c *Context) MapArg(h uint64) (*maps.Map, error) {
	idx, ok := prog.HandleIndex(h)
	if !ok {
		return nil, c.fault(FaultHelper, fmt.Sprintf("%#x is not a map", h))
	}
	m, ok := c.vm.prog.Map(idx)
	if !ok {
		return nil, c.fault(FaultHelper, fmt.Sprintf("unknown map handle %#x", h))
	}
	return m, nil
}

// ProbeAllowed reports whether probe_read may access [addr, addr+n).
func (c *Context) ProbeAllowed(addr uint64, n int) bool {
	return c.vm.cfg.ProbeRange.Contains(addr, n)
}

func (c *Context) fault(reason, msg string) error {
	return &Fault{Reason: reason, Insn: c.pc, Msg: msg}
}

// Execute runs the program with input as its context (R1) and returns R0.
func (vm *VM) Execute(input []byte) (uint64, error) {
	c := &Context{vm: vm}
	if vm.cfg.CPU != nil {
		c.cpu = vm.cfg.CPU()
	}
	stack := make([]byte, vm.cfg.StackSize)
	c.regs[asm.R1] = c.mem.add("ctx", input, false)
	c.regs[asm.R10] = c.mem.add("stack", stack, true) + uint64(len(stack))
	return c.run()
}

func (c *Context) operand(ins asm.Instruction) uint64 {
	if ins.OpCode.Source() == asm.RegSource {
		return c.regs[ins.Src]
	}
	return uint64(ins.Constant)
}

func (c *Context) run() (uint64, error) {
	insns := c.vm.prog.Insns()
	budget := c.vm.cfg.InstructionLimit
	for {
		if c.pc < 0 || c.pc >= len(insns) {
			return 0, c.fault(FaultBadInsn, "pc out of program")
		}
		if budget == 0 {
			return 0, c.fault(FaultBudget, fmt.Sprintf("instruction limit %d reached", c.vm.cfg.InstructionLimit))
		}
		budget--

		ins := insns[c.pc]
		op := ins.OpCode
		next := c.pc + 1
		switch cls := op.Class(); cls {
		case asm.ALU64Class, asm.ALUClass:
			val, err := c.alu(ins, cls == asm.ALU64Class)
			if err != nil {
				return 0, err
			}
			c.regs[ins.Dst] = val

		case asm.JumpClass, asm.Jump32Class:
			switch jop := op.JumpOp(); jop {
			case asm.Exit:
				return c.regs[asm.R0], nil
			case asm.Call:
				if err := c.call(ins); err != nil {
					return 0, err
				}
			default:
				taken, err := c.cond(jop, c.regs[ins.Dst], c.operand(ins), cls == asm.Jump32Class)
				if err != nil {
					return 0, err
				}
				if taken {
					next = c.vm.prog.Target(c.pc)
				}
			}

		case asm.LdClass:
			val, err := c.loadImm64(ins)
			if err != nil {
				return 0, err
			}
			c.regs[ins.Dst] = val

		case asm.LdXClass:
			val, err := c.mem.load(c.regs[ins.Src]+uint64(int64(ins.Offset)), op.Size().Sizeof())
			if err != nil {
				return 0, c.fault(FaultOutOfBounds, err.Error())
			}
			c.regs[ins.Dst] = val

		case asm.StClass:
			if err := c.mem.store(c.regs[ins.Dst]+uint64(int64(ins.Offset)), op.Size().Sizeof(), uint64(ins.Constant)); err != nil {
				return 0, c.fault(FaultOutOfBounds, err.Error())
			}

		case asm.StXClass:
			addr := c.regs[ins.Dst] + uint64(int64(ins.Offset))
			size := op.Size().Sizeof()
			val := c.regs[ins.Src]
			if op.Mode() == prog.AtomicMode {
				old, err := c.mem.load(addr, size)
				if err != nil {
					return 0, c.fault(FaultOutOfBounds, err.Error())
				}
				val += old
			}
			if err := c.mem.store(addr, size, val); err != nil {
				return 0, c.fault(FaultOutOfBounds, err.Error())
			}

		default:
			return 0, c.fault(FaultBadInsn, fmt.Sprintf("opcode %#x", uint8(op)))
		}
		c.pc = next
	}
}

func (c *Context) loadImm64(ins asm.Instruction) (uint64, error) {
	switch ins.Src {
	case 0, bpf.BPF_PSEUDO_MAP_FD:
		return uint64(ins.Constant), nil
	case bpf.BPF_PSEUDO_MAP_VALUE:
		idx := int(uint32(ins.Constant))
		off := uint64(ins.Constant) >> 32
		m, ok := c.vm.prog.Map(idx)
		if !ok {
			return 0, c.fault(FaultBadInsn, fmt.Sprintf("unknown map index %d", idx))
		}
		val := m.ProgLookup(make([]byte, 4), c.cpu)
		if val == nil {
			return 0, c.fault(FaultBadInsn, fmt.Sprintf("map %s has no element 0", m.Name()))
		}
		return c.Expose(m.Name(), val, m.Meta().Flags&bpf.BPF_F_RDONLY_PROG == 0) + off, nil
	}
	return 0, c.fault(FaultBadInsn, fmt.Sprintf("ld_imm64 with src %d", ins.Src))
}

func (c *Context) call(ins asm.Instruction) error {
	id := asm.BuiltinFunc(ins.Constant)
	h, ok := c.vm.helpers[id]
	if !ok {
		return c.fault(FaultUnknownHelper, fmt.Sprintf("helper %d", int64(ins.Constant)))
	}
	if h.GPLOnly && !c.vm.prog.GPLCompatible() {
		return c.fault(FaultGPLOnly, h.Name)
	}
	r := &c.regs
	ret, err := h.Fn(c, r[asm.R1], r[asm.R2], r[asm.R3], r[asm.R4], r[asm.R5])
	if err != nil {
		var f *Fault
		if errors.As(err, &f) {
			return err
		}
		return c.fault(FaultHelper, fmt.Sprintf("%s: %v", h.Name, err))
	}
	r[asm.R0] = ret
	for i := asm.R1; i <= asm.R5; i++ {
		r[i] = 0
	}
	return nil
}
