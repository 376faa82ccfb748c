// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package prog

import (
	"fmt"
	"strings"

	"github.com/cilium/ebpf/asm"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/errno"
)

// AtomicMode is the store mode of atomic instructions. Only BPF_ADD
// (XADD) is accepted.
const AtomicMode asm.Mode = 0xc0

type verifier struct {
	insns asm.Instructions
	slots []int
	index map[int]int
	log   strings.Builder
	level uint32
}

func (v *verifier) logf(format string, args ...interface{}) {
	if v.level > 0 {
		fmt.Fprintf(&v.log, format+"\n", args...)
	}
}

func (v *verifier) reject(i int, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if v.level > 0 {
		fmt.Fprintf(&v.log, "%d: (%02x) %s\n", i, uint8(v.insns[i].OpCode), msg)
	}
	return fmt.Errorf("insn %d: %s: %w", i, msg, errno.ErrInvalidInput)
}

func validReg(r asm.Register) bool {
	return r <= asm.R10
}

// verify checks the structure of a program and returns the jump target of
// every instruction (-1 where there is none).
func (v *verifier) verify(totalSlots int) ([]int, error) {
	if totalSlots > bpf.BPF_MAXINSNS {
		v.logf("program of %d insns exceeds %d", totalSlots, bpf.BPF_MAXINSNS)
		return nil, fmt.Errorf("program of %d insns: %w", totalSlots, errno.ErrTooBig)
	}
	v.index = make(map[int]int, len(v.slots))
	for i, s := range v.slots {
		v.index[s] = i
	}
	targets := make([]int, len(v.insns))
	for i := range v.insns {
		targets[i] = -1
		t, err := v.check(i)
		if err != nil {
			return nil, err
		}
		targets[i] = t
	}
	last := v.insns[len(v.insns)-1]
	if op := last.OpCode; op.Class() != asm.JumpClass || (op.JumpOp() != asm.Exit && op.JumpOp() != asm.Ja) {
		return nil, v.reject(len(v.insns)-1, "last insn is not an exit or jmp")
	}
	v.logf("processed %d insns", len(v.insns))
	return targets, nil
}

func knownALUOp(aop asm.ALUOp) bool {
	switch aop {
	case asm.Add, asm.Sub, asm.Mul, asm.Div, asm.SDiv, asm.Or, asm.And,
		asm.LSh, asm.RSh, asm.Neg, asm.Mod, asm.SMod, asm.Xor, asm.Mov,
		asm.MovSX8, asm.MovSX16, asm.MovSX32, asm.ArSh, asm.Swap:
		return true
	}
	return false
}

func isDivOp(aop asm.ALUOp) bool {
	return aop == asm.Div || aop == asm.SDiv || aop == asm.Mod || aop == asm.SMod
}

func (v *verifier) check(i int) (int, error) {
	ins := v.insns[i]
	op := ins.OpCode
	if !validReg(ins.Dst) || !validReg(ins.Src) {
		return -1, v.reject(i, "invalid register")
	}
	switch cls := op.Class(); {
	case cls.IsALU():
		aop := op.ALUOp()
		if !knownALUOp(aop) || (aop == asm.MovSX32 && cls == asm.ALUClass) {
			return -1, v.reject(i, "unknown alu op")
		}
		if ins.Dst == asm.R10 {
			return -1, v.reject(i, "frame pointer is read only")
		}
		if isDivOp(aop) && op.Source() == asm.ImmSource && ins.Constant == 0 {
			return -1, v.reject(i, "div by zero")
		}
		if aop == asm.Swap && ins.Constant != 16 && ins.Constant != 32 && ins.Constant != 64 {
			return -1, v.reject(i, "invalid byte swap width %d", ins.Constant)
		}
	case cls.IsJump():
		jop := op.JumpOp()
		if jop == asm.InvalidJumpOp || jop > asm.JSLE {
			return -1, v.reject(i, "unknown jump op")
		}
		switch jop {
		case asm.Call:
			if cls != asm.JumpClass || ins.Src != 0 {
				return -1, v.reject(i, "only helper calls are supported")
			}
			return -1, nil
		case asm.Exit:
			if cls != asm.JumpClass {
				return -1, v.reject(i, "exit in jmp32 class")
			}
			return -1, nil
		}
		target := v.slots[i] + 1 + int(ins.Offset)
		t, ok := v.index[target]
		if !ok {
			return -1, v.reject(i, "jump out of range to %d", target)
		}
		return t, nil
	case cls == asm.LdClass:
		if op != ldImm64 {
			return -1, v.reject(i, "legacy packet access is not supported")
		}
		if ins.Dst == asm.R10 {
			return -1, v.reject(i, "frame pointer is read only")
		}
	case cls == asm.LdXClass:
		if op.Mode() != asm.MemMode {
			return -1, v.reject(i, "unknown load mode")
		}
		if ins.Dst == asm.R10 {
			return -1, v.reject(i, "frame pointer is read only")
		}
	case cls == asm.StClass:
		if op.Mode() != asm.MemMode {
			return -1, v.reject(i, "unknown store mode")
		}
	case cls == asm.StXClass:
		switch op.Mode() {
		case asm.MemMode:
		case AtomicMode:
			if sz := op.Size(); sz != asm.Word && sz != asm.DWord {
				return -1, v.reject(i, "atomic op on %d byte operand", sz.Sizeof())
			}
			if ins.Constant != int64(asm.Add) {
				return -1, v.reject(i, "unsupported atomic op %#x", ins.Constant)
			}
		default:
			return -1, v.reject(i, "unknown store mode")
		}
	default:
		return -1, v.reject(i, "unknown opcode")
	}
	return -1, nil
}
