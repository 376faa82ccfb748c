// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package vm

import (
	"fmt"
	"math/bits"

	"github.com/cilium/ebpf/asm"
)

func (c *Context) alu(ins asm.Instruction, is64 bool) (uint64, error) {
	op := ins.OpCode
	dst := c.regs[ins.Dst]
	src := c.operand(ins)
	if op.ALUOp() == asm.Swap {
		return swap(dst, ins.Constant, op.Source() == asm.RegSource || is64), nil
	}
	if !is64 {
		v, err := c.alu32(op.ALUOp(), uint32(dst), uint32(src))
		return uint64(v), err
	}
	switch op.ALUOp() {
	case asm.Add:
		return dst + src, nil
	case asm.Sub:
		return dst - src, nil
	case asm.Mul:
		return dst * src, nil
	case asm.Div:
		if src == 0 {
			return 0, c.fault(FaultDivByZero, "division by zero")
		}
		return dst / src, nil
	case asm.SDiv:
		if src == 0 {
			return 0, c.fault(FaultDivByZero, "division by zero")
		}
		return uint64(int64(dst) / int64(src)), nil
	case asm.Mod:
		if src == 0 {
			return 0, c.fault(FaultDivByZero, "modulo by zero")
		}
		return dst % src, nil
	case asm.SMod:
		if src == 0 {
			return 0, c.fault(FaultDivByZero, "modulo by zero")
		}
		return uint64(int64(dst) % int64(src)), nil
	case asm.Or:
		return dst | src, nil
	case asm.And:
		return dst & src, nil
	case asm.Xor:
		return dst ^ src, nil
	case asm.LSh:
		return dst << (src & 63), nil
	case asm.RSh:
		return dst >> (src & 63), nil
	case asm.ArSh:
		return uint64(int64(dst) >> (src & 63)), nil
	case asm.Neg:
		return -dst, nil
	case asm.Mov:
		return src, nil
	case asm.MovSX8:
		return uint64(int64(int8(src))), nil
	case asm.MovSX16:
		return uint64(int64(int16(src))), nil
	case asm.MovSX32:
		return uint64(int64(int32(src))), nil
	}
	return 0, c.fault(FaultBadInsn, fmt.Sprintf("alu op %#x", uint16(op)))
}

func (c *Context) alu32(aop asm.ALUOp, dst, src uint32) (uint32, error) {
	switch aop {
	case asm.Add:
		return dst + src, nil
	case asm.Sub:
		return dst - src, nil
	case asm.Mul:
		return dst * src, nil
	case asm.Div:
		if src == 0 {
			return 0, c.fault(FaultDivByZero, "division by zero")
		}
		return dst / src, nil
	case asm.SDiv:
		if src == 0 {
			return 0, c.fault(FaultDivByZero, "division by zero")
		}
		return uint32(int32(dst) / int32(src)), nil
	case asm.Mod:
		if src == 0 {
			return 0, c.fault(FaultDivByZero, "modulo by zero")
		}
		return dst % src, nil
	case asm.SMod:
		if src == 0 {
			return 0, c.fault(FaultDivByZero, "modulo by zero")
		}
		return uint32(int32(dst) % int32(src)), nil
	case asm.Or:
		return dst | src, nil
	case asm.And:
		return dst & src, nil
	case asm.Xor:
		return dst ^ src, nil
	case asm.LSh:
		return dst << (src & 31), nil
	case asm.RSh:
		return dst >> (src & 31), nil
	case asm.ArSh:
		return uint32(int32(dst) >> (src & 31)), nil
	case asm.Neg:
		return -dst, nil
	case asm.Mov:
		return src, nil
	case asm.MovSX8:
		return uint32(int32(int8(src))), nil
	case asm.MovSX16:
		return uint32(int32(int16(src))), nil
	}
	return 0, c.fault(FaultBadInsn, fmt.Sprintf("alu32 op %#x", uint16(aop)))
}

// swap converts dst between host (little endian) and the requested byte
// order, truncating to width bits.
func swap(dst uint64, width int64, toBE bool) uint64 {
	switch width {
	case 16:
		if toBE {
			return uint64(bits.ReverseBytes16(uint16(dst)))
		}
		return uint64(uint16(dst))
	case 32:
		if toBE {
			return uint64(bits.ReverseBytes32(uint32(dst)))
		}
		return uint64(uint32(dst))
	}
	if toBE {
		return bits.ReverseBytes64(dst)
	}
	return dst
}

func (c *Context) cond(jop asm.JumpOp, dst, src uint64, is32 bool) (bool, error) {
	if is32 {
		dst, src = uint64(uint32(dst)), uint64(uint32(src))
	}
	sdst, ssrc := int64(dst), int64(src)
	if is32 {
		sdst, ssrc = int64(int32(dst)), int64(int32(src))
	}
	switch jop {
	case asm.Ja:
		return true, nil
	case asm.JEq:
		return dst == src, nil
	case asm.JNE:
		return dst != src, nil
	case asm.JGT:
		return dst > src, nil
	case asm.JGE:
		return dst >= src, nil
	case asm.JLT:
		return dst < src, nil
	case asm.JLE:
		return dst <= src, nil
	case asm.JSet:
		return dst&src != 0, nil
	case asm.JSGT:
		return sdst > ssrc, nil
	case asm.JSGE:
		return sdst >= ssrc, nil
	case asm.JSLT:
		return sdst < ssrc, nil
	case asm.JSLE:
		return sdst <= ssrc, nil
	}
	return false, c.fault(FaultBadInsn, fmt.Sprintf("jump op %#x", uint8(jop)))
}
