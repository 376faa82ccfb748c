// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package kprobe

import (
	"encoding/binary"
)

// FlagTrap is the trap flag (EFLAGS.TF on x86_64): the CPU raises a debug
// exception after executing one instruction.
const FlagTrap = 1 << 8

// Offsets of the PtRegs fields in the serialized layout handed to BPF
// programs as context.
const (
	PtRegsOffPC    = 0
	PtRegsOffSP    = 8
	PtRegsOffRA    = 16
	PtRegsOffArg0  = 24
	PtRegsOffRet   = PtRegsOffArg0 + 6*8
	PtRegsOffFlags = PtRegsOffRet + 8
	PtRegsSize     = PtRegsOffFlags + 8
)

// PtRegs is the register context of a trap.
type PtRegs struct {
	PC uint64
	SP uint64
	// RA is the return address: the link register, or the return slot of
	// the stack frame on architectures that push it.
	RA    uint64
	Args  [6]uint64
	Ret   uint64
	Flags uint64
	User  bool
}

// Bytes serializes the registers in the pt_regs layout.
func (r *PtRegs) Bytes() []byte {
	b := make([]byte, PtRegsSize)
	r.PutBytes(b)
	return b
}

// PutBytes serializes the registers into b, which must be at least
// PtRegsSize long.
func (r *PtRegs) PutBytes(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[PtRegsOffPC:], r.PC)
	le.PutUint64(b[PtRegsOffSP:], r.SP)
	le.PutUint64(b[PtRegsOffRA:], r.RA)
	for i, a := range r.Args {
		le.PutUint64(b[PtRegsOffArg0+8*i:], a)
	}
	le.PutUint64(b[PtRegsOffRet:], r.Ret)
	le.PutUint64(b[PtRegsOffFlags:], r.Flags)
}
