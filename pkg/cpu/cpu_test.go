// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ktrace/pkg/arch"
	"github.com/cilium/ktrace/pkg/kprobe"
	"github.com/cilium/ktrace/pkg/mm"
)

type countingTrap struct {
	breaks int
	skip   uint64
}

func (c *countingTrap) OnBreakpoint(regs *kprobe.PtRegs) bool {
	if c.skip == 0 {
		return false
	}
	c.breaks++
	regs.PC += c.skip
	return true
}

func (c *countingTrap) OnDebugException(*kprobe.PtRegs) bool {
	return false
}

func setup(t *testing.T, a arch.Arch, code []byte) *mm.Space {
	phys := mm.NewPhys(8)
	space := mm.NewSpace(phys, false)
	require.NoError(t, space.Map(mm.KernelTextBase, mm.PageSize, mm.PermRead|mm.PermWrite|mm.PermExec, "text"))
	require.NoError(t, space.Write(mm.KernelTextBase, code))
	require.NoError(t, space.Protect(mm.KernelTextBase, mm.PageSize, mm.PermRead|mm.PermExec))
	return space
}

func TestCall(t *testing.T) {
	for _, a := range []arch.Arch{arch.X86_64, arch.RiscV64, arch.AArch64} {
		space := setup(t, a, a.Prologue())
		m := New(a, space, &countingTrap{}, false)
		fn := &Function{
			Name:        "add",
			Entry:       mm.KernelTextBase,
			PrologueLen: len(a.Prologue()),
			Body:        func(f *Frame) uint64 { return f.Arg(0) + f.Arg(1) },
		}
		ret, err := m.Call(fn, 0x1234, 2, 3)
		require.NoError(t, err, a.String())
		assert.Equal(t, uint64(5), ret, a.String())
	}
}

func TestNestedCall(t *testing.T) {
	a := arch.RiscV64
	space := setup(t, a, a.Prologue())
	m := New(a, space, &countingTrap{}, false)
	var fact *Function
	fact = &Function{
		Name:        "fact",
		Entry:       mm.KernelTextBase,
		PrologueLen: len(a.Prologue()),
		Body: func(f *Frame) uint64 {
			n := f.Arg(0)
			if n <= 1 {
				return 1
			}
			return n * f.Call(fact, n-1)
		},
	}
	ret, err := m.Call(fact, 0x1234, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), ret)
}

func TestBreakpointTraps(t *testing.T) {
	a := arch.AArch64
	code := append(append([]byte(nil), a.BreakpointInsn(4)...), a.Nop()...)
	space := setup(t, a, code)
	fn := &Function{Name: "f", Entry: mm.KernelTextBase, PrologueLen: 8, Body: func(*Frame) uint64 { return 7 }}

	_, err := New(a, space, &countingTrap{}, false).Call(fn, 0x1234)
	require.ErrorIs(t, err, ErrUnhandledTrap)

	trap := &countingTrap{skip: 4}
	ret, err := New(a, space, trap, false).Call(fn, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ret)
	assert.Equal(t, 1, trap.breaks)
}
