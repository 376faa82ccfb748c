// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ktrace/pkg/errno"
)

func Test_addSyscallPrefix(t *testing.T) {
	symbol := "sys_test"
	arch := "test64"
	supportedArchPrefix[arch] = "__test64_"
	defer delete(supportedArchPrefix, arch)
	prefixedSymbol := supportedArchPrefix[arch] + symbol

	// adding prefix
	res, err := addSyscallPrefix(symbol, arch)
	require.NoError(t, err)
	assert.Equal(t, prefixedSymbol, res)

	// doing nothing
	res, err = addSyscallPrefix(prefixedSymbol, arch)
	require.NoError(t, err)
	assert.Equal(t, prefixedSymbol, res)

	// wrong prefix for current arch
	res, err = addSyscallPrefix("__x64_"+symbol, arch)
	require.Error(t, err)
	assert.Empty(t, res)

	// not supported arch
	res, err = addSyscallPrefix(symbol, "unsupported64")
	require.Error(t, err)
	assert.Empty(t, res)
}

func TestArchSyscallPrefix(t *testing.T) {
	s, err := X86_64.AddSyscallPrefix("sys_bpf")
	require.NoError(t, err)
	assert.Equal(t, "__x64_sys_bpf", s)

	s, err = RiscV64.AddSyscallPrefix("sys_bpf")
	require.NoError(t, err)
	assert.Equal(t, "sys_bpf", s)

	_, err = RiscV64.AddSyscallPrefix("__x64_sys_bpf")
	require.Error(t, err)

	a, name := CutSyscallPrefix("__arm64_sys_perf_event_open")
	assert.Equal(t, "arm64", a)
	assert.Equal(t, "sys_perf_event_open", name)
}

func TestParse(t *testing.T) {
	for in, want := range map[string]Arch{
		"x86_64":      X86_64,
		"amd64":       X86_64,
		"riscv64":     RiscV64,
		"arm64":       AArch64,
		"AArch64":     AArch64,
		"loongarch64": LoongArch64,
	} {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := Parse("mips")
	require.ErrorIs(t, err, errno.ErrNotSupported)
}

func TestBreakpoints(t *testing.T) {
	for _, a := range []Arch{X86_64, RiscV64, AArch64, LoongArch64} {
		bp := a.BreakpointInsn(4)
		require.NotEmpty(t, bp, a.String())
		assert.True(t, a.IsBreakpoint(bp), a.String())
		assert.False(t, a.IsBreakpoint(a.Nop()), a.String())

		n, err := a.InsnLen(a.Nop())
		require.NoError(t, err, a.String())
		assert.Equal(t, len(a.Nop()), n, a.String())
	}

	// compressed instructions get the compressed breakpoint
	assert.Equal(t, []byte{0x02, 0x90}, RiscV64.BreakpointInsn(2))
	assert.True(t, RiscV64.IsBreakpoint([]byte{0x02, 0x90}))
	n, err := RiscV64.InsnLen([]byte{0x02, 0x90})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, X86_64.SingleStep())
	assert.False(t, RiscV64.SingleStep())
}

func TestX86InsnLen(t *testing.T) {
	for _, tc := range []struct {
		code []byte
		len  int
	}{
		{[]byte{0x55, 0x48, 0x89, 0xe5}, 1},
		{[]byte{0x48, 0x89, 0xe5, 0x90}, 3},
		{[]byte{0xf3, 0x0f, 0x1e, 0xfa}, 4},
		{[]byte{0x41, 0x54}, 2},
	} {
		n, err := X86_64.InsnLen(tc.code)
		require.NoError(t, err)
		assert.Equal(t, tc.len, n)
	}

	_, err := X86_64.InsnLen([]byte{0x0f, 0x05})
	require.ErrorIs(t, err, errno.ErrNotSupported)
}

func TestPrologueDecodes(t *testing.T) {
	for _, a := range []Arch{X86_64, RiscV64, AArch64, LoongArch64} {
		code := a.Prologue()
		n := 0
		for n < len(code) {
			l, err := a.InsnLen(code[n:])
			require.NoError(t, err, a.String())
			n += l
		}
		assert.Equal(t, len(code), n, a.String())
	}
}
