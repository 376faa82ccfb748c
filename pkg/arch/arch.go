// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package arch describes the instruction sets probes can be placed on: the
// breakpoint encodings, instruction lengths at probe sites and how the
// original instruction is stepped after a breakpoint.
package arch

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"

	"github.com/cilium/ktrace/pkg/errno"
)

type Arch int

const (
	X86_64 Arch = iota
	RiscV64
	AArch64
	LoongArch64
)

var archNames = map[Arch]string{
	X86_64:      "x86_64",
	RiscV64:     "riscv64",
	AArch64:     "aarch64",
	LoongArch64: "loongarch64",
}

func (a Arch) String() string {
	if n, ok := archNames[a]; ok {
		return n
	}
	return fmt.Sprintf("arch(%d)", int(a))
}

// Parse accepts both kernel (x86_64, aarch64) and Go (amd64, arm64) names.
func Parse(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64":
		return X86_64, nil
	case "riscv64", "riscv":
		return RiscV64, nil
	case "aarch64", "arm64":
		return AArch64, nil
	case "loongarch64", "loong64":
		return LoongArch64, nil
	}
	return 0, fmt.Errorf("unknown architecture %q: %w", s, errno.ErrNotSupported)
}

// Host returns the architecture matching GOARCH, riscv64 when the host is
// none of the supported ones.
func Host() Arch {
	if a, err := Parse(runtime.GOARCH); err == nil {
		return a
	}
	return RiscV64
}

var (
	x86Int3      = []byte{0xcc}
	riscvEbreak  = []byte{0x73, 0x00, 0x10, 0x00}
	riscvCEbreak = []byte{0x02, 0x90}
	arm64Brk     = []byte{0x80, 0x00, 0x20, 0xd4} // brk #0x4
	loongarchBrk = []byte{0x00, 0x00, 0x2a, 0x00} // break 0
	x86Nop       = []byte{0x90}
	riscvNop     = []byte{0x13, 0x00, 0x00, 0x00}
	arm64Nop     = []byte{0x1f, 0x20, 0x03, 0xd5}
	loongarchNop = []byte{0x00, 0x00, 0x40, 0x03}
	x86Prologues = [][]byte{
		{0xf3, 0x0f, 0x1e, 0xfa}, // endbr64
		{0x48, 0x89, 0xe5},       // mov %rsp,%rbp
		{0x41, 0x54},             // push %r12
		{0x55},                   // push %rbp
		{0x53},                   // push %rbx
		{0x90},                   // nop
	}
)

// BreakpointInsn returns the trap instruction replacing an instruction of
// origLen bytes. Only riscv64 has two encodings: c.ebreak is used over a
// compressed instruction so the patch never spans two instructions.
func (a Arch) BreakpointInsn(origLen int) []byte {
	switch a {
	case X86_64:
		return x86Int3
	case RiscV64:
		if origLen == 2 {
			return riscvCEbreak
		}
		return riscvEbreak
	case AArch64:
		return arm64Brk
	case LoongArch64:
		return loongarchBrk
	}
	return nil
}

// Nop returns the canonical no-op instruction.
func (a Arch) Nop() []byte {
	switch a {
	case X86_64:
		return x86Nop
	case RiscV64:
		return riscvNop
	case AArch64:
		return arm64Nop
	case LoongArch64:
		return loongarchNop
	}
	return nil
}

// Prologue returns a typical function prologue, used as the text of
// simulated functions.
func (a Arch) Prologue() []byte {
	if a == X86_64 {
		return []byte{0xf3, 0x0f, 0x1e, 0xfa, 0x55, 0x48, 0x89, 0xe5}
	}
	nop := a.Nop()
	return append(append([]byte(nil), nop...), nop...)
}

// MaxInsnLen is the number of bytes to fetch to be able to decode any
// instruction InsnLen knows about.
func (a Arch) MaxInsnLen() int {
	return 4
}

// InsnLen returns the length of the instruction at the start of code.
func (a Arch) InsnLen(code []byte) (int, error) {
	if len(code) == 0 {
		return 0, fmt.Errorf("empty instruction stream: %w", errno.ErrInvalidInput)
	}
	switch a {
	case RiscV64:
		if code[0]&0x3 != 0x3 {
			return 2, nil
		}
		return 4, nil
	case AArch64, LoongArch64:
		return 4, nil
	case X86_64:
		if code[0] == x86Int3[0] {
			return 1, nil
		}
		for _, p := range x86Prologues {
			if bytes.HasPrefix(code, p) {
				return len(p), nil
			}
		}
		return 0, fmt.Errorf("cannot decode x86_64 instruction % x: %w", code[:min(len(code), 4)], errno.ErrNotSupported)
	}
	return 0, fmt.Errorf("%s: %w", a, errno.ErrNotSupported)
}

// IsBreakpoint reports whether code starts with a breakpoint instruction.
func (a Arch) IsBreakpoint(code []byte) bool {
	switch a {
	case RiscV64:
		return bytes.HasPrefix(code, riscvCEbreak) || bytes.HasPrefix(code, riscvEbreak)
	default:
		bp := a.BreakpointInsn(0)
		return len(bp) > 0 && bytes.HasPrefix(code, bp)
	}
}

// SingleStep reports whether the original instruction is stepped with the
// trap flag set and the post handlers run from the debug exception. Other
// architectures place a second breakpoint after the out-of-line copy.
func (a Arch) SingleStep() bool {
	return a == X86_64
}

var supportedArchPrefix = map[string]string{"amd64": "__x64_", "arm64": "__arm64_", "i386": "__ia32_"}

// goArch maps an Arch to the GOARCH naming used for syscall prefixes.
func (a Arch) goArch() string {
	switch a {
	case X86_64:
		return "amd64"
	case AArch64:
		return "arm64"
	case RiscV64:
		return "riscv64"
	case LoongArch64:
		return "loong64"
	}
	return ""
}

func addSyscallPrefix(symbol string, arch string) (string, error) {
	for prefixArch, prefix := range supportedArchPrefix {
		if strings.HasPrefix(symbol, prefix) {
			if prefixArch != arch {
				return "", fmt.Errorf("expecting %s and got %s", supportedArchPrefix[arch], prefix)
			}
			return symbol, nil
		}
	}
	if prefix, found := supportedArchPrefix[arch]; found {
		return prefix + symbol, nil
	}
	return "", fmt.Errorf("unsupported architecture %s", arch)
}

// AddSyscallPrefix returns the arch specific name of a syscall entry symbol,
// "sys_bpf" becoming "__x64_sys_bpf" on x86_64. Architectures whose kernels do
// not prefix syscall wrappers return the symbol unchanged.
func (a Arch) AddSyscallPrefix(symbol string) (string, error) {
	ga := a.goArch()
	if _, ok := supportedArchPrefix[ga]; !ok {
		if HasSyscallPrefix(symbol) {
			return "", fmt.Errorf("%s does not use syscall prefixes, got %s", a, symbol)
		}
		return symbol, nil
	}
	return addSyscallPrefix(symbol, ga)
}

// CutSyscallPrefix removes a potential arch specific prefix from the symbol.
// If a prefix was removed, it returns the corresponding arch as a first argument.
func CutSyscallPrefix(symbol string) (arch string, name string) {
	for a, p := range supportedArchPrefix {
		if rest, ok := strings.CutPrefix(symbol, p); ok {
			arch = a
			name = rest
			return
		}
	}

	name = symbol
	return
}

func HasSyscallPrefix(symbol string) bool {
	for _, prefix := range supportedArchPrefix {
		if strings.HasPrefix(symbol, prefix) {
			return true
		}
	}
	return false
}
