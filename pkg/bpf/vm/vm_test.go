// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package vm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/bpf/maps"
	"github.com/cilium/ktrace/pkg/bpf/prog"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/metrics/bpfmetrics"
)

func load(t *testing.T, fds *file.Table, insns asm.Instructions) *prog.Prog {
	var buf bytes.Buffer
	require.NoError(t, insns.Marshal(&buf, binary.LittleEndian))
	p, log, err := prog.Load(prog.Meta{Type: bpf.BPF_PROG_TYPE_KPROBE, Name: "test", License: "GPL", LogLevel: 1},
		buf.Bytes(), func(fd int) (*file.File, error) { return fds.Get(fd) })
	require.NoError(t, err, log)
	t.Cleanup(func() { p.Close() })
	return p
}

func run(t *testing.T, insns asm.Instructions, input []byte) (uint64, error) {
	return New(load(t, file.NewTable(), insns), nil, Config{}).Execute(input)
}

func opcode(parts ...uint8) asm.OpCode {
	var op uint8
	for _, p := range parts {
		op |= p
	}
	return asm.OpCode(op)
}

func jmp(cls asm.Class, op asm.JumpOp, dst asm.Register, imm int64, off int16) asm.Instruction {
	return asm.Instruction{OpCode: opcode(uint8(cls), uint8(op), uint8(asm.ImmSource)), Dst: dst, Constant: imm, Offset: off}
}

func bswap(be bool, width int64) asm.Instruction {
	src := asm.ImmSource
	if be {
		src = asm.RegSource
	}
	return asm.Instruction{OpCode: opcode(uint8(asm.ALUClass), uint8(asm.Swap), uint8(src)), Dst: asm.R0, Constant: width}
}

func TestALU(t *testing.T) {
	tests := []struct {
		name  string
		insns asm.Instructions
		want  uint64
	}{
		{"add", asm.Instructions{asm.Mov.Imm(asm.R0, 5), asm.Add.Imm(asm.R0, 3)}, 8},
		{"sub reg", asm.Instructions{asm.Mov.Imm(asm.R0, 5), asm.Mov.Imm(asm.R1, 7), asm.Sub.Reg(asm.R0, asm.R1)}, ^uint64(1)},
		{"mul", asm.Instructions{asm.Mov.Imm(asm.R0, 6), asm.Mul.Imm(asm.R0, 7)}, 42},
		{"div", asm.Instructions{asm.Mov.Imm(asm.R0, 43), asm.Div.Imm(asm.R0, 7)}, 6},
		{"mod", asm.Instructions{asm.Mov.Imm(asm.R0, 43), asm.Mod.Imm(asm.R0, 7)}, 1},
		{"sdiv", asm.Instructions{asm.Mov.Imm(asm.R0, -42), asm.SDiv.Imm(asm.R0, 5)}, ^uint64(7)},
		{"smod", asm.Instructions{asm.Mov.Imm(asm.R0, -43), asm.SMod.Imm(asm.R0, 7)}, ^uint64(0)},
		{"sdiv32", asm.Instructions{asm.Mov.Imm32(asm.R0, -42), asm.SDiv.Imm32(asm.R0, 5)}, 0xfffffff8},
		{"movsx8", asm.Instructions{asm.Mov.Imm(asm.R1, 0x80), asm.MovSX8.Reg(asm.R0, asm.R1)}, ^uint64(0x7f)},
		{"movsx16 alu32", asm.Instructions{asm.Mov.Imm(asm.R1, 0x8000), asm.MovSX16.Reg32(asm.R0, asm.R1)}, 0xffff8000},
		{"movsx32", asm.Instructions{asm.Mov.Imm32(asm.R1, -1), asm.MovSX32.Reg(asm.R0, asm.R1)}, ^uint64(0)},
		{"alu32 wraps", asm.Instructions{asm.Mov.Imm32(asm.R0, -1), asm.Add.Imm32(asm.R0, 1)}, 0},
		{"alu32 zero extends", asm.Instructions{asm.Mov.Imm(asm.R0, -1), asm.Add.Imm32(asm.R0, 0)}, 0xffffffff},
		{"arsh", asm.Instructions{asm.Mov.Imm(asm.R0, -16), asm.ArSh.Imm(asm.R0, 2)}, ^uint64(3)},
		{"rsh", asm.Instructions{asm.Mov.Imm(asm.R0, -16), asm.RSh.Imm(asm.R0, 60)}, 0xf},
		{"lsh", asm.Instructions{asm.Mov.Imm(asm.R0, 1), asm.LSh.Imm(asm.R0, 40)}, 1 << 40},
		{"neg", asm.Instructions{asm.Mov.Imm(asm.R0, 3), asm.Neg.Imm(asm.R0, 0)}, ^uint64(2)},
		{"xor and or", asm.Instructions{asm.Mov.Imm(asm.R0, 0xf0), asm.Xor.Imm(asm.R0, 0xff), asm.And.Imm(asm.R0, 0x3), asm.Or.Imm(asm.R0, 0x40)}, 0x43},
		{"ld_imm64", asm.Instructions{asm.LoadImm(asm.R0, 0x1122334455667788, asm.DWord)}, 0x1122334455667788},
		{"be16", asm.Instructions{asm.Mov.Imm(asm.R0, 0x1234), bswap(true, 16)}, 0x3412},
		{"be32", asm.Instructions{asm.Mov.Imm(asm.R0, 0x11223344), bswap(true, 32)}, 0x44332211},
		{"le16 truncates", asm.Instructions{asm.Mov.Imm(asm.R0, 0x12345678), bswap(false, 16)}, 0x5678},
		{"le64", asm.Instructions{asm.LoadImm(asm.R0, 0x1122334455667788, asm.DWord), bswap(false, 64)}, 0x1122334455667788},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := run(t, append(tc.insns, asm.Return()), nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestJumps(t *testing.T) {
	tests := []struct {
		name string
		jump asm.Instruction
		r1   int32
		want uint64
	}{
		{"jeq taken", jmp(asm.JumpClass, asm.JEq, asm.R1, 5, 1), 5, 1},
		{"jeq not taken", jmp(asm.JumpClass, asm.JEq, asm.R1, 5, 1), 4, 2},
		{"jgt unsigned", jmp(asm.JumpClass, asm.JGT, asm.R1, 5, 1), -1, 1},
		{"jsgt signed", jmp(asm.JumpClass, asm.JSGT, asm.R1, 5, 1), -1, 2},
		{"jslt signed", jmp(asm.JumpClass, asm.JSLT, asm.R1, 0, 1), -3, 1},
		{"jset", jmp(asm.JumpClass, asm.JSet, asm.R1, 4, 1), 6, 1},
		{"jle", jmp(asm.JumpClass, asm.JLE, asm.R1, 4, 1), 4, 1},
		{"jne", jmp(asm.JumpClass, asm.JNE, asm.R1, 4, 1), 4, 2},
		{"ja", jmp(asm.JumpClass, asm.Ja, asm.R0, 0, 1), 0, 1},
		{"jmp32 ignores upper half", jmp(asm.Jump32Class, asm.JEq, asm.R2, 7, 1), 0, 1},
		{"jmp32 signed", jmp(asm.Jump32Class, asm.JSLT, asm.R2, 8, 1), 0, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := run(t, asm.Instructions{
				asm.Mov.Imm(asm.R1, tc.r1),
				asm.LoadImm(asm.R2, 0x1_0000_0007, asm.DWord),
				asm.Mov.Imm(asm.R0, 1),
				tc.jump,
				asm.Mov.Imm(asm.R0, 2),
				asm.Return(),
			}, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStackAndContext(t *testing.T) {
	input := make([]byte, 16)
	binary.LittleEndian.PutUint64(input[8:], 40)
	got, err := run(t, asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, 8, asm.DWord),
		asm.StoreMem(asm.RFP, -8, asm.R2, asm.DWord),
		asm.StoreImm(asm.RFP, -16, 2, asm.DWord),
		asm.LoadMem(asm.R3, asm.RFP, -16, asm.DWord),
		asm.Mov.Reg(asm.R1, asm.R3),
		// atomic add of R1 to the stack slot at -8
		{OpCode: opcode(uint8(asm.StXClass), uint8(prog.AtomicMode), uint8(asm.DWord)), Dst: asm.RFP, Src: asm.R1, Offset: -8},
		asm.LoadMem(asm.R0, asm.RFP, -8, asm.DWord),
		asm.Return(),
	}, input)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name   string
		insns  asm.Instructions
		limit  int
		reason string
	}{
		{"div by zero register", asm.Instructions{asm.Mov.Imm(asm.R0, 1), asm.Mov.Imm(asm.R2, 0), asm.Div.Reg(asm.R0, asm.R2)}, 0, FaultDivByZero},
		{"sdiv by zero register", asm.Instructions{asm.Mov.Imm(asm.R0, 1), asm.Mov.Imm(asm.R2, 0), asm.SDiv.Reg(asm.R0, asm.R2)}, 0, FaultDivByZero},
		{"mod by zero register", asm.Instructions{asm.Mov.Imm(asm.R2, 0), asm.Mod.Reg32(asm.R0, asm.R2)}, 0, FaultDivByZero},
		{"ctx out of bounds", asm.Instructions{asm.LoadMem(asm.R0, asm.R1, 8, asm.DWord)}, 0, FaultOutOfBounds},
		{"ctx is read only", asm.Instructions{asm.StoreImm(asm.R1, 0, 1, asm.Byte)}, 0, FaultOutOfBounds},
		{"null pointer", asm.Instructions{asm.Mov.Imm(asm.R2, 0), asm.LoadMem(asm.R0, asm.R2, 0, asm.Byte)}, 0, FaultOutOfBounds},
		{"below stack", asm.Instructions{asm.LoadMem(asm.R0, asm.RFP, -520, asm.DWord)}, 0, FaultOutOfBounds},
		{"above stack", asm.Instructions{asm.StoreImm(asm.RFP, 0, 1, asm.DWord)}, 0, FaultOutOfBounds},
		{"unknown helper", asm.Instructions{asm.FnTracePrintk.Call()}, 0, FaultUnknownHelper},
		{"budget", asm.Instructions{jmp(asm.JumpClass, asm.Ja, asm.R0, 0, -1)}, 100, FaultBudget},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := load(t, file.NewTable(), append(tc.insns, asm.Return()))
			_, err := New(p, nil, Config{InstructionLimit: tc.limit}).Execute(make([]byte, 8))
			require.Error(t, err)
			assert.ErrorIs(t, err, errno.ErrFault)
			assert.Equal(t, tc.reason, FaultReason(err))
		})
	}
}

func TestHelperCall(t *testing.T) {
	p := load(t, file.NewTable(), asm.Instructions{
		asm.Mov.Imm(asm.R1, 40),
		asm.Mov.Imm(asm.R2, 2),
		asm.FnKtimeGetNs.Call(),
		asm.Add.Reg(asm.R0, asm.R1),
		asm.Return(),
	})
	helpers := HelperTable{
		asm.FnKtimeGetNs: {Name: "sum", Fn: func(_ *Context, r1, r2, _, _, _ uint64) (uint64, error) {
			return r1 + r2, nil
		}},
	}
	got, err := New(p, helpers, Config{}).Execute(nil)
	require.NoError(t, err)
	// R1 is clobbered by the call
	assert.Equal(t, uint64(42), got)

	helpers[asm.FnKtimeGetNs] = Helper{Name: "gpl", GPLOnly: true, Fn: helpers[asm.FnKtimeGetNs].Fn}
	_, err = New(p, helpers, Config{}).Execute(nil)
	require.NoError(t, err)
}

func TestMapValueAccess(t *testing.T) {
	fds := file.NewTable()
	m, err := maps.New(maps.Meta{Type: bpf.BPF_MAP_TYPE_ARRAY, KeySize: 4, ValueSize: 16, MaxEntries: 1}, 1)
	require.NoError(t, err)
	fd := fds.Install(maps.NewFile(m))

	ld := asm.LoadMapPtr(asm.R1, fd)
	ld.Src = bpf.BPF_PSEUDO_MAP_VALUE
	ld.Constant |= 8 << 32
	p := load(t, fds, asm.Instructions{
		ld,
		asm.StoreImm(asm.R1, 0, 0x77, asm.DWord),
		asm.LoadMem(asm.R0, asm.R1, 0, asm.DWord),
		asm.Return(),
	})
	got, err := New(p, nil, Config{}).Execute(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x77), got)

	v, err := m.Lookup(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x77), binary.LittleEndian.Uint64(v[8:]))
}

func TestRunnerSwallowsFaults(t *testing.T) {
	p := load(t, file.NewTable(), asm.Instructions{
		asm.Mov.Imm(asm.R0, 1),
		asm.Mov.Imm(asm.R2, 0),
		asm.Div.Reg(asm.R0, asm.R2),
		asm.Return(),
	})
	before := testutil.ToFloat64(bpfmetrics.ProgFaults.WithLabelValues(FaultDivByZero))
	r := NewRunner(New(p, nil, Config{}), "test")
	assert.Equal(t, uint64(0), r.Run(nil))
	assert.Equal(t, uint64(0), r.Run(nil))
	assert.Equal(t, before+2, testutil.ToFloat64(bpfmetrics.ProgFaults.WithLabelValues(FaultDivByZero)))
}

func TestRange(t *testing.T) {
	r := Range{Start: 0x1000, End: 0x2000}
	assert.True(t, r.Contains(0x1000, 0x1000))
	assert.False(t, r.Contains(0x1000, 0x1001))
	assert.False(t, r.Contains(0xfff, 1))
	assert.True(t, r.Contains(0x1fff, 1))
}
