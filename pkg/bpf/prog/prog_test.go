// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package prog

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/bpf/maps"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
)

func marshal(t *testing.T, insns asm.Instructions) []byte {
	var buf bytes.Buffer
	require.NoError(t, insns.Marshal(&buf, binary.LittleEndian))
	return buf.Bytes()
}

type fixture struct {
	fds  *file.Table
	hash *file.File
	arr  *file.File
}

func newFixture(t *testing.T) *fixture {
	fx := &fixture{fds: file.NewTable()}
	hm, err := maps.New(maps.Meta{Type: bpf.BPF_MAP_TYPE_HASH, KeySize: 4, ValueSize: 8, MaxEntries: 4}, 1)
	require.NoError(t, err)
	am, err := maps.New(maps.Meta{Type: bpf.BPF_MAP_TYPE_ARRAY, KeySize: 4, ValueSize: 16, MaxEntries: 1}, 1)
	require.NoError(t, err)
	fx.hash = maps.NewFile(hm)
	fx.arr = maps.NewFile(am)
	require.Equal(t, 0, fx.fds.Install(fx.hash))
	require.Equal(t, 1, fx.fds.Install(fx.arr))
	return fx
}

func (fx *fixture) resolve(fd int) (*file.File, error) {
	return fx.fds.Get(fd)
}

type nopOps struct{}

func (nopOps) Path() string   { return "trace" }
func (nopOps) Release() error { return nil }

var kprobeMeta = Meta{Type: bpf.BPF_PROG_TYPE_KPROBE, Name: "test", License: "GPL", LogLevel: 1}

func TestLoadBindsMaps(t *testing.T) {
	fx := newFixture(t)
	raw := marshal(t, asm.Instructions{
		asm.LoadMapPtr(asm.R1, 0),
		asm.LoadMapPtr(asm.R2, 0),
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	})

	p, log, err := Load(kprobeMeta, raw, fx.resolve)
	require.NoError(t, err)
	assert.Contains(t, log, "processed 4 insns")
	require.Len(t, p.Maps(), 1)
	assert.Equal(t, int32(2), fx.hash.Refs())

	insns := p.Insns()
	require.Len(t, insns, 4)
	assert.Equal(t, MapHandle(0), uint64(insns[0].Constant))
	assert.Equal(t, MapHandle(0), uint64(insns[1].Constant))
	idx, ok := HandleIndex(uint64(insns[0].Constant))
	require.True(t, ok)
	m, ok := p.Map(idx)
	require.True(t, ok)
	assert.Equal(t, uint32(8), m.Meta().ValueSize)
	assert.True(t, p.GPLCompatible())

	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), fx.hash.Refs())
}

func TestLoadMapValue(t *testing.T) {
	fx := newFixture(t)
	ld := asm.LoadMapPtr(asm.R1, 1)
	ld.Src = bpf.BPF_PSEUDO_MAP_VALUE
	ld.Constant |= 8 << 32
	p, _, err := Load(kprobeMeta, marshal(t, asm.Instructions{ld, asm.Mov.Imm(asm.R0, 0), asm.Return()}), fx.resolve)
	require.NoError(t, err)
	assert.Equal(t, int64(8<<32), p.Insns()[0].Constant)
	require.NoError(t, p.Close())

	ld = asm.LoadMapPtr(asm.R1, 0)
	ld.Src = bpf.BPF_PSEUDO_MAP_VALUE
	_, _, err = Load(kprobeMeta, marshal(t, asm.Instructions{ld, asm.Return()}), fx.resolve)
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
	assert.Equal(t, int32(1), fx.hash.Refs())
}

func TestLoadBadFD(t *testing.T) {
	fx := newFixture(t)
	other := file.New(file.KindTrace, nopOps{})
	require.Equal(t, 2, fx.fds.Install(other))

	_, _, err := Load(kprobeMeta, marshal(t, asm.Instructions{
		asm.LoadMapPtr(asm.R1, 0),
		asm.LoadMapPtr(asm.R1, 9),
		asm.Return(),
	}), fx.resolve)
	assert.ErrorIs(t, err, errno.ErrBadFD)
	assert.Equal(t, int32(1), fx.hash.Refs())

	_, _, err = Load(kprobeMeta, marshal(t, asm.Instructions{asm.LoadMapPtr(asm.R1, 2), asm.Return()}), fx.resolve)
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
	assert.Equal(t, int32(1), other.Refs())
}

func TestDecodeMalformed(t *testing.T) {
	_, _, err := Decode(nil)
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
	_, _, err = Decode(make([]byte, 12))
	assert.ErrorIs(t, err, errno.ErrInvalidInput)

	raw := marshal(t, asm.Instructions{asm.LoadImm(asm.R0, 1<<40, asm.DWord)})
	_, _, err = Decode(raw[:8])
	assert.ErrorIs(t, err, errno.ErrInvalidInput)

	insns, slots, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40), insns[0].Constant)
	assert.Equal(t, []int{0}, slots)
}

func TestDecodeSignedOps(t *testing.T) {
	raw := []byte{
		0x37, 0x00, 0x01, 0x00, 0xfe, 0xff, 0xff, 0xff, // r0 s/= -2
		0xbf, 0x10, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, // r0 = (s8)r1
		0x95, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // exit
	}
	insns, slots, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, insns, 3)
	assert.Equal(t, asm.SDiv, insns[0].OpCode.ALUOp())
	assert.Equal(t, int64(-2), insns[0].Constant)
	assert.Equal(t, asm.MovSX8, insns[1].OpCode.ALUOp())
	assert.Equal(t, []int{0, 1, 2}, slots)

	_, log, err := Load(kprobeMeta, raw, nil)
	require.NoError(t, err, log)
}

func TestDecodeSlots(t *testing.T) {
	insns, slots, err := Decode(marshal(t, asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
		asm.LoadImm(asm.R1, 1<<40, asm.DWord),
		asm.LoadImm(asm.R2, 1<<41, asm.DWord),
		asm.Return(),
	}))
	require.NoError(t, err)
	require.Len(t, insns, 4)
	assert.Equal(t, []int{0, 1, 3, 5}, slots)
}

func jump(op asm.JumpOp, dst asm.Register, imm int64, off int16) asm.Instruction {
	return asm.Instruction{OpCode: op.Op(asm.ImmSource), Dst: dst, Constant: imm, Offset: off}
}

func TestVerifier(t *testing.T) {
	tests := []struct {
		name  string
		insns asm.Instructions
		err   error
		log   string
	}{
		{
			name: "jump over ld_imm64",
			insns: asm.Instructions{
				jump(asm.JEq, asm.R1, 0, 2),
				asm.LoadImm(asm.R0, 1<<40, asm.DWord),
				asm.Return(),
			},
		},
		{
			name: "jump into ld_imm64",
			insns: asm.Instructions{
				jump(asm.JEq, asm.R1, 0, 1),
				asm.LoadImm(asm.R0, 1<<40, asm.DWord),
				asm.Return(),
			},
			err: errno.ErrInvalidInput,
			log: "jump out of range",
		},
		{
			name: "jump out of range",
			insns: asm.Instructions{
				jump(asm.JEq, asm.R1, 0, 5),
				asm.Return(),
			},
			err: errno.ErrInvalidInput,
			log: "jump out of range",
		},
		{
			name:  "no exit",
			insns: asm.Instructions{asm.Mov.Imm(asm.R0, 0)},
			err:   errno.ErrInvalidInput,
			log:   "last insn",
		},
		{
			name:  "div by zero",
			insns: asm.Instructions{asm.Div.Imm(asm.R0, 0), asm.Return()},
			err:   errno.ErrInvalidInput,
			log:   "div by zero",
		},
		{
			name:  "sdiv by zero",
			insns: asm.Instructions{asm.SDiv.Imm(asm.R0, 0), asm.Return()},
			err:   errno.ErrInvalidInput,
			log:   "div by zero",
		},
		{
			name:  "movsx32 in alu32",
			insns: asm.Instructions{asm.MovSX32.Reg32(asm.R0, asm.R1), asm.Return()},
			err:   errno.ErrInvalidInput,
			log:   "unknown alu op",
		},
		{
			name:  "write fp",
			insns: asm.Instructions{asm.Mov.Imm(asm.R10, 0), asm.Return()},
			err:   errno.ErrInvalidInput,
			log:   "frame pointer",
		},
		{
			name:  "legacy packet access",
			insns: asm.Instructions{asm.LoadAbs(0, asm.Word), asm.Return()},
			err:   errno.ErrInvalidInput,
			log:   "legacy",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, log, err := Load(kprobeMeta, marshal(t, tc.insns), nil)
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
			assert.Contains(t, log, tc.log)
		})
	}
}

func TestLoadLimits(t *testing.T) {
	insns := make(asm.Instructions, bpf.BPF_MAXINSNS+1)
	for i := range insns {
		insns[i] = asm.Return()
	}
	_, _, err := Load(kprobeMeta, marshal(t, insns), nil)
	assert.ErrorIs(t, err, errno.ErrTooBig)

	meta := kprobeMeta
	meta.Type = 99
	_, _, err = Load(meta, marshal(t, asm.Instructions{asm.Return()}), nil)
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
}

func TestProgFile(t *testing.T) {
	fx := newFixture(t)
	meta := kprobeMeta
	meta.License = "Proprietary"
	p, _, err := Load(meta, marshal(t, asm.Instructions{asm.LoadMapPtr(asm.R1, 0), asm.Return()}), fx.resolve)
	require.NoError(t, err)
	assert.False(t, p.GPLCompatible())

	f := NewFile(p)
	assert.Equal(t, "anon_inode:[bpf_prog]", f.Path())
	got, err := FromFile(f)
	require.NoError(t, err)
	assert.Same(t, p, got)
	_, err = FromFile(fx.hash)
	assert.ErrorIs(t, err, errno.ErrInvalidInput)

	assert.Equal(t, int32(2), fx.hash.Refs())
	require.NoError(t, f.Put())
	assert.Equal(t, int32(1), fx.hash.Refs())
}
