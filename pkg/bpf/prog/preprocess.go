// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package prog

import (
	"fmt"

	"github.com/cilium/ebpf/asm"
	"go.uber.org/multierr"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/bpf/maps"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
)

// MapHandleBase tags the handles substituted for map fds. A handle is not
// the address of any memory region, programs can only pass it to helpers.
const MapHandleBase uint64 = 0xffff_fffe_0000_0000

func MapHandle(idx int) uint64 {
	return MapHandleBase | uint64(uint32(idx))
}

// HandleIndex returns the map index of a handle.
func HandleIndex(h uint64) (int, bool) {
	if h&^0xffff_ffff != MapHandleBase {
		return 0, false
	}
	return int(uint32(h)), true
}

// FDResolver returns the file behind fd in the loading process, holding a
// reference for the caller.
type FDResolver func(fd int) (*file.File, error)

// Preprocessed is bytecode whose map fds were replaced by map handles. It
// holds a reference on every map it uses.
type Preprocessed struct {
	Insns asm.Instructions
	Slots []int
	Maps  []*maps.Map
	files []*file.File
}

// Release drops the map references.
func (p *Preprocessed) Release() error {
	var err error
	for _, f := range p.files {
		err = multierr.Append(err, f.Put())
	}
	p.files = nil
	p.Maps = nil
	return err
}

func (p *Preprocessed) addMap(f *file.File, m *maps.Map) (int, error) {
	for i, have := range p.Maps {
		if have == m {
			return i, f.Put()
		}
	}
	p.Maps = append(p.Maps, m)
	p.files = append(p.files, f)
	return len(p.Maps) - 1, nil
}

// Preprocess decodes raw and resolves every ld_imm64 referencing a map fd.
// BPF_PSEUDO_MAP_FD loads become map handles; BPF_PSEUDO_MAP_VALUE loads
// keep the value offset in the upper half and the map index in the lower
// half of the immediate.
func Preprocess(raw []byte, resolve FDResolver) (*Preprocessed, error) {
	insns, slots, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	p := &Preprocessed{Insns: insns, Slots: slots}
	for i := range p.Insns {
		ins := &p.Insns[i]
		if ins.OpCode != ldImm64 || ins.Src == 0 {
			continue
		}
		if err := p.resolve(i, ins, resolve); err != nil {
			return nil, multierr.Append(err, p.Release())
		}
	}
	return p, nil
}

func (p *Preprocessed) resolve(i int, ins *asm.Instruction, resolve FDResolver) error {
	if ins.Src != bpf.BPF_PSEUDO_MAP_FD && ins.Src != bpf.BPF_PSEUDO_MAP_VALUE {
		return fmt.Errorf("insn %d: ld_imm64 with src %d: %w", i, ins.Src, errno.ErrInvalidInput)
	}
	fd := int(int32(uint32(ins.Constant)))
	f, err := resolve(fd)
	if err != nil {
		return fmt.Errorf("insn %d: map fd %d: %w", i, fd, errno.ErrBadFD)
	}
	m, err := maps.FromFile(f)
	if err != nil {
		return multierr.Append(fmt.Errorf("insn %d: fd %d: %w", i, fd, err), f.Put())
	}
	if ins.Src == bpf.BPF_PSEUDO_MAP_VALUE {
		off := uint32(uint64(ins.Constant) >> 32)
		meta := m.Meta()
		if meta.Type != bpf.BPF_MAP_TYPE_ARRAY || off >= meta.ValueSize {
			return multierr.Append(fmt.Errorf("insn %d: direct value access to %s at offset %d: %w",
				i, meta, off, errno.ErrInvalidInput), f.Put())
		}
		idx, err := p.addMap(f, m)
		if err != nil {
			return err
		}
		ins.Constant = int64(uint64(off)<<32 | uint64(uint32(idx)))
		return nil
	}
	idx, err := p.addMap(f, m)
	if err != nil {
		return err
	}
	ins.Constant = int64(MapHandle(idx))
	return nil
}
