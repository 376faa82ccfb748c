// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package ksyscall

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/bpf/maps"
	"github.com/cilium/ktrace/pkg/bpf/prog"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/perf"
	"github.com/cilium/ktrace/pkg/task"
)

const (
	// licenses and tracepoint names read from the caller
	maxStringLen = 128
	// bound on the attr size accepted from the caller
	maxAttrSize = mmPageSize
	mmPageSize  = 4096
)

// Bpf runs bpf(2) for pid. attr is the address of a union of size bytes.
func (s *Syscalls) Bpf(pid int32, cmd uint32, attr uint64, size uint32) (int64, error) {
	tk, done, err := s.enter(pid)
	if err != nil {
		return 0, err
	}
	defer done()

	if s.tps.bpf != nil {
		s.tps.bpf.Fire(int32(unix.SYS_BPF), int32(cmd), attr, size)
	}
	ret, err := s.bpf(tk, cmd, attr, size)
	if err != nil {
		s.logFailure(fmt.Sprintf("bpf(%s)", bpfCmdString(cmd)), pid, err)
	}
	return ret, err
}

func (s *Syscalls) bpf(tk *task.Task, cmd uint32, attr uint64, size uint32) (int64, error) {
	if size > maxAttrSize {
		return 0, fmt.Errorf("bpf attr of %d bytes: %w", size, errno.ErrTooBig)
	}
	raw, err := copyIn(tk.Space, attr, int(min(size, attrSize)))
	if err != nil {
		return 0, err
	}

	switch cmd {
	case bpf.BPF_MAP_CREATE:
		return s.mapCreate(tk, raw)
	case bpf.BPF_MAP_LOOKUP_ELEM, bpf.BPF_MAP_UPDATE_ELEM, bpf.BPF_MAP_DELETE_ELEM,
		bpf.BPF_MAP_GET_NEXT_KEY, bpf.BPF_MAP_LOOKUP_AND_DELETE_ELEM, bpf.BPF_MAP_FREEZE:
		return 0, s.mapElem(tk, cmd, raw)
	case bpf.BPF_MAP_LOOKUP_BATCH:
		return 0, s.mapLookupBatch(tk, attr, raw)
	case bpf.BPF_PROG_LOAD:
		return s.progLoad(tk, raw)
	case bpf.BPF_RAW_TRACEPOINT_OPEN:
		return s.rawTracepointOpen(tk, raw)
	case bpf.BPF_BTF_LOAD, bpf.BPF_LINK_CREATE, bpf.BPF_OBJ_GET_INFO_BY_FD:
		return 0, fmt.Errorf("bpf command %s: %w", bpfCmdString(cmd), errno.ErrNotSupported)
	}
	return 0, fmt.Errorf("bpf command %d: %w", cmd, errno.ErrInvalidInput)
}

func (s *Syscalls) mapCreate(tk *task.Task, raw []byte) (int64, error) {
	var attr MapCreateAttr
	if err := decodeAttr(raw, &attr); err != nil {
		return 0, err
	}
	if attr.InnerMapFd != 0 {
		return 0, fmt.Errorf("map in map: %w", errno.ErrNotSupported)
	}
	m, err := maps.New(maps.Meta{
		Type:       attr.MapType,
		KeySize:    attr.KeySize,
		ValueSize:  attr.ValueSize,
		MaxEntries: attr.MaxEntries,
		Flags:      attr.MapFlags,
		Name:       cString(attr.MapName[:]),
	}, s.ncpu)
	if err != nil {
		return 0, err
	}
	return int64(tk.Files.Install(maps.NewFile(m))), nil
}

// mapOf returns the map behind fd. The caller drops the file reference.
func mapOf(tk *task.Task, fd uint32) (*maps.Map, func(), error) {
	f, err := fileOf(tk, int(int32(fd)))
	if err != nil {
		return nil, nil, err
	}
	m, err := maps.FromFile(f)
	if err != nil {
		f.Put()
		return nil, nil, err
	}
	return m, func() { f.Put() }, nil
}

func (s *Syscalls) mapElem(tk *task.Task, cmd uint32, raw []byte) error {
	var attr MapElemAttr
	if err := decodeAttr(raw, &attr); err != nil {
		return err
	}
	m, put, err := mapOf(tk, attr.MapFd)
	if err != nil {
		return err
	}
	defer put()
	if cmd == bpf.BPF_MAP_FREEZE {
		return m.Freeze()
	}

	keySize := int(m.Meta().KeySize)
	var key []byte
	if attr.Key != 0 || cmd != bpf.BPF_MAP_GET_NEXT_KEY {
		if key, err = copyIn(tk.Space, attr.Key, keySize); err != nil {
			return err
		}
	}

	switch cmd {
	case bpf.BPF_MAP_LOOKUP_ELEM:
		val, err := m.Lookup(key)
		if err != nil {
			return err
		}
		return copyOut(tk.Space, attr.Value, val)
	case bpf.BPF_MAP_UPDATE_ELEM:
		val, err := copyIn(tk.Space, attr.Value, m.UserValueSize())
		if err != nil {
			return err
		}
		if m.Meta().Type == bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY {
			return updateFile(tk, m, key, val, attr.Flags)
		}
		return m.Update(key, val, attr.Flags)
	case bpf.BPF_MAP_DELETE_ELEM:
		return m.Delete(key)
	case bpf.BPF_MAP_GET_NEXT_KEY:
		next, err := m.NextKey(key)
		if err != nil {
			return err
		}
		return copyOut(tk.Space, attr.Value, next)
	case bpf.BPF_MAP_LOOKUP_AND_DELETE_ELEM:
		val, err := m.LookupAndDelete(key)
		if err != nil {
			return err
		}
		return copyOut(tk.Space, attr.Value, val)
	}
	return fmt.Errorf("map command %d: %w", cmd, errno.ErrInvalidInput)
}

// updateFile stores the perf event behind the descriptor in val.
func updateFile(tk *task.Task, m *maps.Map, key, val []byte, flags uint64) error {
	fd := binary.LittleEndian.Uint32(val)
	f, err := fileOf(tk, int(int32(fd)))
	if err != nil {
		return err
	}
	defer f.Put()
	return m.UpdateFile(key, fd, f, flags)
}

func (s *Syscalls) mapLookupBatch(tk *task.Task, attrAddr uint64, raw []byte) error {
	var attr MapBatchAttr
	if err := decodeAttr(raw, &attr); err != nil {
		return err
	}
	if attr.ElemFlags != 0 || attr.Flags != 0 {
		return fmt.Errorf("batch flags: %w", errno.ErrInvalidInput)
	}
	m, put, err := mapOf(tk, attr.MapFd)
	if err != nil {
		return err
	}
	defer put()

	keySize, valSize := int(m.Meta().KeySize), m.UserValueSize()
	var in []byte
	if attr.InBatch != 0 {
		if in, err = copyIn(tk.Space, attr.InBatch, keySize); err != nil {
			return err
		}
	}
	keys, vals, out, batchErr := m.LookupBatch(in, int(attr.Count))
	if batchErr != nil && !errors.Is(batchErr, errno.ErrNotFound) {
		return batchErr
	}
	for i := range keys {
		if err := copyOut(tk.Space, attr.Keys+uint64(i*keySize), keys[i]); err != nil {
			return err
		}
		if err := copyOut(tk.Space, attr.Values+uint64(i*valSize), vals[i]); err != nil {
			return err
		}
	}
	if out != nil {
		if err := copyOut(tk.Space, attr.OutBatch, out); err != nil {
			return err
		}
	}
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(keys)))
	if err := copyOut(tk.Space, attrAddr+batchCountOff, count[:]); err != nil {
		return err
	}
	return batchErr
}

func (s *Syscalls) progLoad(tk *task.Task, raw []byte) (int64, error) {
	var attr ProgLoadAttr
	if err := decodeAttr(raw, &attr); err != nil {
		return 0, err
	}
	if attr.InsnCnt == 0 || attr.InsnCnt > bpf.BPF_MAXINSNS {
		return 0, fmt.Errorf("program of %d insns: %w", attr.InsnCnt, errno.ErrInvalidInput)
	}
	insns, err := copyIn(tk.Space, attr.Insns, int(attr.InsnCnt)*asm.InstructionSize)
	if err != nil {
		return 0, err
	}
	var license string
	if attr.License != 0 {
		if license, err = tk.Space.ReadCString(attr.License, maxStringLen); err != nil {
			return 0, err
		}
	}

	meta := prog.Meta{
		Type:     attr.ProgType,
		Name:     cString(attr.ProgName[:]),
		License:  license,
		LogLevel: attr.LogLevel,
	}
	p, log, loadErr := prog.Load(meta, insns, tk.Files.Get)
	if attr.LogLevel != 0 && attr.LogBuf != 0 && attr.LogSize > 0 {
		out := []byte(log)
		if len(out) > int(attr.LogSize)-1 {
			out = out[:attr.LogSize-1]
		}
		if err := copyOut(tk.Space, attr.LogBuf, append(out, 0)); err != nil && loadErr == nil {
			p.Close()
			return 0, err
		}
	}
	if loadErr != nil {
		return 0, loadErr
	}
	return int64(tk.Files.Install(prog.NewFile(p))), nil
}

func (s *Syscalls) rawTracepointOpen(tk *task.Task, raw []byte) (int64, error) {
	var attr RawTracepointOpenAttr
	if err := decodeAttr(raw, &attr); err != nil {
		return 0, err
	}
	if attr.Name == 0 {
		return 0, fmt.Errorf("raw tracepoint without a name: %w", errno.ErrInvalidInput)
	}
	name, err := tk.Space.ReadCString(attr.Name, maxStringLen)
	if err != nil {
		return 0, err
	}
	f, err := fileOf(tk, int(int32(attr.ProgFd)))
	if err != nil {
		return 0, err
	}
	defer f.Put()
	link, err := perf.OpenRawTracepoint(s.perfConfig(tk), name, f)
	if err != nil {
		return 0, err
	}
	return int64(tk.Files.Install(link)), nil
}

func bpfCmdString(cmd uint32) string {
	switch cmd {
	case bpf.BPF_MAP_CREATE:
		return "BPF_MAP_CREATE"
	case bpf.BPF_MAP_LOOKUP_ELEM:
		return "BPF_MAP_LOOKUP_ELEM"
	case bpf.BPF_MAP_UPDATE_ELEM:
		return "BPF_MAP_UPDATE_ELEM"
	case bpf.BPF_MAP_DELETE_ELEM:
		return "BPF_MAP_DELETE_ELEM"
	case bpf.BPF_MAP_GET_NEXT_KEY:
		return "BPF_MAP_GET_NEXT_KEY"
	case bpf.BPF_PROG_LOAD:
		return "BPF_PROG_LOAD"
	case bpf.BPF_OBJ_GET_INFO_BY_FD:
		return "BPF_OBJ_GET_INFO_BY_FD"
	case bpf.BPF_RAW_TRACEPOINT_OPEN:
		return "BPF_RAW_TRACEPOINT_OPEN"
	case bpf.BPF_BTF_LOAD:
		return "BPF_BTF_LOAD"
	case bpf.BPF_MAP_LOOKUP_AND_DELETE_ELEM:
		return "BPF_MAP_LOOKUP_AND_DELETE_ELEM"
	case bpf.BPF_MAP_FREEZE:
		return "BPF_MAP_FREEZE"
	case bpf.BPF_MAP_LOOKUP_BATCH:
		return "BPF_MAP_LOOKUP_BATCH"
	case bpf.BPF_LINK_CREATE:
		return "BPF_LINK_CREATE"
	}
	return fmt.Sprintf("%d", cmd)
}
