// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package maps

import (
	"fmt"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/errno"
)

const (
	// maxKeySize bounds keys to what fits on the program stack.
	maxKeySize   = 512
	maxValueSize = 1 << 20
)

// Meta is the shape of a map, as given to BPF_MAP_CREATE.
type Meta struct {
	Type       uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32
	Name       string
}

func (m Meta) String() string {
	return fmt.Sprintf("%s(%s key=%d value=%d max=%d)", m.Name, bpf.MapTypeString(m.Type),
		m.KeySize, m.ValueSize, m.MaxEntries)
}

// PerCPU reports whether the map keeps one value slot per CPU.
func (m Meta) PerCPU() bool {
	return m.Type == bpf.BPF_MAP_TYPE_PERCPU_HASH || m.Type == bpf.BPF_MAP_TYPE_PERCPU_ARRAY
}

// IsArray reports whether keys are u32 indexes into preallocated slots.
func (m Meta) IsArray() bool {
	switch m.Type {
	case bpf.BPF_MAP_TYPE_ARRAY, bpf.BPF_MAP_TYPE_PERCPU_ARRAY, bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY:
		return true
	}
	return false
}

func validName(name string) bool {
	if len(name) >= bpf.BPF_OBJ_NAME_LEN {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// Validate checks the attributes of a map before it is created.
func (m Meta) Validate() error {
	switch m.Type {
	case bpf.BPF_MAP_TYPE_HASH, bpf.BPF_MAP_TYPE_ARRAY, bpf.BPF_MAP_TYPE_PERCPU_HASH,
		bpf.BPF_MAP_TYPE_PERCPU_ARRAY, bpf.BPF_MAP_TYPE_LRU_HASH, bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY:
	default:
		return fmt.Errorf("map type %d: %w", m.Type, errno.ErrNotSupported)
	}
	if m.KeySize == 0 || m.ValueSize == 0 || m.MaxEntries == 0 {
		return fmt.Errorf("map %q: zero key size, value size or max entries: %w", m.Name, errno.ErrInvalidInput)
	}
	if m.KeySize > maxKeySize || m.ValueSize > maxValueSize {
		return fmt.Errorf("map %q: key size %d value size %d: %w", m.Name, m.KeySize, m.ValueSize, errno.ErrTooBig)
	}
	if m.Flags&^uint32(bpf.MapCreateFlags) != 0 {
		return fmt.Errorf("map %q: unknown flags %#x: %w", m.Name, m.Flags, errno.ErrInvalidInput)
	}
	if m.Flags&bpf.BPF_F_RDONLY != 0 && m.Flags&bpf.BPF_F_WRONLY != 0 {
		return fmt.Errorf("map %q: read-only and write-only: %w", m.Name, errno.ErrInvalidInput)
	}
	if m.Flags&bpf.BPF_F_NO_COMMON_LRU != 0 && m.Type != bpf.BPF_MAP_TYPE_LRU_HASH {
		return fmt.Errorf("map %q: BPF_F_NO_COMMON_LRU on a non-LRU map: %w", m.Name, errno.ErrInvalidInput)
	}
	if m.IsArray() {
		if m.KeySize != 4 {
			return fmt.Errorf("map %q: array key size must be 4: %w", m.Name, errno.ErrInvalidInput)
		}
		if m.Flags&bpf.BPF_F_NO_PREALLOC != 0 {
			return fmt.Errorf("map %q: arrays are always preallocated: %w", m.Name, errno.ErrInvalidInput)
		}
	}
	if m.Type == bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY && m.ValueSize != 4 {
		return fmt.Errorf("map %q: perf event array value size must be 4: %w", m.Name, errno.ErrInvalidInput)
	}
	if !validName(m.Name) {
		return fmt.Errorf("map name %q: %w", m.Name, errno.ErrInvalidInput)
	}
	return nil
}
