// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package vm

import (
	"encoding/binary"
	"fmt"
)

// Addresses seen by programs are region tagged: the upper 32 bits select a
// region (starting at 1, so that 0 is never a valid pointer) and the lower
// 32 bits are the offset inside it.
const regionShift = 32

type region struct {
	name     string
	data     []byte
	writable bool
}

type memory struct {
	regions []region
}

func regionAddr(idx int, off uint32) uint64 {
	return uint64(idx+1)<<regionShift | uint64(off)
}

func (m *memory) add(name string, data []byte, writable bool) uint64 {
	if len(data) > 0 {
		for i, r := range m.regions {
			if len(r.data) == len(data) && &r.data[0] == &data[0] {
				if writable && !r.writable {
					m.regions[i].writable = true
				}
				return regionAddr(i, 0)
			}
		}
	}
	m.regions = append(m.regions, region{name: name, data: data, writable: writable})
	return regionAddr(len(m.regions)-1, 0)
}

// slice returns the n bytes at addr, aliasing the region.
func (m *memory) slice(addr uint64, n int, write bool) ([]byte, error) {
	idx := int(addr>>regionShift) - 1
	off := uint64(uint32(addr))
	if idx < 0 || idx >= len(m.regions) || n < 0 {
		return nil, fmt.Errorf("invalid address %#x", addr)
	}
	r := m.regions[idx]
	if off+uint64(n) > uint64(len(r.data)) {
		return nil, fmt.Errorf("access of %d bytes at %s+%d out of bounds (size %d)", n, r.name, off, len(r.data))
	}
	if write && !r.writable {
		return nil, fmt.Errorf("write to read-only %s+%d", r.name, off)
	}
	return r.data[off : off+uint64(n)], nil
}

func (m *memory) load(addr uint64, size int) (uint64, error) {
	b, err := m.slice(addr, size, false)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

func (m *memory) store(addr uint64, size int, val uint64) error {
	b, err := m.slice(addr, size, true)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(val))
	default:
		binary.LittleEndian.PutUint64(b, val)
	}
	return nil
}
