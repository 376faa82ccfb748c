// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package mm

import (
	"fmt"
	"strings"

	"go.uber.org/atomic"
	"golang.org/x/exp/slices"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
)

type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
)

func (p Perm) String() string {
	var sb strings.Builder
	for _, b := range []struct {
		p Perm
		c byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}, {PermUser, 'u'}} {
		if p&b.p != 0 {
			sb.WriteByte(b.c)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

const (
	// UserMmapBase is where FindFreeArea starts looking in user spaces.
	UserMmapBase = 0x7f00_0000_0000
	UserTop      = 0x7fff_ffff_f000

	KernelTextBase = 0xffff_ffff_8000_0000
	KernelExecBase = 0xffff_ffff_c000_0000
	KernelDataBase = 0xffff_ffff_e000_0000
)

// Area is a virtual memory area.
type Area struct {
	Start  uint64
	End    uint64
	Perm   Perm
	Shared bool
	Name   string
	// File and Offset describe file backed mappings, Offset being the file
	// offset of Start.
	File   *File
	Offset uint64
}

func (a *Area) Contains(addr uint64) bool {
	return addr >= a.Start && addr < a.End
}

// FileOffset returns the file offset mapped at addr.
func (a *Area) FileOffset(addr uint64) uint64 {
	return a.Offset + addr - a.Start
}

type pte struct {
	pa   uint64
	perm Perm
	cow  bool
}

// Space is an address space: its areas and the page table mapping them.
type Space struct {
	lock    lock.SpinNoPreempt
	phys    *Phys
	user    bool
	areas   []*Area
	ptes    map[uint64]*pte
	flushes atomic.Uint64
}

func NewSpace(phys *Phys, user bool) *Space {
	return &Space{
		phys: phys,
		user: user,
		ptes: make(map[uint64]*pte),
	}
}

func (s *Space) Phys() *Phys {
	return s.phys
}

func (s *Space) IsUser() bool {
	return s.user
}

func (s *Space) findArea(addr uint64) *Area {
	i, found := slices.BinarySearchFunc(s.areas, addr, func(a *Area, addr uint64) int {
		switch {
		case addr < a.Start:
			return 1
		case addr >= a.End:
			return -1
		}
		return 0
	})
	if !found {
		return nil
	}
	return s.areas[i]
}

func (s *Space) insertArea(a *Area) error {
	if a.Start%PageSize != 0 || a.End%PageSize != 0 || a.End <= a.Start {
		return fmt.Errorf("area [0x%x, 0x%x) not page aligned: %w", a.Start, a.End, errno.ErrInvalidInput)
	}
	for _, o := range s.areas {
		if a.Start < o.End && o.Start < a.End {
			return fmt.Errorf("area [0x%x, 0x%x) overlaps %s: %w", a.Start, a.End, o.Name, errno.ErrAlreadyExists)
		}
	}
	i, _ := slices.BinarySearchFunc(s.areas, a.Start, func(o *Area, start uint64) int {
		switch {
		case o.Start < start:
			return -1
		case o.Start > start:
			return 1
		}
		return 0
	})
	s.areas = slices.Insert(s.areas, i, a)
	return nil
}

func (s *Space) pagePerm(p Perm) Perm {
	if s.user {
		return p | PermUser
	}
	return p &^ PermUser
}

// Map creates an anonymous private mapping backed by zeroed frames.
func (s *Space) Map(start, length uint64, perm Perm, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	a := &Area{Start: start, End: start + PageUp(length), Perm: s.pagePerm(perm), Name: name}
	if err := s.insertArea(a); err != nil {
		return err
	}
	for va := a.Start; va < a.End; va += PageSize {
		pa, err := s.phys.Alloc()
		if err != nil {
			s.unmapAreaLocked(a)
			return err
		}
		s.ptes[va] = &pte{pa: pa, perm: a.Perm}
	}
	return nil
}

// MapFile creates a private mapping of a page cache file. Pages share the
// page cache frames until the first write fault copies them.
func (s *Space) MapFile(start uint64, perm Perm, f *File, offset uint64, name string) error {
	if offset%PageSize != 0 || offset >= PageUp(f.Size) {
		return fmt.Errorf("file offset 0x%x: %w", offset, errno.ErrInvalidInput)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	length := PageUp(f.Size) - offset
	a := &Area{Start: start, End: start + length, Perm: s.pagePerm(perm), Name: name, File: f, Offset: offset}
	if err := s.insertArea(a); err != nil {
		return err
	}
	for va := a.Start; va < a.End; va += PageSize {
		pa := f.frames[(offset+va-a.Start)/PageSize]
		s.phys.Ref(pa)
		s.ptes[va] = &pte{pa: pa, perm: a.Perm &^ PermWrite, cow: true}
	}
	return nil
}

// MapFrames maps existing frames. The mapping takes its own reference on
// each frame.
func (s *Space) MapFrames(start uint64, frames []uint64, perm Perm, shared bool, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	a := &Area{Start: start, End: start + uint64(len(frames))*PageSize, Perm: s.pagePerm(perm), Shared: shared, Name: name}
	if err := s.insertArea(a); err != nil {
		return err
	}
	for i, pa := range frames {
		s.phys.Ref(pa)
		s.ptes[start+uint64(i)*PageSize] = &pte{pa: pa, perm: a.Perm}
	}
	return nil
}

func (s *Space) unmapAreaLocked(a *Area) {
	for va := a.Start; va < a.End; va += PageSize {
		if p, ok := s.ptes[va]; ok {
			s.phys.Unref(p.pa)
			delete(s.ptes, va)
		}
	}
	s.areas = slices.DeleteFunc(s.areas, func(o *Area) bool { return o == a })
	s.flushes.Inc()
}

// Unmap removes every area fully contained in [start, start+length).
func (s *Space) Unmap(start, length uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	end := start + PageUp(length)
	var victims []*Area
	for _, a := range s.areas {
		if a.Start >= start && a.End <= end {
			victims = append(victims, a)
		}
	}
	if len(victims) == 0 {
		return fmt.Errorf("no mapping in [0x%x, 0x%x): %w", start, end, errno.ErrInvalidInput)
	}
	for _, a := range victims {
		s.unmapAreaLocked(a)
	}
	return nil
}

// UnmapAll tears the space down.
func (s *Space) UnmapAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for len(s.areas) > 0 {
		s.unmapAreaLocked(s.areas[0])
	}
}

// FindFreeArea returns the lowest free range of length bytes above
// UserMmapBase.
func (s *Space) FindFreeArea(length uint64) (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	length = PageUp(length)
	cand := uint64(UserMmapBase)
	for _, a := range s.areas {
		if a.End <= cand {
			continue
		}
		if a.Start >= cand+length {
			break
		}
		cand = a.End
	}
	if cand+length > UserTop {
		return 0, fmt.Errorf("no free area of %d bytes: %w", length, errno.ErrNoMemory)
	}
	return cand, nil
}

// FindMapping returns a copy of the area containing addr.
func (s *Space) FindMapping(addr uint64) (Area, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	a := s.findArea(addr)
	if a == nil {
		return Area{}, fmt.Errorf("no mapping at 0x%x: %w", addr, errno.ErrFault)
	}
	return *a, nil
}

// Areas returns a copy of the areas, ordered by address.
func (s *Space) Areas() []Area {
	s.lock.Lock()
	defer s.lock.Unlock()
	ret := make([]Area, 0, len(s.areas))
	for _, a := range s.areas {
		ret = append(ret, *a)
	}
	return ret
}

// SetAreaPerm changes the permission of the area containing addr and
// returns the previous one. Page table entries are left untouched.
func (s *Space) SetAreaPerm(addr uint64, perm Perm) (Perm, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	a := s.findArea(addr)
	if a == nil {
		return 0, fmt.Errorf("no mapping at 0x%x: %w", addr, errno.ErrFault)
	}
	old := a.Perm
	a.Perm = s.pagePerm(perm)
	return old, nil
}

// Protect changes the page table permissions of [addr, addr+length).
func (s *Space) Protect(addr, length uint64, perm Perm) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for va := PageDown(addr); va < addr+length; va += PageSize {
		p, ok := s.ptes[va]
		if !ok {
			return fmt.Errorf("page 0x%x not present: %w", va, errno.ErrFault)
		}
		p.perm = s.pagePerm(perm)
	}
	return nil
}

// HandlePageFault resolves a fault of the given access at addr: missing
// pages are allocated, and write faults on copy-on-write pages give the space
// its own copy of the frame.
func (s *Space) HandlePageFault(addr uint64, access Perm) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.handleFaultLocked(addr, access)
}

func (s *Space) handleFaultLocked(addr uint64, access Perm) error {
	a := s.findArea(addr)
	if a == nil || a.Perm&access != access {
		return fmt.Errorf("%s access at 0x%x: %w", access, addr, errno.ErrFault)
	}
	va := PageDown(addr)
	p, ok := s.ptes[va]
	if !ok {
		pa, err := s.phys.Alloc()
		if err != nil {
			return err
		}
		s.ptes[va] = &pte{pa: pa, perm: a.Perm}
		return nil
	}
	if access&PermWrite != 0 && p.cow {
		pa, err := s.phys.Alloc()
		if err != nil {
			return err
		}
		buf := make([]byte, PageSize)
		if err := s.phys.ReadPhys(p.pa, buf); err != nil {
			return err
		}
		if err := s.phys.WritePhys(pa, buf); err != nil {
			return err
		}
		s.phys.Unref(p.pa)
		p.pa = pa
		p.cow = false
		s.flushes.Inc()
	}
	p.perm = a.Perm
	if p.cow {
		p.perm &^= PermWrite
	}
	return nil
}

// Translate returns the physical address and page permission of addr.
func (s *Space) Translate(addr uint64) (uint64, Perm, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	p, ok := s.ptes[PageDown(addr)]
	if !ok {
		return 0, 0, fmt.Errorf("0x%x not mapped: %w", addr, errno.ErrFault)
	}
	return p.pa + addr%PageSize, p.perm, nil
}

func (s *Space) FlushTLB(_ uint64) {
	s.flushes.Inc()
}

// TLBFlushes returns the number of flushes so far.
func (s *Space) TLBFlushes() uint64 {
	return s.flushes.Load()
}

// Read copies memory at addr into buf, each page having to grant access.
func (s *Space) Read(addr uint64, buf []byte, access Perm) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for len(buf) > 0 {
		p, ok := s.ptes[PageDown(addr)]
		if !ok || p.perm&access != access {
			return fmt.Errorf("%s access at 0x%x: %w", access, addr, errno.ErrFault)
		}
		n := min(uint64(len(buf)), PageSize-addr%PageSize)
		if err := s.phys.ReadPhys(p.pa+addr%PageSize, buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
		addr += n
	}
	return nil
}

// Write copies data to addr as a store instruction would, faulting in
// missing and copy-on-write pages when the area allows writing.
func (s *Space) Write(addr uint64, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for len(data) > 0 {
		p, ok := s.ptes[PageDown(addr)]
		if !ok || p.perm&PermWrite == 0 {
			if err := s.handleFaultLocked(addr, PermWrite); err != nil {
				return err
			}
			p = s.ptes[PageDown(addr)]
			if p.perm&PermWrite == 0 {
				return fmt.Errorf("write at 0x%x: %w", addr, errno.ErrFault)
			}
		}
		n := min(uint64(len(data)), PageSize-addr%PageSize)
		if err := s.phys.WritePhys(p.pa+addr%PageSize, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		addr += n
	}
	return nil
}

// ReadCString reads a NUL terminated string of at most maxLen bytes.
func (s *Space) ReadCString(addr uint64, maxLen int) (string, error) {
	var sb strings.Builder
	var b [1]byte
	for i := 0; i < maxLen; i++ {
		if err := s.Read(addr+uint64(i), b[:], PermRead); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(b[0])
	}
	return "", fmt.Errorf("string at 0x%x longer than %d bytes: %w", addr, maxLen, errno.ErrTooBig)
}
