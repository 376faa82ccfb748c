// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package mm

import (
	"fmt"

	"github.com/cilium/ktrace/pkg/defaults"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
)

const (
	PageSize = defaults.PageSize

	// PhysBase is the physical address of the first frame.
	PhysBase = 0x8000_0000
)

func PageDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

func PageUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// Phys is the physical frame allocator. Frames are reference counted: page
// tables, the page cache and ring buffers each hold a reference, and a frame
// returns to the free list when the last one is dropped.
type Phys struct {
	lock   lock.SpinNoPreempt
	frames [][]byte
	refs   []int32
	free   []int
	next   int
}

func NewPhys(pages int) *Phys {
	return &Phys{
		frames: make([][]byte, pages),
		refs:   make([]int32, pages),
	}
}

// Alloc returns the physical address of a zeroed frame with one reference.
func (p *Phys) Alloc() (uint64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	var pfn int
	switch {
	case len(p.free) > 0:
		pfn = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		clear(p.frames[pfn])
	case p.next < len(p.frames):
		pfn = p.next
		p.next++
		p.frames[pfn] = make([]byte, PageSize)
	default:
		return 0, fmt.Errorf("no free physical frame: %w", errno.ErrNoMemory)
	}
	p.refs[pfn] = 1
	return PhysBase + uint64(pfn)*PageSize, nil
}

func (p *Phys) pfn(pa uint64) (int, error) {
	if pa < PhysBase {
		return 0, fmt.Errorf("physical address 0x%x: %w", pa, errno.ErrFault)
	}
	pfn := int((pa - PhysBase) / PageSize)
	if pfn >= len(p.frames) || p.refs[pfn] == 0 {
		return 0, fmt.Errorf("physical address 0x%x not allocated: %w", pa, errno.ErrFault)
	}
	return pfn, nil
}

func (p *Phys) Ref(pa uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if pfn, err := p.pfn(pa); err == nil {
		p.refs[pfn]++
	}
}

func (p *Phys) Unref(pa uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	pfn, err := p.pfn(pa)
	if err != nil {
		return
	}
	p.refs[pfn]--
	if p.refs[pfn] == 0 {
		p.free = append(p.free, pfn)
	}
}

// Refs returns the reference count of the frame holding pa.
func (p *Phys) Refs(pa uint64) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	pfn, err := p.pfn(pa)
	if err != nil {
		return 0
	}
	return int(p.refs[pfn])
}

// InUse returns the number of allocated frames.
func (p *Phys) InUse() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.next - len(p.free)
}

// ReadPhys reads through the direct map.
func (p *Phys) ReadPhys(pa uint64, buf []byte) error {
	return p.access(pa, buf, false)
}

// WritePhys writes through the direct map, ignoring page permissions.
func (p *Phys) WritePhys(pa uint64, data []byte) error {
	return p.access(pa, data, true)
}

func (p *Phys) access(pa uint64, buf []byte, write bool) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	for len(buf) > 0 {
		pfn, err := p.pfn(pa)
		if err != nil {
			return err
		}
		off := int(pa % PageSize)
		var n int
		if write {
			n = copy(p.frames[pfn][off:], buf)
		} else {
			n = copy(buf, p.frames[pfn][off:])
		}
		buf = buf[n:]
		pa += uint64(n)
	}
	return nil
}

// File is a page cache entry: the frames backing a file's content, shared by
// every private mapping of it until written.
type File struct {
	Path   string
	Size   uint64
	frames []uint64
}

// NewFile loads content into page cache frames.
func (p *Phys) NewFile(path string, content []byte) (*File, error) {
	f := &File{Path: path, Size: uint64(len(content))}
	for off := 0; off < len(content) || off == 0; off += PageSize {
		pa, err := p.Alloc()
		if err != nil {
			for _, fr := range f.frames {
				p.Unref(fr)
			}
			return nil, err
		}
		end := min(off+PageSize, len(content))
		if err := p.WritePhys(pa, content[off:end]); err != nil {
			return nil, err
		}
		f.frames = append(f.frames, pa)
	}
	return f, nil
}

// ReadFileAt reads the page cache content of the file.
func (p *Phys) ReadFileAt(f *File, off uint64, buf []byte) error {
	for len(buf) > 0 {
		idx := off / PageSize
		if idx >= uint64(len(f.frames)) {
			return fmt.Errorf("read past end of %s: %w", f.Path, errno.ErrFault)
		}
		n := min(uint64(len(buf)), PageSize-off%PageSize)
		if err := p.ReadPhys(f.frames[idx]+off%PageSize, buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
		off += n
	}
	return nil
}
