// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package mm

import (
	"fmt"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
)

// ExecAllocator hands out executable pages for out-of-line instruction
// slots and return trampolines. A page is always filled before it is mapped
// and is mapped read+execute only.
type ExecAllocator struct {
	lock   lock.SpinNoPreempt
	phys   *Phys
	kernel *Space
	base   uint64
	end    uint64
	next   uint64
	free   []uint64
}

// NewExecAllocator manages the given number of executable pages of the kernel space
// starting at base.
func NewExecAllocator(phys *Phys, kernel *Space, base uint64, pages int) *ExecAllocator {
	return &ExecAllocator{
		phys:   phys,
		kernel: kernel,
		base:   base,
		end:    base + uint64(pages)*PageSize,
		next:   base,
	}
}

func (e *ExecAllocator) filledFrame(fill func(page []byte)) (uint64, error) {
	pa, err := e.phys.Alloc()
	if err != nil {
		return 0, err
	}
	page := make([]byte, PageSize)
	fill(page)
	if err := e.phys.WritePhys(pa, page); err != nil {
		e.phys.Unref(pa)
		return 0, err
	}
	return pa, nil
}

// AllocKernelExec returns the address of a kernel page holding what fill
// wrote.
func (e *ExecAllocator) AllocKernelExec(fill func(page []byte)) (uint64, error) {
	e.lock.Lock()
	var va uint64
	switch {
	case len(e.free) > 0:
		va = e.free[len(e.free)-1]
		e.free = e.free[:len(e.free)-1]
	case e.next < e.end:
		va = e.next
		e.next += PageSize
	default:
		e.lock.Unlock()
		return 0, fmt.Errorf("kernel exec region exhausted: %w", errno.ErrNoMemory)
	}
	e.lock.Unlock()

	pa, err := e.filledFrame(fill)
	if err == nil {
		err = e.kernel.MapFrames(va, []uint64{pa}, PermRead|PermExec, false, "[kprobe_insn]")
		e.phys.Unref(pa)
	}
	if err != nil {
		e.lock.Lock()
		e.free = append(e.free, va)
		e.lock.Unlock()
		return 0, err
	}
	e.kernel.FlushTLB(va)
	return va, nil
}

func (e *ExecAllocator) FreeKernelExec(va uint64) error {
	if err := e.kernel.Unmap(va, PageSize); err != nil {
		return err
	}
	e.lock.Lock()
	e.free = append(e.free, va)
	e.lock.Unlock()
	return nil
}

// AllocUserExec maps a filled page read+execute into space.
func (e *ExecAllocator) AllocUserExec(space *Space, fill func(page []byte)) (uint64, error) {
	pa, err := e.filledFrame(fill)
	if err != nil {
		return 0, err
	}
	defer e.phys.Unref(pa)

	va, err := space.FindFreeArea(PageSize)
	if err != nil {
		return 0, err
	}
	if err := space.MapFrames(va, []uint64{pa}, PermRead|PermExec, false, "[uprobes]"); err != nil {
		return 0, err
	}
	space.FlushTLB(va)
	return va, nil
}

func (e *ExecAllocator) FreeUserExec(space *Space, va uint64) error {
	return space.Unmap(va, PageSize)
}
