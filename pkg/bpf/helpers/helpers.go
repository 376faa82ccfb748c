// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package helpers implements the BPF helper functions available to
// programs run by the interpreter.
package helpers

import (
	"github.com/cilium/ebpf/asm"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/bpf/vm"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/task"
)

// Env is what helpers need from the rest of the kernel.
type Env interface {
	KtimeNs() uint64
	PrandomU32() uint32
	// CurrentTask returns the task running the program.
	CurrentTask() (pid, tgid int32, comm string)
	ReadKernel(addr uint64, buf []byte) error
	ReadUser(addr uint64, buf []byte) error
	// TracePrintk records a bpf_trace_printk message in the trace buffer.
	TracePrintk(msg string)
	// PerfEventOutput writes a sample to a BPF output perf event.
	PerfEventOutput(f *file.File, data []byte) error
}

// negErrno is the helper return value of a failure.
func negErrno(err error) uint64 {
	return uint64(-int64(errno.ToErrno(err)))
}

// Table returns the helper table bound to env.
func Table(env Env) vm.HelperTable {
	h := &helpers{env: env}
	return vm.HelperTable{
		asm.FnMapLookupElem:     {Name: "map_lookup_elem", Fn: h.mapLookupElem},
		asm.FnMapUpdateElem:     {Name: "map_update_elem", Fn: h.mapUpdateElem},
		asm.FnMapDeleteElem:     {Name: "map_delete_elem", Fn: h.mapDeleteElem},
		asm.FnProbeRead:         {Name: "probe_read", GPLOnly: true, Fn: h.probeReadKernel},
		asm.FnProbeReadKernel:   {Name: "probe_read_kernel", GPLOnly: true, Fn: h.probeReadKernel},
		asm.FnProbeReadUser:     {Name: "probe_read_user", GPLOnly: true, Fn: h.probeReadUser},
		asm.FnKtimeGetNs:        {Name: "ktime_get_ns", Fn: h.ktimeGetNs},
		asm.FnTracePrintk:       {Name: "trace_printk", GPLOnly: true, Fn: h.tracePrintk},
		asm.FnGetPrandomU32:     {Name: "get_prandom_u32", Fn: h.getPrandomU32},
		asm.FnGetSmpProcessorId: {Name: "get_smp_processor_id", Fn: h.getSmpProcessorID},
		asm.FnGetCurrentPidTgid: {Name: "get_current_pid_tgid", Fn: h.getCurrentPidTgid},
		asm.FnGetCurrentComm:    {Name: "get_current_comm", Fn: h.getCurrentComm},
		asm.FnPerfEventOutput:   {Name: "perf_event_output", GPLOnly: true, Fn: h.perfEventOutput},
	}
}

type helpers struct {
	env Env
}

func (h *helpers) mapLookupElem(c *vm.Context, r1, r2, _, _, _ uint64) (uint64, error) {
	m, err := c.MapArg(r1)
	if err != nil {
		return 0, err
	}
	key, err := c.Mem(r2, int(m.Meta().KeySize), false)
	if err != nil {
		return 0, err
	}
	val := m.ProgLookup(key, c.CPU())
	if val == nil {
		return 0, nil
	}
	return c.Expose(m.Name(), val, m.Meta().Flags&bpf.BPF_F_RDONLY_PROG == 0), nil
}

func (h *helpers) mapUpdateElem(c *vm.Context, r1, r2, r3, r4, _ uint64) (uint64, error) {
	m, err := c.MapArg(r1)
	if err != nil {
		return 0, err
	}
	key, err := c.Mem(r2, int(m.Meta().KeySize), false)
	if err != nil {
		return 0, err
	}
	val, err := c.Mem(r3, int(m.Meta().ValueSize), false)
	if err != nil {
		return 0, err
	}
	if err := m.ProgUpdate(key, val, r4, c.CPU()); err != nil {
		return negErrno(err), nil
	}
	return 0, nil
}

func (h *helpers) mapDeleteElem(c *vm.Context, r1, r2, _, _, _ uint64) (uint64, error) {
	m, err := c.MapArg(r1)
	if err != nil {
		return 0, err
	}
	key, err := c.Mem(r2, int(m.Meta().KeySize), false)
	if err != nil {
		return 0, err
	}
	if err := m.ProgDelete(key); err != nil {
		return negErrno(err), nil
	}
	return 0, nil
}

func (h *helpers) probeRead(c *vm.Context, dstAddr, size, src uint64, read func(uint64, []byte) error) (uint64, error) {
	dst, err := c.Mem(dstAddr, int(uint32(size)), true)
	if err != nil {
		return 0, err
	}
	if err := read(src, dst); err != nil {
		clear(dst)
		return negErrno(errno.ErrFault), nil
	}
	return 0, nil
}

func (h *helpers) probeReadKernel(c *vm.Context, r1, r2, r3, _, _ uint64) (uint64, error) {
	if !c.ProbeAllowed(r3, int(uint32(r2))) {
		dst, err := c.Mem(r1, int(uint32(r2)), true)
		if err != nil {
			return 0, err
		}
		clear(dst)
		return negErrno(errno.ErrFault), nil
	}
	return h.probeRead(c, r1, r2, r3, h.env.ReadKernel)
}

func (h *helpers) probeReadUser(c *vm.Context, r1, r2, r3, _, _ uint64) (uint64, error) {
	return h.probeRead(c, r1, r2, r3, h.env.ReadUser)
}

func (h *helpers) ktimeGetNs(_ *vm.Context, _, _, _, _, _ uint64) (uint64, error) {
	return h.env.KtimeNs(), nil
}

func (h *helpers) getPrandomU32(_ *vm.Context, _, _, _, _, _ uint64) (uint64, error) {
	return uint64(h.env.PrandomU32()), nil
}

func (h *helpers) getSmpProcessorID(c *vm.Context, _, _, _, _, _ uint64) (uint64, error) {
	return uint64(c.CPU()), nil
}

func (h *helpers) getCurrentPidTgid(_ *vm.Context, _, _, _, _, _ uint64) (uint64, error) {
	pid, tgid, _ := h.env.CurrentTask()
	return uint64(uint32(tgid))<<32 | uint64(uint32(pid)), nil
}

func (h *helpers) getCurrentComm(c *vm.Context, r1, r2, _, _, _ uint64) (uint64, error) {
	size := int(uint32(r2))
	if size == 0 {
		return negErrno(errno.ErrInvalidInput), nil
	}
	buf, err := c.Mem(r1, size, true)
	if err != nil {
		return 0, err
	}
	_, _, comm := h.env.CurrentTask()
	clear(buf)
	if len(comm) >= task.CommLen {
		comm = comm[:task.CommLen-1]
	}
	copy(buf[:size-1], comm)
	return 0, nil
}

func (h *helpers) perfEventOutput(c *vm.Context, _, r2, r3, r4, r5 uint64) (uint64, error) {
	m, err := c.MapArg(r2)
	if err != nil {
		return 0, err
	}
	if r3&^uint64(bpf.BPF_F_INDEX_MASK) != 0 {
		return negErrno(errno.ErrInvalidInput), nil
	}
	idx := uint32(r3 & bpf.BPF_F_INDEX_MASK)
	if r3&bpf.BPF_F_INDEX_MASK == bpf.BPF_F_CURRENT_CPU {
		idx = uint32(c.CPU())
	}
	data, err := c.Mem(r4, int(uint32(r5)), false)
	if err != nil {
		return 0, err
	}
	f, err := m.FileAt(idx)
	if err != nil {
		return negErrno(err), nil
	}
	defer f.Put()
	if err := h.env.PerfEventOutput(f, data); err != nil {
		return negErrno(err), nil
	}
	return 0, nil
}
