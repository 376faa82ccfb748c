// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package kernel assembles the instrumentation core on top of the simulated
// host: physical memory, the kernel address space with its text, exec and
// data regions, the task table, the kprobe manager, tracepoints, the BPF
// helper table and the syscall surface.
package kernel

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cilium/ktrace/pkg/arch"
	"github.com/cilium/ktrace/pkg/bpf/helpers"
	"github.com/cilium/ktrace/pkg/bpf/vm"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/kprobe"
	"github.com/cilium/ktrace/pkg/ksyms"
	"github.com/cilium/ktrace/pkg/ksyscall"
	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/logger"
	"github.com/cilium/ktrace/pkg/logger/logfields"
	"github.com/cilium/ktrace/pkg/mm"
	"github.com/cilium/ktrace/pkg/option"
	"github.com/cilium/ktrace/pkg/perf"
	"github.com/cilium/ktrace/pkg/task"
	"github.com/cilium/ktrace/pkg/tracepoint"
)

const (
	// address kernel calls return to; never mapped
	kernelCaller = mm.KernelTextBase - mm.PageSize
	// user calls return to the first page, never mapped either
	userCaller = 0x1000

	// slot of each simulated function in a text region
	funcSlot = 0x100

	// default priority reported on task exit
	defaultPrio = 120
)

type Config struct {
	Arch      arch.Arch
	PhysPages int
	TextPages int
	ExecPages int
	DataPages int
	NumCPUs   int

	TraceBufferRecords int
	CmdlineCacheSize   int
	PerfMaxPages       int
	VM                 vm.Config
}

// DefaultConfig returns the configuration derived from option.Config.
func DefaultConfig() (Config, error) {
	a := arch.Host()
	if option.Config.Arch != "" {
		var err error
		if a, err = arch.Parse(option.Config.Arch); err != nil {
			return Config{}, err
		}
	}
	return Config{
		Arch:               a,
		PhysPages:          option.Config.PhysMemPages,
		TextPages:          16,
		ExecPages:          16,
		DataPages:          4,
		NumCPUs:            option.Config.NumCPUs,
		TraceBufferRecords: option.Config.TraceBufferRecords,
		CmdlineCacheSize:   option.Config.CmdlineCacheSize,
		PerfMaxPages:       option.Config.PerfMaxPages,
		VM:                 vm.DefaultConfig(),
	}, nil
}

type Kernel struct {
	cfg  Config
	log  logrus.FieldLogger
	boot time.Time

	phys    *mm.Phys
	space   *mm.Space
	exec    *mm.ExecAllocator
	tasks   *task.Table
	syms    *ksyms.Ksyms
	kprobes *kprobe.Manager
	tps     *tracepoint.Manager
	fs      *tracepoint.FS
	helpers vm.HelperTable
	perf    perf.Config
	sys     *ksyscall.Syscalls

	printk   *tracepoint.TracePoint
	exit     *tracepoint.TracePoint
	probeHit *tracepoint.TracePoint

	textLock lock.Mutex
	nextText uint64
	textEnd  uint64
}

var (
	bootOnce sync.Once
	booted   *Kernel
	bootErr  error
)

// Boot brings up the kernel once. Later calls return the same instance and
// ignore cfg.
func Boot(cfg Config) (*Kernel, error) {
	bootOnce.Do(func() {
		booted, bootErr = New(cfg)
	})
	return booted, bootErr
}

// New builds a kernel independent of the one returned by Boot.
func New(cfg Config) (*Kernel, error) {
	if cfg.PhysPages <= 0 || cfg.TextPages <= 0 || cfg.ExecPages <= 0 || cfg.DataPages <= 0 {
		return nil, fmt.Errorf("kernel memory layout %+v: %w", cfg, errno.ErrInvalidInput)
	}
	k := &Kernel{
		cfg:  cfg,
		log:  logger.WithSubsys("kernel"),
		boot: time.Now(),
		phys: mm.NewPhys(cfg.PhysPages),
	}
	k.space = mm.NewSpace(k.phys, false)
	if err := k.space.Map(mm.KernelTextBase, uint64(cfg.TextPages)*mm.PageSize, mm.PermRead|mm.PermExec, "[text]"); err != nil {
		return nil, fmt.Errorf("mapping kernel text: %w", err)
	}
	if err := k.space.Map(mm.KernelDataBase, uint64(cfg.DataPages)*mm.PageSize, mm.PermRead|mm.PermWrite, "[data]"); err != nil {
		return nil, fmt.Errorf("mapping kernel data: %w", err)
	}
	k.nextText = mm.KernelTextBase
	k.textEnd = mm.KernelTextBase + uint64(cfg.TextPages)*mm.PageSize
	k.exec = mm.NewExecAllocator(k.phys, k.space, mm.KernelExecBase, cfg.ExecPages)
	k.tasks = task.NewTable()
	k.syms = ksyms.New()

	var err error
	k.tps, err = tracepoint.NewManager(k, tracepoint.Options{
		PipeSize:    cfg.TraceBufferRecords,
		CmdlineSize: cfg.CmdlineCacheSize,
	})
	if err != nil {
		return nil, err
	}
	k.fs = tracepoint.NewFS(k.tps, k.syms)
	for name, tp := range map[string]**tracepoint.TracePoint{
		tracepoint.EventBpfTracePrintk:   &k.printk,
		tracepoint.EventSchedProcessExit: &k.exit,
		tracepoint.EventProbeHit:         &k.probeHit,
	} {
		if *tp, err = k.tps.Lookup(name); err != nil {
			return nil, err
		}
	}
	// bpf_trace_printk output is always recorded
	k.printk.Enable()

	k.kprobes = kprobe.NewManager(kprobe.Config{
		Arch:      cfg.Arch,
		Space:     k.space,
		Exec:      k.exec,
		Symbols:   k.syms,
		Instances: k.tasks,
		Current:   k.tasks.Current,
		OnHit:     k.onProbeHit,
	})

	vmCfg := cfg.VM
	vmCfg.ProbeRange = vm.Range{Start: mm.KernelTextBase, End: mm.KernelDataBase + uint64(cfg.DataPages)*mm.PageSize}
	vmCfg.CPU = k.CPU
	k.helpers = helpers.Table(k)
	k.perf = perf.Config{
		Kprobes:     k.kprobes,
		Uprobes:     k.uprobes,
		Tracepoints: k.tps,
		Phys:        k.phys,
		Helpers:     k.helpers,
		VM:          vmCfg,
		MaxPages:    cfg.PerfMaxPages,
	}
	k.sys, err = ksyscall.New(ksyscall.Config{
		Tasks:       k.tasks,
		Tracepoints: k.tps,
		Perf:        k.perf,
		NumCPUs:     cfg.NumCPUs,
	})
	if err != nil {
		return nil, err
	}

	k.log.WithFields(logrus.Fields{
		"arch":  cfg.Arch,
		"pages": cfg.PhysPages,
		"cpus":  k.NumCPUs(),
	}).Info("Kernel booted")
	return k, nil
}

func (k *Kernel) Arch() arch.Arch                  { return k.cfg.Arch }
func (k *Kernel) Space() *mm.Space                 { return k.space }
func (k *Kernel) Tasks() *task.Table               { return k.tasks }
func (k *Kernel) Symbols() *ksyms.Ksyms            { return k.syms }
func (k *Kernel) Kprobes() *kprobe.Manager         { return k.kprobes }
func (k *Kernel) Tracepoints() *tracepoint.Manager { return k.tps }
func (k *Kernel) TraceFS() *tracepoint.FS          { return k.fs }
func (k *Kernel) Syscalls() *ksyscall.Syscalls     { return k.sys }

// DataBase is the start of the kernel data region, where kernel objects
// handed to simulated functions live.
func (k *Kernel) DataBase() uint64 { return mm.KernelDataBase }

// Kallsyms writes the symbol table in /proc/kallsyms format.
func (k *Kernel) Kallsyms(w io.Writer) error {
	_, err := k.syms.WriteTo(w)
	return err
}

func (k *Kernel) newUprobes(tk *task.Task) *kprobe.Manager {
	return kprobe.NewManager(kprobe.Config{
		Arch:      k.cfg.Arch,
		Space:     tk.Space,
		Exec:      k.exec,
		Instances: k.tasks,
		Current:   k.tasks.Current,
		PID:       tk.PID,
		OnHit:     k.onProbeHit,
	})
}

func (k *Kernel) uprobes(pid int32) (*kprobe.Manager, *mm.Space, error) {
	tk, err := k.tasks.Find(pid)
	if err != nil {
		return nil, nil, err
	}
	return tk.Uprobes(k.newUprobes), tk.Space, nil
}

func (k *Kernel) onProbeHit(p *kprobe.Probe, _ *kprobe.PtRegs) {
	sym := p.Symbol()
	if !p.IsUser() {
		sym = k.syms.Name(p.Addr())
	}
	k.probeHit.Fire(p.Addr(), uint32(p.Kind()), sym)
}

// Exit terminates pid: sched_process_exit fires in its context, then its
// descriptors are closed and its pending return probe instances dropped.
func (k *Kernel) Exit(pid int32) error {
	tk, err := k.tasks.Find(pid)
	if err != nil {
		return err
	}
	restore := k.tasks.SetCurrent(pid)
	k.exit.Fire(tk.Comm, pid, defaultPrio)
	restore()
	if _, err := k.tasks.Exit(pid); err != nil {
		return fmt.Errorf("exit of pid %d: %w", pid, err)
	}
	k.log.WithField(logfields.PID, pid).Debug("Task exited")
	return nil
}

// Now implements tracepoint.Host.
func (k *Kernel) Now() uint64 {
	return uint64(time.Since(k.boot).Nanoseconds())
}

// CPU implements tracepoint.Host. Execution is single CPU.
func (k *Kernel) CPU() int {
	return 0
}

func (k *Kernel) NumCPUs() int {
	if k.cfg.NumCPUs <= 0 {
		return 1
	}
	return k.cfg.NumCPUs
}

// Current implements tracepoint.Host.
func (k *Kernel) Current() (int32, string) {
	pid := k.tasks.Current()
	if pid == 0 {
		return 0, "<idle>"
	}
	name, ok := k.tasks.ProcessName(pid)
	if !ok {
		return pid, "<...>"
	}
	return pid, name
}

// KtimeNs implements helpers.Env.
func (k *Kernel) KtimeNs() uint64 {
	return k.Now()
}

func (k *Kernel) PrandomU32() uint32 {
	return rand.Uint32()
}

func (k *Kernel) CurrentTask() (int32, int32, string) {
	pid := k.tasks.Current()
	tk, err := k.tasks.Find(pid)
	if err != nil {
		return pid, pid, "<idle>"
	}
	return tk.PID, tk.TGID, tk.Comm
}

func (k *Kernel) ReadKernel(addr uint64, buf []byte) error {
	return k.space.Read(addr, buf, mm.PermRead)
}

// ReadUser reads from the address space of the current task.
func (k *Kernel) ReadUser(addr uint64, buf []byte) error {
	tk, err := k.tasks.Find(k.tasks.Current())
	if err != nil {
		return fmt.Errorf("no current task: %w", errno.ErrFault)
	}
	return tk.Space.Read(addr, buf, mm.PermRead|mm.PermUser)
}

func (k *Kernel) TracePrintk(msg string) {
	k.printk.Fire(msg)
}
