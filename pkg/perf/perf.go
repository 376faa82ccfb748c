// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package perf implements perf events: counting probes and tracepoints,
// running BPF programs on them, and BPF output rings read by user space.
package perf

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/bpf/prog"
	"github.com/cilium/ktrace/pkg/bpf/vm"
	"github.com/cilium/ktrace/pkg/defaults"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/kprobe"
	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/logger"
	"github.com/cilium/ktrace/pkg/logger/logfields"
	"github.com/cilium/ktrace/pkg/mm"
	"github.com/cilium/ktrace/pkg/tracepoint"
	"github.com/cilium/ktrace/pkg/waitset"
)

// Dynamic PMU types, as listed under /sys/bus/event_source/devices.
const (
	TypeKprobe = unix.PERF_TYPE_MAX
	TypeUprobe = unix.PERF_TYPE_MAX + 1
)

// RetprobeBit in the kprobe and uprobe config selects a return probe.
const RetprobeBit = 1 << 0

const (
	// symbol names and paths read from the caller
	ksymNameLen = 512
	pathMax     = 4096
)

type Kind int

const (
	KindKprobe Kind = iota + 1
	KindUprobe
	KindTracepoint
	KindBpfOutput
)

func (k Kind) String() string {
	switch k {
	case KindKprobe:
		return "kprobe"
	case KindUprobe:
		return "uprobe"
	case KindTracepoint:
		return "tracepoint"
	case KindBpfOutput:
		return "bpf_output"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type State int

const (
	StateCreated State = iota
	StateEnabled
	StateDisabled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Args are the perf_event_open arguments.
type Args struct {
	Attr    unix.PerfEventAttr
	PID     int32
	CPU     int32
	GroupFD int32
	Flags   uint32
}

// Config binds events to the rest of the kernel.
type Config struct {
	Kprobes *kprobe.Manager
	// Uprobes returns the probe manager and address space of process pid.
	Uprobes     func(pid int32) (*kprobe.Manager, *mm.Space, error)
	Tracepoints *tracepoint.Manager
	Phys        *mm.Phys
	Helpers     vm.HelperTable
	VM          vm.Config
	// ResolveFD returns the file behind a descriptor of the calling task,
	// with a reference.
	ResolveFD prog.FDResolver
	// MaxPages bounds the data pages of a BPF output ring.
	MaxPages int
}

func (c *Config) maxPages() int {
	if c.MaxPages <= 0 {
		return defaults.DefaultPerfMaxPages
	}
	return c.MaxPages
}

// backing is the source feeding an event.
type backing interface {
	enable()
	disable()
	// attach starts running a program, which backings that cannot run one
	// refuse.
	attach(a *attached) error
	release() error
}

// attached is a program attached through PERF_EVENT_IOC_SET_BPF.
type attached struct {
	file   *file.File
	runner *vm.Runner
}

// Event is an open perf event.
type Event struct {
	cfg  *Config
	kind Kind
	attr unix.PerfEventAttr
	pid  int32
	cpu  int32
	log  logrus.FieldLogger

	lock  lock.SpinNoPreempt
	state State
	back  backing
	prog  *attached

	count   atomic.Uint64
	lost    atomic.Uint64
	waiters *waitset.WaitSet
}

func (e *Event) Kind() Kind { return e.kind }

func (e *Event) State() State {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state
}

// Count returns the number of hits, or samples written for BPF output.
func (e *Event) Count() uint64 {
	return e.count.Load()
}

// Lost returns the number of samples dropped on overflow.
func (e *Event) Lost() uint64 {
	return e.lost.Load()
}

// Open creates the event described by args. caller is the address space of
// the calling task, where names and paths referenced by the attribute live.
func Open(cfg *Config, caller *mm.Space, args Args) (*file.File, error) {
	e := &Event{
		cfg:     cfg,
		attr:    args.Attr,
		pid:     args.PID,
		cpu:     args.CPU,
		waiters: waitset.New(),
	}
	var err error
	switch args.Attr.Type {
	case TypeKprobe:
		e.kind = KindKprobe
		e.back, err = openKprobe(e, caller)
	case TypeUprobe:
		e.kind = KindUprobe
		e.back, err = openUprobe(e, caller)
	case unix.PERF_TYPE_TRACEPOINT:
		e.kind = KindTracepoint
		e.back, err = openTracepoint(e)
	case unix.PERF_TYPE_SOFTWARE:
		e.kind = KindBpfOutput
		e.back, err = openOutput(e)
	default:
		err = fmt.Errorf("perf event type %d: %w", args.Attr.Type, errno.ErrNotSupported)
	}
	if err != nil {
		return nil, err
	}
	e.log.Debug("Opened perf event")
	return file.New(file.KindPerfEvent, e), nil
}

func (e *Event) newLog(target string) logrus.FieldLogger {
	return logger.WithSubsys("perf").WithFields(logrus.Fields{
		"kind":          e.kind,
		logfields.Probe: target,
		logfields.PID:   e.pid,
	})
}

// FromFile returns the event behind f.
func FromFile(f *file.File) (*Event, error) {
	if f.Kind() != file.KindPerfEvent {
		return nil, fmt.Errorf("%s is not a perf event: %w", f.Path(), errno.ErrInvalidInput)
	}
	return f.Ops().(*Event), nil
}

// Enable starts counting and delivering samples.
func (e *Event) Enable() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	switch e.state {
	case StateClosed:
		return fmt.Errorf("enable closed event: %w", errno.ErrBadFD)
	case StateEnabled:
		return nil
	}
	e.state = StateEnabled
	e.back.enable()
	return nil
}

func (e *Event) Disable() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	switch e.state {
	case StateClosed:
		return fmt.Errorf("disable closed event: %w", errno.ErrBadFD)
	case StateEnabled:
		e.state = StateDisabled
		e.back.disable()
	}
	return nil
}

// SetBPF attaches the program in progFile, taking a reference on it.
func (e *Event) SetBPF(progFile *file.File) error {
	p, err := prog.FromFile(progFile)
	if err != nil {
		return err
	}
	want := uint32(bpf.BPF_PROG_TYPE_KPROBE)
	if e.kind == KindTracepoint {
		want = bpf.BPF_PROG_TYPE_TRACEPOINT
	}
	if e.kind == KindBpfOutput {
		return fmt.Errorf("attach to %s event: %w", e.kind, errno.ErrInvalidInput)
	}
	if p.Meta().Type != want {
		return fmt.Errorf("program %q of type %d on %s event: %w", p.Name(), p.Meta().Type, e.kind, errno.ErrInvalidInput)
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.state == StateClosed {
		return fmt.Errorf("attach to closed event: %w", errno.ErrBadFD)
	}
	if e.prog != nil {
		return fmt.Errorf("program already attached: %w", errno.ErrAlreadyExists)
	}
	a := &attached{
		file:   progFile.Get(),
		runner: vm.NewRunner(vm.New(p, e.cfg.Helpers, e.cfg.VM), e.kind.String()),
	}
	if err := e.back.attach(a); err != nil {
		a.file.Put()
		return err
	}
	e.prog = a
	e.log.WithField(logfields.Prog, p.Name()).Info("Attached BPF program")
	return nil
}

// Ioctl implements PERF_EVENT_IOC_ENABLE, PERF_EVENT_IOC_DISABLE and
// PERF_EVENT_IOC_SET_BPF, whose argument is a program descriptor.
func (e *Event) Ioctl(cmd uint, arg uint64) (uint64, error) {
	switch cmd {
	case unix.PERF_EVENT_IOC_ENABLE:
		return 0, e.Enable()
	case unix.PERF_EVENT_IOC_DISABLE:
		return 0, e.Disable()
	case unix.PERF_EVENT_IOC_SET_BPF:
		if e.cfg.ResolveFD == nil {
			return 0, fmt.Errorf("no descriptor table: %w", errno.ErrBadFD)
		}
		f, err := e.cfg.ResolveFD(int(int32(arg)))
		if err != nil {
			return 0, err
		}
		defer f.Put()
		return 0, e.SetBPF(f)
	}
	return 0, fmt.Errorf("perf ioctl 0x%x: %w", cmd, errno.ErrInvalidInput)
}

// Read returns the 8 byte event count.
func (e *Event) Read(_ context.Context, buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("read of %d bytes: %w", len(buf), errno.ErrInvalidInput)
	}
	binary.LittleEndian.PutUint64(buf, e.count.Load())
	return 8, nil
}

// Poll reports unread samples for BPF output events. Counting events are
// always readable.
func (e *Event) Poll() bool {
	if o, ok := e.back.(*output); ok {
		return o.readable()
	}
	return true
}

func (e *Event) Wait(ctx context.Context) error {
	return e.waiters.Wait(ctx, e.Poll)
}

func (e *Event) Path() string {
	return file.AnonInodePath(file.KindPerfEvent)
}

// Release closes the event, detaching it from its source and dropping the
// attached program.
func (e *Event) Release() error {
	e.lock.Lock()
	if e.state == StateEnabled {
		e.back.disable()
	}
	e.state = StateClosed
	a := e.prog
	e.prog = nil
	e.lock.Unlock()

	err := e.back.release()
	if a != nil {
		err = multierr.Append(err, a.file.Put())
	}
	e.waiters.Wake()
	e.log.Debug("Closed perf event")
	return err
}

// hit counts a firing and runs the attached program on ctx.
func (e *Event) hit(ctx []byte, a *attached) {
	e.count.Inc()
	if a != nil {
		a.runner.Run(ctx)
	}
}
