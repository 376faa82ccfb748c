// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package ksyscall is the system call surface of the instrumentation core:
// bpf(2), perf_event_open(2) and the descriptor calls operating on the
// files they return. Arguments are read from and results written to the
// calling task's address space.
package ksyscall

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cilium/ktrace/pkg/defaults"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/logger"
	"github.com/cilium/ktrace/pkg/logger/logfields"
	"github.com/cilium/ktrace/pkg/mm"
	"github.com/cilium/ktrace/pkg/perf"
	"github.com/cilium/ktrace/pkg/task"
	"github.com/cilium/ktrace/pkg/tracepoint"
)

type Config struct {
	Tasks       *task.Table
	Tracepoints *tracepoint.Manager
	// Perf is the template of the perf configuration, the descriptor
	// resolver being bound to the calling task.
	Perf    perf.Config
	NumCPUs int
}

type Syscalls struct {
	cfg  Config
	log  logrus.FieldLogger
	tps  struct{ bpf, perfOpen *tracepoint.TracePoint }
	ncpu int
}

func New(cfg Config) (*Syscalls, error) {
	s := &Syscalls{cfg: cfg, log: logger.WithSubsys("syscall"), ncpu: cfg.NumCPUs}
	if s.ncpu <= 0 {
		s.ncpu = defaults.DefaultNumCPUs
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("syscalls without a task table: %w", errno.ErrInvalidInput)
	}
	if cfg.Tracepoints != nil {
		var err error
		if s.tps.bpf, err = cfg.Tracepoints.Lookup(tracepoint.EventSysEnterBpf); err != nil {
			return nil, err
		}
		if s.tps.perfOpen, err = cfg.Tracepoints.Lookup(tracepoint.EventSysEnterPerfEventOpen); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// enter makes pid the current task for the duration of a call.
func (s *Syscalls) enter(pid int32) (*task.Task, func(), error) {
	tk, err := s.cfg.Tasks.Find(pid)
	if err != nil {
		return nil, nil, err
	}
	return tk, s.cfg.Tasks.SetCurrent(pid), nil
}

func (s *Syscalls) perfConfig(tk *task.Task) *perf.Config {
	cfg := s.cfg.Perf
	cfg.ResolveFD = tk.Files.Get
	return &cfg
}

func copyIn(space *mm.Space, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := space.Read(addr, buf, mm.PermRead); err != nil {
		return nil, err
	}
	return buf, nil
}

func copyOut(space *mm.Space, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return space.Write(addr, data)
}

// fileOf returns the file behind fd with a reference.
func fileOf(tk *task.Task, fd int) (*file.File, error) {
	return tk.Files.Get(fd)
}

// Ioctl forwards a control request to the file behind fd.
func (s *Syscalls) Ioctl(pid int32, fd int, cmd uint, arg uint64) (uint64, error) {
	tk, done, err := s.enter(pid)
	if err != nil {
		return 0, err
	}
	defer done()
	f, err := fileOf(tk, fd)
	if err != nil {
		return 0, err
	}
	defer f.Put()
	return f.Ioctl(cmd, arg)
}

// Mmap maps the file behind fd into the caller.
func (s *Syscalls) Mmap(pid int32, fd int, length uint64) (uint64, error) {
	tk, done, err := s.enter(pid)
	if err != nil {
		return 0, err
	}
	defer done()
	f, err := fileOf(tk, fd)
	if err != nil {
		return 0, err
	}
	defer f.Put()
	return f.Mmap(tk.Space, length)
}

// Read reads from the file behind fd into the caller's buffer at addr.
func (s *Syscalls) Read(ctx context.Context, pid int32, fd int, addr uint64, n int) (int, error) {
	tk, done, err := s.enter(pid)
	if err != nil {
		return 0, err
	}
	defer done()
	f, err := fileOf(tk, fd)
	if err != nil {
		return 0, err
	}
	defer f.Put()
	buf := make([]byte, n)
	got, err := f.Read(ctx, buf)
	if err != nil {
		return 0, err
	}
	return got, copyOut(tk.Space, addr, buf[:got])
}

func (s *Syscalls) Close(pid int32, fd int) error {
	tk, err := s.cfg.Tasks.Find(pid)
	if err != nil {
		return err
	}
	return tk.Files.Close(fd)
}

// SysBpf is Bpf with the result encoded as a syscall return value.
func (s *Syscalls) SysBpf(pid int32, cmd uint32, attr uint64, size uint32) int64 {
	return errno.Encode(s.Bpf(pid, cmd, attr, size))
}

func (s *Syscalls) SysPerfEventOpen(pid int32, attr uint64, target, cpu, groupFD int32, flags uint32) int64 {
	fd, err := s.PerfEventOpen(pid, attr, target, cpu, groupFD, flags)
	return errno.Encode(int64(fd), err)
}

func (s *Syscalls) SysIoctl(pid int32, fd int, cmd uint, arg uint64) int64 {
	ret, err := s.Ioctl(pid, fd, cmd, arg)
	return errno.Encode(int64(ret), err)
}

func (s *Syscalls) SysMmap(pid int32, fd int, length uint64) int64 {
	addr, err := s.Mmap(pid, fd, length)
	return errno.Encode(int64(addr), err)
}

func (s *Syscalls) SysClose(pid int32, fd int) int64 {
	return errno.Encode(0, s.Close(pid, fd))
}

func (s *Syscalls) logFailure(call string, pid int32, err error) {
	s.log.WithFields(logrus.Fields{
		"call":        call,
		logfields.PID: pid,
	}).WithError(err).Debug("System call failed")
}
