// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/cilium/ebpf/asm"
	"github.com/cilium/lumberjack/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/cpu"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/kernel"
	"github.com/cilium/ktrace/pkg/ksyscall"
	"github.com/cilium/ktrace/pkg/mm"
	"github.com/cilium/ktrace/pkg/option"
	"github.com/cilium/ktrace/pkg/perf"
)

const demoFunction = "do_sys_open"

func newDemoCmd() *cobra.Command {
	var calls int
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Count calls of a kernel function with a kprobe BPF program and trace a process exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := bootKernel()
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), k, calls, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&calls, "calls", 3, "Number of calls of "+demoFunction)
	return cmd
}

// stager issues syscalls on behalf of a process, staging their arguments
// in its stack area.
type stager struct {
	k    *kernel.Kernel
	p    *kernel.Process
	next uint64
}

func (s *stager) put(data []byte) (uint64, error) {
	addr := s.next
	if addr+uint64(len(data)) > kernel.UserStackBase+kernel.UserStackPages*mm.PageSize {
		return 0, fmt.Errorf("staging %d bytes: %w", len(data), errno.ErrNoMemory)
	}
	if err := s.p.Space.Write(addr, data); err != nil {
		return 0, err
	}
	s.next += (uint64(len(data)) + 15) &^ 15
	return addr, nil
}

func (s *stager) bpf(cmd uint32, attr interface{}) (int64, error) {
	raw, err := ksyscall.EncodeAttr(attr)
	if err != nil {
		return 0, err
	}
	addr, err := s.put(raw)
	if err != nil {
		return 0, err
	}
	return s.k.Syscalls().Bpf(s.p.PID, cmd, addr, uint32(len(raw)))
}

func (s *stager) loadCounter(mapFD uint32) (int64, error) {
	insns := asm.Instructions{
		asm.StoreImm(asm.RFP, -4, 0, asm.Word),
		asm.LoadMapPtr(asm.R1, int(mapFD)),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		{OpCode: asm.JEq.Op(asm.ImmSource), Dst: asm.R0, Constant: 0, Offset: 3},
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R0, 0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	}
	var buf bytes.Buffer
	if err := insns.Marshal(&buf, binary.LittleEndian); err != nil {
		return 0, err
	}
	code, err := s.put(buf.Bytes())
	if err != nil {
		return 0, err
	}
	license, err := s.put([]byte("GPL\x00"))
	if err != nil {
		return 0, err
	}
	attr := &ksyscall.ProgLoadAttr{
		ProgType: bpf.BPF_PROG_TYPE_KPROBE,
		InsnCnt:  uint32(buf.Len() / asm.InstructionSize),
		Insns:    code,
		License:  license,
	}
	copy(attr.ProgName[:], "count_calls")
	return s.bpf(bpf.BPF_PROG_LOAD, attr)
}

func (s *stager) openKprobe(symbol string) (int, error) {
	name, err := s.put(append([]byte(symbol), 0))
	if err != nil {
		return 0, err
	}
	raw, err := ksyscall.EncodePerfAttr(&unix.PerfEventAttr{Type: perf.TypeKprobe, Ext1: name})
	if err != nil {
		return 0, err
	}
	addr, err := s.put(raw)
	if err != nil {
		return 0, err
	}
	return s.k.Syscalls().PerfEventOpen(s.p.PID, addr, -1, 0, -1, unix.PERF_FLAG_FD_CLOEXEC)
}

func (s *stager) lookupCounter(mapFD uint32) (uint64, error) {
	key, err := s.put(make([]byte, 4))
	if err != nil {
		return 0, err
	}
	val, err := s.put(make([]byte, 8))
	if err != nil {
		return 0, err
	}
	if _, err := s.bpf(bpf.BPF_MAP_LOOKUP_ELEM, &ksyscall.MapElemAttr{MapFd: mapFD, Key: key, Value: val}); err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	if err := s.p.Space.Read(val, buf, mm.PermRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// kprobeScenario counts calls of demoFunction in an array map.
func kprobeScenario(k *kernel.Kernel, calls int, out io.Writer) error {
	fn, err := k.DefineFunction(demoFunction, func(f *cpu.Frame) uint64 { return f.Arg(0) + 3 })
	if err != nil {
		return err
	}
	p, err := k.Spawn("loader", "/usr/sbin/loader")
	if err != nil {
		return err
	}
	defer k.Exit(p.PID)
	s := &stager{k: k, p: p, next: kernel.UserStackBase}

	mapAttr := &ksyscall.MapCreateAttr{MapType: bpf.BPF_MAP_TYPE_ARRAY, KeySize: 4, ValueSize: 8, MaxEntries: 1}
	copy(mapAttr.MapName[:], "calls")
	mapFD, err := s.bpf(bpf.BPF_MAP_CREATE, mapAttr)
	if err != nil {
		return fmt.Errorf("creating map: %w", err)
	}
	progFD, err := s.loadCounter(uint32(mapFD))
	if err != nil {
		return fmt.Errorf("loading program: %w", err)
	}
	perfFD, err := s.openKprobe(demoFunction)
	if err != nil {
		return fmt.Errorf("opening kprobe: %w", err)
	}
	if _, err := k.Syscalls().Ioctl(p.PID, perfFD, unix.PERF_EVENT_IOC_SET_BPF, uint64(progFD)); err != nil {
		return fmt.Errorf("attaching program: %w", err)
	}
	if _, err := k.Syscalls().Ioctl(p.PID, perfFD, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("enabling kprobe: %w", err)
	}

	for i := 0; i < calls; i++ {
		ret, err := k.Call(p.PID, fn, uint64(i))
		if err != nil {
			return fmt.Errorf("calling %s: %w", demoFunction, err)
		}
		log.WithField("ret", ret).Debugf("%s(%d) returned", demoFunction, i)
	}
	count, err := s.lookupCounter(uint32(mapFD))
	if err != nil {
		return fmt.Errorf("reading counter: %w", err)
	}
	fmt.Fprintf(out, "%s was called %d times, kprobe counter map: calls[0] = %d\n", demoFunction, calls, count)
	return nil
}

// pipeReader reads a tracing file until ctx ends.
type pipeReader struct {
	ctx context.Context
	f   *file.File
}

func (r *pipeReader) Read(p []byte) (int, error) {
	return r.f.Read(r.ctx, p)
}

// traceScenario spawns and terminates a process while a consumer of
// trace_pipe waits for its exit record.
func traceScenario(ctx context.Context, k *kernel.Kernel, out io.Writer) error {
	pipe, err := k.TraceFS().Open("trace_pipe")
	if err != nil {
		return err
	}
	defer pipe.Put()

	p, err := k.Spawn("worker", "/usr/bin/worker")
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sc := bufio.NewScanner(&pipeReader{ctx: ctx, f: pipe})
		for sc.Scan() {
			line := sc.Text()
			fmt.Fprintln(out, line)
			if strings.Contains(line, "sched_process_exit") && strings.Contains(line, "worker") {
				return nil
			}
		}
		return sc.Err()
	})
	g.Go(func() error {
		return k.Exit(p.PID)
	})
	return g.Wait()
}

func runDemo(ctx context.Context, k *kernel.Kernel, calls int, out io.Writer) error {
	fs := k.TraceFS()
	if err := fs.WriteFile("events/sched/sched_process_exit/enable", []byte("1")); err != nil {
		return err
	}
	if err := kprobeScenario(k, calls, out); err != nil {
		return err
	}

	// the loader exit is in the buffer, trace leaves it there
	trace, err := fs.ReadFile(ctx, "trace")
	if err != nil {
		return err
	}
	fmt.Fprint(out, "\n", trace, "\n")

	if option.Config.ExportFilename != "" {
		writer := &lumberjack.Logger{
			Filename:   option.Config.ExportFilename,
			MaxSize:    option.Config.ExportFileMaxSizeMB,
			MaxBackups: option.Config.ExportFileMaxBackups,
			Compress:   option.Config.ExportFileCompress,
		}
		defer writer.Close()
		log.WithField("filename", option.Config.ExportFilename).Info("Exporting trace_pipe lines")
		out = io.MultiWriter(out, writer)
	}
	return traceScenario(ctx, k, out)
}
