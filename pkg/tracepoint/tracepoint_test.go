// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/metrics/tracemetrics"
)

type fakeHost struct {
	pid  int32
	comm string
	now  uint64
	cpu  int
}

func (h *fakeHost) Now() uint64              { return h.now }
func (h *fakeHost) CPU() int                 { return h.cpu }
func (h *fakeHost) NumCPUs() int             { return 2 }
func (h *fakeHost) Current() (int32, string) { return h.pid, h.comm }

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeHost) {
	host := &fakeHost{pid: 42, comm: "demo", now: 1_500_000_000}
	mgr, err := NewManager(host, opts)
	require.NoError(t, err)
	return mgr, host
}

func mustLookup(t *testing.T, mgr *Manager, name string) *TracePoint {
	tp, err := mgr.Lookup(name)
	require.NoError(t, err)
	return tp
}

func TestDefaultEventLayout(t *testing.T) {
	mgr, _ := newTestManager(t, Options{})

	tp := mustLookup(t, mgr, EventSysEnterBpf)
	f := tp.Format()
	expected := []struct {
		name   string
		offset uint
		size   uint
		signed bool
	}{
		{"common_type", 0, 2, false},
		{"common_flags", 2, 1, false},
		{"common_preempt_count", 3, 1, false},
		{"common_pid", 4, 4, true},
		{"__syscall_nr", 8, 4, true},
		{"cmd", 12, 4, true},
		{"uattr", 16, 8, false},
		{"size", 24, 4, false},
	}
	require.Len(t, f.Fields, len(expected))
	for i, e := range expected {
		ff := f.Fields[i]
		assert.Equal(t, e.name, ff.Field.Name)
		assert.Equal(t, e.offset, ff.Offset, e.name)
		assert.Equal(t, e.size, ff.Size, e.name)
		assert.Equal(t, e.signed, ff.IsSigned, e.name)
	}
	assert.Equal(t, 28, f.RecordSize())

	exit := mustLookup(t, mgr, EventSchedProcessExit).Format()
	comm, ok := exit.Field("comm")
	require.True(t, ok)
	assert.Equal(t, uint(8), comm.Offset)
	pid, ok := exit.Field("pid")
	require.True(t, ok)
	assert.Equal(t, uint(24), pid.Offset)
}

func TestFormatRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t, Options{})
	for _, name := range []string{EventSysEnterBpf, EventSchedProcessExit, EventBpfTracePrintk, EventProbeHit} {
		f := mustLookup(t, mgr, name).Format()
		parsed, err := ParseFormat(strings.NewReader(f.String()))
		require.NoError(t, err, name)
		assert.Equal(t, f, parsed, name)
	}
}

func TestParseFormat(t *testing.T) {
	input := "name: sys_enter_lseek\n" +
		"ID: 682\n" +
		"format:\n" +
		"\tfield:unsigned short common_type;\toffset:0;\tsize:2;\tsigned:0;\n" +
		"\tfield:unsigned char common_flags;\toffset:2;\tsize:1;\tsigned:0;\n" +
		"\tfield:unsigned char common_preempt_count;\toffset:3;\tsize:1;\tsigned:0;\n" +
		"\tfield:int common_pid;\toffset:4;\tsize:4;\tsigned:1;\n" +
		"\n" +
		"\tfield:int __syscall_nr;\toffset:8;\tsize:4;\tsigned:1;\n" +
		"\tfield:unsigned int fd;\toffset:16;\tsize:8;\tsigned:0;\n" +
		"\tfield:off_t offset;\toffset:24;\tsize:8;\tsigned:0;\n" +
		"\tfield:unsigned int whence;\toffset:32;\tsize:8;\tsigned:0;\n" +
		"\n" +
		"print fmt: \"fd: 0x%08lx, offset: 0x%08lx, whence: 0x%08lx\", ((unsigned long)(REC->fd)), ((unsigned long)(REC->offset)), ((unsigned long)(REC->whence))\n"

	f, err := ParseFormat(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "sys_enter_lseek", f.Name)
	assert.Equal(t, 682, f.ID)
	require.Len(t, f.Fields, 8)
	assert.Equal(t, "off_t offset", f.Fields[6].FieldStr)
	assert.Equal(t, uint(24), f.Fields[6].Offset)
	assert.Equal(t, IntTy{Base: IntTyInt64}, f.Fields[6].Field.Type)
	assert.True(t, strings.HasPrefix(f.PrintFmt, `"fd: 0x%08lx`))

	_, err = ParseFormat(strings.NewReader("ID: 1\n"))
	assert.Error(t, err)
}

func TestFireDisabled(t *testing.T) {
	mgr, _ := newTestManager(t, Options{})
	tp := mustLookup(t, mgr, EventSysEnterBpf)

	calls := 0
	require.NoError(t, tp.RegisterRawCallback(1, func(*TracePoint, []byte) error {
		calls++
		return nil
	}))

	tp.Fire(321, 0, 0, 0)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, mgr.Pipe().Len())

	tp.Enable()
	tp.Fire(321, 0, 0, 0)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, mgr.Pipe().Len())

	tp.Disable()
	tp.Fire(321, 0, 0, 0)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, mgr.Pipe().Len())

	tp.Enable()
	tp.Fire(321, 0, 0, 0)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, mgr.Pipe().Len())
}

func TestCallbacks(t *testing.T) {
	mgr, host := newTestManager(t, Options{})
	tp := mustLookup(t, mgr, EventSchedProcessExit)
	tp.Enable()

	var order []uint64
	var seen []byte
	require.NoError(t, tp.RegisterRawCallback(7, func(_ *TracePoint, rec []byte) error {
		order = append(order, 7)
		seen = rec
		return nil
	}))
	require.NoError(t, tp.RegisterRawCallback(3, func(*TracePoint, []byte) error {
		order = append(order, 3)
		return errors.New("boom")
	}))
	require.NoError(t, tp.RegisterRawCallback(5, func(*TracePoint, []byte) error {
		order = append(order, 5)
		panic("bad callback")
	}))
	require.NoError(t, tp.RegisterRawCallback(9, func(*TracePoint, []byte) error {
		order = append(order, 9)
		return nil
	}))
	assert.ErrorIs(t, tp.RegisterRawCallback(3, nil), errno.ErrAlreadyExists)
	assert.Equal(t, 4, tp.Callbacks())

	failures := testutil.ToFloat64(tracemetrics.CallbackErrors.WithLabelValues(EventSchedProcessExit))
	host.pid = 77
	tp.Fire("worker", int32(77), 120)
	assert.Equal(t, []uint64{7, 3, 5, 9}, order)
	assert.Equal(t, failures+2, testutil.ToFloat64(tracemetrics.CallbackErrors.WithLabelValues(EventSchedProcessExit)))

	f := tp.Format()
	commonType, _ := f.Field("common_type")
	commonPid, _ := f.Field("common_pid")
	comm, _ := f.Field("comm")
	prio, _ := f.Field("prio")
	assert.Equal(t, tp.ID(), commonType.Uint(seen))
	assert.Equal(t, int64(77), commonPid.Int(seen))
	assert.Equal(t, "worker", comm.Str(seen))
	assert.Equal(t, int64(120), prio.Int(seen))

	require.NoError(t, tp.UnregisterRawCallback(5))
	assert.ErrorIs(t, tp.UnregisterRawCallback(5), errno.ErrNotFound)
	order = nil
	tp.Fire("worker", int32(77), 120)
	assert.Equal(t, []uint64{7, 3, 9}, order)
}

func TestFireMalformed(t *testing.T) {
	mgr, _ := newTestManager(t, Options{})
	tp := mustLookup(t, mgr, EventSysEnterBpf)
	tp.Enable()

	tp.Fire(1, 2)
	tp.Fire("x", 0, 0, 0)
	assert.Equal(t, 0, mgr.Pipe().Len())
}

func TestPipeDropsOldest(t *testing.T) {
	p := NewPipe(256)
	dropped := testutil.ToFloat64(tracemetrics.TraceDropped)
	for i := 0; i < 300; i++ {
		p.Push(Entry{Timestamp: uint64(i)})
	}
	assert.Equal(t, 256, p.Len())
	assert.Equal(t, uint64(300), p.Written())
	assert.Equal(t, dropped+44, testutil.ToFloat64(tracemetrics.TraceDropped))

	snap := p.Snapshot()
	require.Equal(t, 256, snap.Len())
	for i := 44; i < 300; i++ {
		e, ok := snap.Pop()
		require.True(t, ok)
		assert.Equal(t, uint64(i), e.Timestamp)
	}
	_, ok := snap.Pop()
	assert.False(t, ok)

	// the snapshot is independent of the pipe
	assert.Equal(t, 256, p.Len())
	e, ok := p.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(44), e.Timestamp)
	e, ok = p.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(44), e.Timestamp)
	assert.Equal(t, 255, p.Len())

	p.Clear()
	assert.Equal(t, 0, p.Len())
	_, ok = p.Pop()
	assert.False(t, ok)
}

func TestPipeWait(t *testing.T) {
	p := NewPipe(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), errno.ErrInterrupted)

	done := make(chan error)
	go func() {
		done <- p.Wait(context.Background())
	}()
	p.Push(Entry{})
	assert.NoError(t, <-done)
}

func TestFilter(t *testing.T) {
	mgr, _ := newTestManager(t, Options{})
	tp := mustLookup(t, mgr, EventSysEnterBpf)
	tp.Enable()

	require.NoError(t, tp.SetFilter("cmd == 5 && size > 10 || cmd == 0x0"))
	assert.Equal(t, "cmd == 5 && size > 10 || cmd == 0x0", tp.Filter().String())
	tp.Fire(321, 5, 0, 48) // pass
	tp.Fire(321, 5, 0, 8)  // size too small
	tp.Fire(321, 0, 0, 0)  // pass
	tp.Fire(321, 2, 0, 48) // wrong cmd
	assert.Equal(t, 2, mgr.Pipe().Len())

	require.NoError(t, tp.SetFilter("cmd<0"))
	tp.Fire(321, -1, 0, 0)
	tp.Fire(321, 1, 0, 0)
	assert.Equal(t, 3, mgr.Pipe().Len())

	require.NoError(t, tp.SetFilter("0"))
	assert.Nil(t, tp.Filter())

	for _, bad := range []string{
		"nosuch == 1",
		"cmd == ",
		"cmd ~ 1",
		"cmd == 1 &&",
		"(cmd == 1)",
		"cmd == 1 cmd == 2",
		"cmd == abc",
	} {
		assert.ErrorIs(t, tp.SetFilter(bad), errno.ErrInvalidInput, bad)
	}

	exit := mustLookup(t, mgr, EventSchedProcessExit)
	f := exit.Format()
	rec, err := f.encode([]interface{}{uint16(f.ID), uint8(0), uint8(0), int32(1), "bash", int32(1), 120})
	require.NoError(t, err)
	for expr, match := range map[string]bool{
		`comm == "bash"`:             true,
		`comm != bash`:               false,
		`comm ~ "ba*"`:               true,
		`comm ~ "z*" || prio >= 120`: true,
		`prio & 0x8 && pid == 1`:     true,
		`comm < bash`:                false,
	} {
		flt, err := ParseFilter(f, expr)
		if expr == `comm < bash` {
			assert.ErrorIs(t, err, errno.ErrInvalidInput)
			continue
		}
		require.NoError(t, err, expr)
		assert.Equal(t, match, flt.Match(rec), expr)
	}
}

func TestParserLine(t *testing.T) {
	mgr, host := newTestManager(t, Options{})
	tp := mustLookup(t, mgr, EventSysEnterBpf)
	tp.Enable()
	host.cpu = 1
	tp.Fire(321, 5, uint64(0x1000), 48)

	e, ok := mgr.Pipe().Pop()
	require.True(t, ok)
	line := mgr.Parser().Line(e)
	assert.Contains(t, line, "demo-42 ")
	assert.Contains(t, line, "[001]")
	assert.True(t, strings.HasSuffix(line, "1.500000: sys_enter_bpf: __syscall_nr=321 cmd=5 uattr=4096 size=48\n"), line)

	printk := mustLookup(t, mgr, EventBpfTracePrintk)
	printk.Enable()
	printk.Fire("hello 7\n")
	e, ok = mgr.Pipe().Pop()
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(mgr.Parser().Line(e), "bpf_trace_printk: hello 7\n"))

	// pids never seen by the cache render as <...>
	e.Data[4] = 99
	assert.Contains(t, mgr.Parser().Line(e), "<...>-99")
}

func TestManagerDefine(t *testing.T) {
	mgr, _ := newTestManager(t, Options{})

	tp, err := mgr.Define(Definition{System: "sched", Name: "sched_switch", Fields: []string{"char prev_comm[16]", "pid_t prev_pid"}})
	require.NoError(t, err)
	assert.False(t, tp.Enabled())
	byID, err := mgr.ByID(tp.ID())
	require.NoError(t, err)
	assert.Same(t, tp, byID)

	_, err = mgr.Define(Definition{System: "sched", Name: "sched_switch"})
	assert.ErrorIs(t, err, errno.ErrAlreadyExists)
	_, err = mgr.Define(Definition{System: "sched", Name: "bad", Fields: []string{"float x"}})
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
	_, err = mgr.Define(Definition{System: "sched", Name: "dup", Fields: []string{"int pid", "int pid"}})
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
	_, err = mgr.Define(Definition{System: "sched", Name: "msg", Fields: []string{"int x"}, Message: "x"})
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
	_, err = mgr.Define(Definition{System: "bad system", Name: "x"})
	assert.ErrorIs(t, err, errno.ErrInvalidInput)

	bare, err := mgr.Lookup("sched_switch")
	require.NoError(t, err)
	assert.Same(t, tp, bare)
	_, err = mgr.Lookup("sched:nope")
	assert.ErrorIs(t, err, errno.ErrNotFound)
	_, err = mgr.ByID(10_000)
	assert.ErrorIs(t, err, errno.ErrNotFound)

	_, err = mgr.Define(Definition{System: "other", Name: "sched_switch"})
	require.NoError(t, err)
	_, err = mgr.Lookup("sched_switch")
	assert.ErrorIs(t, err, errno.ErrInvalidInput)

	assert.Equal(t, []string{"bpf_trace", "kprobes", "other", "sched", "syscalls"}, mgr.Systems())
	events, err := mgr.Events("sched")
	require.NoError(t, err)
	assert.Equal(t, []string{"sched_process_exit", "sched_switch"}, events)

	avail, err := mgr.AvailableEvents("^sched:")
	require.NoError(t, err)
	assert.Equal(t, []string{"sched:sched_process_exit", "sched:sched_switch"}, avail)
	_, err = mgr.AvailableEvents("(")
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
}

func TestCmdlineCache(t *testing.T) {
	c, err := NewCmdlineCache(3)
	require.NoError(t, err)
	for pid := int32(1); pid <= 4; pid++ {
		c.Add(pid, "p"+string(rune('0'+pid)))
	}
	_, ok := c.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, []CmdlineEntry{{2, "p2"}, {3, "p3"}, {4, "p4"}}, c.Snapshot())

	require.NoError(t, c.Resize(1))
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, []CmdlineEntry{{4, "p4"}}, c.Snapshot())
	assert.ErrorIs(t, c.Resize(0), errno.ErrInvalidInput)

	_, err = NewCmdlineCache(0)
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
}

func TestCmdlineCacheConcurrentAdd(t *testing.T) {
	c, err := NewCmdlineCache(8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := int32(0); w < 4; w++ {
		wg.Add(1)
		go func(base int32) {
			defer wg.Done()
			for i := int32(0); i < 100; i++ {
				c.Add(base*1000+i, "worker")
				c.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	assert.False(t, c.lock.Locked())
	assert.Len(t, c.Snapshot(), 8)
}

func TestTracepointAttachKeepsFiring(t *testing.T) {
	mgr, _ := newTestManager(t, Options{})
	tp := mustLookup(t, mgr, EventSchedProcessExit)

	tp.Attach()
	assert.True(t, tp.Active())
	assert.False(t, tp.Enabled())
	tp.Fire("demo", int32(42), 120)
	assert.Equal(t, 1, mgr.Pipe().Len())

	// enabling twice counts once
	tp.Enable()
	tp.Enable()
	tp.Detach()
	assert.True(t, tp.Active())
	tp.Disable()
	assert.False(t, tp.Active())
	tp.Detach()
	assert.False(t, tp.Active())
	tp.Fire("demo", int32(42), 120)
	assert.Equal(t, 1, mgr.Pipe().Len())
}
