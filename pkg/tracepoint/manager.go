// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/cilium/ktrace/pkg/defaults"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/logger"
)

const subsys = "tracepoint"

// Host provides the task and clock information stamped on records.
type Host interface {
	// Now returns nanoseconds since boot.
	Now() uint64
	CPU() int
	NumCPUs() int
	// Current returns the pid and command name of the running task.
	Current() (pid int32, comm string)
}

// Definition declares a tracepoint. Fields are C declarations such as
// "char comm[16]" or "unsigned long addr".
type Definition struct {
	System string
	Name   string
	Fields []string
	// Message names a character array printed alone in trace output.
	Message string
}

const (
	EventSysEnterBpf           = "syscalls:sys_enter_bpf"
	EventSysEnterPerfEventOpen = "syscalls:sys_enter_perf_event_open"
	EventSchedProcessExit      = "sched:sched_process_exit"
	EventBpfTracePrintk        = "bpf_trace:bpf_trace_printk"
	EventProbeHit              = "kprobes:probe_hit"
)

// TracePrintkLen is the size of the bpf_trace_printk message field.
const TracePrintkLen = 128

// DefaultEvents are defined by every Manager.
var DefaultEvents = []Definition{
	{
		System: "syscalls",
		Name:   "sys_enter_bpf",
		Fields: []string{"int __syscall_nr", "int cmd", "unsigned long uattr", "unsigned int size"},
	},
	{
		System: "syscalls",
		Name:   "sys_enter_perf_event_open",
		Fields: []string{"int __syscall_nr", "unsigned long attr_uptr", "pid_t pid", "int cpu", "int group_fd", "unsigned long flags"},
	},
	{
		System: "sched",
		Name:   "sched_process_exit",
		Fields: []string{"char comm[16]", "pid_t pid", "int prio"},
	},
	{
		System:  "bpf_trace",
		Name:    "bpf_trace_printk",
		Fields:  []string{fmt.Sprintf("char buf[%d]", TracePrintkLen)},
		Message: "buf",
	},
	{
		System: "kprobes",
		Name:   "probe_hit",
		Fields: []string{"unsigned long addr", "unsigned int kind", "char symbol[64]"},
	},
}

type Options struct {
	PipeSize    int
	CmdlineSize int
}

const (
	DefaultPipeSize    = defaults.DefaultTraceBufferRecords
	DefaultCmdlineSize = defaults.DefaultCmdlineCacheSize
)

// Manager owns every tracepoint together with the shared trace buffer and
// the pid to command name cache.
type Manager struct {
	host Host
	log  logrus.FieldLogger

	lock    lock.Mutex
	nextID  int
	systems map[string]map[string]*TracePoint
	// read from trap context when rendering records
	idLock lock.SpinNoPreempt
	byID   map[uint64]*TracePoint

	pipe     *Pipe
	cmdlines *CmdlineCache
	parser   *Parser
}

// NewManager creates a manager holding the default events.
func NewManager(host Host, opts Options) (*Manager, error) {
	if opts.PipeSize == 0 {
		opts.PipeSize = DefaultPipeSize
	}
	if opts.CmdlineSize == 0 {
		opts.CmdlineSize = DefaultCmdlineSize
	}
	cmdlines, err := NewCmdlineCache(opts.CmdlineSize)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		host:     host,
		log:      logger.WithSubsys(subsys),
		nextID:   1,
		systems:  make(map[string]map[string]*TracePoint),
		byID:     make(map[uint64]*TracePoint),
		pipe:     NewPipe(opts.PipeSize),
		cmdlines: cmdlines,
	}
	m.parser = NewParser(m)
	for _, def := range DefaultEvents {
		if _, err := m.Define(def); err != nil {
			return nil, fmt.Errorf("defining %s:%s: %w", def.System, def.Name, err)
		}
	}
	return m, nil
}

// Define registers a new tracepoint. It starts disabled.
func (m *Manager) Define(def Definition) (*TracePoint, error) {
	if !validIdent(def.System) || !validIdent(def.Name) {
		return nil, fmt.Errorf("bad tracepoint name %q: %w", def.System+":"+def.Name, errno.ErrInvalidInput)
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	events := m.systems[def.System]
	if _, ok := events[def.Name]; ok {
		return nil, fmt.Errorf("%s:%s: %w", def.System, def.Name, errno.ErrAlreadyExists)
	}
	tp, err := newTracePoint(m, def, m.nextID)
	if err != nil {
		return nil, fmt.Errorf("%s:%s: %w: %w", def.System, def.Name, errno.ErrInvalidInput, err)
	}
	m.nextID++
	if events == nil {
		events = make(map[string]*TracePoint)
		m.systems[def.System] = events
	}
	events[def.Name] = tp

	m.idLock.Lock()
	m.byID[tp.ID()] = tp
	m.idLock.Unlock()
	m.log.WithField("id", tp.ID()).Debugf("Defined tracepoint %s", tp.FullName())
	return tp, nil
}

// Lookup finds a tracepoint by its "subsystem:event" name. A bare event
// name matches when it is unique across subsystems.
func (m *Manager) Lookup(name string) (*TracePoint, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if system, event, ok := strings.Cut(name, ":"); ok {
		if tp, ok := m.systems[system][event]; ok {
			return tp, nil
		}
		return nil, fmt.Errorf("tracepoint %s: %w", name, errno.ErrNotFound)
	}

	var found *TracePoint
	for _, events := range m.systems {
		if tp, ok := events[name]; ok {
			if found != nil {
				return nil, fmt.Errorf("tracepoint %s is ambiguous: %w", name, errno.ErrInvalidInput)
			}
			found = tp
		}
	}
	if found == nil {
		return nil, fmt.Errorf("tracepoint %s: %w", name, errno.ErrNotFound)
	}
	return found, nil
}

// ByID finds a tracepoint by the id shown in its format file.
func (m *Manager) ByID(id uint64) (*TracePoint, error) {
	m.idLock.Lock()
	defer m.idLock.Unlock()
	if tp, ok := m.byID[id]; ok {
		return tp, nil
	}
	return nil, fmt.Errorf("tracepoint id %d: %w", id, errno.ErrNotFound)
}

// Systems returns the sorted subsystem names.
func (m *Manager) Systems() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	ret := make([]string, 0, len(m.systems))
	for system := range m.systems {
		ret = append(ret, system)
	}
	slices.Sort(ret)
	return ret
}

// Events returns the sorted event names of a subsystem.
func (m *Manager) Events(system string) ([]string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	events, ok := m.systems[system]
	if !ok {
		return nil, fmt.Errorf("subsystem %s: %w", system, errno.ErrNotFound)
	}
	ret := make([]string, 0, len(events))
	for event := range events {
		ret = append(ret, event)
	}
	slices.Sort(ret)
	return ret, nil
}

// AvailableEvents lists "subsystem:event" names, sorted, optionally
// restricted to those matching the regular expression pattern.
func (m *Manager) AvailableEvents(pattern string) ([]string, error) {
	var r *regexp.Regexp
	if pattern != "" {
		var err error
		r, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, errno.ErrInvalidInput)
		}
	}

	m.lock.Lock()
	list := []string{}
	for system, events := range m.systems {
		for event := range events {
			list = append(list, system+":"+event)
		}
	}
	m.lock.Unlock()

	slices.Sort(list)
	list = slices.Compact(list)

	final := []string{}
	for _, line := range list {
		if r != nil && !r.MatchString(line) {
			continue
		}
		final = append(final, line)
	}
	return final, nil
}

func (m *Manager) Pipe() *Pipe             { return m.pipe }
func (m *Manager) Cmdlines() *CmdlineCache { return m.cmdlines }
func (m *Manager) Parser() *Parser         { return m.parser }
func (m *Manager) Log() logrus.FieldLogger { return m.log }
func (m *Manager) Host() Host              { return m.host }
