// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/lock"
)

// TracingRoot is where the tracing file system is mounted.
const TracingRoot = "/sys/kernel/tracing"

// FunctionLister lists the functions that can be probed.
type FunctionLister interface {
	Functions() []string
}

// FS is the tracing file system.
type FS struct {
	mgr   *Manager
	funcs FunctionLister
}

// NewFS returns the file system of mgr. funcs may be nil, leaving
// available_filter_functions empty.
func NewFS(mgr *Manager, funcs FunctionLister) *FS {
	return &FS{mgr: mgr, funcs: funcs}
}

// Open opens a file below TracingRoot. name may be absolute or relative to
// the root.
func (fs *FS) Open(name string) (*file.File, error) {
	rel := strings.TrimPrefix(path.Clean("/"+name), "/")
	rel = strings.TrimPrefix(strings.TrimPrefix(rel, strings.TrimPrefix(TracingRoot, "/")), "/")
	full := path.Join(TracingRoot, rel)

	switch rel {
	case "trace_pipe":
		return file.New(file.KindTrace, &tracePipeFile{path: full, mgr: fs.mgr}), nil
	case "trace":
		snap := fs.mgr.pipe.Snapshot()
		return file.New(file.KindTrace, &traceFile{
			path:    full,
			mgr:     fs.mgr,
			snap:    snap,
			pending: []byte(fs.mgr.parser.Header(snap)),
		}), nil
	case "saved_cmdlines":
		var sb strings.Builder
		for _, e := range fs.mgr.cmdlines.Snapshot() {
			fmt.Fprintf(&sb, "%d %s\n", e.PID, e.Comm)
		}
		return newTextFile(full, sb.String(), nil), nil
	case "saved_cmdlines_size":
		return newTextFile(full, fmt.Sprintf("%d\n", fs.mgr.cmdlines.Size()), func(data []byte) error {
			n, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return fmt.Errorf("saved_cmdlines_size %q: %w", data, errno.ErrInvalidInput)
			}
			return fs.mgr.cmdlines.Resize(n)
		}), nil
	case "available_filter_functions":
		var sb strings.Builder
		if fs.funcs != nil {
			for _, fn := range fs.funcs.Functions() {
				sb.WriteString(fn)
				sb.WriteByte('\n')
			}
		}
		return newTextFile(full, sb.String(), nil), nil
	case "available_events":
		events, err := fs.mgr.AvailableEvents("")
		if err != nil {
			return nil, err
		}
		return newTextFile(full, strings.Join(events, "\n")+"\n", nil), nil
	}

	parts := strings.Split(rel, "/")
	if len(parts) != 4 || parts[0] != "events" {
		if len(parts) <= 3 && (parts[0] == "events" || rel == "") {
			return nil, fmt.Errorf("%s is a directory: %w", full, errno.ErrInvalidInput)
		}
		return nil, fmt.Errorf("%s: %w", full, errno.ErrNotFound)
	}
	tp, err := fs.mgr.Lookup(parts[1] + ":" + parts[2])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", full, errno.ErrNotFound)
	}

	switch parts[3] {
	case "enable":
		state := "0\n"
		if tp.Enabled() {
			state = "1\n"
		}
		return newTextFile(full, state, func(data []byte) error {
			switch data[0] {
			case '1':
				tp.Enable()
			case '0':
				tp.Disable()
			default:
				return fmt.Errorf("enable value %q: %w", data[0], errno.ErrInvalidInput)
			}
			return nil
		}), nil
	case "format":
		return newTextFile(full, tp.Format().String(), nil), nil
	case "id":
		return newTextFile(full, fmt.Sprintf("%d\n", tp.ID()), nil), nil
	case "filter":
		content := "none\n"
		if flt := tp.Filter(); flt != nil {
			content = flt.String() + "\n"
		}
		return newTextFile(full, content, func(data []byte) error {
			return tp.SetFilter(strings.TrimSpace(string(data)))
		}), nil
	}
	return nil, fmt.Errorf("%s: %w", full, errno.ErrNotFound)
}

// ReadFile returns the whole content of a non-blocking tracing file.
func (fs *FS) ReadFile(ctx context.Context, name string) (string, error) {
	f, err := fs.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Put()
	if _, ok := f.Ops().(*tracePipeFile); ok {
		return "", fmt.Errorf("%s blocks: %w", f.Path(), errno.ErrInvalidInput)
	}

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(ctx, buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return sb.String(), nil
		}
		sb.Write(buf[:n])
	}
}

// WriteFile writes data to a tracing file.
func (fs *FS) WriteFile(name string, data []byte) error {
	f, err := fs.Open(name)
	if err != nil {
		return err
	}
	defer f.Put()
	_, err = f.Write(data)
	return err
}

// textFile serves content generated at open time.
type textFile struct {
	path    string
	lock    lock.Mutex
	content []byte
	off     int
	write   func(data []byte) error
}

func newTextFile(path, content string, write func(data []byte) error) *file.File {
	return file.New(file.KindTrace, &textFile{path: path, content: []byte(content), write: write})
}

func (f *textFile) Path() string   { return f.path }
func (f *textFile) Release() error { return nil }

func (f *textFile) Read(_ context.Context, buf []byte) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := copy(buf, f.content[f.off:])
	f.off += n
	return n, nil
}

func (f *textFile) Write(data []byte) (int, error) {
	if f.write == nil {
		return 0, fmt.Errorf("write to %s: %w", f.path, errno.ErrPermission)
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("empty write to %s: %w", f.path, errno.ErrInvalidInput)
	}
	if err := f.write(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// traceFile reads a snapshot of the buffer taken at open time.
type traceFile struct {
	path    string
	mgr     *Manager
	lock    lock.Mutex
	snap    *Snapshot
	pending []byte
}

func (f *traceFile) Path() string   { return f.path }
func (f *traceFile) Release() error { return nil }

func (f *traceFile) Read(_ context.Context, buf []byte) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := 0
	for n < len(buf) {
		if len(f.pending) == 0 {
			e, ok := f.snap.Pop()
			if !ok {
				break
			}
			f.pending = []byte(f.mgr.parser.Line(e))
		}
		c := copy(buf[n:], f.pending)
		f.pending = f.pending[c:]
		n += c
	}
	return n, nil
}

// Write clears the buffer when given exactly one byte, as in "echo > trace".
func (f *traceFile) Write(data []byte) (int, error) {
	if len(data) == 1 {
		f.mgr.pipe.Clear()
	}
	return len(data), nil
}

// tracePipeFile consumes records from the buffer, blocking while it is
// empty.
type tracePipeFile struct {
	path    string
	mgr     *Manager
	lock    lock.Mutex
	pending []byte
}

func (f *tracePipeFile) Path() string   { return f.path }
func (f *tracePipeFile) Release() error { return nil }

func (f *tracePipeFile) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	for {
		if len(f.pending) == 0 {
			if err := f.mgr.pipe.Wait(ctx); err != nil {
				return 0, err
			}
		}
		n := 0
		for n < len(buf) {
			if len(f.pending) == 0 {
				e, ok := f.mgr.pipe.Pop()
				if !ok {
					break
				}
				f.pending = []byte(f.mgr.parser.Line(e))
			}
			c := copy(buf[n:], f.pending)
			f.pending = f.pending[c:]
			n += c
		}
		// another reader may have drained the pipe first
		if n > 0 {
			return n, nil
		}
	}
}

func (f *tracePipeFile) Write([]byte) (int, error) {
	return 0, fmt.Errorf("write to %s: %w", f.path, errno.ErrPermission)
}

func (f *tracePipeFile) Poll() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.pending) > 0 || f.mgr.pipe.Len() > 0
}

func (f *tracePipeFile) Wait(ctx context.Context) error {
	return f.mgr.pipe.Wait(ctx)
}
