// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package file exposes maps, programs, perf events and tracefs entries as
// reference counted file-like handles.
package file

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/mm"
)

type Kind int

const (
	KindBpfMap Kind = iota + 1
	KindBpfProg
	KindPerfEvent
	KindRawTracepoint
	KindTrace
)

func (k Kind) String() string {
	switch k {
	case KindBpfMap:
		return "bpf_map"
	case KindBpfProg:
		return "bpf_prog"
	case KindPerfEvent:
		return "perf_event"
	case KindRawTracepoint:
		return "bpf_raw_tracepoint"
	case KindTrace:
		return "trace"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// AnonInodePath returns the path reported for anonymous inode files.
func AnonInodePath(k Kind) string {
	return fmt.Sprintf("anon_inode:[%s]", k)
}

// Ops is implemented by every file. The optional interfaces below add the
// operations a file supports.
type Ops interface {
	Path() string
	// Release is called once, when the last reference is dropped.
	Release() error
}

type Reader interface {
	Read(ctx context.Context, buf []byte) (int, error)
}

type Writer interface {
	Write(data []byte) (int, error)
}

type Ioctler interface {
	Ioctl(cmd uint, arg uint64) (uint64, error)
}

type Mmapper interface {
	Mmap(space *mm.Space, length uint64) (uint64, error)
}

type Poller interface {
	Poll() bool
	Wait(ctx context.Context) error
}

type File struct {
	kind Kind
	ops  Ops
	refs atomic.Int32
}

// New returns a file holding one reference.
func New(kind Kind, ops Ops) *File {
	f := &File{kind: kind, ops: ops}
	f.refs.Store(1)
	return f
}

func (f *File) Kind() Kind {
	return f.kind
}

// Ops returns the implementation behind the file. Owning packages recover
// their type after checking Kind.
func (f *File) Ops() Ops {
	return f.ops
}

func (f *File) Path() string {
	return f.ops.Path()
}

func (f *File) Refs() int32 {
	return f.refs.Load()
}

// Get takes a reference.
func (f *File) Get() *File {
	f.refs.Inc()
	return f
}

// Put drops a reference, releasing the file when it was the last one.
func (f *File) Put() error {
	switch n := f.refs.Dec(); {
	case n == 0:
		return f.ops.Release()
	case n < 0:
		panic(fmt.Sprintf("file: put on released %s", f.Path()))
	}
	return nil
}

func (f *File) Read(ctx context.Context, buf []byte) (int, error) {
	if r, ok := f.ops.(Reader); ok {
		return r.Read(ctx, buf)
	}
	return 0, fmt.Errorf("read on %s: %w", f.Path(), errno.ErrInvalidInput)
}

func (f *File) Write(data []byte) (int, error) {
	if w, ok := f.ops.(Writer); ok {
		return w.Write(data)
	}
	return 0, fmt.Errorf("write on %s: %w", f.Path(), errno.ErrInvalidInput)
}

func (f *File) Ioctl(cmd uint, arg uint64) (uint64, error) {
	if i, ok := f.ops.(Ioctler); ok {
		return i.Ioctl(cmd, arg)
	}
	return 0, fmt.Errorf("ioctl 0x%x on %s: %w", cmd, f.Path(), errno.ErrNotSupported)
}

func (f *File) Mmap(space *mm.Space, length uint64) (uint64, error) {
	if m, ok := f.ops.(Mmapper); ok {
		return m.Mmap(space, length)
	}
	return 0, fmt.Errorf("mmap on %s: %w", f.Path(), errno.ErrNotSupported)
}

// Poll reports whether a read would not block. Files without a notion of
// readiness are always ready.
func (f *File) Poll() bool {
	if p, ok := f.ops.(Poller); ok {
		return p.Poll()
	}
	return true
}

func (f *File) Wait(ctx context.Context) error {
	if p, ok := f.ops.(Poller); ok {
		return p.Wait(ctx)
	}
	return nil
}
