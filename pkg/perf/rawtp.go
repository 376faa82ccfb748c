// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package perf

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/bpf/prog"
	"github.com/cilium/ktrace/pkg/bpf/vm"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/logger"
	"github.com/cilium/ktrace/pkg/logger/logfields"
	"github.com/cilium/ktrace/pkg/tracepoint"
)

// RawTracepointLink runs a program on every firing of a tracepoint, with
// the raw record as context. Closing the link file detaches it.
type RawTracepointLink struct {
	tp       *tracepoint.TracePoint
	id       uint64
	progFile *file.File
	log      logrus.FieldLogger
}

// OpenRawTracepoint attaches the program in progFile to the tracepoint
// named "subsystem:event" or by its bare event name. The link takes a
// reference on progFile.
func OpenRawTracepoint(cfg *Config, name string, progFile *file.File) (*file.File, error) {
	if cfg.Tracepoints == nil {
		return nil, fmt.Errorf("raw tracepoints: %w", errno.ErrNotSupported)
	}
	p, err := prog.FromFile(progFile)
	if err != nil {
		return nil, err
	}
	if t := p.Meta().Type; t != bpf.BPF_PROG_TYPE_RAW_TRACEPOINT && t != bpf.BPF_PROG_TYPE_TRACEPOINT {
		return nil, fmt.Errorf("program %q of type %d on a raw tracepoint: %w", p.Name(), t, errno.ErrInvalidInput)
	}
	tp, err := cfg.Tracepoints.Lookup(name)
	if err != nil {
		return nil, err
	}

	l := &RawTracepointLink{
		tp:  tp,
		id:  nextCallbackID.Inc(),
		log: logger.WithSubsys("perf").WithFields(logrus.Fields{logfields.Event: tp.FullName(), logfields.Prog: p.Name()}),
	}
	runner := vm.NewRunner(vm.New(p, cfg.Helpers, cfg.VM), "raw_tracepoint")
	if err := tp.RegisterRawCallback(l.id, func(_ *tracepoint.TracePoint, rec []byte) error {
		runner.Run(rec)
		return nil
	}); err != nil {
		return nil, err
	}
	l.progFile = progFile.Get()
	tp.Attach()
	l.log.Info("Attached raw tracepoint")
	return file.New(file.KindRawTracepoint, l), nil
}

// RawTracepointFromFile returns the link behind f.
func RawTracepointFromFile(f *file.File) (*RawTracepointLink, error) {
	if f.Kind() != file.KindRawTracepoint {
		return nil, fmt.Errorf("%s is not a raw tracepoint link: %w", f.Path(), errno.ErrInvalidInput)
	}
	return f.Ops().(*RawTracepointLink), nil
}

func (l *RawTracepointLink) TracePoint() *tracepoint.TracePoint {
	return l.tp
}

func (l *RawTracepointLink) Path() string {
	return file.AnonInodePath(file.KindRawTracepoint)
}

func (l *RawTracepointLink) Release() error {
	l.tp.Detach()
	err := l.tp.UnregisterRawCallback(l.id)
	l.log.Info("Detached raw tracepoint")
	return multierr.Append(err, l.progFile.Put())
}
