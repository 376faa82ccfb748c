// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/logger/logfields"
	"github.com/cilium/ktrace/pkg/metrics/tracemetrics"
)

// Callback receives the serialized record of every firing that passes the
// event filter.
type Callback func(tp *TracePoint, rec []byte) error

type callback struct {
	id uint64
	fn Callback
}

// TracePoint is a static instrumentation site.
type TracePoint struct {
	system string
	name   string
	format *Format
	// message names the field printed on its own in trace output
	message string
	mgr     *Manager
	log     logrus.FieldLogger

	key     StaticKey
	enabled atomic.Bool

	lock   lock.SpinNoPreempt
	filter *Filter
	// replaced, never modified, so Fire can iterate without the lock
	callbacks []callback
}

func (tp *TracePoint) System() string { return tp.system }
func (tp *TracePoint) Name() string   { return tp.name }
func (tp *TracePoint) ID() uint64     { return uint64(tp.format.ID) }
func (tp *TracePoint) Format() *Format {
	return tp.format
}

// FullName returns the "subsystem:event" name.
func (tp *TracePoint) FullName() string {
	return tp.system + ":" + tp.name
}

// Enable turns on the event as its tracefs enable file does.
func (tp *TracePoint) Enable() {
	if tp.enabled.CompareAndSwap(false, true) {
		tp.key.Inc()
	}
}

func (tp *TracePoint) Disable() {
	if tp.enabled.CompareAndSwap(true, false) {
		tp.key.Dec()
	}
}

// Enabled reports the state of the tracefs enable file.
func (tp *TracePoint) Enabled() bool {
	return tp.enabled.Load()
}

// Attach keeps the tracepoint firing on behalf of a perf event or a raw
// tracepoint link, independently of the enable file.
func (tp *TracePoint) Attach() { tp.key.Inc() }
func (tp *TracePoint) Detach() { tp.key.Dec() }

// Active reports whether firing records anything.
func (tp *TracePoint) Active() bool {
	return tp.key.Enabled()
}

// SetFilter installs the filter expression. An empty expression or "0"
// removes it.
func (tp *TracePoint) SetFilter(expr string) error {
	var flt *Filter
	if expr != "" && expr != "0" {
		var err error
		flt, err = ParseFilter(tp.format, expr)
		if err != nil {
			return err
		}
	}
	tp.lock.Lock()
	tp.filter = flt
	tp.lock.Unlock()
	return nil
}

// Filter returns the installed filter, or nil.
func (tp *TracePoint) Filter() *Filter {
	tp.lock.Lock()
	defer tp.lock.Unlock()
	return tp.filter
}

// RegisterRawCallback adds cb under id. Callbacks run in registration order.
func (tp *TracePoint) RegisterRawCallback(id uint64, cb Callback) error {
	tp.lock.Lock()
	defer tp.lock.Unlock()
	for _, c := range tp.callbacks {
		if c.id == id {
			return fmt.Errorf("callback %d on %s: %w", id, tp.FullName(), errno.ErrAlreadyExists)
		}
	}
	cbs := make([]callback, len(tp.callbacks), len(tp.callbacks)+1)
	copy(cbs, tp.callbacks)
	tp.callbacks = append(cbs, callback{id: id, fn: cb})
	return nil
}

func (tp *TracePoint) UnregisterRawCallback(id uint64) error {
	tp.lock.Lock()
	defer tp.lock.Unlock()
	for i, c := range tp.callbacks {
		if c.id != id {
			continue
		}
		cbs := make([]callback, 0, len(tp.callbacks)-1)
		cbs = append(cbs, tp.callbacks[:i]...)
		tp.callbacks = append(cbs, tp.callbacks[i+1:]...)
		return nil
	}
	return fmt.Errorf("callback %d on %s: %w", id, tp.FullName(), errno.ErrNotFound)
}

// Callbacks returns the number of registered callbacks.
func (tp *TracePoint) Callbacks() int {
	tp.lock.Lock()
	defer tp.lock.Unlock()
	return len(tp.callbacks)
}

// Fire records an event. values are the event fields in declaration order;
// the common header is filled in from the current task.
func (tp *TracePoint) Fire(values ...interface{}) {
	if !tp.key.Enabled() {
		return
	}

	host := tp.mgr.host
	pid, comm := host.Current()
	all := make([]interface{}, 0, commonFieldCount+len(values))
	all = append(all, uint16(tp.format.ID), uint8(0), uint8(0), pid)
	rec, err := tp.format.encode(append(all, values...))
	if err != nil {
		tp.log.WithError(err).Warn("Dropping malformed tracepoint record")
		return
	}

	tp.lock.Lock()
	flt, cbs := tp.filter, tp.callbacks
	tp.lock.Unlock()
	if flt != nil && !flt.Match(rec) {
		return
	}

	tp.mgr.pipe.Push(Entry{Timestamp: host.Now(), CPU: host.CPU(), Data: rec})
	tp.mgr.cmdlines.Add(pid, comm)
	tracemetrics.TraceRecords.WithLabelValues(tp.FullName()).Inc()

	for _, cb := range cbs {
		tp.invoke(cb, rec)
	}
}

func (tp *TracePoint) invoke(cb callback, rec []byte) {
	defer func() {
		if r := recover(); r != nil {
			tracemetrics.CallbackErrors.WithLabelValues(tp.FullName()).Inc()
			tp.log.WithField("callback", cb.id).Errorf("Tracepoint callback panicked: %v", r)
		}
	}()
	if err := cb.fn(tp, rec); err != nil {
		tracemetrics.CallbackErrors.WithLabelValues(tp.FullName()).Inc()
		tp.log.WithField("callback", cb.id).WithError(err).Warn("Tracepoint callback failed")
	}
}

func newTracePoint(mgr *Manager, def Definition, id int) (*TracePoint, error) {
	format, err := newFormat(def.Name, id, def.Fields)
	if err != nil {
		return nil, err
	}
	tp := &TracePoint{
		system:  def.System,
		name:    def.Name,
		format:  format,
		message: def.Message,
		mgr:     mgr,
	}
	if def.Message != "" {
		ff, ok := format.Field(def.Message)
		if !ok || !ff.IsString() {
			return nil, fmt.Errorf("%s: message field %q is not a character array: %w", tp.FullName(), def.Message, errno.ErrInvalidInput)
		}
		format.PrintFmt = fmt.Sprintf(`"%%s", REC->%s`, def.Message)
	}
	tp.log = mgr.log.WithField(logfields.Event, tp.FullName())
	return tp, nil
}
