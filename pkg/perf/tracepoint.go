// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package perf

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/tracepoint"
)

// nextCallbackID numbers the tracepoint callbacks registered by events and
// links.
var nextCallbackID atomic.Uint64

// tpBacking feeds an event from a tracepoint. A counting callback is
// registered at open, the attached program gets its own.
type tpBacking struct {
	ev  *Event
	tp  *tracepoint.TracePoint
	ids mapset.Set[uint64]
	on  atomic.Bool
}

func openTracepoint(e *Event) (backing, error) {
	if e.cfg.Tracepoints == nil {
		return nil, fmt.Errorf("tracepoint events: %w", errno.ErrNotSupported)
	}
	tp, err := e.cfg.Tracepoints.ByID(e.attr.Config)
	if err != nil {
		return nil, err
	}
	e.log = e.newLog(tp.FullName())

	b := &tpBacking{ev: e, tp: tp, ids: mapset.NewSet[uint64]()}
	if err := b.register(func(_ *tracepoint.TracePoint, _ []byte) error {
		if b.on.Load() {
			e.count.Inc()
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *tpBacking) register(cb tracepoint.Callback) error {
	id := nextCallbackID.Inc()
	if err := b.tp.RegisterRawCallback(id, cb); err != nil {
		return err
	}
	b.ids.Add(id)
	return nil
}

func (b *tpBacking) enable() {
	if b.on.CompareAndSwap(false, true) {
		b.tp.Attach()
	}
}

func (b *tpBacking) disable() {
	if b.on.CompareAndSwap(true, false) {
		b.tp.Detach()
	}
}

func (b *tpBacking) attach(a *attached) error {
	return b.register(func(_ *tracepoint.TracePoint, rec []byte) error {
		if b.on.Load() {
			a.runner.Run(rec)
		}
		return nil
	})
}

func (b *tpBacking) release() error {
	var err error
	for _, id := range b.ids.ToSlice() {
		err = multierr.Append(err, b.tp.UnregisterRawCallback(id))
		b.ids.Remove(id)
	}
	return err
}
