// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package perf

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/metrics/perfmetrics"
	"github.com/cilium/ktrace/pkg/mm"
)

// output backs a PERF_COUNT_SW_BPF_OUTPUT event: programs write samples
// through bpf_perf_event_output into a ring user space maps.
type output struct {
	ev     *Event
	lock   lock.SpinNoPreempt
	ring   *ring
	on     bool
	closed bool
}

func openOutput(e *Event) (backing, error) {
	if e.attr.Config != unix.PERF_COUNT_SW_BPF_OUTPUT {
		return nil, fmt.Errorf("software event %d: %w", e.attr.Config, errno.ErrNotSupported)
	}
	if e.attr.Sample_type != unix.PERF_SAMPLE_RAW {
		return nil, fmt.Errorf("bpf output sample type 0x%x: %w", e.attr.Sample_type, errno.ErrInvalidInput)
	}
	if e.cfg.Phys == nil {
		return nil, fmt.Errorf("bpf output without memory: %w", errno.ErrNotSupported)
	}
	e.log = e.newLog("bpf_output")
	return &output{ev: e}, nil
}

func (o *output) enable() {
	o.lock.Lock()
	o.on = true
	o.lock.Unlock()
}

func (o *output) disable() {
	o.lock.Lock()
	o.on = false
	o.lock.Unlock()
}

func (o *output) attach(_ *attached) error {
	return fmt.Errorf("attach to bpf output event: %w", errno.ErrInvalidInput)
}

func (o *output) release() error {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.closed = true
	if o.ring != nil {
		o.ring.free()
		o.ring = nil
	}
	return nil
}

func (o *output) readable() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.ring != nil && !o.ring.empty()
}

// Mmap maps the ring of a BPF output event into space: one metadata page
// followed by a power of two number of data pages. The ring is allocated by
// the first mapping and shared by later ones of the same length.
func (e *Event) Mmap(space *mm.Space, length uint64) (uint64, error) {
	o, ok := e.back.(*output)
	if !ok {
		return 0, fmt.Errorf("mmap of %s event: %w", e.kind, errno.ErrInvalidInput)
	}
	if length%mm.PageSize != 0 || length < 2*mm.PageSize {
		return 0, fmt.Errorf("ring of %d bytes: %w", length, errno.ErrInvalidInput)
	}
	pages := int(length/mm.PageSize) - 1
	if pages&(pages-1) != 0 {
		return 0, fmt.Errorf("%d data pages is not a power of two: %w", pages, errno.ErrInvalidInput)
	}
	if pages > e.cfg.maxPages() {
		return 0, fmt.Errorf("%d data pages over the limit of %d: %w", pages, e.cfg.maxPages(), errno.ErrTooBig)
	}

	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return 0, fmt.Errorf("mmap of closed event: %w", errno.ErrBadFD)
	}
	r := o.ring
	if r == nil {
		var err error
		if r, err = newRing(e.cfg.Phys, pages); err != nil {
			return 0, err
		}
	} else if r.size != uint64(pages)*mm.PageSize {
		return 0, fmt.Errorf("ring already mapped with %d data pages: %w", r.size/mm.PageSize, errno.ErrInvalidInput)
	}

	addr, err := space.FindFreeArea(length)
	if err == nil {
		err = space.MapFrames(addr, r.frames, mm.PermRead|mm.PermWrite, true, "[perf_event]")
	}
	if err != nil {
		if o.ring == nil {
			r.free()
		}
		return 0, err
	}
	o.ring = r
	e.log.WithField("pages", pages).Debugf("Mapped ring at 0x%x", addr)
	return addr, nil
}

// WriteEvent appends a raw sample. Samples written while the event is
// disabled or has no ring are dropped without error; a full ring loses its
// oldest samples.
func (e *Event) WriteEvent(data []byte) error {
	o, ok := e.back.(*output)
	if !ok {
		return fmt.Errorf("output to %s event: %w", e.kind, errno.ErrInvalidInput)
	}
	rec, err := sampleRecord(data)
	if err != nil {
		perfmetrics.LostInc("too_big")
		return err
	}

	o.lock.Lock()
	switch {
	case !o.on:
		o.lock.Unlock()
		perfmetrics.LostInc("disabled")
		return nil
	case o.ring == nil:
		o.lock.Unlock()
		perfmetrics.LostInc("unmapped")
		return nil
	}
	lost, err := o.ring.write(rec)
	o.lock.Unlock()

	if lost > 0 {
		e.lost.Add(uint64(lost))
		perfmetrics.SamplesLost.WithLabelValues("overflow").Add(float64(lost))
	}
	if err != nil {
		perfmetrics.LostInc("too_big")
		return err
	}
	e.count.Inc()
	perfmetrics.SamplesWritten.Inc()
	e.waiters.Wake()
	return nil
}
