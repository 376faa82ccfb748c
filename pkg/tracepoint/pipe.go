// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"context"

	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/metrics/tracemetrics"
	"github.com/cilium/ktrace/pkg/waitset"
)

// Entry is one record of the trace buffer.
type Entry struct {
	// Timestamp in nanoseconds since boot
	Timestamp uint64
	CPU       int
	Data      []byte
}

// Pipe is the bounded trace ring buffer. When full, the oldest record is
// overwritten.
type Pipe struct {
	lock    lock.SpinNoPreempt
	buf     []Entry
	head    int
	n       int
	written uint64
	waiters *waitset.WaitSet
}

func NewPipe(size int) *Pipe {
	if size < 1 {
		size = 1
	}
	return &Pipe{
		buf:     make([]Entry, size),
		waiters: waitset.New(),
	}
}

// Push appends e and wakes readers blocked on the pipe.
func (p *Pipe) Push(e Entry) {
	p.lock.Lock()
	if p.n == len(p.buf) {
		p.buf[p.head] = e
		p.head = (p.head + 1) % len(p.buf)
		tracemetrics.TraceDropped.Inc()
	} else {
		p.buf[(p.head+p.n)%len(p.buf)] = e
		p.n++
	}
	p.written++
	p.lock.Unlock()
	p.waiters.Wake()
}

func (p *Pipe) Peek() (Entry, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.n == 0 {
		return Entry{}, false
	}
	return p.buf[p.head], true
}

func (p *Pipe) Pop() (Entry, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.n == 0 {
		return Entry{}, false
	}
	e := p.buf[p.head]
	p.buf[p.head] = Entry{}
	p.head = (p.head + 1) % len(p.buf)
	p.n--
	return e, true
}

func (p *Pipe) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.n
}

func (p *Pipe) Cap() int {
	return len(p.buf)
}

// Written returns the number of records ever pushed.
func (p *Pipe) Written() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.written
}

func (p *Pipe) Clear() {
	p.lock.Lock()
	for i := range p.buf {
		p.buf[i] = Entry{}
	}
	p.head, p.n = 0, 0
	p.lock.Unlock()
}

// Wait blocks until the pipe holds a record.
func (p *Pipe) Wait(ctx context.Context) error {
	return p.waiters.Wait(ctx, func() bool { return p.Len() > 0 })
}

// Snapshot copies the buffered records, oldest first.
func (p *Pipe) Snapshot() *Snapshot {
	p.lock.Lock()
	defer p.lock.Unlock()
	s := &Snapshot{
		entries: make([]Entry, 0, p.n),
		written: p.written,
	}
	for i := 0; i < p.n; i++ {
		s.entries = append(s.entries, p.buf[(p.head+i)%len(p.buf)])
	}
	return s
}

// Snapshot is a point in time copy of the trace buffer.
type Snapshot struct {
	entries []Entry
	written uint64
}

func (s *Snapshot) Peek() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[0], true
}

func (s *Snapshot) Pop() (Entry, bool) {
	e, ok := s.Peek()
	if ok {
		s.entries = s.entries[1:]
	}
	return e, ok
}

func (s *Snapshot) Len() int {
	return len(s.entries)
}

func (s *Snapshot) Written() uint64 {
	return s.written
}
