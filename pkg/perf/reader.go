// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package perf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/mm"
)

// Record is a record read from a perf ring.
type Record struct {
	Type uint32
	Misc uint16
	// RawSample is the PERF_SAMPLE_RAW payload of sample records, padding
	// included.
	RawSample []byte
}

// Reader consumes records from a ring mapped into a user address space,
// as a tracing tool would from its mmap of the event.
type Reader struct {
	space    *mm.Space
	base     uint64
	dataOff  uint64
	dataSize uint64
}

// NewReader returns a reader for the ring mapped at base in space.
func NewReader(space *mm.Space, base uint64) (*Reader, error) {
	r := &Reader{space: space, base: base}
	var err error
	if r.dataOff, err = r.load(offDataOffset); err != nil {
		return nil, err
	}
	if r.dataSize, err = r.load(offDataSize); err != nil {
		return nil, err
	}
	if r.dataSize == 0 || r.dataSize&(r.dataSize-1) != 0 {
		return nil, fmt.Errorf("ring at 0x%x: data size %d: %w", base, r.dataSize, errno.ErrInvalidInput)
	}
	return r, nil
}

func (r *Reader) load(off uint64) (uint64, error) {
	var b [8]byte
	if err := r.space.Read(r.base+off, b[:], mm.PermRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *Reader) store(off, val uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], val)
	return r.space.Write(r.base+off, b[:])
}

func (r *Reader) readData(pos uint64, buf []byte) error {
	off := pos % r.dataSize
	n := min(uint64(len(buf)), r.dataSize-off)
	if err := r.space.Read(r.base+r.dataOff+off, buf[:n], mm.PermRead); err != nil {
		return err
	}
	if rest := buf[n:]; len(rest) > 0 {
		return r.space.Read(r.base+r.dataOff, rest, mm.PermRead)
	}
	return nil
}

// Pending returns the number of unread bytes.
func (r *Reader) Pending() (uint64, error) {
	head, err := r.load(offDataHead)
	if err != nil {
		return 0, err
	}
	tail, err := r.load(offDataTail)
	if err != nil {
		return 0, err
	}
	if tail > head {
		return 0, nil
	}
	return head - tail, nil
}

// Read consumes the oldest record. It returns errno.ErrTryAgain when the
// ring is empty.
func (r *Reader) Read() (Record, error) {
	head, err := r.load(offDataHead)
	if err != nil {
		return Record{}, err
	}
	tail, err := r.load(offDataTail)
	if err != nil {
		return Record{}, err
	}
	if tail >= head {
		return Record{}, errno.ErrTryAgain
	}

	var hdr [8]byte
	if err := r.readData(tail, hdr[:]); err != nil {
		return Record{}, err
	}
	rec := Record{
		Type: binary.LittleEndian.Uint32(hdr[0:]),
		Misc: binary.LittleEndian.Uint16(hdr[4:]),
	}
	size := uint64(binary.LittleEndian.Uint16(hdr[6:]))
	if size < uint64(headerSize) || size > head-tail {
		return Record{}, fmt.Errorf("corrupt record of %d bytes at %d: %w", size, tail, errno.ErrInvalidInput)
	}
	body := make([]byte, size-uint64(headerSize))
	if err := r.readData(tail+uint64(headerSize), body); err != nil {
		return Record{}, err
	}
	if rec.Type == unix.PERF_RECORD_SAMPLE && len(body) >= 4 {
		raw := int(binary.LittleEndian.Uint32(body))
		if raw > len(body)-4 {
			return Record{}, fmt.Errorf("corrupt sample of %d bytes at %d: %w", raw, tail, errno.ErrInvalidInput)
		}
		rec.RawSample = body[4 : 4+raw]
	}
	return rec, r.store(offDataTail, tail+size)
}

// ReadAll consumes every pending record.
func (r *Reader) ReadAll() ([]Record, error) {
	var recs []Record
	for {
		rec, err := r.Read()
		switch {
		case errors.Is(err, errno.ErrTryAgain):
			return recs, nil
		case err != nil:
			return recs, err
		}
		recs = append(recs, rec)
	}
}
