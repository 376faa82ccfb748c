// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package perf

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/mm"
)

var (
	offDataHead   = uint64(unsafe.Offsetof(unix.PerfEventMmapPage{}.Data_head))
	offDataTail   = uint64(unsafe.Offsetof(unix.PerfEventMmapPage{}.Data_tail))
	offDataOffset = uint64(unsafe.Offsetof(unix.PerfEventMmapPage{}.Data_offset))
	offDataSize   = uint64(unsafe.Offsetof(unix.PerfEventMmapPage{}.Data_size))
)

// perfEventHeader matches struct perf_event_header in <linux/perf_event.h>.
type perfEventHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

var headerSize = binary.Size(perfEventHeader{})

// maxRecordSize is bounded by the 16 bit header size field.
const maxRecordSize = 1<<16 - 8

// sampleRecord encodes data as a PERF_RECORD_SAMPLE carrying
// PERF_SAMPLE_RAW: the header, the u32 raw size and the data, padded so the
// record stays 8 byte aligned.
func sampleRecord(data []byte) ([]byte, error) {
	raw := (len(data)+4+7)&^7 - 4
	size := headerSize + 4 + raw
	if size > maxRecordSize {
		return nil, fmt.Errorf("sample of %d bytes: %w", len(data), errno.ErrTooBig)
	}
	rec := make([]byte, size)
	binary.LittleEndian.PutUint32(rec[0:], unix.PERF_RECORD_SAMPLE)
	binary.LittleEndian.PutUint16(rec[4:], 0)
	binary.LittleEndian.PutUint16(rec[6:], uint16(size))
	binary.LittleEndian.PutUint32(rec[8:], uint32(raw))
	copy(rec[12:], data)
	return rec, nil
}

// ring is the kernel side of a perf ring buffer: a metadata page followed
// by a power of two number of data pages. The producer owns data_head, the
// consumer data_tail.
type ring struct {
	phys   *mm.Phys
	frames []uint64
	size   uint64
	head   uint64
}

func newRing(phys *mm.Phys, dataPages int) (*ring, error) {
	r := &ring{phys: phys, size: uint64(dataPages) * mm.PageSize}
	for i := 0; i <= dataPages; i++ {
		pa, err := phys.Alloc()
		if err != nil {
			r.free()
			return nil, err
		}
		r.frames = append(r.frames, pa)
	}
	if err := r.putMeta(offDataOffset, mm.PageSize); err != nil {
		r.free()
		return nil, err
	}
	if err := r.putMeta(offDataSize, r.size); err != nil {
		r.free()
		return nil, err
	}
	return r, nil
}

func (r *ring) free() {
	for _, pa := range r.frames {
		r.phys.Unref(pa)
	}
	r.frames = nil
}

func (r *ring) getMeta(off uint64) (uint64, error) {
	var b [8]byte
	if err := r.phys.ReadPhys(r.frames[0]+off, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *ring) putMeta(off, val uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], val)
	return r.phys.WritePhys(r.frames[0]+off, b[:])
}

// access copies between buf and the data area at ring position pos,
// wrapping around its end.
func (r *ring) access(pos uint64, buf []byte, write bool) error {
	for len(buf) > 0 {
		off := pos % r.size
		page := off / mm.PageSize
		n := min(uint64(len(buf)), mm.PageSize-off%mm.PageSize)
		pa := r.frames[1+page] + off%mm.PageSize
		var err error
		if write {
			err = r.phys.WritePhys(pa, buf[:n])
		} else {
			err = r.phys.ReadPhys(pa, buf[:n])
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
		pos += n
	}
	return nil
}

// write appends rec, consuming the oldest records when it does not fit. It
// returns the number of records consumed.
func (r *ring) write(rec []byte) (int, error) {
	n := uint64(len(rec))
	if n > r.size {
		return 0, fmt.Errorf("record of %d bytes in a %d byte ring: %w", n, r.size, errno.ErrTooBig)
	}
	tail, err := r.getMeta(offDataTail)
	if err != nil {
		return 0, err
	}
	// a consumer moving the tail past the head is reset
	if tail > r.head || r.head-tail > r.size {
		tail = r.head
	}
	lost := 0
	for r.head+n-tail > r.size {
		var hdr [8]byte
		if err := r.access(tail, hdr[:], false); err != nil {
			return lost, err
		}
		sz := uint64(binary.LittleEndian.Uint16(hdr[6:]))
		if sz == 0 {
			tail = r.head
			break
		}
		tail += sz
		lost++
	}
	if lost > 0 {
		if err := r.putMeta(offDataTail, tail); err != nil {
			return lost, err
		}
	}
	if err := r.access(r.head, rec, true); err != nil {
		return lost, err
	}
	r.head += n
	return lost, r.putMeta(offDataHead, r.head)
}

func (r *ring) empty() bool {
	tail, err := r.getMeta(offDataTail)
	if err != nil {
		return true
	}
	return tail >= r.head
}
