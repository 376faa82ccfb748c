// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package ksyscall

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/perf"
)

// PerfAttrSize is the size of perf_event_attr as read from the caller.
var PerfAttrSize = binary.Size(unix.PerfEventAttr{})

const perfFlagFDCloexec = unix.PERF_FLAG_FD_CLOEXEC

// PerfEventOpen runs perf_event_open(2) for pid. A target of 0 is the
// caller itself. Event groups are not supported.
func (s *Syscalls) PerfEventOpen(pid int32, attr uint64, target, cpu, groupFD int32, flags uint32) (int, error) {
	tk, done, err := s.enter(pid)
	if err != nil {
		return 0, err
	}
	defer done()

	if s.tps.perfOpen != nil {
		s.tps.perfOpen.Fire(int32(unix.SYS_PERF_EVENT_OPEN), attr, target, cpu, groupFD, uint64(flags))
	}

	fd, err := func() (int, error) {
		if flags&^perfFlagFDCloexec != 0 {
			return 0, fmt.Errorf("perf_event_open flags 0x%x: %w", flags, errno.ErrInvalidInput)
		}
		if groupFD != -1 {
			return 0, fmt.Errorf("event group %d: %w", groupFD, errno.ErrNotSupported)
		}
		raw, err := copyIn(tk.Space, attr, PerfAttrSize)
		if err != nil {
			return 0, err
		}
		var args perf.Args
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &args.Attr); err != nil {
			return 0, fmt.Errorf("decoding perf_event_attr: %w", errno.ErrInvalidInput)
		}
		args.PID, args.CPU, args.GroupFD, args.Flags = target, cpu, groupFD, flags
		if args.PID == 0 {
			args.PID = tk.PID
		}
		f, err := perf.Open(s.perfConfig(tk), tk.Space, args)
		if err != nil {
			return 0, err
		}
		return tk.Files.Install(f), nil
	}()
	if err != nil {
		s.logFailure("perf_event_open", pid, err)
	}
	return fd, err
}

// EncodePerfAttr serializes attr as user space passes it to
// perf_event_open(2).
func EncodePerfAttr(attr *unix.PerfEventAttr) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, attr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
