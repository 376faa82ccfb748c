// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package logfields

const (
	// LogSubsys is the field denoting the subsystem when logging
	LogSubsys = "subsys"

	// Error is the Go error
	Error = "error"

	// Addr is an instruction or memory address
	Addr = "addr"

	// Probe is the symbolic name of a probe
	Probe = "probe"

	// Symbol is an address rendered as symbol+offset
	Symbol = "symbol"

	// Map is the name of a BPF map
	Map = "map"

	// Prog is the name of a BPF program
	Prog = "prog"

	// Event is a tracepoint in "subsystem:event" form
	Event = "event"

	// FD is a file descriptor number
	FD = "fd"

	// PID is a task id
	PID = "pid"
)
