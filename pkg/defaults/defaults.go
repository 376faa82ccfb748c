// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package defaults

const (
	// DefaultConfDir is where the ktrace.yaml configuration is looked up
	DefaultConfDir = "/etc/ktrace/"

	// DefaultConfDropIn is the drop-in directory with one file per option
	DefaultConfDropIn = "/etc/ktrace/ktrace.conf.d/"

	// DefaultTraceBufferRecords is the capacity of the trace ring buffer
	DefaultTraceBufferRecords = 4096

	// DefaultCmdlineCacheSize is the number of pid to name entries kept for
	// tracing/saved_cmdlines
	DefaultCmdlineCacheSize = 128

	// DefaultNumCPUs is the number of simulated CPUs; per-CPU maps allocate
	// one slot per CPU
	DefaultNumCPUs = 1

	// DefaultPerfMaxPages bounds the data pages of a BPF output ring
	DefaultPerfMaxPages = 64

	// DefaultVMInstructionLimit bounds a single BPF program run
	DefaultVMInstructionLimit = 1 << 20

	// DefaultVMStackSize is the BPF stack size in bytes
	DefaultVMStackSize = 512

	// DefaultFaultLogRate is the number of BPF fault messages logged per second
	DefaultFaultLogRate = 10

	// DefaultPhysMemPages is the number of simulated physical frames
	DefaultPhysMemPages = 4096

	// DefaultExportFileMaxSizeMB is the size at which the export file rotates
	DefaultExportFileMaxSizeMB = 10

	// DefaultExportFileMaxBackups is the number of rotated files kept
	DefaultExportFileMaxBackups = 5

	// PageSize is the size of a page frame
	PageSize = 4096
)
