// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package option

import (
	"github.com/cilium/ktrace/pkg/defaults"
	"github.com/cilium/ktrace/pkg/logger"
)

// Config contains all the configuration used by ktrace.
var Config = config{
	// Initialize global defaults below.

	Arch:               "",
	NumCPUs:            defaults.DefaultNumCPUs,
	TraceBufferRecords: defaults.DefaultTraceBufferRecords,
	CmdlineCacheSize:   defaults.DefaultCmdlineCacheSize,
	PerfMaxPages:       defaults.DefaultPerfMaxPages,
	VMInstructionLimit: defaults.DefaultVMInstructionLimit,
	VMStackSize:        defaults.DefaultVMStackSize,
	FaultLogRate:       defaults.DefaultFaultLogRate,
	PhysMemPages:       defaults.DefaultPhysMemPages,

	ExportFileMaxSizeMB:  defaults.DefaultExportFileMaxSizeMB,
	ExportFileMaxBackups: defaults.DefaultExportFileMaxBackups,

	LogOpts: logger.DefaultOptions(),
}

type config struct {
	Debug bool

	// Arch selects the simulated instruction set. Empty means the host's.
	Arch    string
	NumCPUs int

	TraceBufferRecords int
	CmdlineCacheSize   int
	PerfMaxPages       int
	VMInstructionLimit int
	VMStackSize        int
	FaultLogRate       int
	PhysMemPages       int

	MetricsServer string

	ExportFilename       string
	ExportFileMaxSizeMB  int
	ExportFileMaxBackups int
	ExportFileCompress   bool

	LogOpts logger.Options
}
