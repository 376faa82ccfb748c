// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package option

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cilium/ktrace/pkg/defaults"
	"github.com/cilium/ktrace/pkg/logger"
)

const (
	KeyConfigDir = "config-dir"
	KeyDebug     = "debug"
	KeyLogLevel  = "log-level"
	KeyLogFormat = "log-format"
	KeyLogFile   = "log-file"

	KeyArch               = "arch"
	KeyNumCPUs            = "num-cpus"
	KeyTraceBufferRecords = "trace-buffer-records"
	KeyCmdlineCacheSize   = "saved-cmdlines-size"
	KeyPerfMaxPages       = "perf-max-pages"
	KeyVMInstructionLimit = "vm-instruction-limit"
	KeyVMStackSize        = "vm-stack-size"
	KeyFaultLogRate       = "fault-log-rate"
	KeyPhysMemPages       = "phys-mem-pages"
	KeyMetricsServer      = "metrics-server"

	KeyExportFilename       = "export-filename"
	KeyExportFileMaxSizeMB  = "export-file-max-size-mb"
	KeyExportFileMaxBackups = "export-file-max-backups"
	KeyExportFileCompress   = "export-file-compress"
)

func ReadAndSetFlags() error {
	Config.Debug = viper.GetBool(KeyDebug)
	Config.Arch = viper.GetString(KeyArch)
	Config.NumCPUs = viper.GetInt(KeyNumCPUs)
	Config.TraceBufferRecords = viper.GetInt(KeyTraceBufferRecords)
	Config.CmdlineCacheSize = viper.GetInt(KeyCmdlineCacheSize)
	Config.PerfMaxPages = viper.GetInt(KeyPerfMaxPages)
	Config.VMInstructionLimit = viper.GetInt(KeyVMInstructionLimit)
	Config.VMStackSize = viper.GetInt(KeyVMStackSize)
	Config.FaultLogRate = viper.GetInt(KeyFaultLogRate)
	Config.PhysMemPages = viper.GetInt(KeyPhysMemPages)
	Config.MetricsServer = viper.GetString(KeyMetricsServer)
	Config.ExportFilename = viper.GetString(KeyExportFilename)
	Config.ExportFileMaxSizeMB = viper.GetInt(KeyExportFileMaxSizeMB)
	Config.ExportFileMaxBackups = viper.GetInt(KeyExportFileMaxBackups)
	Config.ExportFileCompress = viper.GetBool(KeyExportFileCompress)

	if Config.NumCPUs <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyNumCPUs, Config.NumCPUs)
	}
	if Config.TraceBufferRecords <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyTraceBufferRecords, Config.TraceBufferRecords)
	}
	if Config.CmdlineCacheSize <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyCmdlineCacheSize, Config.CmdlineCacheSize)
	}
	if Config.VMStackSize <= 0 || Config.VMStackSize%8 != 0 {
		return fmt.Errorf("%s must be a positive multiple of 8, got %d", KeyVMStackSize, Config.VMStackSize)
	}

	logOpts, err := logger.ParseOptions(viper.GetString(KeyLogLevel), viper.GetString(KeyLogFormat))
	if err != nil {
		return err
	}
	logOpts.File = viper.GetString(KeyLogFile)
	Config.LogOpts = logOpts
	return nil
}

func AddFlags(flags *pflag.FlagSet) {
	flags.String(KeyConfigDir, "", "Configuration directory that contains a file for each option")
	flags.BoolP(KeyDebug, "d", false, "Enable debug messages. Equivalent to '--log-level=debug'")
	flags.String(KeyLogLevel, "info", "Set log level")
	flags.String(KeyLogFormat, "text", "Set log format")
	flags.String(KeyLogFile, "", "Write logs to a size rotated file instead of stderr")

	flags.String(KeyArch, "", "Simulated instruction set (x86_64, riscv64, aarch64, loongarch64). Defaults to the host")
	flags.Int(KeyNumCPUs, defaults.DefaultNumCPUs, "Number of simulated CPUs")
	flags.Int(KeyTraceBufferRecords, defaults.DefaultTraceBufferRecords, "Number of records kept by the trace ring buffer")
	flags.Int(KeyCmdlineCacheSize, defaults.DefaultCmdlineCacheSize, "Number of entries in tracing/saved_cmdlines")
	flags.Int(KeyPerfMaxPages, defaults.DefaultPerfMaxPages, "Maximum number of data pages of a perf ring buffer")
	flags.Int(KeyVMInstructionLimit, defaults.DefaultVMInstructionLimit, "Maximum number of instructions executed by one BPF program run")
	flags.Int(KeyVMStackSize, defaults.DefaultVMStackSize, "BPF stack size in bytes")
	flags.Int(KeyFaultLogRate, defaults.DefaultFaultLogRate, "BPF fault log messages per second")
	flags.Int(KeyPhysMemPages, defaults.DefaultPhysMemPages, "Number of simulated physical page frames")
	flags.String(KeyMetricsServer, "", "Metrics server address (e.g. ':2112'). Disabled by default")

	flags.String(KeyExportFilename, "", "Filename for the trace_pipe lines read by the demo. Disabled by default")
	flags.Int(KeyExportFileMaxSizeMB, defaults.DefaultExportFileMaxSizeMB, "Size in MB for rotating the export file")
	flags.Int(KeyExportFileMaxBackups, defaults.DefaultExportFileMaxBackups, "Number of rotated export files to retain")
	flags.Bool(KeyExportFileCompress, false, "Compress rotated export files")
}

// ReadDirConfig reads a configuration directory where each file is named
// after an option and contains its value.
func ReadDirConfig(dirName string) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	files, err := os.ReadDir(dirName)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("unable to read configuration directory: %s", err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}

		fName := filepath.Join(dirName, f.Name())

		// the file can still be a symlink to a directory
		if f.Type()&os.ModeSymlink != 0 {
			absFileName, err := filepath.EvalSymlinks(fName)
			if err != nil {
				logger.GetLogger().WithError(err).Warnf("Unable to read configuration file %q", absFileName)
				continue
			}
			fName = absFileName
		}

		fi, err := os.Stat(fName)
		if err != nil {
			logger.GetLogger().WithError(err).Warnf("Unable to read configuration file %q", fName)
			continue
		}
		if fi.Mode().IsDir() {
			continue
		}

		b, err := os.ReadFile(fName)
		if err != nil {
			logger.GetLogger().WithError(err).Warnf("Unable to read configuration file %q", fName)
			continue
		}
		m[f.Name()] = strings.TrimSpace(string(b))
	}
	return m, nil
}
