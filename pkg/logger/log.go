// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cilium/lumberjack/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/logger/logfields"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"

	defaultLogFormat LogFormat    = LogFormatText
	defaultLogLevel  logrus.Level = logrus.InfoLevel

	defaultFileMaxSizeMB  = 10
	defaultFileMaxBackups = 3
)

var (
	// DefaultLogger is the base logrus logger. It is different from the logrus
	// default to avoid external dependencies from writing out unexpectedly
	DefaultLogger = InitializeDefaultLogger()

	// fileMu guards file, the rotated log file replaced on every setup.
	fileMu lock.Mutex
	file   *lumberjack.Logger
)

// Options configures DefaultLogger.
type Options struct {
	Level  logrus.Level
	Format LogFormat
	// File sends logs to a size rotated file instead of stderr.
	File           string
	FileMaxSizeMB  int
	FileMaxBackups int
}

func DefaultOptions() Options {
	return Options{
		Level:          defaultLogLevel,
		Format:         defaultLogFormat,
		FileMaxSizeMB:  defaultFileMaxSizeMB,
		FileMaxBackups: defaultFileMaxBackups,
	}
}

// ParseOptions validates user supplied level and format strings. An empty
// string keeps the default; every invalid value is reported.
func ParseOptions(level, format string) (Options, error) {
	o := DefaultOptions()
	var errs error
	if level != "" {
		l, err := logrus.ParseLevel(level)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("incorrect log level '%s'", level))
		} else {
			o.Level = l
		}
	}
	if format != "" {
		switch f := LogFormat(strings.ToLower(format)); f {
		case LogFormatText, LogFormatJSON:
			o.Format = f
		default:
			errs = multierr.Append(errs, fmt.Errorf("incorrect log format '%s', expected 'text' or 'json'", format))
		}
	}
	return o, errs
}

// InitializeDefaultLogger returns a logrus Logger with a custom text formatter.
func InitializeDefaultLogger() (logger *logrus.Logger) {
	logger = logrus.New()
	fmt, _ := getFormatter(defaultLogFormat)
	logger.SetFormatter(fmt)
	logger.SetLevel(defaultLogLevel)
	return
}

// getFormatter returns a configured logrus.Formatter with some specific values
// we want to have
func getFormatter(format LogFormat) (logrus.Formatter, error) {
	switch format {
	case LogFormatText:
		return &logrus.TextFormatter{
			DisableColors: true,
		}, nil
	case LogFormatJSON:
		return &logrus.JSONFormatter{}, nil
	default:
		return &logrus.TextFormatter{}, fmt.Errorf("invalid log format '%s'", string(format))
	}
}

func GetLogLevel() logrus.Level {
	return DefaultLogger.GetLevel()
}

// setOutput points DefaultLogger at stderr or at a rotated file, closing the
// file of a previous setup.
func setOutput(o Options) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	var out io.Writer = os.Stderr
	var next *lumberjack.Logger
	if o.File != "" {
		next = &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    o.FileMaxSizeMB,
			MaxBackups: o.FileMaxBackups,
		}
		out = next
	}
	DefaultLogger.SetOutput(out)

	var err error
	if file != nil {
		err = file.Close()
	}
	file = next
	return err
}

// SetupLogging applies o to DefaultLogger. debug overrides the level.
func SetupLogging(o Options, debug bool) error {
	formatter, err := getFormatter(o.Format)
	if err != nil {
		return err
	}
	DefaultLogger.SetFormatter(formatter)
	if err := setOutput(o); err != nil {
		return fmt.Errorf("closing previous log file: %w", err)
	}

	if debug {
		DefaultLogger.SetLevel(logrus.DebugLevel)
	} else {
		DefaultLogger.SetLevel(o.Level)
	}

	// always suppress the default logger so libraries don't print things
	logrus.SetLevel(logrus.PanicLevel)
	return nil
}

// Close flushes and closes the log file, sending further logs to stderr.
func Close() error {
	return setOutput(Options{})
}

// GetLogger returns the DefaultLogger that was previously setup
func GetLogger() logrus.FieldLogger {
	return DefaultLogger
}

// WithSubsys returns a logger tagged with the given subsystem name.
func WithSubsys(subsys string) logrus.FieldLogger {
	return DefaultLogger.WithField(logfields.LogSubsys, subsys)
}
