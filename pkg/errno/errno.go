// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package errno holds the error taxonomy shared by the probe, BPF and perf
// subsystems and its translation to the host errno encoding.
package errno

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cilium/ktrace/pkg/logger"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotSupported  = errors.New("operation not supported")
	ErrNoMemory      = errors.New("out of memory")
	ErrStorageFull   = errors.New("storage full")
	ErrTooBig        = errors.New("argument too big")
	ErrTryAgain      = errors.New("try again")
	ErrPermission    = errors.New("permission denied")
	ErrBadFD         = errors.New("bad file descriptor")
	ErrInterrupted   = errors.New("interrupted")
	ErrFault         = errors.New("bad address")
)

var table = []struct {
	err   error
	errno unix.Errno
}{
	{ErrInvalidInput, unix.EINVAL},
	{ErrNotFound, unix.ENOENT},
	{ErrAlreadyExists, unix.EEXIST},
	{ErrNotSupported, unix.EOPNOTSUPP},
	{ErrNoMemory, unix.ENOMEM},
	{ErrStorageFull, unix.ENOSPC},
	{ErrTooBig, unix.E2BIG},
	{ErrTryAgain, unix.EAGAIN},
	{ErrPermission, unix.EPERM},
	{ErrBadFD, unix.EBADF},
	{ErrInterrupted, unix.EINTR},
	{ErrFault, unix.EFAULT},
}

// ToErrno maps an error of the taxonomy to its errno. Errors outside of the
// taxonomy are reported as EINVAL.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e unix.Errno
	if errors.As(err, &e) {
		return e
	}
	for _, ent := range table {
		if errors.Is(err, ent.err) {
			return ent.errno
		}
	}
	return unix.EINVAL
}

// FromErrno is the inverse of ToErrno for the taxonomy members.
func FromErrno(e unix.Errno) error {
	for _, ent := range table {
		if ent.errno == e {
			return ent.err
		}
	}
	return e
}

// Encode returns the syscall return value for a result: the value itself on
// success, the negated errno otherwise.
func Encode(val int64, err error) int64 {
	if err != nil {
		return -int64(ToErrno(err))
	}
	return val
}

// Fatal aborts the kernel. It is reserved for failures that leave the
// instruction stream in an unknown state, such as a failed text patch.
func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.GetLogger().WithField("fatal", true).Error(msg)
	panic("ktrace: " + msg)
}
