// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package helpers

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cilium/ktrace/pkg/bpf/vm"
	"github.com/cilium/ktrace/pkg/errno"
)

// tracePrintk formats at most three arguments. Only integer conversions,
// %c, %p and %% are accepted, as no argument may be dereferenced.
func (h *helpers) tracePrintk(c *vm.Context, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	size := int(uint32(r2))
	if size == 0 {
		return negErrno(errno.ErrInvalidInput), nil
	}
	raw, err := c.Mem(r1, size, false)
	if err != nil {
		return 0, err
	}
	end := bytes.IndexByte(raw, 0)
	if end < 0 {
		return negErrno(errno.ErrInvalidInput), nil
	}
	msg, err := formatPrintk(string(raw[:end]), []uint64{r3, r4, r5})
	if err != nil {
		return negErrno(err), nil
	}
	h.env.TracePrintk(msg)
	return uint64(len(msg)), nil
}

func formatPrintk(format string, args []uint64) (string, error) {
	var out strings.Builder
	next := 0
	for i := 0; i < len(format); i++ {
		ch := format[i]
		if ch != '%' {
			out.WriteByte(ch)
			continue
		}
		i++
		if i < len(format) && format[i] == '%' {
			out.WriteByte('%')
			continue
		}
		longs := 0
		for i < len(format) && format[i] == 'l' {
			longs++
			i++
		}
		if i >= len(format) || longs > 2 {
			return "", fmt.Errorf("bad format %q: %w", format, errno.ErrInvalidInput)
		}
		if next >= len(args) {
			return "", fmt.Errorf("format %q needs more than %d arguments: %w", format, len(args), errno.ErrInvalidInput)
		}
		arg := args[next]
		next++
		if longs == 0 {
			arg = uint64(uint32(arg))
		}
		switch format[i] {
		case 'd', 'i':
			if longs == 0 {
				fmt.Fprintf(&out, "%d", int32(arg))
			} else {
				fmt.Fprintf(&out, "%d", int64(arg))
			}
		case 'u':
			fmt.Fprintf(&out, "%d", arg)
		case 'x':
			fmt.Fprintf(&out, "%x", arg)
		case 'c':
			out.WriteByte(byte(arg))
		case 'p':
			fmt.Fprintf(&out, "%#x", args[next-1])
		default:
			return "", fmt.Errorf("unsupported conversion %%%c in %q: %w", format[i], format, errno.ErrInvalidInput)
		}
	}
	return out.String(), nil
}
