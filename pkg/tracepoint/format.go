// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Format contains the details for the tracepoint: name, id, and fields
type Format struct {
	Name     string
	ID       int
	Fields   []FieldFormat
	PrintFmt string
}

// FieldFormat describes the format for each of the tracepoint fields
type FieldFormat struct {
	FieldStr string
	Field    *Field
	Offset   uint
	Size     uint
	IsSigned bool
}

func (tff *FieldFormat) ParseField() error {
	ty, err := parseField(tff.FieldStr)
	if err != nil {
		return err
	}
	tff.Field = ty
	return nil
}

// Field looks up a field by name, common fields included.
func (f *Format) Field(name string) (*FieldFormat, bool) {
	for i := range f.Fields {
		if f.Fields[i].Field != nil && f.Fields[i].Field.Name == name {
			return &f.Fields[i], true
		}
	}
	return nil, false
}

// RecordSize returns the number of bytes of a serialized record.
func (f *Format) RecordSize() int {
	size := uint(0)
	for _, ff := range f.Fields {
		if end := ff.Offset + ff.Size; end > size {
			size = end
		}
	}
	return int(size)
}

// commonFields is the header every record starts with.
var commonFields = []string{
	"unsigned short common_type",
	"unsigned char common_flags",
	"unsigned char common_preempt_count",
	"int common_pid",
}

const commonFieldCount = 4

// newFormat lays out the common header followed by decls at their natural
// alignment.
func newFormat(name string, id int, decls []string) (*Format, error) {
	ret := &Format{Name: name, ID: id}
	offset := 0
	for i, decl := range append(append([]string{}, commonFields...), decls...) {
		fld, err := parseField(decl)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", decl, err)
		}
		if _, dup := ret.Field(fld.Name); dup {
			return nil, fmt.Errorf("%s: duplicate field %q", name, fld.Name)
		}
		if i == commonFieldCount && offset%8 != 0 {
			offset += 8 - offset%8
		}
		align := alignOf(fld.Type)
		if rem := offset % align; rem != 0 {
			offset += align - rem
		}
		ret.Fields = append(ret.Fields, FieldFormat{
			FieldStr: fld.Decl(),
			Field:    fld,
			Offset:   uint(offset),
			Size:     uint(fld.Type.Size()),
			IsSigned: fld.Type.Signed(),
		})
		offset += fld.Type.Size()
	}
	ret.PrintFmt = defaultPrintFmt(ret.Fields[commonFieldCount:])
	return ret, nil
}

func defaultPrintFmt(fields []FieldFormat) string {
	if len(fields) == 0 {
		return `""`
	}
	specs := make([]string, 0, len(fields))
	args := make([]string, 0, len(fields))
	for _, ff := range fields {
		spec := "%d"
		switch ty := ff.Field.Type.(type) {
		case ArrayTy:
			if ty.IsString() {
				spec = "%s"
			}
		case PointerTy:
			spec = "0x%lx"
		default:
			if !ff.IsSigned {
				spec = "%u"
			}
		}
		specs = append(specs, ff.Field.Name+"="+spec)
		args = append(args, "REC->"+ff.Field.Name)
	}
	return fmt.Sprintf(`"%s", %s`, strings.Join(specs, " "), strings.Join(args, ", "))
}

// WriteTo renders the format file as found under
// /sys/kernel/tracing/events/<subsystem>/<event>/format.
func (f *Format) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "name: %s\nID: %d\nformat:\n", f.Name, f.ID)
	for i, ff := range f.Fields {
		if i == commonFieldCount {
			sb.WriteString("\n")
		}
		signed := 0
		if ff.IsSigned {
			signed = 1
		}
		fmt.Fprintf(&sb, "\tfield:%s;\toffset:%d;\tsize:%d;\tsigned:%d;\n", ff.FieldStr, ff.Offset, ff.Size, signed)
	}
	fmt.Fprintf(&sb, "\nprint fmt: %s\n", f.PrintFmt)
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (f *Format) String() string {
	var sb strings.Builder
	f.WriteTo(&sb)
	return sb.String()
}

// ParseFormat parses a tracepoint format file.
//
// For reference:
// # cat /sys/kernel/tracing/events/syscalls/sys_enter_lseek/format
// name: sys_enter_lseek
// ID: 682
// format:
//
//	field:unsigned short common_type;       offset:0;       size:2; signed:0;
//	field:unsigned char common_flags;       offset:2;       size:1; signed:0;
//	field:unsigned char common_preempt_count;       offset:3;       size:1; signed:0;
//	field:int common_pid;   offset:4;       size:4; signed:1;
//
//	field:int __syscall_nr; offset:8;       size:4; signed:1;
//	field:unsigned int fd;  offset:16;      size:8; signed:0;
//	field:off_t offset;     offset:24;      size:8; signed:0;
//	field:unsigned int whence;      offset:32;      size:8; signed:0;
func ParseFormat(r io.Reader) (*Format, error) {
	var ret Format
	scanner := bufio.NewScanner(r)

	errEmptyLine := errors.New("empty line")
	errPrintFormatLine := errors.New("print format line")

	getMatches := func(regexp *regexp.Regexp, errMsg string) ([]string, error) {
		if scanner.Scan() {
			text := scanner.Text()
			if text == "" {
				return nil, errEmptyLine
			}
			if strings.HasPrefix(text, "print fmt:") {
				ret.PrintFmt = strings.TrimSpace(strings.TrimPrefix(text, "print fmt:"))
				return nil, errPrintFormatLine
			}
			result := regexp.FindStringSubmatch(text)
			if len(result) > regexp.NumSubexp() {
				return result, nil
			}
			return nil, fmt.Errorf("%s: failed to match regular expression (->%s<- vs ->%s<-)", errMsg, regexp.String(), text)
		}

		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}

	res, err := getMatches(nameRe, "parsing name field")
	if err != nil {
		return nil, err
	}
	ret.Name = res[1]

	res, err = getMatches(idRe, "parsing id field")
	if err != nil {
		return nil, err
	}
	id, err := strconv.Atoi(res[1])
	if err != nil {
		return nil, fmt.Errorf("parsing id field: failed: %w", err)
	}
	ret.ID = id

	if _, err := getMatches(formatRe, "parsing format string"); err != nil {
		return nil, err
	}

FieldsLoop:
	for {
		res, err := getMatches(fieldRe, "parsing fields")
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				break FieldsLoop
			case errors.Is(err, errEmptyLine):
				continue FieldsLoop
			case errors.Is(err, errPrintFormatLine):
				break FieldsLoop
			default:
				return nil, err
			}
		}

		offset64, err := strconv.ParseUint(res[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing offset field failed: %w", err)
		}

		size64, err := strconv.ParseUint(res[3], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing size field failed: %w", err)
		}

		isSigned, err := strconv.ParseBool(res[4])
		if err != nil {
			return nil, fmt.Errorf("parsing signed field failed: %w", err)
		}

		ff := FieldFormat{
			FieldStr: res[1],
			Offset:   uint(offset64),
			Size:     uint(size64),
			IsSigned: isSigned,
		}
		if err := ff.ParseField(); err != nil {
			return nil, fmt.Errorf("field %q: %w", ff.FieldStr, err)
		}
		ret.Fields = append(ret.Fields, ff)
	}

	return &ret, nil
}

var (
	nameRe   = regexp.MustCompile(`name: (\w+)`)
	idRe     = regexp.MustCompile(`ID: (\d+)`)
	formatRe = regexp.MustCompile(`format:`)
	fieldRe  = regexp.MustCompile(`\tfield:([^;]+);\toffset:(\d+);\tsize:(\d+);\tsigned:(0|1);`)
)
