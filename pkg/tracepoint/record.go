// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// encode serializes values into a record laid out by f. The common header
// fields are passed first.
func (f *Format) encode(values []interface{}) ([]byte, error) {
	if len(values) != len(f.Fields) {
		return nil, fmt.Errorf("%s: got %d values for %d fields", f.Name, len(values), len(f.Fields))
	}
	rec := make([]byte, f.RecordSize())
	for i := range f.Fields {
		if err := f.Fields[i].put(rec, values[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return rec, nil
}

func (ff *FieldFormat) put(rec []byte, v interface{}) error {
	dst := rec[ff.Offset : ff.Offset+ff.Size]
	if at, ok := ff.Field.Type.(ArrayTy); ok {
		var src []byte
		switch x := v.(type) {
		case string:
			src = []byte(x)
		case []byte:
			src = x
		default:
			return fmt.Errorf("field %s: cannot store %T in %s", ff.Field.Name, v, at)
		}
		n := copy(dst, src)
		if at.IsString() && n == len(dst) {
			// keep the terminator
			dst[n-1] = 0
		}
		return nil
	}

	val, ok := toUint64(v)
	if !ok {
		return fmt.Errorf("field %s: cannot store %T in %s", ff.Field.Name, v, ff.Field.Type)
	}
	switch ff.Size {
	case 1:
		dst[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(dst, val)
	default:
		return fmt.Errorf("field %s: unsupported size %d", ff.Field.Name, ff.Size)
	}
	return nil
}

func toUint64(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case int:
		return uint64(x), true
	case int8:
		return uint64(x), true
	case int16:
		return uint64(x), true
	case int32:
		return uint64(x), true
	case int64:
		return uint64(x), true
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case uintptr:
		return uint64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Uint reads an integer field. Signed fields are sign extended.
func (ff *FieldFormat) Uint(rec []byte) uint64 {
	if int(ff.Offset+ff.Size) > len(rec) {
		return 0
	}
	src := rec[ff.Offset : ff.Offset+ff.Size]
	var val uint64
	switch ff.Size {
	case 1:
		val = uint64(src[0])
		if ff.IsSigned {
			val = uint64(int8(src[0]))
		}
	case 2:
		val = uint64(binary.LittleEndian.Uint16(src))
		if ff.IsSigned {
			val = uint64(int16(val))
		}
	case 4:
		val = uint64(binary.LittleEndian.Uint32(src))
		if ff.IsSigned {
			val = uint64(int32(val))
		}
	case 8:
		val = binary.LittleEndian.Uint64(src)
	}
	return val
}

// Int reads an integer field as a signed value.
func (ff *FieldFormat) Int(rec []byte) int64 {
	return int64(ff.Uint(rec))
}

// Str reads a character array up to its terminator.
func (ff *FieldFormat) Str(rec []byte) string {
	if int(ff.Offset+ff.Size) > len(rec) {
		return ""
	}
	src := rec[ff.Offset : ff.Offset+ff.Size]
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

// IsString reports whether the field holds a character array.
func (ff *FieldFormat) IsString() bool {
	at, ok := ff.Field.Type.(ArrayTy)
	return ok && at.IsString()
}

// Render formats the field value the way trace output shows it.
func (ff *FieldFormat) Render(rec []byte) string {
	switch ty := ff.Field.Type.(type) {
	case ArrayTy:
		if ty.IsString() {
			return ff.Str(rec)
		}
		if int(ff.Offset+ff.Size) > len(rec) {
			return ""
		}
		return fmt.Sprintf("%x", rec[ff.Offset:ff.Offset+ff.Size])
	case PointerTy:
		return fmt.Sprintf("0x%x", ff.Uint(rec))
	}
	if ff.IsSigned {
		return fmt.Sprintf("%d", ff.Int(rec))
	}
	return fmt.Sprintf("%d", ff.Uint(rec))
}
