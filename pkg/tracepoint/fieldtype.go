// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the C type of a tracepoint field.
type Type interface {
	// Size is the number of bytes the type occupies in a record.
	Size() int
	Signed() bool
	String() string
}

type IntTyBase int

const (
	IntTyChar IntTyBase = iota
	IntTyShort
	IntTyInt
	IntTyLong
	IntTyLongLong
	IntTyInt8
	IntTyInt16
	IntTyInt32
	IntTyInt64
)

// integer type
type IntTy struct {
	Base     IntTyBase
	Unsigned bool
}

func (ty IntTy) Size() int {
	switch ty.Base {
	case IntTyChar, IntTyInt8:
		return 1
	case IntTyShort, IntTyInt16:
		return 2
	case IntTyInt, IntTyInt32:
		return 4
	}
	return 8
}

// Signed reports the signedness of the integer. Plain char is signed, as
// on amd64.
func (ty IntTy) Signed() bool { return !ty.Unsigned }

func (ty IntTy) String() string {
	var name string
	switch ty.Base {
	case IntTyChar:
		name = "char"
	case IntTyShort:
		name = "short"
	case IntTyInt:
		name = "int"
	case IntTyLong:
		name = "long"
	case IntTyLongLong:
		name = "long long"
	default:
		prefix := "s"
		if ty.Unsigned {
			prefix = "u"
		}
		return fmt.Sprintf("%s%d", prefix, ty.Size()*8)
	}
	if ty.Unsigned {
		return "unsigned " + name
	}
	return name
}

type BoolTy struct{}

func (BoolTy) Size() int      { return 1 }
func (BoolTy) Signed() bool   { return false }
func (BoolTy) String() string { return "bool" }

// pid_t type
type PidTy struct{}

func (PidTy) Size() int      { return 4 }
func (PidTy) Signed() bool   { return true }
func (PidTy) String() string { return "pid_t" }

// size_t type
type SizeTy struct{}

func (SizeTy) Size() int      { return 8 }
func (SizeTy) Signed() bool   { return false }
func (SizeTy) String() string { return "size_t" }

// void type, only valid behind a pointer
type VoidTy struct{}

func (VoidTy) Size() int      { return 0 }
func (VoidTy) Signed() bool   { return false }
func (VoidTy) String() string { return "void" }

// dma_addr_t
type DmaAddrTy struct{}

func (DmaAddrTy) Size() int      { return 8 }
func (DmaAddrTy) Signed() bool   { return false }
func (DmaAddrTy) String() string { return "dma_addr_t" }

type PointerTy struct {
	Ty    Type
	Const bool
}

func (PointerTy) Size() int    { return 8 }
func (PointerTy) Signed() bool { return false }

func (ty PointerTy) String() string {
	if ty.Const {
		return "const " + ty.Ty.String() + " *"
	}
	return ty.Ty.String() + " *"
}

type ArrayTy struct {
	Ty  Type
	Len uint
}

func (ty ArrayTy) Size() int    { return ty.Ty.Size() * int(ty.Len) }
func (ty ArrayTy) Signed() bool { return ty.Ty.Signed() }

func (ty ArrayTy) String() string {
	return fmt.Sprintf("%s[%d]", ty.Ty, ty.Len)
}

// IsString reports whether the array holds a NUL terminated string.
func (ty ArrayTy) IsString() bool {
	it, ok := ty.Ty.(IntTy)
	return ok && it.Base == IntTyChar
}

// alignOf returns the natural alignment of ty inside a record.
func alignOf(ty Type) int {
	if at, ok := ty.(ArrayTy); ok {
		return alignOf(at.Ty)
	}
	if sz := ty.Size(); sz > 0 {
		return sz
	}
	return 1
}

type Field struct {
	Name string
	Type Type
}

// Decl renders the field back as a C declaration.
func (f *Field) Decl() string {
	if at, ok := f.Type.(ArrayTy); ok {
		return fmt.Sprintf("%s %s[%d]", at.Ty, f.Name, at.Len)
	}
	if pt, ok := f.Type.(PointerTy); ok {
		return fmt.Sprintf("%s%s", pt, f.Name)
	}
	return fmt.Sprintf("%s %s", f.Type, f.Name)
}

type ParseError struct {
	r string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse field: %s", e.r)
}

func parseTy(tyFields []string) (Type, error) {

	fidx := 0
	nfields := len(tyFields)
	isConst := false
	nextField := func() string {
		ret := tyFields[fidx]
		fidx++
		return ret
	}
	peekField := func() string {
		return tyFields[fidx]
	}
	lastField := func() bool {
		return fidx == nfields
	}

	if peekField() == "const" {
		isConst = true
		nextField()
		if lastField() {
			return nil, &ParseError{r: "missing type after const"}
		}
	}

	ty := nextField()
	unsigned := false
	if ty == "unsigned" || ty == "signed" {
		// type just contains the qualifier
		if lastField() {
			return IntTy{
				Base:     IntTyInt,
				Unsigned: ty == "unsigned",
			}, nil
		}
		unsigned = ty == "unsigned"
		ty = nextField()
	}

	var retTy Type
	switch {
	case ty == "char":
		retTy = IntTy{Base: IntTyChar, Unsigned: unsigned}
	case ty == "short":
		retTy = IntTy{Base: IntTyShort, Unsigned: unsigned}
	case ty == "int":
		retTy = IntTy{Base: IntTyInt, Unsigned: unsigned}
	case ty == "long":
		if !lastField() && peekField() == "long" {
			retTy = IntTy{Base: IntTyLongLong, Unsigned: unsigned}
			nextField()
		} else {
			retTy = IntTy{Base: IntTyLong, Unsigned: unsigned}
		}
	case unsigned:
		// the unsigned qualifier only applies to the C integer types
		return nil, &ParseError{r: "unexpected unsigned"}
	case ty == "u8":
		retTy = IntTy{Base: IntTyInt8, Unsigned: true}
	case ty == "u16":
		retTy = IntTy{Base: IntTyInt16, Unsigned: true}
	case ty == "u32":
		retTy = IntTy{Base: IntTyInt32, Unsigned: true}
	case ty == "u64":
		retTy = IntTy{Base: IntTyInt64, Unsigned: true}
	case ty == "s8":
		retTy = IntTy{Base: IntTyInt8}
	case ty == "s16":
		retTy = IntTy{Base: IntTyInt16}
	case ty == "s32":
		retTy = IntTy{Base: IntTyInt32}
	case ty == "s64", ty == "off_t", ty == "loff_t":
		retTy = IntTy{Base: IntTyInt64}
	case ty == "bool":
		retTy = BoolTy{}
	case ty == "pid_t":
		retTy = PidTy{}
	case ty == "size_t":
		retTy = SizeTy{}
	case ty == "void":
		retTy = VoidTy{}
	case ty == "dma_addr_t":
		retTy = DmaAddrTy{}
	default:
		return nil, &ParseError{r: fmt.Sprintf("unknown type:%s", ty)}
	}

	if lastField() {
		if _, ok := retTy.(VoidTy); ok {
			return nil, &ParseError{r: "void field"}
		}
		return retTy, nil
	}

	// attributes are accepted and ignored
	if strings.HasPrefix(peekField(), "__attribute__") {
		nextField()
		if lastField() {
			return retTy, nil
		}
	}

	rest := nextField()
	if rest == "*" {
		retTy = PointerTy{Ty: retTy, Const: isConst}
	} else {
		return nil, &ParseError{r: "parsing failed"}
	}

	if !lastField() {
		return nil, &ParseError{r: "did not process all fields"}
	}
	return retTy, nil
}

func parseField(s string) (*Field, error) {
	// "char *name" is spelled without a space before the name
	s = strings.ReplaceAll(s, "*", " * ")
	fields := strings.Fields(s)
	nfields := len(fields)
	if nfields < 2 {
		return nil, &ParseError{r: "expecting at least two fields"}
	}

	tyFields := fields[0 : nfields-1]
	retTy, err := parseTy(tyFields)
	if err != nil {
		return nil, err
	}

	name := fields[nfields-1]
	if bOpen := strings.Index(name, "["); bOpen != -1 {
		if !strings.HasSuffix(name, "]") {
			return nil, &ParseError{r: "could not parse array structure"}
		}
		sizeStr := strings.TrimSuffix(name[bOpen+1:], "]")
		size, err := strconv.ParseUint(sizeStr, 10, 32)
		if err != nil {
			return nil, &ParseError{r: fmt.Sprintf("failed to parse size: %s", err)}
		}
		if size == 0 {
			return nil, &ParseError{r: "zero sized array"}
		}
		retTy = ArrayTy{
			Ty:  retTy,
			Len: uint(size),
		}
		name = name[:bOpen]
	}
	if !validIdent(name) {
		return nil, &ParseError{r: fmt.Sprintf("invalid field name: %q", name)}
	}

	return &Field{
		Name: name,
		Type: retTy,
	}, nil
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
