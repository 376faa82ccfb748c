// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cilium/ktrace/pkg/errno"
)

// Filter is an event filter in the tracefs syntax: "field op value" clauses
// joined by && and ||, where && binds tighter.
type Filter struct {
	expr string
	// disjunction of conjunctions
	or [][]predicate
}

type predicate struct {
	field *FieldFormat
	op    string
	num   uint64
	str   string
}

// ParseFilter compiles expr against the fields of f.
func ParseFilter(f *Format, expr string) (*Filter, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty filter: %w", errno.ErrInvalidInput)
	}

	flt := &Filter{expr: strings.TrimSpace(expr)}
	var and []predicate
	for len(toks) > 0 {
		if len(toks) < 3 {
			return nil, fmt.Errorf("incomplete clause %q: %w", strings.Join(toks, " "), errno.ErrInvalidInput)
		}
		p, err := newPredicate(f, toks[0], toks[1], toks[2])
		if err != nil {
			return nil, err
		}
		and = append(and, p)
		toks = toks[3:]
		if len(toks) == 0 {
			break
		}
		switch toks[0] {
		case "&&":
		case "||":
			flt.or = append(flt.or, and)
			and = nil
		default:
			return nil, fmt.Errorf("expected && or ||, got %q: %w", toks[0], errno.ErrInvalidInput)
		}
		toks = toks[1:]
		if len(toks) == 0 {
			return nil, fmt.Errorf("dangling operator: %w", errno.ErrInvalidInput)
		}
	}
	flt.or = append(flt.or, and)
	return flt, nil
}

func newPredicate(f *Format, name, op, value string) (predicate, error) {
	ff, ok := f.Field(name)
	if !ok {
		return predicate{}, fmt.Errorf("unknown field %q: %w", name, errno.ErrInvalidInput)
	}
	p := predicate{field: ff, op: op}
	if ff.IsString() {
		switch op {
		case "==", "!=", "~":
		default:
			return predicate{}, fmt.Errorf("operator %q not valid for string field %q: %w", op, name, errno.ErrInvalidInput)
		}
		p.str = strings.Trim(value, `"`)
		return p, nil
	}

	switch op {
	case "==", "!=", "<", "<=", ">", ">=", "&":
	default:
		return predicate{}, fmt.Errorf("operator %q not valid for numeric field %q: %w", op, name, errno.ErrInvalidInput)
	}
	if ff.IsSigned {
		n, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return predicate{}, fmt.Errorf("bad value %q: %w", value, errno.ErrInvalidInput)
		}
		p.num = uint64(n)
	} else {
		n, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return predicate{}, fmt.Errorf("bad value %q: %w", value, errno.ErrInvalidInput)
		}
		p.num = n
	}
	return p, nil
}

func (p *predicate) match(rec []byte) bool {
	if p.field.IsString() {
		s := p.field.Str(rec)
		switch p.op {
		case "==":
			return s == p.str
		case "!=":
			return s != p.str
		default:
			ok, _ := path.Match(p.str, s)
			return ok
		}
	}

	v := p.field.Uint(rec)
	if p.op == "&" {
		return v&p.num != 0
	}
	var cmp int
	if p.field.IsSigned {
		cmp = compare(int64(v), int64(p.num))
	} else {
		cmp = compare(v, p.num)
	}
	switch p.op {
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	}
	return cmp >= 0
}

func compare[T int64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Match reports whether the record passes the filter.
func (flt *Filter) Match(rec []byte) bool {
	for _, and := range flt.or {
		ok := true
		for i := range and {
			if !and[i].match(rec) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (flt *Filter) String() string {
	return flt.expr
}

var operators = []string{"&&", "||", "==", "!=", "<=", ">=", "<", ">", "&", "~"}

func tokenize(expr string) ([]string, error) {
	var toks []string
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
			continue
		case c == '"':
			end := strings.IndexByte(expr[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated string: %w", errno.ErrInvalidInput)
			}
			toks = append(toks, expr[i:i+end+2])
			i += end + 2
			continue
		case c == '(' || c == ')':
			return nil, fmt.Errorf("parentheses are not supported: %w", errno.ErrInvalidInput)
		}

		matched := false
		for _, op := range operators {
			if strings.HasPrefix(expr[i:], op) {
				toks = append(toks, op)
				i += len(op)
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		start := i
		for i < len(expr) && isWordByte(expr[i]) {
			i++
		}
		if start == i {
			return nil, fmt.Errorf("unexpected character %q: %w", c, errno.ErrInvalidInput)
		}
		toks = append(toks, expr[start:i])
	}
	return toks, nil
}

func isWordByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("_-.*?[]/:", c) >= 0
}
