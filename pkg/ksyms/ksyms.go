// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package ksyms is the kernel symbol table: it resolves probe targets given
// as symbol+offset and names addresses in logs and trace output.
package ksyms

import (
	"fmt"
	"io"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/logger"
)

type ksym struct {
	addr uint64
	name string
	ty   string
}

// Ksyms is a structure for kernel symbols
type Ksyms struct {
	mu      lock.RWMutex
	table   []ksym
	fnCache *lru.Cache[uint64, fnOffsetVal]
}

// FnOffset is a function location (function name + offset)
type FnOffset struct {
	SymName string
	Offset  uint64
}

// fnOffsetVal is used as a value in the FnOffset cache.
type fnOffsetVal struct {
	fnOffset *FnOffset
	err      error
}

func (ksym *ksym) isFunction() bool {
	tyLow := strings.ToLower(ksym.ty)
	return tyLow == "w" || tyLow == "t"
}

func newCache() *lru.Cache[uint64, fnOffsetVal] {
	fc, err := lru.New[uint64, fnOffsetVal](1024)
	if err != nil {
		logger.GetLogger().Infof("failed to initialize cache: %s", err)
		return nil
	}
	return fc
}

// New returns an empty table.
func New() *Ksyms {
	return &Ksyms{fnCache: newCache()}
}

// Add inserts a symbol, keeping the table sorted by address.
func (k *Ksyms) Add(name string, addr uint64, ty string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	i := sort.Search(len(k.table), func(i int) bool { return k.table[i].addr > addr })
	k.table = append(k.table, ksym{})
	copy(k.table[i+1:], k.table[i:])
	k.table[i] = ksym{addr: addr, name: name, ty: ty}
	if k.fnCache != nil {
		k.fnCache.Purge()
	}
}

// Lookup returns the address of a symbol.
func (k *Ksyms) Lookup(name string) (uint64, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, s := range k.table {
		if s.name == name {
			return s.addr, nil
		}
	}
	return 0, fmt.Errorf("symbol %s: %w", name, errno.ErrNotFound)
}

// Functions returns the names of the function symbols, in address order.
func (k *Ksyms) Functions() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var ret []string
	for i := range k.table {
		if k.table[i].isFunction() {
			ret = append(ret, k.table[i].name)
		}
	}
	return ret
}

// WriteTo writes the table in /proc/kallsyms format.
func (k *Ksyms) WriteTo(w io.Writer) (int64, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var total int64
	for _, s := range k.table {
		n, err := fmt.Fprintf(w, "%016x %s %s\n", s.addr, s.ty, s.name)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// GetFnOffset -- returns the FnOffset for a given address
func (k *Ksyms) GetFnOffset(addr uint64) (*FnOffset, error) {
	// no cache
	if k.fnCache == nil {
		return k.getFnOffset(addr)
	}

	// cache hit
	if ret, ok := k.fnCache.Get(addr); ok {
		return ret.fnOffset, ret.err
	}

	// cache miss
	fnOffset, err := k.getFnOffset(addr)
	k.fnCache.Add(addr, fnOffsetVal{fnOffset: fnOffset, err: err})
	return fnOffset, err
}

// Name returns "sym+0xoff" for addr, or the bare address.
func (k *Ksyms) Name(addr uint64) string {
	fo, err := k.GetFnOffset(addr)
	if err != nil {
		return fmt.Sprintf("0x%x", addr)
	}
	if fo.Offset == 0 {
		return fo.SymName
	}
	return fmt.Sprintf("%s+0x%x", fo.SymName, fo.Offset)
}

func (k *Ksyms) getFnOffset(addr uint64) (*FnOffset, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if len(k.table) == 0 || k.table[0].addr > addr {
		return nil, fmt.Errorf("address 0x%x is before first symbol: %w", addr, errno.ErrNotFound)
	}

	// binary search
	l, r := 0, len(k.table)-1

	for l < r {
		// prevents overflow
		m := l + ((r - l + 1) >> 1)
		if k.table[m].addr <= addr {
			l = m
		} else {
			r = m - 1
		}
	}

	sym := k.table[l]
	if !sym.isFunction() {
		return nil, fmt.Errorf("unable to find function for addr 0x%x: %w", addr, errno.ErrNotFound)
	}

	return &FnOffset{
		SymName: sym.name,
		Offset:  addr - sym.addr,
	}, nil
}
