// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package prog loads BPF programs: it decodes the bytecode, binds the maps
// it references and checks its structure before it can be attached.
package prog

import (
	"fmt"

	"github.com/cilium/ebpf/asm"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/bpf/maps"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/logger"
	"github.com/cilium/ktrace/pkg/logger/logfields"
)

var nextID atomic.Uint32

// Meta carries the BPF_PROG_LOAD attributes besides the bytecode.
type Meta struct {
	Type     uint32
	Name     string
	License  string
	LogLevel uint32
}

var gplCompatible = map[string]bool{
	"GPL":                       true,
	"GPL v2":                    true,
	"GPL and additional rights": true,
	"Dual BSD/GPL":              true,
	"Dual MIT/GPL":              true,
	"Dual MPL/GPL":              true,
}

type Prog struct {
	id      uint32
	meta    Meta
	insns   asm.Instructions
	targets []int
	pre     *Preprocessed
}

func checkType(t uint32) error {
	switch t {
	case bpf.BPF_PROG_TYPE_SOCKET_FILTER, bpf.BPF_PROG_TYPE_KPROBE, bpf.BPF_PROG_TYPE_TRACEPOINT,
		bpf.BPF_PROG_TYPE_PERF_EVENT, bpf.BPF_PROG_TYPE_RAW_TRACEPOINT:
		return nil
	}
	return fmt.Errorf("program type %d: %w", t, errno.ErrInvalidInput)
}

// Load preprocesses and verifies raw. It returns the verifier log, which is
// empty unless meta.LogLevel is set.
func Load(meta Meta, raw []byte, resolve FDResolver) (*Prog, string, error) {
	if err := checkType(meta.Type); err != nil {
		return nil, "", err
	}
	if len(meta.Name) >= bpf.BPF_OBJ_NAME_LEN {
		return nil, "", fmt.Errorf("program name %q: %w", meta.Name, errno.ErrInvalidInput)
	}
	if len(raw)/asm.InstructionSize > bpf.BPF_MAXINSNS {
		return nil, "", fmt.Errorf("program of %d insns: %w", len(raw)/asm.InstructionSize, errno.ErrTooBig)
	}
	pre, err := Preprocess(raw, resolve)
	if err != nil {
		return nil, "", err
	}
	v := verifier{insns: pre.Insns, slots: pre.Slots, level: meta.LogLevel}
	targets, err := v.verify(len(raw) / asm.InstructionSize)
	if err != nil {
		pre.Release()
		return nil, v.log.String(), err
	}
	p := &Prog{
		id:      nextID.Inc(),
		meta:    meta,
		insns:   pre.Insns,
		targets: targets,
		pre:     pre,
	}
	logger.GetLogger().WithFields(logrus.Fields{
		logfields.Prog: meta.Name,
		"insns":        len(p.insns),
		"maps":         len(pre.Maps),
	}).Debug("program loaded")
	return p, v.log.String(), nil
}

func (p *Prog) ID() uint32 {
	return p.id
}

func (p *Prog) Meta() Meta {
	return p.meta
}

func (p *Prog) Name() string {
	return p.meta.Name
}

func (p *Prog) Insns() asm.Instructions {
	return p.insns
}

// Target returns the index of the instruction jump i lands on.
func (p *Prog) Target(i int) int {
	return p.targets[i]
}

// Map returns the map of a handle index.
func (p *Prog) Map(idx int) (*maps.Map, bool) {
	if idx < 0 || idx >= len(p.pre.Maps) {
		return nil, false
	}
	return p.pre.Maps[idx], true
}

func (p *Prog) Maps() []*maps.Map {
	return p.pre.Maps
}

// GPLCompatible reports whether the program may call GPL-only helpers.
func (p *Prog) GPLCompatible() bool {
	return gplCompatible[p.meta.License]
}

// Close releases the references on the maps the program uses.
func (p *Prog) Close() error {
	return p.pre.Release()
}

type progFile struct {
	p *Prog
}

func (f *progFile) Path() string {
	return file.AnonInodePath(file.KindBpfProg)
}

func (f *progFile) Release() error {
	return f.p.Close()
}

// NewFile wraps p in a file. Attachments hold their own reference on the
// file so the program outlives the loader's descriptor.
func NewFile(p *Prog) *file.File {
	return file.New(file.KindBpfProg, &progFile{p: p})
}

// FromFile returns the program behind f.
func FromFile(f *file.File) (*Prog, error) {
	if f.Kind() != file.KindBpfProg {
		return nil, fmt.Errorf("%s is not a program: %w", f.Path(), errno.ErrInvalidInput)
	}
	return f.Ops().(*progFile).p, nil
}
