// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package maps implements the BPF map store: typed key/value storage shared
// between user space, through bpf(2), and BPF programs, through helpers.
package maps

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
	"github.com/cilium/ktrace/pkg/lock"
	"github.com/cilium/ktrace/pkg/metrics/bpfmetrics"
)

var nextID atomic.Uint32

// Map is a BPF map. Every map has its own lock; operations on different
// maps never contend.
type Map struct {
	lock   lock.SpinNoPreempt
	id     uint32
	meta   Meta
	ncpu   int
	st     storage
	frozen atomic.Bool
	// files backs BPF_MAP_TYPE_PERF_EVENT_ARRAY slots.
	files []*file.File
}

// New creates a map for meta on a machine with numCPUs CPUs.
func New(meta Meta, numCPUs int) (*Map, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if numCPUs < 1 {
		return nil, fmt.Errorf("map %q: %d CPUs: %w", meta.Name, numCPUs, errno.ErrInvalidInput)
	}
	m := &Map{
		id:   nextID.Inc(),
		meta: meta,
		ncpu: 1,
	}
	if meta.PerCPU() {
		m.ncpu = numCPUs
	}
	switch meta.Type {
	case bpf.BPF_MAP_TYPE_HASH, bpf.BPF_MAP_TYPE_PERCPU_HASH:
		m.st = newHashStorage(meta, m.ncpu)
	case bpf.BPF_MAP_TYPE_LRU_HASH:
		st, err := newLRUStorage(meta)
		if err != nil {
			return nil, err
		}
		m.st = st
	case bpf.BPF_MAP_TYPE_ARRAY, bpf.BPF_MAP_TYPE_PERCPU_ARRAY:
		m.st = newArrayStorage(meta, m.ncpu)
	case bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY:
		m.st = newArrayStorage(meta, 1)
		m.files = make([]*file.File, meta.MaxEntries)
	}
	return m, nil
}

func (m *Map) ID() uint32 {
	return m.id
}

func (m *Map) Meta() Meta {
	return m.meta
}

func (m *Map) Name() string {
	return m.meta.Name
}

// NumCPUs returns the number of value slots per key.
func (m *Map) NumCPUs() int {
	return m.ncpu
}

func (m *Map) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.st.len()
}

func (m *Map) Frozen() bool {
	return m.frozen.Load()
}

// userValueSize is the size of a value as seen by bpf(2): per-CPU maps
// carry one 8-byte aligned slot per CPU.
func (m *Map) userValueSize() int {
	if m.meta.PerCPU() {
		return m.ncpu * int(bpf.RoundUp8(m.meta.ValueSize))
	}
	return int(m.meta.ValueSize)
}

// UserValueSize returns the length of the buffers Lookup returns and Update
// expects.
func (m *Map) UserValueSize() int {
	return m.userValueSize()
}

func (m *Map) checkKey(key []byte) error {
	if len(key) != int(m.meta.KeySize) {
		return fmt.Errorf("map %q: key of %d bytes, want %d: %w", m.meta.Name, len(key), m.meta.KeySize, errno.ErrInvalidInput)
	}
	return nil
}

func checkFlags(flags uint64) error {
	if flags > bpf.BPF_EXIST {
		return fmt.Errorf("update flags %#x: %w", flags, errno.ErrInvalidInput)
	}
	return nil
}

func (m *Map) checkUserWrite() error {
	if m.frozen.Load() {
		return fmt.Errorf("map %q is frozen: %w", m.meta.Name, errno.ErrPermission)
	}
	if m.meta.Flags&bpf.BPF_F_RDONLY != 0 {
		return fmt.Errorf("map %q is read-only: %w", m.meta.Name, errno.ErrPermission)
	}
	return nil
}

func (m *Map) checkUserRead() error {
	if m.meta.Flags&bpf.BPF_F_WRONLY != 0 {
		return fmt.Errorf("map %q is write-only: %w", m.meta.Name, errno.ErrPermission)
	}
	if m.meta.Type == bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY {
		return fmt.Errorf("lookup in perf event array %q: %w", m.meta.Name, errno.ErrNotSupported)
	}
	return nil
}

func (m *Map) userValue(slots [][]byte) []byte {
	if !m.meta.PerCPU() {
		return append([]byte(nil), slots[0]...)
	}
	stride := int(bpf.RoundUp8(m.meta.ValueSize))
	out := make([]byte, m.ncpu*stride)
	for i, s := range slots {
		copy(out[i*stride:], s)
	}
	return out
}

// Lookup returns a copy of the value of key.
func (m *Map) Lookup(key []byte) (val []byte, err error) {
	defer func() { bpfmetrics.MapOpInc("lookup", err) }()
	if err := m.checkUserRead(); err != nil {
		return nil, err
	}
	if err := m.checkKey(key); err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	slots, ok := m.st.lookup(key)
	if !ok {
		return nil, fmt.Errorf("map %q lookup: %w", m.meta.Name, errno.ErrNotFound)
	}
	return m.userValue(slots), nil
}

// Update sets the value of key according to flags: BPF_ANY creates or
// replaces, BPF_NOEXIST only creates and BPF_EXIST only replaces.
func (m *Map) Update(key, value []byte, flags uint64) (err error) {
	defer func() { bpfmetrics.MapOpInc("update", err) }()
	if err := m.checkUserWrite(); err != nil {
		return err
	}
	if m.meta.Type == bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY {
		return fmt.Errorf("perf event array %q takes perf event files: %w", m.meta.Name, errno.ErrInvalidInput)
	}
	if err := m.checkKey(key); err != nil {
		return err
	}
	if err := checkFlags(flags); err != nil {
		return err
	}
	if len(value) != m.userValueSize() {
		return fmt.Errorf("map %q: value of %d bytes, want %d: %w", m.meta.Name, len(value), m.userValueSize(), errno.ErrInvalidInput)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	slots, err := m.st.prepare(key, flags)
	if err != nil {
		return fmt.Errorf("map %q update: %w", m.meta.Name, err)
	}
	stride := int(bpf.RoundUp8(m.meta.ValueSize))
	for i, s := range slots {
		copy(s, value[i*stride:])
	}
	return nil
}

// UpdateFile stores a perf event file at index key of a perf event array.
// The map takes its own reference on f.
func (m *Map) UpdateFile(key []byte, fd uint32, f *file.File, flags uint64) (err error) {
	defer func() { bpfmetrics.MapOpInc("update", err) }()
	if m.meta.Type != bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY {
		return fmt.Errorf("map %q is not a perf event array: %w", m.meta.Name, errno.ErrInvalidInput)
	}
	if err := m.checkUserWrite(); err != nil {
		return err
	}
	if err := m.checkKey(key); err != nil {
		return err
	}
	if err := checkFlags(flags); err != nil {
		return err
	}
	if f.Kind() != file.KindPerfEvent {
		return fmt.Errorf("map %q: %s is not a perf event: %w", m.meta.Name, f.Path(), errno.ErrInvalidInput)
	}
	m.lock.Lock()
	slots, err := m.st.prepare(key, flags)
	if err != nil {
		m.lock.Unlock()
		return fmt.Errorf("map %q update: %w", m.meta.Name, err)
	}
	idx := arrayIndex(key)
	old := m.files[idx]
	m.files[idx] = f.Get()
	binary.LittleEndian.PutUint32(slots[0], fd)
	m.lock.Unlock()
	if old != nil {
		return old.Put()
	}
	return nil
}

// FileAt returns the perf event file stored at index idx, with a reference
// the caller must drop.
func (m *Map) FileAt(idx uint32) (*file.File, error) {
	if m.meta.Type != bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY {
		return nil, fmt.Errorf("map %q is not a perf event array: %w", m.meta.Name, errno.ErrInvalidInput)
	}
	if idx >= m.meta.MaxEntries {
		return nil, fmt.Errorf("perf event array %q index %d: %w", m.meta.Name, idx, errno.ErrTooBig)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	f := m.files[idx]
	if f == nil {
		return nil, fmt.Errorf("perf event array %q index %d: %w", m.meta.Name, idx, errno.ErrNotFound)
	}
	return f.Get(), nil
}

func (m *Map) delete(key []byte) error {
	if m.meta.Type == bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY {
		idx := arrayIndex(key)
		if idx >= m.meta.MaxEntries || m.files == nil || m.files[idx] == nil {
			return errno.ErrNotFound
		}
		return nil
	}
	return m.st.delete(key)
}

// takeFile detaches the perf event file at key. Called with the lock held.
func (m *Map) takeFile(key []byte) *file.File {
	if m.files == nil {
		return nil
	}
	idx := arrayIndex(key)
	f := m.files[idx]
	m.files[idx] = nil
	binary.LittleEndian.PutUint32(m.st.(*arrayStorage).slots[idx][0], 0)
	return f
}

// Delete removes key. Array elements cannot be deleted.
func (m *Map) Delete(key []byte) (err error) {
	defer func() { bpfmetrics.MapOpInc("delete", err) }()
	if err := m.checkUserWrite(); err != nil {
		return err
	}
	if err := m.checkKey(key); err != nil {
		return err
	}
	m.lock.Lock()
	if err := m.delete(key); err != nil {
		m.lock.Unlock()
		return fmt.Errorf("map %q delete: %w", m.meta.Name, err)
	}
	f := m.takeFile(key)
	m.lock.Unlock()
	if f != nil {
		return f.Put()
	}
	return nil
}

// NextKey returns the key following key in iteration order. A nil or
// unknown key starts from the first key; ErrNotFound marks the end.
func (m *Map) NextKey(key []byte) (next []byte, err error) {
	defer func() { bpfmetrics.MapOpInc("get_next_key", err) }()
	if key != nil {
		if err := m.checkKey(key); err != nil {
			return nil, err
		}
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	next, err = m.st.nextKey(key)
	if err != nil {
		return nil, fmt.Errorf("map %q next key: %w", m.meta.Name, err)
	}
	return next, nil
}

// LookupAndDelete returns the value of key and removes it atomically.
func (m *Map) LookupAndDelete(key []byte) (val []byte, err error) {
	defer func() { bpfmetrics.MapOpInc("lookup_and_delete", err) }()
	if m.meta.IsArray() {
		return nil, fmt.Errorf("lookup and delete on array %q: %w", m.meta.Name, errno.ErrNotSupported)
	}
	if err := m.checkUserWrite(); err != nil {
		return nil, err
	}
	if err := m.checkUserRead(); err != nil {
		return nil, err
	}
	if err := m.checkKey(key); err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	slots, ok := m.st.lookup(key)
	if !ok {
		return nil, fmt.Errorf("map %q lookup and delete: %w", m.meta.Name, errno.ErrNotFound)
	}
	val = m.userValue(slots)
	if err := m.st.delete(key); err != nil {
		return nil, fmt.Errorf("map %q lookup and delete: %w", m.meta.Name, err)
	}
	return val, nil
}

// LookupBatch returns up to count entries following inBatch (nil to start
// from the beginning) and the token to pass to the next call. When the end
// of the map is reached the partial batch comes with ErrNotFound.
func (m *Map) LookupBatch(inBatch []byte, count int) (keys, values [][]byte, outBatch []byte, err error) {
	defer func() { bpfmetrics.MapOpInc("lookup_batch", err) }()
	if count <= 0 {
		return nil, nil, nil, fmt.Errorf("map %q batch of %d: %w", m.meta.Name, count, errno.ErrInvalidInput)
	}
	if err := m.checkUserRead(); err != nil {
		return nil, nil, nil, err
	}
	if inBatch != nil {
		if err := m.checkKey(inBatch); err != nil {
			return nil, nil, nil, err
		}
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	cur := inBatch
	for len(keys) < count {
		next, err := m.st.nextKey(cur)
		if err != nil {
			return keys, values, cur, fmt.Errorf("map %q batch: %w", m.meta.Name, errno.ErrNotFound)
		}
		slots, ok := m.st.lookup(next)
		if !ok {
			return keys, values, cur, fmt.Errorf("map %q batch: %w", m.meta.Name, errno.ErrNotFound)
		}
		keys = append(keys, next)
		values = append(values, m.userValue(slots))
		cur = next
	}
	if _, err := m.st.nextKey(cur); err != nil {
		return keys, values, cur, fmt.Errorf("map %q batch: %w", m.meta.Name, errno.ErrNotFound)
	}
	return keys, values, cur, nil
}

// Freeze makes the map read-only for user space. Programs keep write
// access. Freezing a frozen map is a no-op.
func (m *Map) Freeze() error {
	bpfmetrics.MapOpInc("freeze", nil)
	m.frozen.Store(true)
	return nil
}

// ProgLookup returns the live value slot of key for cpu, or nil. The slot
// aliases the storage: writes through it update the map.
func (m *Map) ProgLookup(key []byte, cpu int) []byte {
	if len(key) != int(m.meta.KeySize) || m.meta.Type == bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY {
		return nil
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	slots, ok := m.st.get(key)
	if !ok {
		return nil
	}
	return slots[m.slot(cpu)]
}

func (m *Map) slot(cpu int) int {
	if m.ncpu == 1 || cpu < 0 {
		return 0
	}
	return cpu % m.ncpu
}

// ProgUpdate is the program side update. It ignores the frozen state and
// writes only the slot of cpu on per-CPU maps.
func (m *Map) ProgUpdate(key, value []byte, flags uint64, cpu int) error {
	if m.meta.Flags&bpf.BPF_F_RDONLY_PROG != 0 {
		return fmt.Errorf("map %q is read-only for programs: %w", m.meta.Name, errno.ErrPermission)
	}
	if m.meta.Type == bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY {
		return fmt.Errorf("program update of perf event array %q: %w", m.meta.Name, errno.ErrNotSupported)
	}
	if err := m.checkKey(key); err != nil {
		return err
	}
	if err := checkFlags(flags); err != nil {
		return err
	}
	if len(value) < int(m.meta.ValueSize) {
		return fmt.Errorf("map %q: value of %d bytes: %w", m.meta.Name, len(value), errno.ErrInvalidInput)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	slots, err := m.st.prepare(key, flags)
	if err != nil {
		return err
	}
	copy(slots[m.slot(cpu)], value[:m.meta.ValueSize])
	return nil
}

// ProgDelete is the program side delete.
func (m *Map) ProgDelete(key []byte) error {
	if m.meta.Flags&bpf.BPF_F_RDONLY_PROG != 0 {
		return fmt.Errorf("map %q is read-only for programs: %w", m.meta.Name, errno.ErrPermission)
	}
	if err := m.checkKey(key); err != nil {
		return err
	}
	m.lock.Lock()
	if err := m.delete(key); err != nil {
		m.lock.Unlock()
		return err
	}
	f := m.takeFile(key)
	m.lock.Unlock()
	if f != nil {
		return f.Put()
	}
	return nil
}

// destroy drops the references held by the map.
func (m *Map) destroy() error {
	m.lock.Lock()
	files := m.files
	m.files = nil
	m.lock.Unlock()
	var err error
	for _, f := range files {
		if f != nil {
			err = multierr.Append(err, f.Put())
		}
	}
	return err
}
