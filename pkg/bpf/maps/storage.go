// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package maps

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/exp/slices"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/errno"
)

// storage is the per type backing of a Map. All methods are called with the
// map lock held. Values are returned as per-CPU slots aliasing the storage.
type storage interface {
	// lookup leaves the iteration order untouched.
	lookup(key []byte) ([][]byte, bool)
	// get is the program side lookup; LRU maps mark key as recently used.
	get(key []byte) ([][]byte, bool)
	// prepare returns the slots an update of key with flags writes to,
	// creating the entry if needed.
	prepare(key []byte, flags uint64) ([][]byte, error)
	delete(key []byte) error
	nextKey(key []byte) ([]byte, error)
	len() int
}

func newSlots(n int, size uint32) [][]byte {
	slots := make([][]byte, n)
	for i := range slots {
		slots[i] = make([]byte, size)
	}
	return slots
}

type hashEntry struct {
	key        string
	slots      [][]byte
	prev, next *hashEntry
}

// hashStorage links its entries in insertion order so that iteration is
// stable and deletes stay O(1).
type hashStorage struct {
	meta       Meta
	ncpu       int
	entries    map[string]*hashEntry
	head, tail *hashEntry
}

func newHashStorage(meta Meta, ncpu int) *hashStorage {
	return &hashStorage{
		meta:    meta,
		ncpu:    ncpu,
		entries: make(map[string]*hashEntry),
	}
}

func (h *hashStorage) lookup(key []byte) ([][]byte, bool) {
	e, ok := h.entries[string(key)]
	if !ok {
		return nil, false
	}
	return e.slots, true
}

func (h *hashStorage) get(key []byte) ([][]byte, bool) {
	return h.lookup(key)
}

func (h *hashStorage) prepare(key []byte, flags uint64) ([][]byte, error) {
	k := string(key)
	e, ok := h.entries[k]
	switch {
	case ok && flags == bpf.BPF_NOEXIST:
		return nil, errno.ErrAlreadyExists
	case !ok && flags == bpf.BPF_EXIST:
		return nil, errno.ErrNotFound
	case ok:
		return e.slots, nil
	}
	if len(h.entries) >= int(h.meta.MaxEntries) {
		return nil, errno.ErrStorageFull
	}
	e = &hashEntry{key: k, slots: newSlots(h.ncpu, h.meta.ValueSize), prev: h.tail}
	if h.tail != nil {
		h.tail.next = e
	} else {
		h.head = e
	}
	h.tail = e
	h.entries[k] = e
	return e.slots, nil
}

func (h *hashStorage) delete(key []byte) error {
	k := string(key)
	e, ok := h.entries[k]
	if !ok {
		return errno.ErrNotFound
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		h.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		h.tail = e.prev
	}
	delete(h.entries, k)
	return nil
}

func (h *hashStorage) nextKey(key []byte) ([]byte, error) {
	if h.head == nil {
		return nil, errno.ErrNotFound
	}
	e, ok := h.entries[string(key)]
	if key == nil || !ok {
		return []byte(h.head.key), nil
	}
	if e.next == nil {
		return nil, errno.ErrNotFound
	}
	return []byte(e.next.key), nil
}

func (h *hashStorage) len() int {
	return len(h.entries)
}

// lruStorage evicts the least recently used entry instead of failing when
// full. Only program accesses and updates refresh recency, so a dump from
// user space walks a stable order.
type lruStorage struct {
	meta Meta
	lru  *simplelru.LRU[string, [][]byte]
}

func newLRUStorage(meta Meta) (*lruStorage, error) {
	l, err := simplelru.NewLRU[string, [][]byte](int(meta.MaxEntries), nil)
	if err != nil {
		return nil, fmt.Errorf("lru map %q: %w", meta.Name, errno.ErrInvalidInput)
	}
	return &lruStorage{meta: meta, lru: l}, nil
}

func (l *lruStorage) lookup(key []byte) ([][]byte, bool) {
	return l.lru.Peek(string(key))
}

func (l *lruStorage) get(key []byte) ([][]byte, bool) {
	return l.lru.Get(string(key))
}

func (l *lruStorage) prepare(key []byte, flags uint64) ([][]byte, error) {
	k := string(key)
	v, ok := l.lru.Get(k)
	switch {
	case ok && flags == bpf.BPF_NOEXIST:
		return nil, errno.ErrAlreadyExists
	case !ok && flags == bpf.BPF_EXIST:
		return nil, errno.ErrNotFound
	case ok:
		return v, nil
	}
	v = newSlots(1, l.meta.ValueSize)
	l.lru.Add(k, v)
	return v, nil
}

func (l *lruStorage) delete(key []byte) error {
	if !l.lru.Remove(string(key)) {
		return errno.ErrNotFound
	}
	return nil
}

func (l *lruStorage) nextKey(key []byte) ([]byte, error) {
	keys := l.lru.Keys()
	if len(keys) == 0 {
		return nil, errno.ErrNotFound
	}
	i := slices.Index(keys, string(key))
	if key == nil || i < 0 {
		return []byte(keys[0]), nil
	}
	if i+1 >= len(keys) {
		return nil, errno.ErrNotFound
	}
	return []byte(keys[i+1]), nil
}

func (l *lruStorage) len() int {
	return l.lru.Len()
}

// arrayStorage is fully preallocated: every index always exists.
type arrayStorage struct {
	meta  Meta
	slots [][][]byte
}

func newArrayStorage(meta Meta, ncpu int) *arrayStorage {
	a := &arrayStorage{meta: meta, slots: make([][][]byte, meta.MaxEntries)}
	for i := range a.slots {
		a.slots[i] = newSlots(ncpu, meta.ValueSize)
	}
	return a
}

func arrayIndex(key []byte) uint32 {
	return binary.LittleEndian.Uint32(key)
}

func (a *arrayStorage) lookup(key []byte) ([][]byte, bool) {
	idx := arrayIndex(key)
	if idx >= a.meta.MaxEntries {
		return nil, false
	}
	return a.slots[idx], true
}

func (a *arrayStorage) get(key []byte) ([][]byte, bool) {
	return a.lookup(key)
}

func (a *arrayStorage) prepare(key []byte, flags uint64) ([][]byte, error) {
	idx := arrayIndex(key)
	if idx >= a.meta.MaxEntries {
		return nil, errno.ErrTooBig
	}
	if flags == bpf.BPF_NOEXIST {
		return nil, errno.ErrAlreadyExists
	}
	return a.slots[idx], nil
}

func (a *arrayStorage) delete(_ []byte) error {
	return errno.ErrInvalidInput
}

func (a *arrayStorage) nextKey(key []byte) ([]byte, error) {
	next := uint32(0)
	if key != nil {
		idx := arrayIndex(key)
		if idx+1 >= a.meta.MaxEntries && idx < a.meta.MaxEntries {
			return nil, errno.ErrNotFound
		}
		if idx < a.meta.MaxEntries {
			next = idx + 1
		}
	}
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, next)
	return out, nil
}

func (a *arrayStorage) len() int {
	return len(a.slots)
}
