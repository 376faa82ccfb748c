// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package maps

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ktrace/pkg/bpf"
	"github.com/cilium/ktrace/pkg/errno"
	"github.com/cilium/ktrace/pkg/file"
)

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func newMap(t *testing.T, typ, key, value, max uint32) *Map {
	m, err := New(Meta{Type: typ, KeySize: key, ValueSize: value, MaxEntries: max, Name: "test"}, 2)
	require.NoError(t, err)
	return m
}

func TestMetaValidate(t *testing.T) {
	tests := []struct {
		name string
		meta Meta
		err  error
	}{
		{"hash", Meta{Type: bpf.BPF_MAP_TYPE_HASH, KeySize: 8, ValueSize: 8, MaxEntries: 1}, nil},
		{"unknown type", Meta{Type: bpf.BPF_MAP_TYPE_LPM_TRIE, KeySize: 8, ValueSize: 8, MaxEntries: 1}, errno.ErrNotSupported},
		{"zero key", Meta{Type: bpf.BPF_MAP_TYPE_HASH, ValueSize: 8, MaxEntries: 1}, errno.ErrInvalidInput},
		{"zero entries", Meta{Type: bpf.BPF_MAP_TYPE_HASH, KeySize: 8, ValueSize: 8}, errno.ErrInvalidInput},
		{"array key", Meta{Type: bpf.BPF_MAP_TYPE_ARRAY, KeySize: 8, ValueSize: 8, MaxEntries: 1}, errno.ErrInvalidInput},
		{"perf value", Meta{Type: bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY, KeySize: 4, ValueSize: 8, MaxEntries: 1}, errno.ErrInvalidInput},
		{"unknown flag", Meta{Type: bpf.BPF_MAP_TYPE_HASH, KeySize: 8, ValueSize: 8, MaxEntries: 1, Flags: 1 << 20}, errno.ErrInvalidInput},
		{"array no prealloc", Meta{Type: bpf.BPF_MAP_TYPE_ARRAY, KeySize: 4, ValueSize: 8, MaxEntries: 1, Flags: bpf.BPF_F_NO_PREALLOC}, errno.ErrInvalidInput},
		{"big key", Meta{Type: bpf.BPF_MAP_TYPE_HASH, KeySize: 1024, ValueSize: 8, MaxEntries: 1}, errno.ErrTooBig},
		{"bad name", Meta{Type: bpf.BPF_MAP_TYPE_HASH, KeySize: 8, ValueSize: 8, MaxEntries: 1, Name: "a-b"}, errno.ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.meta.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestHashRoundTrip(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_HASH, 4, 8, 4)

	require.NoError(t, m.Update(u32(1), u64(42), bpf.BPF_ANY))
	v, err := m.Lookup(u32(1))
	require.NoError(t, err)
	assert.Equal(t, u64(42), v)

	assert.ErrorIs(t, m.Update(u32(1), u64(1), bpf.BPF_NOEXIST), errno.ErrAlreadyExists)
	assert.ErrorIs(t, m.Update(u32(2), u64(1), bpf.BPF_EXIST), errno.ErrNotFound)
	assert.ErrorIs(t, m.Update(u32(2), u64(1), 7), errno.ErrInvalidInput)
	assert.ErrorIs(t, m.Update(u32(2), u32(1), bpf.BPF_ANY), errno.ErrInvalidInput)

	require.NoError(t, m.Delete(u32(1)))
	_, err = m.Lookup(u32(1))
	assert.ErrorIs(t, err, errno.ErrNotFound)
	assert.ErrorIs(t, m.Delete(u32(1)), errno.ErrNotFound)
}

func TestLookupReturnsCopy(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_HASH, 4, 8, 4)
	require.NoError(t, m.Update(u32(1), u64(42), bpf.BPF_ANY))
	v, err := m.Lookup(u32(1))
	require.NoError(t, err)
	v[0] = 0xff
	v, err = m.Lookup(u32(1))
	require.NoError(t, err)
	assert.Equal(t, u64(42), v)
}

func TestHashFull(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_HASH, 4, 8, 2)
	require.NoError(t, m.Update(u32(1), u64(1), bpf.BPF_ANY))
	require.NoError(t, m.Update(u32(2), u64(2), bpf.BPF_ANY))
	assert.ErrorIs(t, m.Update(u32(3), u64(3), bpf.BPF_ANY), errno.ErrStorageFull)
	// replacing an existing key still works
	assert.NoError(t, m.Update(u32(2), u64(5), bpf.BPF_ANY))
}

func collectKeys(t *testing.T, m *Map) []uint32 {
	var keys []uint32
	var cur []byte
	for {
		next, err := m.NextKey(cur)
		if err != nil {
			require.ErrorIs(t, err, errno.ErrNotFound)
			return keys
		}
		keys = append(keys, binary.LittleEndian.Uint32(next))
		cur = next
	}
}

func TestNextKeyEnumeratesOnce(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_HASH, 4, 8, 16)
	for _, k := range []uint32{5, 3, 9, 1} {
		require.NoError(t, m.Update(u32(k), u64(uint64(k)), bpf.BPF_ANY))
	}
	require.NoError(t, m.Delete(u32(3)))
	if diff := cmp.Diff([]uint32{5, 9, 1}, collectKeys(t, m)); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}

	// an unknown key restarts the iteration
	next, err := m.NextKey(u32(77))
	require.NoError(t, err)
	assert.Equal(t, u32(5), next)
}

func TestLRUDumpEnumeratesOnce(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_LRU_HASH, 4, 8, 8)
	for k := uint32(1); k <= 4; k++ {
		require.NoError(t, m.Update(u32(k), u64(uint64(k)), bpf.BPF_ANY))
	}

	// a user space dump looks up every key it walks over
	var seen []uint32
	var cur []byte
	for {
		next, err := m.NextKey(cur)
		if err != nil {
			require.ErrorIs(t, err, errno.ErrNotFound)
			break
		}
		v, err := m.Lookup(next)
		require.NoError(t, err)
		assert.Equal(t, u64(uint64(binary.LittleEndian.Uint32(next))), v)
		seen = append(seen, binary.LittleEndian.Uint32(next))
		cur = next
	}
	assert.ElementsMatch(t, []uint32{1, 2, 3, 4}, seen)

	keys, values, _, err := m.LookupBatch(nil, 4)
	assert.ErrorIs(t, err, errno.ErrNotFound)
	assert.Len(t, keys, 4)
	assert.Len(t, values, 4)
}

func TestHashDeleteKeepsOrder(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_HASH, 4, 8, 8)
	for k := uint32(1); k <= 5; k++ {
		require.NoError(t, m.Update(u32(k), u64(uint64(k)), bpf.BPF_ANY))
	}
	require.NoError(t, m.ProgDelete(u32(1)))
	require.NoError(t, m.Delete(u32(3)))
	require.NoError(t, m.Delete(u32(5)))
	assert.Equal(t, []uint32{2, 4}, collectKeys(t, m))

	require.NoError(t, m.Update(u32(1), u64(1), bpf.BPF_ANY))
	assert.Equal(t, []uint32{2, 4, 1}, collectKeys(t, m))
	assert.Equal(t, 3, m.Len())

	require.NoError(t, m.Delete(u32(2)))
	require.NoError(t, m.Delete(u32(4)))
	require.NoError(t, m.Delete(u32(1)))
	_, err := m.NextKey(nil)
	assert.ErrorIs(t, err, errno.ErrNotFound)
}

func TestArray(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_ARRAY, 4, 8, 3)

	v, err := m.Lookup(u32(2))
	require.NoError(t, err)
	assert.Equal(t, u64(0), v)

	require.NoError(t, m.Update(u32(2), u64(7), bpf.BPF_EXIST))
	assert.ErrorIs(t, m.Update(u32(2), u64(7), bpf.BPF_NOEXIST), errno.ErrAlreadyExists)
	assert.ErrorIs(t, m.Update(u32(3), u64(7), bpf.BPF_ANY), errno.ErrTooBig)
	assert.ErrorIs(t, m.Delete(u32(0)), errno.ErrInvalidInput)
	_, err = m.Lookup(u32(3))
	assert.ErrorIs(t, err, errno.ErrNotFound)

	assert.Equal(t, []uint32{0, 1, 2}, collectKeys(t, m))
	_, err = m.LookupAndDelete(u32(0))
	assert.ErrorIs(t, err, errno.ErrNotSupported)
}

func TestPerCPU(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_PERCPU_ARRAY, 4, 4, 1)
	assert.Equal(t, 16, m.UserValueSize())

	require.NoError(t, m.ProgUpdate(u32(0), u32(7), bpf.BPF_ANY, 1))
	v, err := m.Lookup(u32(0))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0}, v)

	in := []byte{1, 0, 0, 0, 0xee, 0xee, 0xee, 0xee, 2, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, m.Update(u32(0), in, bpf.BPF_ANY))
	assert.Equal(t, u32(1), m.ProgLookup(u32(0), 0))
	assert.Equal(t, u32(2), m.ProgLookup(u32(0), 1))

	h := newMap(t, bpf.BPF_MAP_TYPE_PERCPU_HASH, 4, 8, 4)
	assert.ErrorIs(t, h.Update(u32(0), u64(1), bpf.BPF_ANY), errno.ErrInvalidInput)
	require.NoError(t, h.ProgUpdate(u32(0), u64(3), bpf.BPF_ANY, 0))
	v, err = h.Lookup(u32(0))
	require.NoError(t, err)
	assert.Equal(t, append(u64(3), u64(0)...), v)
}

func TestLRUEvicts(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_LRU_HASH, 4, 8, 2)
	require.NoError(t, m.Update(u32(1), u64(1), bpf.BPF_ANY))
	require.NoError(t, m.Update(u32(2), u64(2), bpf.BPF_ANY))
	// touch 1 so 2 becomes the oldest
	require.NotNil(t, m.ProgLookup(u32(1), 0))
	require.NoError(t, m.Update(u32(3), u64(3), bpf.BPF_ANY))

	_, err := m.Lookup(u32(2))
	assert.ErrorIs(t, err, errno.ErrNotFound)
	assert.ElementsMatch(t, []uint32{1, 3}, collectKeys(t, m))
}

func TestProgLookupAliases(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_HASH, 4, 8, 4)
	require.NoError(t, m.Update(u32(1), u64(1), bpf.BPF_ANY))
	live := m.ProgLookup(u32(1), 0)
	require.NotNil(t, live)
	binary.LittleEndian.PutUint64(live, 99)
	v, err := m.Lookup(u32(1))
	require.NoError(t, err)
	assert.Equal(t, u64(99), v)
	assert.Nil(t, m.ProgLookup(u32(2), 0))
	assert.Nil(t, m.ProgLookup(u64(1), 0))
}

func TestLookupAndDelete(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_HASH, 4, 8, 4)
	require.NoError(t, m.Update(u32(1), u64(11), bpf.BPF_ANY))
	v, err := m.LookupAndDelete(u32(1))
	require.NoError(t, err)
	assert.Equal(t, u64(11), v)
	assert.Equal(t, 0, m.Len())
	_, err = m.LookupAndDelete(u32(1))
	assert.ErrorIs(t, err, errno.ErrNotFound)
}

func TestLookupBatch(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_HASH, 4, 8, 8)
	for k := uint32(1); k <= 5; k++ {
		require.NoError(t, m.Update(u32(k), u64(uint64(k*10)), bpf.BPF_ANY))
	}

	keys, values, token, err := m.LookupBatch(nil, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{u32(1), u32(2), u32(3)}, keys)
	assert.Equal(t, [][]byte{u64(10), u64(20), u64(30)}, values)

	keys, values, _, err = m.LookupBatch(token, 3)
	assert.ErrorIs(t, err, errno.ErrNotFound)
	assert.Equal(t, [][]byte{u32(4), u32(5)}, keys)
	assert.Equal(t, [][]byte{u64(40), u64(50)}, values)

	_, _, _, err = m.LookupBatch(nil, 0)
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
}

func TestFreeze(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_ARRAY, 4, 8, 2)
	require.NoError(t, m.Freeze())
	require.NoError(t, m.Freeze())
	assert.True(t, m.Frozen())

	assert.ErrorIs(t, m.Update(u32(0), u64(1), bpf.BPF_ANY), errno.ErrPermission)
	assert.NoError(t, m.ProgUpdate(u32(0), u64(5), bpf.BPF_ANY, 0))
	v, err := m.Lookup(u32(0))
	require.NoError(t, err)
	assert.Equal(t, u64(5), v)
}

func TestAccessFlags(t *testing.T) {
	m, err := New(Meta{Type: bpf.BPF_MAP_TYPE_HASH, KeySize: 4, ValueSize: 8, MaxEntries: 2, Flags: bpf.BPF_F_RDONLY_PROG}, 1)
	require.NoError(t, err)
	require.NoError(t, m.Update(u32(0), u64(1), bpf.BPF_ANY))
	assert.ErrorIs(t, m.ProgUpdate(u32(0), u64(2), bpf.BPF_ANY, 0), errno.ErrPermission)

	m, err = New(Meta{Type: bpf.BPF_MAP_TYPE_HASH, KeySize: 4, ValueSize: 8, MaxEntries: 2, Flags: bpf.BPF_F_WRONLY}, 1)
	require.NoError(t, err)
	require.NoError(t, m.Update(u32(0), u64(1), bpf.BPF_ANY))
	_, err = m.Lookup(u32(0))
	assert.ErrorIs(t, err, errno.ErrPermission)
}

type perfOps struct {
	released int
}

func (o *perfOps) Path() string   { return file.AnonInodePath(file.KindPerfEvent) }
func (o *perfOps) Release() error { o.released++; return nil }

func TestPerfEventArray(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_PERF_EVENT_ARRAY, 4, 4, 2)
	mf := NewFile(m)

	ops := &perfOps{}
	ev := file.New(file.KindPerfEvent, ops)
	assert.ErrorIs(t, m.Update(u32(0), u32(3), bpf.BPF_ANY), errno.ErrInvalidInput)
	assert.ErrorIs(t, m.UpdateFile(u32(0), 3, mf, bpf.BPF_ANY), errno.ErrInvalidInput)
	require.NoError(t, m.UpdateFile(u32(0), 3, ev, bpf.BPF_ANY))
	assert.Equal(t, int32(2), ev.Refs())

	got, err := m.FileAt(0)
	require.NoError(t, err)
	assert.Same(t, ev, got)
	require.NoError(t, got.Put())
	_, err = m.FileAt(1)
	assert.ErrorIs(t, err, errno.ErrNotFound)
	_, err = m.FileAt(2)
	assert.ErrorIs(t, err, errno.ErrTooBig)

	require.NoError(t, ev.Put())
	assert.Equal(t, 0, ops.released)
	require.NoError(t, mf.Put())
	assert.Equal(t, 1, ops.released)
}

func TestFromFile(t *testing.T) {
	m := newMap(t, bpf.BPF_MAP_TYPE_HASH, 4, 8, 2)
	f := NewFile(m)
	assert.Equal(t, "anon_inode:[bpf_map]", f.Path())
	got, err := FromFile(f)
	require.NoError(t, err)
	assert.Same(t, m, got)

	_, err = FromFile(file.New(file.KindPerfEvent, &perfOps{}))
	assert.ErrorIs(t, err, errno.ErrInvalidInput)
}
