// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package file

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ktrace/pkg/errno"
)

type testOps struct {
	name     string
	released int
	err      error
}

func (o *testOps) Path() string { return o.name }

func (o *testOps) Release() error {
	o.released++
	return o.err
}

type readOps struct {
	testOps
}

func (o *readOps) Read(_ context.Context, buf []byte) (int, error) {
	return copy(buf, o.name), nil
}

func TestFileRefs(t *testing.T) {
	ops := &testOps{name: AnonInodePath(KindBpfMap)}
	f := New(KindBpfMap, ops)
	assert.Equal(t, "anon_inode:[bpf_map]", f.Path())

	f.Get()
	require.NoError(t, f.Put())
	assert.Equal(t, 0, ops.released)
	require.NoError(t, f.Put())
	assert.Equal(t, 1, ops.released)
	assert.Panics(t, func() { f.Put() })
}

func TestFileOptionalOps(t *testing.T) {
	f := New(KindTrace, &testOps{name: "x"})
	_, err := f.Read(context.Background(), make([]byte, 4))
	require.ErrorIs(t, err, errno.ErrInvalidInput)
	_, err = f.Ioctl(1, 0)
	require.ErrorIs(t, err, errno.ErrNotSupported)
	assert.True(t, f.Poll())

	r := New(KindTrace, &readOps{testOps{name: "trace"}})
	buf := make([]byte, 8)
	n, err := r.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "trace", string(buf[:n]))
}

func TestTableLowestFree(t *testing.T) {
	tbl := NewTable()
	a := &testOps{name: "a"}
	b := &testOps{name: "b"}
	c := &testOps{name: "c"}

	assert.Equal(t, 0, tbl.Install(New(KindBpfMap, a)))
	assert.Equal(t, 1, tbl.Install(New(KindBpfProg, b)))
	assert.Equal(t, 2, tbl.Len())

	require.NoError(t, tbl.Close(0))
	assert.Equal(t, 1, a.released)
	_, err := tbl.Get(0)
	require.ErrorIs(t, err, errno.ErrBadFD)
	require.ErrorIs(t, tbl.Close(0), errno.ErrBadFD)

	assert.Equal(t, 0, tbl.Install(New(KindPerfEvent, c)))
	f, err := tbl.Get(1)
	require.NoError(t, err)
	assert.Equal(t, KindBpfProg, f.Kind())
	require.NoError(t, f.Put())
	assert.Equal(t, 0, b.released)

	fd, err := tbl.Dup(1)
	require.NoError(t, err)
	assert.Equal(t, 2, fd)
	require.NoError(t, tbl.Close(1))
	assert.Equal(t, 0, b.released)

	c.err = errors.New("boom")
	err = tbl.CloseAll()
	require.Error(t, err)
	assert.Equal(t, 1, b.released)
	assert.Equal(t, 1, c.released)
	assert.Equal(t, 0, tbl.Len())
}
