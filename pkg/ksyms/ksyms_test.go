// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon
package ksyms

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ktrace/pkg/errno"
)

func TestGetFnOffset(t *testing.T) {
	ksyms := &Ksyms{
		table: []ksym{
			{addr: 0x100, name: "addr1", ty: "t"},
			{addr: 0x200, name: "addr2", ty: "t"},
			{addr: 0x300, name: "addr3", ty: "w"},
			{addr: 0x400, name: "addr4", ty: "t"},
			{addr: 0x500, name: "addr5", ty: "t"},
			{addr: 0x600, name: "addr6", ty: "t"},
			{addr: 0x700, name: "addr7", ty: "d"},
			{addr: 0x800, name: "addr8", ty: "t"},
			{addr: 0x900, name: "addr9", ty: "t"},
			{addr: 0xa00, name: "addr10", ty: "t"},
		},
	}

	tests := []struct {
		name    string
		addr    uint64
		wantErr bool
		want    FnOffset
	}{
		{
			name: "valid first address",
			addr: 0x100,
			want: FnOffset{SymName: "addr1", Offset: 0},
		},
		{
			name: "addr 0x110",
			addr: 0x110,
			want: FnOffset{SymName: "addr1", Offset: 0x10},
		},
		{
			name: "addr 0x410",
			addr: 0x410,
			want: FnOffset{SymName: "addr4", Offset: 0x10},
		},
		{
			name: "addr 0x50f",
			addr: 0x50f,
			want: FnOffset{SymName: "addr5", Offset: 0xf},
		},
		{
			name: "addr 0x900",
			addr: 0x900,
			want: FnOffset{SymName: "addr9", Offset: 0},
		},
		{
			name: "last symbol",
			addr: 0xa10,
			want: FnOffset{SymName: "addr10", Offset: 0x10},
		},
		{
			name:    "data symbol",
			addr:    0x710,
			wantErr: true,
		},
		{
			name:    "address is before first symbol",
			addr:    0x090,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ksyms.getFnOffset(tt.addr)
			if tt.wantErr {
				require.ErrorIs(t, err, errno.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestLookupAndFunctions(t *testing.T) {
	k := New()
	k.Add("do_sys_open", 0xffffffff81000200, "T")
	k.Add("sys_bpf", 0xffffffff81000100, "T")
	k.Add("some_data", 0xffffffff81000300, "D")

	addr, err := k.Lookup("do_sys_open")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffffffff81000200), addr)
	_, err = k.Lookup("nope")
	require.ErrorIs(t, err, errno.ErrNotFound)

	assert.Equal(t, []string{"sys_bpf", "do_sys_open"}, k.Functions())
	assert.Equal(t, "do_sys_open+0x4", k.Name(0xffffffff81000204))
	assert.Equal(t, "sys_bpf", k.Name(0xffffffff81000100))
	assert.Equal(t, "0xffffffff81000310", k.Name(0xffffffff81000310))
	assert.Equal(t, "0x10", k.Name(0x10))
}

func TestAdd(t *testing.T) {
	k := New()
	k.Add("b", 0x2000, "T")
	assert.Equal(t, "b+0x10", k.Name(0x2010))
	k.Add("a", 0x1000, "T")
	k.Add("c", 0x2008, "t")
	assert.Equal(t, "c+0x8", k.Name(0x2010), "cache is purged on insertion")

	var buf bytes.Buffer
	_, err := k.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "0000000000001000 T a\n0000000000002000 T b\n0000000000002008 t c\n", buf.String())
}
