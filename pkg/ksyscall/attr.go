// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package ksyscall

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cilium/ktrace/pkg/errno"
)

// Layouts of the bpf_attr union members, pointers being user addresses.

type MapCreateAttr struct {
	MapType    uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	MapFlags   uint32
	InnerMapFd uint32
	NumaNode   uint32
	MapName    [16]byte
}

type MapElemAttr struct {
	MapFd uint32
	_     [4]byte
	Key   uint64
	// Value is the next key pointer for BPF_MAP_GET_NEXT_KEY.
	Value uint64
	Flags uint64
}

type MapBatchAttr struct {
	InBatch   uint64
	OutBatch  uint64
	Keys      uint64
	Values    uint64
	Count     uint32
	MapFd     uint32
	ElemFlags uint64
	Flags     uint64
}

type ProgLoadAttr struct {
	ProgType    uint32
	InsnCnt     uint32
	Insns       uint64
	License     uint64
	LogLevel    uint32
	LogSize     uint32
	LogBuf      uint64
	KernVersion uint32
	ProgFlags   uint32
	ProgName    [16]byte
}

type RawTracepointOpenAttr struct {
	Name   uint64
	ProgFd uint32
	_      [4]byte
}

// attrSize is the size of the bpf_attr union.
const attrSize = 144

// offset of the in/out count of BPF_MAP_LOOKUP_BATCH
const batchCountOff = 32

// decodeAttr fills attr from the raw union, shorter unions reading as zero
// extended.
func decodeAttr(raw []byte, attr interface{}) error {
	buf := make([]byte, attrSize)
	copy(buf, raw)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, attr); err != nil {
		return fmt.Errorf("decoding %T: %w", attr, errno.ErrInvalidInput)
	}
	return nil
}

// EncodeAttr serializes attr as user space passes it to bpf(2).
func EncodeAttr(attr interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, attr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
