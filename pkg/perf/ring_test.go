// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package perf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cilium/ktrace/pkg/errno"
)

func TestSampleRecordLayout(t *testing.T) {
	assert.Equal(t, 8, headerSize)

	rec, err := sampleRecord([]byte{1, 2, 3})
	require.NoError(t, err)
	// header, u32 raw size, 3 bytes of data padded to 4
	require.Len(t, rec, 16)
	assert.Equal(t, uint32(unix.PERF_RECORD_SAMPLE), binary.LittleEndian.Uint32(rec[0:]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(rec[6:]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(rec[8:]))
	assert.Equal(t, []byte{1, 2, 3, 0}, rec[12:])

	_, err = sampleRecord(make([]byte, maxRecordSize))
	assert.ErrorIs(t, err, errno.ErrTooBig)
}
