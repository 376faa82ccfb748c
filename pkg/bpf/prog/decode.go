// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package prog

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/cilium/ktrace/pkg/errno"
)

var ldImm64 = asm.LoadImmOp(asm.DWord)

// Decode splits raw bytecode into instructions. A ld_imm64 occupies two raw
// slots; slots[i] is the raw slot at which instruction i starts.
func Decode(raw []byte) (insns asm.Instructions, slots []int, err error) {
	if len(raw) == 0 || len(raw)%asm.InstructionSize != 0 {
		return nil, nil, fmt.Errorf("bytecode of %d bytes: %w", len(raw), errno.ErrInvalidInput)
	}
	if err := insns.Unmarshal(bytes.NewReader(raw), binary.LittleEndian); err != nil {
		return nil, nil, fmt.Errorf("decoding bytecode: %v: %w", err, errno.ErrInvalidInput)
	}
	slots = make([]int, len(insns))
	slot := 0
	for i, ins := range insns {
		slots[i] = slot
		slot += int(ins.Size() / asm.InstructionSize)
	}
	return insns, slots, nil
}
