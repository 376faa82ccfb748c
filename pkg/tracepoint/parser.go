// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package tracepoint

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const unknownComm = "<...>"

// Parser renders trace buffer records as text lines.
type Parser struct {
	mgr *Manager
}

func NewParser(mgr *Manager) *Parser {
	return &Parser{mgr: mgr}
}

// Header is printed at the top of the trace file.
func (p *Parser) Header(s *Snapshot) string {
	var sb strings.Builder
	sb.WriteString("# tracer: nop\n#\n")
	fmt.Fprintf(&sb, "# entries-in-buffer/entries-written: %d/%d   #P:%d\n#\n", s.Len(), s.Written(), p.mgr.host.NumCPUs())
	sb.WriteString("#           TASK-PID     CPU#     TIMESTAMP  FUNCTION\n")
	sb.WriteString("#              | |         |         |         |\n")
	return sb.String()
}

// Line renders e as "comm-pid [cpu] ts: event: field=value ...".
func (p *Parser) Line(e Entry) string {
	var id uint64
	var pid int32
	if len(e.Data) >= 8 {
		id = uint64(binary.LittleEndian.Uint16(e.Data[0:2]))
		pid = int32(binary.LittleEndian.Uint32(e.Data[4:8]))
	}
	comm, ok := p.mgr.cmdlines.Lookup(pid)
	if !ok {
		comm = unknownComm
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%16s-%-7d [%03d] %6d.%06d: ", comm, pid, e.CPU, e.Timestamp/1e9, e.Timestamp%1e9/1e3)

	tp, err := p.mgr.ByID(id)
	if err != nil {
		fmt.Fprintf(&sb, "Unknown event %d\n", id)
		return sb.String()
	}
	sb.WriteString(tp.name)
	sb.WriteString(":")
	if tp.message != "" {
		ff, _ := tp.format.Field(tp.message)
		sb.WriteString(" ")
		sb.WriteString(strings.TrimRight(ff.Str(e.Data), "\n"))
	} else {
		for _, ff := range tp.format.Fields[commonFieldCount:] {
			fmt.Fprintf(&sb, " %s=%s", ff.Field.Name, ff.Render(e.Data))
		}
	}
	sb.WriteString("\n")
	return sb.String()
}
