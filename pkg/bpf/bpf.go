// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

// Package bpf holds the uapi constants of the bpf(2) interface shared by the
// map store, the program loader, the interpreter and the syscall surface.
package bpf

const (
	// BPF map type constants. Must match enum bpf_map_type from linux/bpf.h
	BPF_MAP_TYPE_UNSPEC           = 0
	BPF_MAP_TYPE_HASH             = 1
	BPF_MAP_TYPE_ARRAY            = 2
	BPF_MAP_TYPE_PROG_ARRAY       = 3
	BPF_MAP_TYPE_PERF_EVENT_ARRAY = 4
	BPF_MAP_TYPE_PERCPU_HASH      = 5
	BPF_MAP_TYPE_PERCPU_ARRAY     = 6
	BPF_MAP_TYPE_STACK_TRACE      = 7
	BPF_MAP_TYPE_CGROUP_ARRAY     = 8
	BPF_MAP_TYPE_LRU_HASH         = 9
	BPF_MAP_TYPE_LRU_PERCPU_HASH  = 10
	BPF_MAP_TYPE_LPM_TRIE         = 11

	// BPF syscall command constants. Must match enum bpf_cmd from linux/bpf.h
	BPF_MAP_CREATE                  = 0
	BPF_MAP_LOOKUP_ELEM             = 1
	BPF_MAP_UPDATE_ELEM             = 2
	BPF_MAP_DELETE_ELEM             = 3
	BPF_MAP_GET_NEXT_KEY            = 4
	BPF_PROG_LOAD                   = 5
	BPF_OBJ_PIN                     = 6
	BPF_OBJ_GET                     = 7
	BPF_PROG_ATTACH                 = 8
	BPF_PROG_DETACH                 = 9
	BPF_PROG_TEST_RUN               = 10
	BPF_PROG_GET_NEXT_ID            = 11
	BPF_MAP_GET_NEXT_ID             = 12
	BPF_PROG_GET_FD_BY_ID           = 13
	BPF_MAP_GET_FD_BY_ID            = 14
	BPF_OBJ_GET_INFO_BY_FD          = 15
	BPF_PROG_QUERY                  = 16
	BPF_RAW_TRACEPOINT_OPEN         = 17
	BPF_BTF_LOAD                    = 18
	BPF_BTF_GET_FD_BY_ID            = 19
	BPF_TASK_FD_QUERY               = 20
	BPF_MAP_LOOKUP_AND_DELETE_ELEM  = 21
	BPF_MAP_FREEZE                  = 22
	BPF_BTF_GET_NEXT_ID             = 23
	BPF_MAP_LOOKUP_BATCH            = 24
	BPF_MAP_LOOKUP_AND_DELETE_BATCH = 25
	BPF_MAP_UPDATE_BATCH            = 26
	BPF_MAP_DELETE_BATCH            = 27
	BPF_LINK_CREATE                 = 28

	// BPF program type constants. Must match enum bpf_prog_type from linux/bpf.h
	BPF_PROG_TYPE_UNSPEC         = 0
	BPF_PROG_TYPE_SOCKET_FILTER  = 1
	BPF_PROG_TYPE_KPROBE         = 2
	BPF_PROG_TYPE_TRACEPOINT     = 5
	BPF_PROG_TYPE_PERF_EVENT     = 7
	BPF_PROG_TYPE_RAW_TRACEPOINT = 17

	// Flags for BPF_MAP_UPDATE_ELEM. Must match values from linux/bpf.h
	BPF_ANY     = 0
	BPF_NOEXIST = 1
	BPF_EXIST   = 2
	BPF_F_LOCK  = 4

	// Flags for BPF_MAP_CREATE. Must match values from linux/bpf.h
	BPF_F_NO_PREALLOC   = 1 << 0
	BPF_F_NO_COMMON_LRU = 1 << 1
	BPF_F_NUMA_NODE     = 1 << 2

	// Flags for accessing BPF object
	BPF_F_RDONLY      = 1 << 3
	BPF_F_WRONLY      = 1 << 4
	BPF_F_RDONLY_PROG = 1 << 7
	BPF_F_WRONLY_PROG = 1 << 8

	// Flags for bpf_perf_event_output
	BPF_F_INDEX_MASK  = 0xffffffff
	BPF_F_CURRENT_CPU = BPF_F_INDEX_MASK

	// Source register values of ld_imm64 referencing a map
	BPF_PSEUDO_MAP_FD    = 1
	BPF_PSEUDO_MAP_VALUE = 2

	BPF_OBJ_NAME_LEN = 16
	BPF_MAXINSNS     = 4096
)

// MapCreateFlags are the BPF_MAP_CREATE flags the map store understands.
const MapCreateFlags = BPF_F_NO_PREALLOC | BPF_F_NO_COMMON_LRU | BPF_F_NUMA_NODE |
	BPF_F_RDONLY | BPF_F_WRONLY | BPF_F_RDONLY_PROG | BPF_F_WRONLY_PROG

// MapTypeString returns the kernel name of a map type.
func MapTypeString(t uint32) string {
	switch t {
	case BPF_MAP_TYPE_HASH:
		return "hash"
	case BPF_MAP_TYPE_ARRAY:
		return "array"
	case BPF_MAP_TYPE_PROG_ARRAY:
		return "prog_array"
	case BPF_MAP_TYPE_PERF_EVENT_ARRAY:
		return "perf_event_array"
	case BPF_MAP_TYPE_PERCPU_HASH:
		return "percpu_hash"
	case BPF_MAP_TYPE_PERCPU_ARRAY:
		return "percpu_array"
	case BPF_MAP_TYPE_STACK_TRACE:
		return "stack_trace"
	case BPF_MAP_TYPE_CGROUP_ARRAY:
		return "cgroup_array"
	case BPF_MAP_TYPE_LRU_HASH:
		return "lru_hash"
	case BPF_MAP_TYPE_LRU_PERCPU_HASH:
		return "lru_percpu_hash"
	case BPF_MAP_TYPE_LPM_TRIE:
		return "lpm_trie"
	}
	return "unknown"
}

// CmdString returns the name of a bpf(2) command.
func CmdString(cmd int) string {
	switch cmd {
	case BPF_MAP_CREATE:
		return "map_create"
	case BPF_MAP_LOOKUP_ELEM:
		return "map_lookup_elem"
	case BPF_MAP_UPDATE_ELEM:
		return "map_update_elem"
	case BPF_MAP_DELETE_ELEM:
		return "map_delete_elem"
	case BPF_MAP_GET_NEXT_KEY:
		return "map_get_next_key"
	case BPF_PROG_LOAD:
		return "prog_load"
	case BPF_OBJ_GET_INFO_BY_FD:
		return "obj_get_info_by_fd"
	case BPF_RAW_TRACEPOINT_OPEN:
		return "raw_tracepoint_open"
	case BPF_BTF_LOAD:
		return "btf_load"
	case BPF_MAP_LOOKUP_AND_DELETE_ELEM:
		return "map_lookup_and_delete_elem"
	case BPF_MAP_FREEZE:
		return "map_freeze"
	case BPF_MAP_LOOKUP_BATCH:
		return "map_lookup_batch"
	case BPF_LINK_CREATE:
		return "link_create"
	}
	return "unknown"
}

// RoundUp8 rounds a value size up to the per-CPU slot size.
func RoundUp8(n uint32) uint32 {
	return (n + 7) &^ 7
}
