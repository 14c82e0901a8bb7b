// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// swCgroupSwitches is PERF_COUNT_SW_CGROUP_SWITCHES (Linux 5.13), which the
// unix package doesn't define.
const swCgroupSwitches = 11

type builtinEvent struct {
	pmu    uint32
	config uint64
}

type cacheEventName struct {
	name   string
	config uint64
}

// builtinTable holds the event names that correspond to well-known perf event
// configs and thus generally don't appear in /sys.
type builtinTable struct {
	cpu      map[string]builtinEvent // No PMU or cpu/ PMU
	software map[string]builtinEvent // No PMU

	// Canonical names, for printing events built from ids.
	hwNames map[uint64]string
	swNames map[uint64]string

	cache        []cacheEventName
	cacheOp      []cacheEventName
	cacheResult  []cacheEventName
	cacheAllowed map[uint64]uint8 // Cache level -> bitmap of cache op
}

var builtins = sync.OnceValue(newBuiltinTable)

func newBuiltinTable() *builtinTable {
	t := &builtinTable{
		cpu:      make(map[string]builtinEvent),
		software: make(map[string]builtinEvent),
		hwNames:  make(map[uint64]string),
		swNames:  make(map[uint64]string),
	}

	// See parse-events.c:event_symbols_hw
	hw := func(config uint64, names ...string) {
		t.hwNames[config] = names[0]
		for _, name := range names {
			t.cpu[name] = builtinEvent{unix.PERF_TYPE_HARDWARE, config}
		}
	}
	hw(unix.PERF_COUNT_HW_CPU_CYCLES, "cpu-cycles", "cycles")
	hw(unix.PERF_COUNT_HW_INSTRUCTIONS, "instructions")
	hw(unix.PERF_COUNT_HW_CACHE_REFERENCES, "cache-references")
	hw(unix.PERF_COUNT_HW_CACHE_MISSES, "cache-misses")
	hw(unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, "branches", "branch-instructions")
	hw(unix.PERF_COUNT_HW_BRANCH_MISSES, "branch-misses")
	hw(unix.PERF_COUNT_HW_BUS_CYCLES, "bus-cycles")
	hw(unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND, "stalled-cycles-frontend", "idle-cycles-frontend")
	hw(unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND, "stalled-cycles-backend", "idle-cycles-backend")
	hw(unix.PERF_COUNT_HW_REF_CPU_CYCLES, "ref-cycles")

	// See parse-events.c:event_symbols_sw
	sw := func(config uint64, names ...string) {
		t.swNames[config] = names[0]
		for _, name := range names {
			t.software[name] = builtinEvent{unix.PERF_TYPE_SOFTWARE, config}
		}
	}
	sw(unix.PERF_COUNT_SW_CPU_CLOCK, "cpu-clock")
	sw(unix.PERF_COUNT_SW_TASK_CLOCK, "task-clock")
	sw(unix.PERF_COUNT_SW_PAGE_FAULTS, "page-faults", "faults")
	sw(unix.PERF_COUNT_SW_CONTEXT_SWITCHES, "context-switches", "cs")
	sw(unix.PERF_COUNT_SW_CPU_MIGRATIONS, "cpu-migrations", "migrations")
	sw(unix.PERF_COUNT_SW_PAGE_FAULTS_MIN, "minor-faults")
	sw(unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ, "major-faults")
	sw(unix.PERF_COUNT_SW_ALIGNMENT_FAULTS, "alignment-faults")
	sw(unix.PERF_COUNT_SW_EMULATION_FAULTS, "emulation-faults")
	sw(unix.PERF_COUNT_SW_DUMMY, "dummy")
	sw(unix.PERF_COUNT_SW_BPF_OUTPUT, "bpf-output")
	sw(swCgroupSwitches, "cgroup-switches")

	// Longer names go first so prefix matching finds the longest name.
	names := func(list *[]cacheEventName, config uint64, names ...string) {
		for _, name := range names {
			*list = append(*list, cacheEventName{name, config})
		}
	}
	byLength := func(list []cacheEventName) {
		sort.SliceStable(list, func(i, j int) bool {
			return len(list[i].name) > len(list[j].name)
		})
	}
	// See evsel.c:evsel__hw_cache
	names(&t.cache, unix.PERF_COUNT_HW_CACHE_L1D, "L1-dcache", "l1-d", "l1d", "L1-data")
	names(&t.cache, unix.PERF_COUNT_HW_CACHE_L1I, "L1-icache", "l1-i", "l1i", "L1-instruction")
	names(&t.cache, unix.PERF_COUNT_HW_CACHE_LL, "LLC", "L2")
	names(&t.cache, unix.PERF_COUNT_HW_CACHE_DTLB, "dTLB", "d-tlb", "Data-TLB")
	names(&t.cache, unix.PERF_COUNT_HW_CACHE_ITLB, "iTLB", "i-tlb", "Instruction-TLB")
	names(&t.cache, unix.PERF_COUNT_HW_CACHE_BPU, "branch", "branches", "bpu", "btb", "bpc")
	names(&t.cache, unix.PERF_COUNT_HW_CACHE_NODE, "node")
	byLength(t.cache)
	// See evsel.c:evsel__hw_cache_op
	names(&t.cacheOp, unix.PERF_COUNT_HW_CACHE_OP_READ, "load", "loads", "read")
	names(&t.cacheOp, unix.PERF_COUNT_HW_CACHE_OP_WRITE, "store", "stores", "write")
	names(&t.cacheOp, unix.PERF_COUNT_HW_CACHE_OP_PREFETCH, "prefetch", "prefetches", "speculative-read", "speculative-load")
	byLength(t.cacheOp)
	// evsel.c:evsel__hw_cache_result
	names(&t.cacheResult, unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS, "refs", "Reference", "ops", "access")
	names(&t.cacheResult, unix.PERF_COUNT_HW_CACHE_RESULT_MISS, "misses", "miss")
	byLength(t.cacheResult)

	r := uint8(1) << unix.PERF_COUNT_HW_CACHE_OP_READ
	w := uint8(1) << unix.PERF_COUNT_HW_CACHE_OP_WRITE
	p := uint8(1) << unix.PERF_COUNT_HW_CACHE_OP_PREFETCH
	t.cacheAllowed = map[uint64]uint8{
		unix.PERF_COUNT_HW_CACHE_L1D:  r | w | p,
		unix.PERF_COUNT_HW_CACHE_L1I:  r | p,
		unix.PERF_COUNT_HW_CACHE_LL:   r | w | p,
		unix.PERF_COUNT_HW_CACHE_DTLB: r | w | p,
		unix.PERF_COUNT_HW_CACHE_ITLB: r,
		unix.PERF_COUNT_HW_CACHE_BPU:  r,
		unix.PERF_COUNT_HW_CACHE_NODE: r | w | p,
	}
	return t
}

// allowed reports whether op is a meaningful operation on cache level.
func (t *builtinTable) allowed(level, op uint64) bool {
	return op < 8 && t.cacheAllowed[level]&(1<<op) != 0
}

func resolveBuiltinEvent(pmu, eventName string) (builtinEvent, bool) {
	t := builtins()

	// All builtin events are either under no PMU or under cpu/.
	if !(pmu == "" || pmu == "cpu") {
		return builtinEvent{}, false
	}

	// CPU events can be used with or without a PMU name.
	if e, ok := t.cpu[eventName]; ok {
		return e, true
	}

	// Software events can only be used with no PMU name.
	if pmu == "" {
		if e, ok := t.software[eventName]; ok {
			return e, true
		}
	}

	// Try to parse it as a cache event name, which can be used with or without
	// a PMU name. See parse-events.c:parse_events__decode_legacy_cache and
	// parse-events.l:PE_LEGACY_CACHE.
	config, s, ok := findCache(eventName, t.cache)
	if !ok {
		return builtinEvent{}, false
	}
	// Perf accepts up to two more fields that are op and result. It will
	// even accept nonsense like l1d-loads-stores, but that seems to be an
	// accident of its grammar, so we reject it.
	op := uint64(unix.PERF_COUNT_HW_CACHE_OP_READ)
	result := uint64(unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS)
	var haveOp, haveResult bool
	for i := 0; i < 2 && s != ""; i++ {
		if !haveOp {
			if op2, s2, ok := findCache(s, t.cacheOp); ok {
				op, s, haveOp = op2, s2, true
				continue
			}
		}
		if !haveResult {
			if result2, s2, ok := findCache(s, t.cacheResult); ok {
				result, s, haveResult = result2, s2, true
				continue
			}
		}
	}
	if s != "" || !t.allowed(config, op) {
		return builtinEvent{}, false
	}
	return builtinEvent{unix.PERF_TYPE_HW_CACHE, config | op<<8 | result<<16}, true
}

// findCache matches the longest name in names that is s or a "-"-separated
// prefix of s, and returns the rest of s after the separator.
func findCache(s string, names []cacheEventName) (uint64, string, bool) {
	for _, n := range names {
		if s == n.name {
			return n.config, "", true
		}
		if rest, ok := strings.CutPrefix(s, n.name+"-"); ok {
			return n.config, rest, true
		}
	}
	return 0, "", false
}
