// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
)

// eventBasic is an event fully described by its type and config, which
// covers generalized hardware and software counters and tracepoints.
type eventBasic struct {
	name   string
	typ    uint32
	config uint64
}

var _ Event = eventBasic{}

func (e eventBasic) SetAttrs(a *abi.Attr) error {
	a.Type = e.typ
	a.Config = e.config
	return nil
}

func (e eventBasic) Kind() Kind { return kindOf(e.typ) }

func (e eventBasic) String() string {
	return e.name
}

var (
	// Hardware events
	EventCPUCycles             = eventBasic{"cpu-cycles", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES}
	EventInstructions          = eventBasic{"instructions", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS}
	EventCacheReferences       = eventBasic{"cache-references", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES}
	EventCacheMisses           = eventBasic{"cache-misses", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_MISSES}
	EventBranches              = eventBasic{"branches", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS}
	EventBranchesMisses        = eventBasic{"branch-misses", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_MISSES}
	EventBusCycles             = eventBasic{"bus-cycles", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BUS_CYCLES}
	EventStalledCyclesFrontend = eventBasic{"stalled-cycles-frontend", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND}
	EventStalledCyclesBackend  = eventBasic{"stalled-cycles-backend", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND}
	EventRefCycles             = eventBasic{"ref-cycles", unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES}
)

var (
	// Software events
	EventCPUClock        = eventBasic{"cpu-clock", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CPU_CLOCK}
	EventTaskClock       = eventBasic{"task-clock", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_TASK_CLOCK}
	EventPageFaults      = eventBasic{"page-faults", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_PAGE_FAULTS}
	EventContextSwitches = eventBasic{"context-switches", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CONTEXT_SWITCHES}
	EventCPUMigrations   = eventBasic{"cpu-migrations", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CPU_MIGRATIONS}
	EventMinorFaults     = eventBasic{"minor-faults", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_PAGE_FAULTS_MIN}
	EventMajorFaults     = eventBasic{"major-faults", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ}
	EventAlignmentFaults = eventBasic{"alignment-faults", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_ALIGNMENT_FAULTS}
	EventEmulationFaults = eventBasic{"emulation-faults", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_EMULATION_FAULTS}
	EventDummy           = eventBasic{"dummy", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_DUMMY}
	EventBPFOutput       = eventBasic{"bpf-output", unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_BPF_OUTPUT}
	EventCgroupSwitches  = eventBasic{"cgroup-switches", unix.PERF_TYPE_SOFTWARE, swCgroupSwitches}
)

// Hardware returns the generalized hardware event with the given
// PERF_COUNT_HW_* id.
func Hardware(id uint64) Event {
	name, ok := builtins().hwNames[id]
	if !ok {
		name = fmt.Sprintf("hardware:%#x", id)
	}
	return eventBasic{name, unix.PERF_TYPE_HARDWARE, id}
}

// Software returns the software event with the given PERF_COUNT_SW_* id.
func Software(id uint64) Event {
	name, ok := builtins().swNames[id]
	if !ok {
		name = fmt.Sprintf("software:%#x", id)
	}
	return eventBasic{name, unix.PERF_TYPE_SOFTWARE, id}
}

// Tracepoint returns the tracepoint event with the given id, as found in
// the tracepoint's "id" file under the tracing file system.
func Tracepoint(id uint64) Event {
	return eventBasic{fmt.Sprintf("tracepoint:%d", id), unix.PERF_TYPE_TRACEPOINT, id}
}
