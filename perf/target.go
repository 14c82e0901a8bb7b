// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// A Process selects which tasks a [Counter] monitors.
type Process struct {
	kind processKind
	id   int // pid or cgroup directory fd
}

type processKind uint8

const (
	processSelf processKind = iota
	processGoroutine
	processPID
	processAll
	processCgroup
)

var (
	// Self monitors the calling thread, and its children if the counter
	// inherits.
	Self = Process{kind: processSelf}

	// ThisGoroutine monitors the calling goroutine. Opening the counter calls
	// [runtime.LockOSThread] and closing it calls [runtime.UnlockOSThread],
	// so both must happen on the same goroutine.
	ThisGoroutine = Process{kind: processGoroutine}

	// AllProcesses monitors every task. It requires a concrete CPU.
	AllProcesses = Process{kind: processAll}
)

// PID monitors the thread with the given id.
func PID(pid int) Process { return Process{kind: processPID, id: pid} }

// Cgroup monitors the tasks of a cgroup. fd is an open file descriptor of the
// cgroup's directory in the cgroup file system, and must stay open until the
// counter is opened. Cgroup targets require a concrete CPU.
func Cgroup(fd int) Process { return Process{kind: processCgroup, id: fd} }

func (p Process) String() string {
	switch p.kind {
	case processSelf:
		return "self"
	case processGoroutine:
		return "goroutine"
	case processPID:
		return fmt.Sprintf("pid %d", p.id)
	case processAll:
		return "all processes"
	case processCgroup:
		return fmt.Sprintf("cgroup fd %d", p.id)
	}
	return "invalid process"
}

// A CPU selects which CPUs a [Counter] monitors.
type CPU int

// AllCPUs monitors the selected tasks on whichever CPU they run.
const AllCPUs CPU = -1

// OnCPU monitors only CPU n.
func OnCPU(n int) CPU { return CPU(n) }

func (c CPU) String() string {
	if c == AllCPUs {
		return "all CPUs"
	}
	return fmt.Sprintf("CPU %d", int(c))
}

// A Target specifies what tasks and CPUs a [Counter] monitors. Not every
// combination is valid. In particular, [AllProcesses] on [AllCPUs] is
// rejected when the counter is configured.
type Target struct {
	Process Process
	CPU     CPU
}

// TargetThisGoroutine monitors the calling goroutine on every CPU.
var TargetThisGoroutine = Target{Process: ThisGoroutine, CPU: AllCPUs}

func (t Target) String() string {
	return t.Process.String() + " on " + t.CPU.String()
}

// resolve returns the pid, cpu and flags arguments of perf_event_open.
func (t Target) resolve() (pid, cpu, flags int, err error) {
	cpu = int(t.CPU)
	if cpu < -1 {
		return 0, 0, 0, fmt.Errorf("%w: CPU %d", ErrInvalidTarget, cpu)
	}
	switch t.Process.kind {
	case processSelf, processGoroutine:
		pid = 0
	case processPID:
		if t.Process.id <= 0 {
			return 0, 0, 0, fmt.Errorf("%w: pid %d", ErrInvalidTarget, t.Process.id)
		}
		pid = t.Process.id
	case processAll:
		if t.CPU == AllCPUs {
			return 0, 0, 0, fmt.Errorf("%w: all processes on all CPUs", ErrInvalidTarget)
		}
		pid = -1
	case processCgroup:
		if t.CPU == AllCPUs {
			return 0, 0, 0, fmt.Errorf("%w: cgroup target needs a CPU", ErrInvalidTarget)
		}
		if t.Process.id < 0 {
			return 0, 0, 0, fmt.Errorf("%w: cgroup fd %d", ErrInvalidTarget, t.Process.id)
		}
		pid = t.Process.id
		flags = unix.PERF_FLAG_PID_CGROUP
	default:
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrInvalidTarget, t.Process)
	}
	return pid, cpu, flags, nil
}

func (t Target) open() {
	if t.Process.kind == processGoroutine {
		runtime.LockOSThread()
	}
}

func (t Target) close() {
	if t.Process.kind == processGoroutine {
		runtime.UnlockOSThread()
	}
}
