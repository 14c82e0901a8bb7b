// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tklauser/numcpus"

	"github.com/pmukit/go-perfevent/events"
	"github.com/pmukit/go-perfevent/perf"
)

// targetFlags select what to monitor. At most one of pid, all or a command
// may be given.
type targetFlags struct {
	pid int
	all bool
}

func (f *targetFlags) register(fs *pflag.FlagSet) {
	fs.IntVarP(&f.pid, "pid", "p", 0, "monitor an existing process")
	fs.BoolVarP(&f.all, "all-cpus", "a", false, "monitor every process on every online CPU")
}

// A target is one place counters are opened, with a label for output.
type target struct {
	perf.Target
	label string
}

// targets returns the targets selected by f and args. If args name a
// command, it is started and returned, and the caller must wait for it.
func (f *targetFlags) targets(ctx context.Context, args []string) ([]target, *exec.Cmd, error) {
	n := 0
	for _, set := range []bool{f.pid != 0, f.all, len(args) > 0} {
		if set {
			n++
		}
	}
	switch {
	case n == 0:
		return nil, nil, errors.New("need --pid, --all-cpus or a command")
	case n > 1:
		return nil, nil, errors.New("--pid, --all-cpus and a command are mutually exclusive")
	}

	switch {
	case f.pid != 0:
		return []target{{perf.Target{Process: perf.PID(f.pid), CPU: perf.AllCPUs}, fmt.Sprintf("pid %d", f.pid)}}, nil, nil
	case f.all:
		ncpu, err := numcpus.GetOnline()
		if err != nil {
			return nil, nil, fmt.Errorf("counting online CPUs: %w", err)
		}
		return cpuTargets(ncpu), nil, nil
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	t := perf.Target{Process: perf.PID(cmd.Process.Pid), CPU: perf.AllCPUs}
	return []target{{t, strings.Join(args, " ")}}, cmd, nil
}

// cpuTargets returns one system-wide target per CPU.
func cpuTargets(ncpu int) []target {
	ts := make([]target, ncpu)
	for i := range ts {
		ts[i] = target{perf.Target{Process: perf.AllProcesses, CPU: perf.OnCPU(i)}, fmt.Sprintf("cpu%d", i)}
	}
	return ts
}

// parseEvents parses a list of event names. Each element may itself be a
// comma-separated list, as long as the commas are not inside a PMU event's
// parameter list.
func parseEvents(names []string) ([]events.Event, error) {
	var evs []events.Event
	for _, name := range names {
		for _, n := range splitEvents(name) {
			ev, err := events.ParseEvent(n)
			if err != nil {
				return nil, err
			}
			evs = append(evs, ev)
		}
	}
	if len(evs) == 0 {
		return nil, errors.New("no events")
	}
	return evs, nil
}

// splitEvents splits s at commas outside of "pmu/.../" parameter lists.
func splitEvents(s string) []string {
	var out []string
	inPMU := false
	start := 0
	for i, r := range s {
		switch r {
		case '/':
			inPMU = !inPMU
		case ',':
			if !inPMU {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	// Drop empty elements from stray commas.
	n := 0
	for _, e := range out {
		if e = strings.TrimSpace(e); e != "" {
			out[n] = e
			n++
		}
	}
	return out[:n]
}
