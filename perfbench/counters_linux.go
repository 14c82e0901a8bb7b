// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfbench

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pmukit/go-perfevent/events"
	"github.com/pmukit/go-perfevent/perf"
)

// defaultEvents are opened as one group, led by the first event, so every
// ratio between them is taken over the same schedule.
var defaultEvents = []events.Event{
	events.EventCPUCycles,
	events.EventInstructions,
	events.EventCacheMisses,
	events.EventCacheReferences,
}

type countersOS struct {
	b  testingB
	bN int

	events []events.Event
	// counters[i] counts events[i], or is nil if it could not be opened. If
	// group is set, counters[0] leads all of the others.
	counters []*perf.Counter
	group    bool
	baseline []perf.CountSnapshot
	final    []perf.CountSnapshot
}

var printUnits = sync.OnceFunc(func() {
	// Print unit metadata.
	for _, event := range defaultEvents {
		// Currently all events are better=lower.
		fmt.Printf("Unit %s better=lower\n", event.String())
	}
	fmt.Printf("\n")
})

// arena is shared by all benchmarks in the process.
var arena = sync.OnceValues(func() (*perf.Arena, error) {
	return perf.NewArena()
})

// testingB is the *testing.B interface needed by Counters. Used for testing.
type testingB interface {
	ReportMetric(n float64, unit string)
	Logf(format string, args ...any)
	Cleanup(func())
}

var openErrors sync.Map

// logOnce reports each distinct error once, to avoid flooding the benchmark
// log.
func logOnce(b testingB, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if _, prev := openErrors.Swap(msg, true); !prev {
		b.Logf("%s", msg)
	}
}

func openOS(b *testing.B) *Counters {
	printUnits()
	return open(b, b.N)
}

func open(b testingB, bN int) *Counters {
	events := defaultEvents
	cs := &Counters{countersOS{
		b:        b,
		bN:       bN,
		events:   events,
		counters: make([]*perf.Counter, len(events)),
		baseline: make([]perf.CountSnapshot, len(events)),
	}}

	a, err := arena()
	if err != nil {
		logOnce(b, "error creating perf arena: %v", err)
	} else if group, err := a.OpenGroup(perf.TargetThisGoroutine, perf.Options{}, events...); err == nil {
		copy(cs.counters, group)
		cs.group = true
	} else {
		// Some PMUs can't schedule the whole group at once. Fall back to
		// independent counters.
		logOnce(b, "error opening counter group: %v", err)
		for i, event := range events {
			cs.counters[i], err = a.Open(event, perf.TargetThisGoroutine, nil)
			if err != nil {
				logOnce(b, "error opening counter %s: %v", event, err)
			}
		}
	}

	b.Cleanup(cs.close)

	// Start all of the counters.
	cs.Start()

	return cs
}

func (cs *Counters) startOS() {
	if cs.group {
		cs.counters[0].EnableGroup()
		return
	}
	for _, c := range cs.counters {
		if c != nil {
			c.Enable()
		}
	}
}

func (cs *Counters) stopOS() {
	if cs.group {
		cs.counters[0].DisableGroup()
		return
	}
	for _, c := range cs.counters {
		if c != nil {
			c.Disable()
		}
	}
}

// read returns the current snapshot of every counter. Entries for counters
// that are missing or failed to read have a zero TimeRunning.
func (cs *Counters) read() ([]perf.CountSnapshot, []error) {
	snaps := make([]perf.CountSnapshot, len(cs.counters))
	errs := make([]error, len(cs.counters))
	if cs.group {
		group, err := cs.counters[0].StatGroup()
		if err != nil {
			for i := range errs {
				errs[i] = err
			}
			return snaps, errs
		}
		copy(snaps, group)
		return snaps, errs
	}
	for i, c := range cs.counters {
		if c != nil {
			snaps[i], errs[i] = c.Stat()
		}
	}
	return snaps, errs
}

func (cs *Counters) resetOS() {
	// perf has a concept of resetting a counter, but it doesn't reset the
	// counter's timers, so instead we track our own baseline.
	cs.baseline, _ = cs.read()
}

// delta returns val less the baseline.
func (cs *Counters) delta(i int, val perf.CountSnapshot) perf.CountSnapshot {
	base := cs.baseline[i]
	val.Raw -= base.Raw
	val.TimeEnabled -= base.TimeEnabled
	val.TimeRunning -= base.TimeRunning
	return val
}

func (cs *Counters) totalOS(name string) (float64, bool) {
	for i, ev := range cs.events {
		if ev.String() != name || cs.counters[i] == nil {
			continue
		}
		var val perf.CountSnapshot
		if cs.final != nil {
			val = cs.final[i]
		} else {
			snaps, errs := cs.read()
			if errs[i] != nil {
				return 0, false
			}
			val = cs.delta(i, snaps[i])
		}
		v, ok := val.Scaled()
		return v, ok
	}
	return 0, false
}

func (cs *Counters) close() {
	if cs.b == nil {
		return
	}

	cs.Stop()
	snaps, errs := cs.read()
	cs.final = make([]perf.CountSnapshot, len(cs.counters))
	for i, c := range cs.counters {
		if c == nil {
			continue
		}
		val := cs.delta(i, snaps[i])
		cs.final[i] = val
		if errs[i] != nil {
			cs.b.Logf("error reading %s: %v", cs.events[i], errs[i])
		} else if v, ok := val.Scaled(); ok {
			cs.b.ReportMetric(v/float64(cs.bN), cs.events[i].String()+"/op")
		}
	}
	// Closing the leader closes the whole group.
	for _, c := range cs.counters {
		if c != nil {
			c.Close()
		}
	}
	cs.b = nil
}
