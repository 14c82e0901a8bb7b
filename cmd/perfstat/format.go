// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package main

import (
	"fmt"
	"strings"

	"github.com/pmukit/go-perfevent/perf"
	"github.com/pmukit/go-perfevent/perfmetrics"
	"github.com/pmukit/go-perfevent/record"
)

// sum is one event counted on several targets. Its Stat adds up the raw
// values and times of each, the way perf stat aggregates CPUs.
type sum []perfmetrics.CounterSource

func (s sum) Stat() (perf.CountSnapshot, error) {
	var total perf.CountSnapshot
	for i, c := range s {
		snap, err := c.Stat()
		if err != nil {
			return perf.CountSnapshot{}, err
		}
		if i == 0 {
			total.Scale, total.Unit = snap.Scale, snap.Unit
		}
		total.Raw += snap.Raw
		total.TimeEnabled += snap.TimeEnabled
		total.TimeRunning += snap.TimeRunning
		total.Lost += snap.Lost
	}
	return total, nil
}

// formatCount formats one line of stat output.
func formatCount(name string, s perf.CountSnapshot) string {
	if _, ok := s.Scaled(); !ok {
		return fmt.Sprintf("%20s  %s", "<not counted>", name)
	}
	v, unit := s.Value()
	var b strings.Builder
	if unit != "" {
		fmt.Fprintf(&b, "%20.2f %s  %s", v, unit, name)
	} else {
		fmt.Fprintf(&b, "%20s  %s", groupDigits(uint64(v+0.5)), name)
	}
	if s.Multiplexed() {
		fmt.Fprintf(&b, "  (%.2f%%)", 100*float64(s.TimeRunning)/float64(s.TimeEnabled))
	}
	return b.String()
}

// groupDigits formats n with thousands separators.
func groupDigits(n uint64) string {
	s := fmt.Sprint(n)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// formatRecord formats one record of record output.
func formatRecord(e perf.Entry) string {
	var b strings.Builder
	id := e.Record.RecordID()
	h := e.Record.RecordHeader()
	if e.Counter != nil {
		fmt.Fprintf(&b, "%s ", e.Counter.Event())
	}
	fmt.Fprintf(&b, "%d %d/%d cpu%d %s", id.Time, id.Pid, id.Tid, id.CPU, h.Type)
	switch r := e.Record.(type) {
	case *record.Sample:
		fmt.Fprintf(&b, " ip=%#x mode=%s", r.IP, r.Header.Mode())
		if r.Period != 0 {
			fmt.Fprintf(&b, " period=%d", r.Period)
		}
	case *record.Comm:
		fmt.Fprintf(&b, " %d/%d comm=%q", r.Pid, r.Tid, r.Comm)
		if r.Exec() {
			b.WriteString(" exec")
		}
	case *record.Mmap2:
		fmt.Fprintf(&b, " %d/%d [%#x+%#x] %s", r.Pid, r.Tid, r.Addr, r.Len, r.Filename)
	case *record.Fork:
		fmt.Fprintf(&b, " %d/%d <- %d/%d", r.Pid, r.Tid, r.Ppid, r.Ptid)
	case *record.Exit:
		fmt.Fprintf(&b, " %d/%d", r.Pid, r.Tid)
	case *record.Lost:
		fmt.Fprintf(&b, " lost=%d", r.Lost)
	case *record.LostSamples:
		fmt.Fprintf(&b, " lost=%d", r.Lost)
	}
	return b.String()
}
