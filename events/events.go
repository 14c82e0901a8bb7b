// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Package events describes the performance events a perf counter can count
// or sample.
//
// An [Event] is one of a small set of kinds: a generalized hardware or
// software counter, a hardware cache counter, a raw PMU encoding, a
// tracepoint, a hardware breakpoint or a dynamic kprobe/uprobe. Events are
// immutable values. [ParseEvent] builds events from the names accepted by
// "perf record -e", consulting the PMU descriptions under
// /sys/bus/event_source/devices.
package events

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
)

// An Event represents a performance event that perf can count.
type Event interface {
	// String returns the string representation of this event, preferably as the
	// name used by "perf record -e".
	String() string

	// Kind returns which kind of event this is.
	Kind() Kind

	// SetAttrs sets the attributes that select this event in a. It sets only
	// the type, config and related fields, never sampling or flag bits.
	SetAttrs(a *abi.Attr) error
}

// An EventScale is an Event that provides a scaling factor and unit to convert
// raw values into meaningful values.
type EventScale interface {
	Event

	// ScaleUnit returns the factor to multiply raw values by to compute a
	// meaningful value, plus the unit of that value. A no-op implementation
	// should return 1.0, "".
	ScaleUnit() (scale float64, unit string)
}

// A Kind identifies the variant of an [Event].
type Kind uint8

const (
	KindHardware Kind = iota + 1
	KindSoftware
	KindTracepoint
	KindCache
	KindRaw
	KindBreakpoint
	KindDynamic // A PMU registered at run time, such as kprobe or an uncore PMU.
)

func (k Kind) String() string {
	switch k {
	case KindHardware:
		return "hardware"
	case KindSoftware:
		return "software"
	case KindTracepoint:
		return "tracepoint"
	case KindCache:
		return "cache"
	case KindRaw:
		return "raw"
	case KindBreakpoint:
		return "breakpoint"
	case KindDynamic:
		return "dynamic"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// kindOf maps a perf_event_attr type to a Kind. Types at or above
// PERF_TYPE_MAX are dynamic PMUs.
func kindOf(typ uint32) Kind {
	switch typ {
	case unix.PERF_TYPE_HARDWARE:
		return KindHardware
	case unix.PERF_TYPE_SOFTWARE:
		return KindSoftware
	case unix.PERF_TYPE_TRACEPOINT:
		return KindTracepoint
	case unix.PERF_TYPE_HW_CACHE:
		return KindCache
	case unix.PERF_TYPE_RAW:
		return KindRaw
	case unix.PERF_TYPE_BREAKPOINT:
		return KindBreakpoint
	}
	return KindDynamic
}
