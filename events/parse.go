// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
)

// rawEvent is an event given directly by its PMU type and config words, plus
// an optional default sample period from a sysfs alias.
type rawEvent struct {
	name    string
	pmu     uint32
	config  uint64
	config1 uint64
	config2 uint64
	config3 uint64
	period  uint64
	scale   float64 // 0 means 1
	unit    string
}

// Raw returns the event with PMU type typ and the given config word. ext
// optionally gives config1, config2 and config3, in that order.
func Raw(typ uint32, config uint64, ext ...uint64) Event {
	ev := &rawEvent{pmu: typ, config: config}
	fields := []*uint64{&ev.config1, &ev.config2, &ev.config3}
	for i, v := range ext {
		if i < len(fields) {
			*fields[i] = v
		}
	}
	return ev
}

func (e *rawEvent) String() string {
	if e.name != "" {
		return e.name
	}
	if e.pmu == unix.PERF_TYPE_RAW && e.config1|e.config2|e.config3 == 0 {
		return fmt.Sprintf("r%x", e.config)
	}
	var s strings.Builder
	fmt.Fprintf(&s, "pmu%d/config=%#x", e.pmu, e.config)
	for _, f := range []struct {
		name string
		v    uint64
	}{{"config1", e.config1}, {"config2", e.config2}, {"config3", e.config3}} {
		if f.v != 0 {
			fmt.Fprintf(&s, ",%s=%#x", f.name, f.v)
		}
	}
	s.WriteByte('/')
	return s.String()
}

func (e *rawEvent) Kind() Kind { return kindOf(e.pmu) }

func (e *rawEvent) SetAttrs(attr *abi.Attr) error {
	attr.Type = e.pmu
	attr.Config = e.config
	attr.Ext1 = e.config1
	attr.Ext2 = e.config2
	attr.Config3 = e.config3
	attr.Sample = e.period // Union of sample_period and sample_freq
	return nil
}

func (e *rawEvent) ScaleUnit() (float64, string) {
	if e.scale == 0 {
		return 1, e.unit
	}
	return e.scale, e.unit
}

// ParseEvent parses an event name in one of the forms accepted by
// "perf record -e":
//
//   - a symbolic name such as "cycles", "cs" or "L1-dcache-load-misses",
//   - a CPU event alias from sysfs, such as "mem-stores",
//   - a PMU event such as "cpu/event=0x3c,umask=0x1/" or "cpu/mem-stores,edge/",
//   - a raw CPU event such as "r1a8",
//   - a breakpoint such as "mem:0x1000:rw/8".
func ParseEvent(name string) (Event, error) {
	// TODO: Support modifiers such as ":u" and ":k".
	if ev, ok, err := parseRaw(name); ok {
		return ev, err
	}
	if strings.HasPrefix(name, "mem:") {
		return parseBreakpoint(name)
	}

	pmu, params, err := parsePMUEvent(name)
	if err == errNotPMUEvent {
		// Try as a symbolic event.
		pmu = ""
		params = []eventParam{{k: name, kOnly: true}}
	} else if err != nil {
		return nil, err
	}

	rev, err := resolveEvent(name, pmu, params)
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// parseRaw parses perf's rNNN syntax for raw CPU events. ok is false if name
// is not in that syntax.
func parseRaw(name string) (ev Event, ok bool, err error) {
	hex, found := strings.CutPrefix(name, "r")
	if !found || hex == "" {
		return nil, false, nil
	}
	for _, c := range hex {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return nil, false, nil
		}
	}
	config, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return nil, true, fmt.Errorf("event %q: %w", name, err)
	}
	return &rawEvent{name: name, pmu: unix.PERF_TYPE_RAW, config: config}, true, nil
}

// parseBreakpoint parses mem:addr[:access][/len]. The access defaults to rw.
// The length defaults to 4, or the pointer size for execute breakpoints.
func parseBreakpoint(name string) (Event, error) {
	rest := strings.TrimPrefix(name, "mem:")
	length, haveLength := uint64(4), false
	if i := strings.LastIndexByte(rest, '/'); i >= 0 {
		l, err := strconv.ParseUint(rest[i+1:], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("event %q: bad length: %w", name, err)
		}
		rest, length, haveLength = rest[:i], l, true
	}
	addrStr, access, hasAccess := strings.Cut(rest, ":")
	addr, err := strconv.ParseUint(addrStr, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("event %q: bad address: %w", name, err)
	}
	typ := BreakpointRW
	if hasAccess {
		typ = 0
		for _, c := range access {
			switch c {
			case 'r':
				typ |= BreakpointR
			case 'w':
				typ |= BreakpointW
			case 'x':
				typ |= BreakpointX
			default:
				return nil, fmt.Errorf("event %q: bad access %q", name, access)
			}
		}
		if typ == BreakpointX && !haveLength {
			length = uint64(unsafe.Sizeof(uintptr(0)))
		}
	}
	return Breakpoint(typ, addr, length), nil
}

var errNotPMUEvent = errors.New("not a PMU format event")

// parsePMUEvent parses symbolic PMU event strings in the form pmu/k=v,.../
func parsePMUEvent(name string) (pmu string, params []eventParam, err error) {
	if !(strings.Count(name, "/") == 2 && !strings.HasPrefix(name, "/") && strings.HasSuffix(name, "/")) {
		return "", nil, errNotPMUEvent
	}

	pmu, rest, _ := strings.Cut(name, "/")
	rest = strings.TrimSuffix(rest, "/")
	params, err = parseParamList(rest)
	if err != nil {
		return "", nil, fmt.Errorf("event %q: %w", name, err)
	}
	return pmu, params, nil
}

type eventParam struct {
	k     string
	v     uint64
	kOnly bool // Param may be an event name or k=1
}

// parseParamList parses a comma-separated list of k strings and k=v pairs. Lone
// keys are assumed to have value 1 and are marked as potential names.
func parseParamList(list string) ([]eventParam, error) {
	// A sole k is assumed to have a value of 1. See
	// https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-bus-event_source-devices-events.
	// This is supported even in an event name, so perf has to disambiguate
	// event names and keys by looking in /sys.
	var params []eventParam
	errf := func(f string, args ...any) error {
		prefix := fmt.Sprintf("error parsing event param list %q", list)
		return fmt.Errorf("%s: "+f, append([]any{prefix}, args...)...)
	}
	for _, s := range strings.Split(list, ",") {
		k, vs, ok := strings.Cut(s, "=")
		if k == "" {
			return nil, errf("missing parameter name in %q", s)
		}
		if !ok {
			params = append(params, eventParam{k, 1, true})
			continue
		}
		// The value can be decimal, hex, or octal.
		v, err := strconv.ParseUint(vs, 0, 64)
		if err != nil {
			return nil, errf("parameter %q not a number", s)
		}
		params = append(params, eventParam{k, v, false})
	}

	return params, nil
}

// errUnknownEvent is an internal error meaning a name is not an event alias.
var errUnknownEvent = errors.New("unknown event")

// resolveEvent resolves an event in the form pmu/param1=N,.../ or a symbolic
// event. Symbolic events will have pmu == "" and a single kOnly param.
func resolveEvent(enc string, pmu string, params []eventParam) (*rawEvent, error) {
	event := rawEvent{name: enc}

	// Events with perf constants are baked in and don't necessarily appear in
	// /sys. (Though sometimes they do!) Perf will prefer this over the
	// encodings in /sys. It still allows overriding other parameters, but
	// built-in events use the static PMU types, where the dynamic format
	// fields are meaningless, so we don't.
	if len(params) == 1 && params[0].kOnly {
		if ev, ok := resolveBuiltinEvent(pmu, params[0].k); ok {
			event.pmu = ev.pmu
			event.config = ev.config
			return &event, nil
		}
	}

	// If we get to here for a symbolic event, then the CPU PMU is implied.
	symEvent := pmu == ""
	if pmu == "" {
		pmu = "cpu"
	}

	// Check that the PMU exists and get its type.
	desc, err := pmus.get(pmu)
	if err != nil {
		return nil, err
	}
	event.pmu = desc.pmu

	// Find the event alias among the parameters, if there is one. Everything
	// else must be a format field.
	eventNameIndex := -1
	for i, param := range params {
		if _, ok := desc.getFormat(param.k); ok {
			continue
		}
		if _, ok := desc.events[param.k]; ok && param.kOnly {
			if eventNameIndex != -1 {
				return nil, fmt.Errorf("event %q: multiple events %q and %q", enc, params[eventNameIndex].k, param.k)
			}
			eventNameIndex = i
			continue
		}
		if symEvent {
			return nil, fmt.Errorf("unknown event %q", enc)
		}
		return nil, fmt.Errorf("event %q: unknown event or parameter %q", enc, param.k)
	}

	// The parameters from the named event are overridden by other
	// parameters, regardless of order.
	if eventNameIndex != -1 {
		if err := resolvePMUEvent(desc, params[eventNameIndex].k, &event); err != nil {
			return nil, fmt.Errorf("event %q: %w", enc, err)
		}
	}
	for i, param := range params {
		if i == eventNameIndex {
			continue
		}
		f, _ := desc.getFormat(param.k)
		if err := f.set(&event, param.v); err != nil {
			return nil, fmt.Errorf("event %q: %w", enc, err)
		}
	}

	return &event, nil
}
