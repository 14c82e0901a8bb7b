// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"fmt"
	"unsafe"

	"github.com/pmukit/go-perfevent/abi"
)

// probe is a kprobe or uprobe created through the kprobe or uprobe dynamic
// PMU rather than through tracefs.
type probe struct {
	pmu    string // "kprobe" or "uprobe"
	target string // Function or binary path. Empty for an address kprobe.
	offset uint64 // Offset from target, or the address if target is empty.
	ret    bool

	// cstr is target as a NUL-terminated string. The kernel reads it
	// through a pointer in config1 during perf_event_open, so it lives as
	// long as the probe does.
	cstr []byte
}

func newProbe(pmu, target string, offset uint64, ret bool) *probe {
	p := &probe{pmu: pmu, target: target, offset: offset, ret: ret}
	if target != "" {
		p.cstr = append([]byte(target), 0)
	}
	return p
}

// Kprobe returns an event that fires when the kernel executes fn plus offset.
// If ret is set, it fires when fn returns instead and offset must be 0.
//
// The returned event refers to its own memory from the attributes it sets, so
// it must remain reachable until the counter using it has been opened.
func Kprobe(fn string, offset uint64, ret bool) Event {
	return newProbe("kprobe", fn, offset, ret)
}

// KprobeAddr is like [Kprobe] for a raw kernel address.
func KprobeAddr(addr uint64, ret bool) Event {
	return newProbe("kprobe", "", addr, ret)
}

// Uprobe returns an event that fires when any process executes the
// instruction at offset in the ELF file at path. If ret is set, it fires
// when the function at offset returns.
func Uprobe(path string, offset uint64, ret bool) Event {
	return newProbe("uprobe", path, offset, ret)
}

func (p *probe) Kind() Kind { return KindDynamic }

func (p *probe) String() string {
	name := p.pmu
	if p.ret {
		name = p.pmu[:1] + "ret" + p.pmu[1:]
	}
	switch {
	case p.target == "":
		return fmt.Sprintf("%s:%#x", name, p.offset)
	case p.pmu == "uprobe":
		return fmt.Sprintf("%s:%s:%#x", name, p.target, p.offset)
	case p.offset != 0:
		return fmt.Sprintf("%s:%s+%#x", name, p.target, p.offset)
	}
	return name + ":" + p.target
}

func (p *probe) SetAttrs(a *abi.Attr) error {
	desc, err := pmus.get(p.pmu)
	if err != nil {
		return err
	}
	var ev rawEvent
	if p.ret {
		f, ok := desc.format["retprobe"]
		if !ok {
			return fmt.Errorf("%s: PMU %s has no retprobe format", p, p.pmu)
		}
		if err := f.set(&ev, 1); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	a.Type = desc.pmu
	a.Config = ev.config
	if p.target != "" {
		a.Ext1 = uint64(uintptr(unsafe.Pointer(&p.cstr[0]))) // kprobe_func or uprobe_path
	} else {
		a.Ext1 = 0
	}
	a.Ext2 = p.offset // probe_offset or kprobe_addr
	return nil
}
