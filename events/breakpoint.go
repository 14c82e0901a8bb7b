// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
)

// A BreakpointType is the access that triggers a hardware breakpoint. See
// HW_BREAKPOINT_* in linux/hw_breakpoint.h.
type BreakpointType uint32

const (
	BreakpointR  BreakpointType = 1
	BreakpointW  BreakpointType = 2
	BreakpointRW BreakpointType = BreakpointR | BreakpointW
	BreakpointX  BreakpointType = 4
)

func (t BreakpointType) String() string {
	var sb strings.Builder
	if t&BreakpointR != 0 {
		sb.WriteByte('r')
	}
	if t&BreakpointW != 0 {
		sb.WriteByte('w')
	}
	if t&BreakpointX != 0 {
		sb.WriteByte('x')
	}
	if t&^(BreakpointRW|BreakpointX) != 0 || sb.Len() == 0 {
		return fmt.Sprintf("BreakpointType(%d)", uint32(t))
	}
	return sb.String()
}

type breakpoint struct {
	typ    BreakpointType
	addr   uint64
	length uint64
}

// Breakpoint returns a hardware breakpoint event that fires on accesses of
// type typ to the length bytes at addr. Data breakpoints may watch 1, 2, 4 or
// 8 bytes. Execute breakpoints must use the size of a pointer.
func Breakpoint(typ BreakpointType, addr, length uint64) Event {
	return breakpoint{typ, addr, length}
}

func (b breakpoint) Kind() Kind { return KindBreakpoint }

// String returns the breakpoint in perf's mem:addr[:access][/len] syntax.
func (b breakpoint) String() string {
	return fmt.Sprintf("mem:%#x:%s/%d", b.addr, b.typ, b.length)
}

func (b breakpoint) SetAttrs(a *abi.Attr) error {
	switch b.typ {
	case BreakpointR, BreakpointW, BreakpointRW:
		switch b.length {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("breakpoint %s: length must be 1, 2, 4 or 8", b)
		}
	case BreakpointX:
		if b.length != uint64(unsafe.Sizeof(uintptr(0))) {
			return fmt.Errorf("breakpoint %s: execute breakpoints must have length %d", b, unsafe.Sizeof(uintptr(0)))
		}
	default:
		return fmt.Errorf("breakpoint %s: invalid type", b)
	}
	a.Type = unix.PERF_TYPE_BREAKPOINT
	a.Config = 0
	a.Bp_type = uint32(b.typ)
	a.Ext1 = b.addr   // bp_addr
	a.Ext2 = b.length // bp_len
	return nil
}
