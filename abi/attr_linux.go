// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package abi

import "golang.org/x/sys/unix"

// Attr is perf_event_attr at the largest size this package knows about.
// [unix.PerfEventAttr] ends at sig_data, so config3 follows it here.
//
// The kernel reads only Size bytes, so Size must be the AttrSize of the tier
// in use. Fields past that size are ignored.
type Attr struct {
	unix.PerfEventAttr
	Config3 uint64
}

// HasBits reports whether all of the given flag bits are set.
func (a *Attr) HasBits(b AttrBit) bool { return AttrBit(a.Bits)&b == b }
