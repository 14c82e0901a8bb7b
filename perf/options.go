// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"fmt"

	"github.com/pmukit/go-perfevent/abi"
)

// A Trigger selects when a sampling counter writes a sample. The zero Trigger
// keeps the event's default, which for most events means counting only.
type Trigger struct {
	freq bool
	n    uint64
}

// Period samples once every n events.
func Period(n uint64) Trigger { return Trigger{n: n} }

// Freq samples about hz times per second. The kernel adjusts the period
// dynamically to approximate the rate.
func Freq(hz uint64) Trigger { return Trigger{freq: true, n: hz} }

// IsZero reports whether t is the zero Trigger.
func (t Trigger) IsZero() bool { return t == Trigger{} }

func (t Trigger) String() string {
	switch {
	case t.IsZero():
		return "none"
	case t.freq:
		return fmt.Sprintf("freq %d", t.n)
	}
	return fmt.Sprintf("period %d", t.n)
}

// A CounterID identifies a counter within an [Arena]. The zero CounterID never
// names a counter.
type CounterID uint64

// Options configures a counter. The zero Options counts the event while
// enabled, starting disabled.
type Options struct {
	// SampleOn selects the sampling trigger.
	SampleOn Trigger

	// SampleFormat selects the fields written to each sample.
	// PERF_SAMPLE_IDENTIFIER is always added for sampling counters.
	SampleFormat abi.SampleFlag

	// ReadFormat selects extra fields in counter reads. The enabled and
	// running times are always included. ReadGroup only takes effect on
	// a group leader.
	ReadFormat abi.ReadFlag

	// WakeupEvents wakes up readers every n samples. WakeupWatermark
	// wakes them up once n bytes are pending instead. At most one may
	// be set.
	WakeupEvents    uint32
	WakeupWatermark uint32

	Inherit       bool // Count child tasks created after open.
	ExcludeUser   bool
	ExcludeKernel bool
	ExcludeHV     bool
	ExcludeIdle   bool

	// Enabled starts the counter enabled. Group followers always follow
	// their leader, so this only matters for leaders.
	Enabled bool

	// PreciseIP requests skid constraints from 0 (arbitrary skid) to 3
	// (zero skid).
	PreciseIP uint8

	// Flags sets other perf_event_attr bits, such as abi.AttrMmap,
	// abi.AttrContextSwitch or abi.AttrPinned. Bits controlled by other
	// options are rejected.
	Flags abi.AttrBit

	// ClockID selects the clock for sample times if UseClockID is set.
	UseClockID bool
	ClockID    int32

	// BranchSample filters the branch stack. It is required with
	// abi.SampleBranchStack.
	BranchSample abi.BranchSampleFlag

	// Register masks for abi.SampleRegsUser and abi.SampleRegsIntr.
	RegsUser uint64
	RegsIntr uint64

	// StackUser is the size of the user stack dump for abi.SampleStackUser.
	// It must be a multiple of 8.
	StackUser uint32

	// MaxStack limits the depth of call chains.
	MaxStack uint16

	// AuxWatermark and AuxSampleSize configure the AUX area.
	AuxWatermark  uint32
	AuxSampleSize uint32

	// SigData is passed to the SIGTRAP handler if abi.AttrSigtrap is set.
	SigData uint64

	// Leader makes the counter a follower in the group of the given
	// counter, which must be a leader in the same Arena.
	Leader CounterID
}

// sideBandBits are the attribute bits that make a counter write records other
// than samples to its ring buffer.
const sideBandBits = abi.AttrMmap | abi.AttrComm | abi.AttrTask | abi.AttrMmap2 |
	abi.AttrMmapData | abi.AttrContextSwitch | abi.AttrNamespaces | abi.AttrKsymbol |
	abi.AttrBPFEvent | abi.AttrCgroup | abi.AttrTextPoke

// managedBits are attribute bits set by translation, not through Flags.
const managedBits = abi.AttrDisabled | abi.AttrFreq | abi.AttrPreciseIPMask |
	abi.AttrSampleIDAll | abi.AttrWatermark | abi.AttrUseClockID | abi.AttrInherit |
	abi.AttrExcludeUser | abi.AttrExcludeKernel | abi.AttrExcludeHV | abi.AttrExcludeIdle
