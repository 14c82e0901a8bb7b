// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package record

import "github.com/pmukit/go-perfevent/abi"

// Sample is a PERF_RECORD_SAMPLE record. Only the fields selected by the
// event's sample type are populated. Identification fields (pid, tid, time,
// id, stream id, cpu) are in the embedded [Meta].
type Sample struct {
	Meta

	IP           uint64
	Addr         uint64
	Period       uint64
	Read         *ReadValues
	Callchain    []uint64
	Raw          []byte
	Branches     *BranchStack
	RegsUser     *Regs
	StackUser    []byte // Trimmed to the dynamic size reported by the kernel.
	Weight       Weight
	DataSrc      DataSource
	Transaction  Transaction
	RegsIntr     *Regs
	PhysAddr     uint64
	Cgroup       uint64
	DataPageSize uint64
	CodePageSize uint64
	Aux          []byte
}

// Mode returns the CPU mode at the time of the sample.
func (s *Sample) Mode() CPUMode { return s.Header.Mode() }

// ExactIP reports whether IP points at the instruction that caused the event.
func (s *Sample) ExactIP() bool { return s.Header.Misc&abi.MiscExactIP != 0 }

// Callchain context markers. These appear in a call chain to indicate that
// the following addresses belong to the given context.
const (
	ContextHV          = ^uint64(32 - 1)   // -32
	ContextKernel      = ^uint64(128 - 1)  // -128
	ContextUser        = ^uint64(512 - 1)  // -512
	ContextGuest       = ^uint64(2048 - 1) // -2048
	ContextGuestKernel = ^uint64(2176 - 1) // -2176
	ContextGuestUser   = ^uint64(2560 - 1) // -2560
	ContextMax         = ^uint64(4095 - 1) // -4095
)

// ReadValues is the payload of a counter read, as found in PERF_RECORD_READ,
// PERF_SAMPLE_READ, and read(2) on an event.
type ReadValues struct {
	TimeEnabled uint64
	TimeRunning uint64
	Values      []CounterValue // One entry, or one per group member.
}

// CounterValue is the value of a single counter within [ReadValues].
type CounterValue struct {
	Value uint64
	ID    uint64 // Set if read_format includes PERF_FORMAT_ID.
	Lost  uint64 // Set if read_format includes PERF_FORMAT_LOST.
}

// BranchStack is the last branch record attached to a sample.
type BranchStack struct {
	HWIndex uint64 // Set if the branch sample type includes hw_index.
	Entries []BranchEntry
}

// BranchEntry is one taken branch.
type BranchEntry struct {
	From, To uint64
	Flags    uint64
	Counters uint64 // Set if the branch sample type includes counters.
}

func (e BranchEntry) Mispredicted() bool { return e.Flags&(1<<0) != 0 }
func (e BranchEntry) Predicted() bool    { return e.Flags&(1<<1) != 0 }
func (e BranchEntry) InTx() bool         { return e.Flags&(1<<2) != 0 }
func (e BranchEntry) Abort() bool        { return e.Flags&(1<<3) != 0 }
func (e BranchEntry) Cycles() uint16     { return uint16(e.Flags >> 4) }

// Type returns the PERF_BR_* branch type.
func (e BranchEntry) Type() uint8 { return uint8(e.Flags>>20) & 0xf }

// Spec returns the PERF_BR_SPEC_* speculation state.
func (e BranchEntry) Spec() uint8 { return uint8(e.Flags>>24) & 0x3 }

// NewType returns the PERF_BR_NEW_* extended branch type.
func (e BranchEntry) NewType() uint8 { return uint8(e.Flags>>26) & 0xf }

// Priv returns the PERF_BR_PRIV_* privilege level.
func (e BranchEntry) Priv() uint8 { return uint8(e.Flags>>30) & 0x7 }

// Register ABIs.
const (
	RegsABINone = 0
	RegsABI32   = 1
	RegsABI64   = 2
)

// Regs is a register dump. Values is in ascending order of the register
// numbers selected by the event's register mask.
type Regs struct {
	ABI    uint64
	Values []uint64
}

// Weight is the PERF_SAMPLE_WEIGHT or PERF_SAMPLE_WEIGHT_STRUCT value. For
// the struct form, Var1, Var2, and Var3 split the same 64 bits.
type Weight uint64

func (w Weight) Var1() uint32 { return uint32(w) }
func (w Weight) Var2() uint16 { return uint16(w >> 32) }
func (w Weight) Var3() uint16 { return uint16(w >> 48) }

// DataSource is a PERF_SAMPLE_DATA_SRC value.
type DataSource uint64

// Memory operation bits returned by [DataSource.Op].
const (
	MemOpNA       = 0x01
	MemOpLoad     = 0x02
	MemOpStore    = 0x04
	MemOpPrefetch = 0x08
	MemOpExec     = 0x10
)

func (d DataSource) Op() uint64       { return uint64(d) & 0x1f }
func (d DataSource) Level() uint64    { return uint64(d) >> 5 & 0x3fff }
func (d DataSource) Snoop() uint64    { return uint64(d) >> 19 & 0x1f }
func (d DataSource) Lock() uint64     { return uint64(d) >> 24 & 0x3 }
func (d DataSource) TLB() uint64      { return uint64(d) >> 26 & 0x7f }
func (d DataSource) LevelNum() uint64 { return uint64(d) >> 33 & 0xf }
func (d DataSource) Remote() bool     { return uint64(d)>>37&1 != 0 }
func (d DataSource) SnoopX() uint64   { return uint64(d) >> 38 & 0x3 }
func (d DataSource) Blocked() uint64  { return uint64(d) >> 40 & 0x7 }
func (d DataSource) Hops() uint64     { return uint64(d) >> 43 & 0x7 }

// Transaction is a PERF_SAMPLE_TRANSACTION value.
type Transaction uint64

// Transaction flag bits.
const (
	TxnElision       Transaction = 1 << 0
	TxnTransaction   Transaction = 1 << 1
	TxnSync          Transaction = 1 << 2
	TxnAsync         Transaction = 1 << 3
	TxnRetry         Transaction = 1 << 4
	TxnConflict      Transaction = 1 << 5
	TxnCapacityWrite Transaction = 1 << 6
	TxnCapacityRead  Transaction = 1 << 7
)

// Flags returns the transaction flags without the abort code.
func (t Transaction) Flags() Transaction { return t & 0xffffffff }

// AbortCode returns the architecture-specific abort code.
func (t Transaction) AbortCode() uint32 { return uint32(t >> 32) }
