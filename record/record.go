// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package record decodes the binary records the kernel writes into a perf
// event ring buffer.
//
// Decoding is a pure function of the record bytes and the [Format] of the
// event that produced them. The decoder copies everything it returns, so a
// [Record] stays valid after the ring space it came from is released.
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/pmukit/go-perfevent/abi"
)

// HeaderSize is the size of a record header in bytes.
const HeaderSize = 8

// Header is the header at the start of every ring buffer record.
type Header struct {
	Type abi.RecordType
	Misc uint16
	Size uint16 // Total record size, including the header.
}

// ParseHeader decodes a header from the first [HeaderSize] bytes of b.
func ParseHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		Type: abi.RecordType(binary.NativeEndian.Uint32(b[0:])),
		Misc: binary.NativeEndian.Uint16(b[4:]),
		Size: binary.NativeEndian.Uint16(b[6:]),
	}
}

// Mode returns the CPU mode the record was generated in.
func (h Header) Mode() CPUMode { return CPUMode(h.Misc & abi.MiscCPUModeMask) }

// A CPUMode identifies the privilege level of the CPU when a record was
// generated.
type CPUMode uint8

const (
	ModeUnknown CPUMode = iota
	ModeKernel
	ModeUser
	ModeHypervisor
	ModeGuestKernel
	ModeGuestUser
)

func (m CPUMode) String() string {
	switch m {
	case ModeUnknown:
		return "unknown"
	case ModeKernel:
		return "kernel"
	case ModeUser:
		return "user"
	case ModeHypervisor:
		return "hypervisor"
	case ModeGuestKernel:
		return "guest-kernel"
	case ModeGuestUser:
		return "guest-user"
	}
	return fmt.Sprintf("CPUMode(%d)", uint8(m))
}

// Format is the subset of an event's configuration that determines the
// layout of its records.
type Format struct {
	SampleType       abi.SampleFlag
	ReadFormat       abi.ReadFlag
	BranchSampleType abi.BranchSampleFlag
	RegsUser         uint64 // Register mask for PERF_SAMPLE_REGS_USER.
	RegsIntr         uint64 // Register mask for PERF_SAMPLE_REGS_INTR.

	// SampleIDAll means non-sample records carry a sample_id trailer.
	SampleIDAll bool
}

// trailerSize returns the size of the sample_id trailer of non-sample records.
func (f Format) trailerSize() int {
	if !f.SampleIDAll {
		return 0
	}
	return 8 * countBits(uint64(f.SampleType&abi.SampleIDAll))
}

// SampleID identifies the event, task, and CPU a record originated from. For
// samples it is filled from the sample body. For other records it comes from
// the sample_id trailer, and only fields selected by the sample type are set.
type SampleID struct {
	Pid, Tid uint32
	Time     uint64
	ID       uint64 // From PERF_SAMPLE_ID or PERF_SAMPLE_IDENTIFIER.
	StreamID uint64
	CPU      uint32
}

// Meta is embedded in every record.
type Meta struct {
	Header Header
	ID     SampleID
}

// RecordHeader returns the record's header.
func (m *Meta) RecordHeader() Header { return m.Header }

// RecordID returns the record's origin identification.
func (m *Meta) RecordID() SampleID { return m.ID }

// A Record is a decoded ring buffer record. The concrete type is one of the
// pointer types in this package, such as [*Sample], [*Mmap], or [*Lost].
type Record interface {
	RecordHeader() Header
	RecordID() SampleID
}

// Mmap is a PERF_RECORD_MMAP record.
type Mmap struct {
	Meta
	Pid, Tid uint32
	Addr     uint64
	Len      uint64
	Pgoff    uint64
	Filename string
}

// Data reports whether the mapping is not executable.
func (r *Mmap) Data() bool { return r.Header.Misc&abi.MiscMmapData != 0 }

// Mmap2 is a PERF_RECORD_MMAP2 record. Depending on the build_id attribute,
// either the device and inode fields or BuildID are set.
type Mmap2 struct {
	Meta
	Pid, Tid      uint32
	Addr          uint64
	Len           uint64
	Pgoff         uint64
	Maj, Min      uint32
	Ino           uint64
	InoGeneration uint64
	BuildID       []byte
	Prot, Flags   uint32
	Filename      string
}

// Data reports whether the mapping is not executable.
func (r *Mmap2) Data() bool { return r.Header.Misc&abi.MiscMmapData != 0 }

// HasBuildID reports whether the record carries a build ID instead of inode
// information.
func (r *Mmap2) HasBuildID() bool { return r.Header.Misc&abi.MiscMmapBuildID != 0 }

// Lost is a PERF_RECORD_LOST record.
type Lost struct {
	Meta
	EventID uint64
	Lost    uint64
}

// Comm is a PERF_RECORD_COMM record.
type Comm struct {
	Meta
	Pid, Tid uint32
	Comm     string
}

// Exec reports whether the name changed because of an exec.
func (r *Comm) Exec() bool { return r.Header.Misc&abi.MiscCommExec != 0 }

// Task is the body shared by PERF_RECORD_EXIT and PERF_RECORD_FORK.
type Task struct {
	Pid, Ppid uint32
	Tid, Ptid uint32
	Time      uint64
}

// Exit is a PERF_RECORD_EXIT record.
type Exit struct {
	Meta
	Task
}

// Fork is a PERF_RECORD_FORK record.
type Fork struct {
	Meta
	Task
}

// Throttle is a PERF_RECORD_THROTTLE or PERF_RECORD_UNTHROTTLE record.
type Throttle struct {
	Meta
	Time     uint64
	EventID  uint64
	StreamID uint64
}

// Throttled reports whether this is a throttle, rather than unthrottle, event.
func (r *Throttle) Throttled() bool { return r.Header.Type == abi.RecordThrottle }

// Read is a PERF_RECORD_READ record, written on exit of an inherited task.
type Read struct {
	Meta
	Pid, Tid uint32
	Values   ReadValues
}

// Aux flags.
const (
	AuxTruncated     = 0x01
	AuxOverwrite     = 0x02
	AuxPartial       = 0x04
	AuxCollision     = 0x08
	AuxPMUFormatMask = 0xff00
)

// Aux is a PERF_RECORD_AUX record announcing new data in the AUX area.
type Aux struct {
	Meta
	Offset uint64
	Size   uint64
	Flags  uint64
}

func (r *Aux) Truncated() bool   { return r.Flags&AuxTruncated != 0 }
func (r *Aux) Overwrite() bool   { return r.Flags&AuxOverwrite != 0 }
func (r *Aux) Partial() bool     { return r.Flags&AuxPartial != 0 }
func (r *Aux) Collision() bool   { return r.Flags&AuxCollision != 0 }
func (r *Aux) PMUFormat() uint64 { return (r.Flags & AuxPMUFormatMask) >> 8 }

// ItraceStart is a PERF_RECORD_ITRACE_START record.
type ItraceStart struct {
	Meta
	Pid, Tid uint32
}

// LostSamples is a PERF_RECORD_LOST_SAMPLES record.
type LostSamples struct {
	Meta
	Lost uint64
}

// Switch is a PERF_RECORD_SWITCH record.
type Switch struct {
	Meta
}

// Out reports whether the task was switched out rather than in.
func (r *Switch) Out() bool { return r.Header.Misc&abi.MiscSwitchOut != 0 }

// Preempt reports whether a switch out was a preemption.
func (r *Switch) Preempt() bool { return r.Header.Misc&abi.MiscSwitchOutPreempt != 0 }

// SwitchCPUWide is a PERF_RECORD_SWITCH_CPU_WIDE record. NextPrevPid and
// NextPrevTid name the next task on a switch out, or the previous task on a
// switch in.
type SwitchCPUWide struct {
	Meta
	NextPrevPid uint32
	NextPrevTid uint32
}

func (r *SwitchCPUWide) Out() bool     { return r.Header.Misc&abi.MiscSwitchOut != 0 }
func (r *SwitchCPUWide) Preempt() bool { return r.Header.Misc&abi.MiscSwitchOutPreempt != 0 }

// NamespaceLink identifies one namespace of a task.
type NamespaceLink struct {
	Dev   uint64
	Inode uint64
}

// Namespaces is a PERF_RECORD_NAMESPACES record. Links is indexed by the
// kernel's namespace index (net, uts, ipc, pid, user, mnt, cgroup, ...).
type Namespaces struct {
	Meta
	Pid, Tid uint32
	Links    []NamespaceLink
}

// Ksymbol types.
const (
	KsymbolTypeUnknown = 0
	KsymbolTypeBPF     = 1
	KsymbolTypeOOL     = 2

	KsymbolFlagUnregister = 1
)

// Ksymbol is a PERF_RECORD_KSYMBOL record.
type Ksymbol struct {
	Meta
	Addr     uint64
	Len      uint32
	KsymType uint16
	Flags    uint16
	Name     string
}

// Unregister reports whether the symbol is being removed.
func (r *Ksymbol) Unregister() bool { return r.Flags&KsymbolFlagUnregister != 0 }

// BPF event types.
const (
	BPFEventUnknown    = 0
	BPFEventProgLoad   = 1
	BPFEventProgUnload = 2
)

// BPFEvent is a PERF_RECORD_BPF_EVENT record.
type BPFEvent struct {
	Meta
	EventType uint16
	Flags     uint16
	ProgID    uint32
	Tag       [8]byte
}

// Cgroup is a PERF_RECORD_CGROUP record.
type Cgroup struct {
	Meta
	CgroupID uint64
	Path     string
}

// TextPoke is a PERF_RECORD_TEXT_POKE record describing a change to kernel
// text.
type TextPoke struct {
	Meta
	Addr uint64
	Old  []byte
	New  []byte
}

// AuxOutputHWID is a PERF_RECORD_AUX_OUTPUT_HW_ID record.
type AuxOutputHWID struct {
	Meta
	HWID uint64
}

// Unknown holds a record whose type this package does not decode. Data is
// the body after the header, including any trailer.
type Unknown struct {
	Meta
	Data []byte
}
