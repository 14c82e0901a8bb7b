// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package abi

import (
	"fmt"
	"math/bits"
	"strings"
)

// A SampleFlag is a set of PERF_SAMPLE_* bits. The bits select which optional
// fields the kernel writes into each sample record.
type SampleFlag uint64

const (
	SampleIP           SampleFlag = 1 << 0
	SampleTID          SampleFlag = 1 << 1
	SampleTime         SampleFlag = 1 << 2
	SampleAddr         SampleFlag = 1 << 3
	SampleRead         SampleFlag = 1 << 4
	SampleCallchain    SampleFlag = 1 << 5
	SampleID           SampleFlag = 1 << 6
	SampleCPU          SampleFlag = 1 << 7
	SamplePeriod       SampleFlag = 1 << 8
	SampleStreamID     SampleFlag = 1 << 9
	SampleRaw          SampleFlag = 1 << 10
	SampleBranchStack  SampleFlag = 1 << 11
	SampleRegsUser     SampleFlag = 1 << 12
	SampleStackUser    SampleFlag = 1 << 13
	SampleWeight       SampleFlag = 1 << 14
	SampleDataSrc      SampleFlag = 1 << 15
	SampleIdentifier   SampleFlag = 1 << 16
	SampleTransaction  SampleFlag = 1 << 17
	SampleRegsIntr     SampleFlag = 1 << 18
	SamplePhysAddr     SampleFlag = 1 << 19
	SampleAux          SampleFlag = 1 << 20
	SampleCgroup       SampleFlag = 1 << 21
	SampleDataPageSize SampleFlag = 1 << 22
	SampleCodePageSize SampleFlag = 1 << 23
	SampleWeightStruct SampleFlag = 1 << 24
)

// SampleIDAll is the subset of sample flags that also appear in the
// sample_id trailer of non-sample records when sample_id_all is set.
const SampleIDAll = SampleTID | SampleTime | SampleID | SampleStreamID | SampleCPU | SampleIdentifier

var sampleNames = []string{
	"ip", "tid", "time", "addr", "read", "callchain", "id", "cpu", "period",
	"stream_id", "raw", "branch_stack", "regs_user", "stack_user", "weight",
	"data_src", "identifier", "transaction", "regs_intr", "phys_addr", "aux",
	"cgroup", "data_page_size", "code_page_size", "weight_struct",
}

func (f SampleFlag) String() string { return flagString(uint64(f), sampleNames) }

// A ReadFlag is a set of PERF_FORMAT_* bits describing the layout of a
// counter read.
type ReadFlag uint64

const (
	ReadTotalTimeEnabled ReadFlag = 1 << 0
	ReadTotalTimeRunning ReadFlag = 1 << 1
	ReadID               ReadFlag = 1 << 2
	ReadGroup            ReadFlag = 1 << 3
	ReadLost             ReadFlag = 1 << 4
)

var readNames = []string{"total_time_enabled", "total_time_running", "id", "group", "lost"}

func (f ReadFlag) String() string { return flagString(uint64(f), readNames) }

// An AttrBit is a set of bits in the perf_event_attr flags word.
type AttrBit uint64

const (
	AttrDisabled               AttrBit = 1 << 0
	AttrInherit                AttrBit = 1 << 1
	AttrPinned                 AttrBit = 1 << 2
	AttrExclusive              AttrBit = 1 << 3
	AttrExcludeUser            AttrBit = 1 << 4
	AttrExcludeKernel          AttrBit = 1 << 5
	AttrExcludeHV              AttrBit = 1 << 6
	AttrExcludeIdle            AttrBit = 1 << 7
	AttrMmap                   AttrBit = 1 << 8
	AttrComm                   AttrBit = 1 << 9
	AttrFreq                   AttrBit = 1 << 10
	AttrInheritStat            AttrBit = 1 << 11
	AttrEnableOnExec           AttrBit = 1 << 12
	AttrTask                   AttrBit = 1 << 13
	AttrWatermark              AttrBit = 1 << 14
	AttrPreciseIPMask          AttrBit = 3 << 15
	AttrMmapData               AttrBit = 1 << 17
	AttrSampleIDAll            AttrBit = 1 << 18
	AttrExcludeHost            AttrBit = 1 << 19
	AttrExcludeGuest           AttrBit = 1 << 20
	AttrExcludeCallchainKernel AttrBit = 1 << 21
	AttrExcludeCallchainUser   AttrBit = 1 << 22
	AttrMmap2                  AttrBit = 1 << 23
	AttrCommExec               AttrBit = 1 << 24
	AttrUseClockID             AttrBit = 1 << 25
	AttrContextSwitch          AttrBit = 1 << 26
	AttrWriteBackward          AttrBit = 1 << 27
	AttrNamespaces             AttrBit = 1 << 28
	AttrKsymbol                AttrBit = 1 << 29
	AttrBPFEvent               AttrBit = 1 << 30
	AttrAuxOutput              AttrBit = 1 << 31
	AttrCgroup                 AttrBit = 1 << 32
	AttrTextPoke               AttrBit = 1 << 33
	AttrBuildID                AttrBit = 1 << 34
	AttrInheritThread          AttrBit = 1 << 35
	AttrRemoveOnExec           AttrBit = 1 << 36
	AttrSigtrap                AttrBit = 1 << 37
)

// AttrPreciseIPShift is the position of the two-bit precise_ip field.
const AttrPreciseIPShift = 15

var attrNames = []string{
	"disabled", "inherit", "pinned", "exclusive", "exclude_user",
	"exclude_kernel", "exclude_hv", "exclude_idle", "mmap", "comm", "freq",
	"inherit_stat", "enable_on_exec", "task", "watermark", "precise_ip",
	"precise_ip", "mmap_data", "sample_id_all", "exclude_host",
	"exclude_guest", "exclude_callchain_kernel", "exclude_callchain_user",
	"mmap2", "comm_exec", "use_clockid", "context_switch", "write_backward",
	"namespaces", "ksymbol", "bpf_event", "aux_output", "cgroup", "text_poke",
	"build_id", "inherit_thread", "remove_on_exec", "sigtrap",
}

func (b AttrBit) String() string { return flagString(uint64(b), attrNames) }

// A BranchSampleFlag is a set of PERF_SAMPLE_BRANCH_* bits.
type BranchSampleFlag uint64

const (
	BranchUser      BranchSampleFlag = 1 << 0
	BranchKernel    BranchSampleFlag = 1 << 1
	BranchHV        BranchSampleFlag = 1 << 2
	BranchAny       BranchSampleFlag = 1 << 3
	BranchAnyCall   BranchSampleFlag = 1 << 4
	BranchAnyReturn BranchSampleFlag = 1 << 5
	BranchIndCall   BranchSampleFlag = 1 << 6
	BranchAbortTx   BranchSampleFlag = 1 << 7
	BranchInTx      BranchSampleFlag = 1 << 8
	BranchNoTx      BranchSampleFlag = 1 << 9
	BranchCond      BranchSampleFlag = 1 << 10
	BranchCallStack BranchSampleFlag = 1 << 11
	BranchIndJump   BranchSampleFlag = 1 << 12
	BranchCall      BranchSampleFlag = 1 << 13
	BranchNoFlags   BranchSampleFlag = 1 << 14
	BranchNoCycles  BranchSampleFlag = 1 << 15
	BranchTypeSave  BranchSampleFlag = 1 << 16
	BranchHWIndex   BranchSampleFlag = 1 << 17
	BranchPrivSave  BranchSampleFlag = 1 << 18
	BranchCounters  BranchSampleFlag = 1 << 19
)

var branchNames = []string{
	"u", "k", "hv", "any", "any_call", "any_ret", "ind_call", "abort_tx",
	"in_tx", "no_tx", "cond", "call_stack", "ind_jmp", "call", "no_flags",
	"no_cycles", "type_save", "hw_index", "priv_save", "counters",
}

func (f BranchSampleFlag) String() string { return flagString(uint64(f), branchNames) }

// A RecordType is the type field of a ring buffer record header.
type RecordType uint32

const (
	RecordMmap          RecordType = 1
	RecordLost          RecordType = 2
	RecordComm          RecordType = 3
	RecordExit          RecordType = 4
	RecordThrottle      RecordType = 5
	RecordUnthrottle    RecordType = 6
	RecordFork          RecordType = 7
	RecordRead          RecordType = 8
	RecordSample        RecordType = 9
	RecordMmap2         RecordType = 10
	RecordAux           RecordType = 11
	RecordItraceStart   RecordType = 12
	RecordLostSamples   RecordType = 13
	RecordSwitch        RecordType = 14
	RecordSwitchCPUWide RecordType = 15
	RecordNamespaces    RecordType = 16
	RecordKsymbol       RecordType = 17
	RecordBPFEvent      RecordType = 18
	RecordCgroup        RecordType = 19
	RecordTextPoke      RecordType = 20
	RecordAuxOutputHWID RecordType = 21
)

const maxKnownRecordType = RecordAuxOutputHWID

var recordNames = [...]string{
	RecordMmap:          "MMAP",
	RecordLost:          "LOST",
	RecordComm:          "COMM",
	RecordExit:          "EXIT",
	RecordThrottle:      "THROTTLE",
	RecordUnthrottle:    "UNTHROTTLE",
	RecordFork:          "FORK",
	RecordRead:          "READ",
	RecordSample:        "SAMPLE",
	RecordMmap2:         "MMAP2",
	RecordAux:           "AUX",
	RecordItraceStart:   "ITRACE_START",
	RecordLostSamples:   "LOST_SAMPLES",
	RecordSwitch:        "SWITCH",
	RecordSwitchCPUWide: "SWITCH_CPU_WIDE",
	RecordNamespaces:    "NAMESPACES",
	RecordKsymbol:       "KSYMBOL",
	RecordBPFEvent:      "BPF_EVENT",
	RecordCgroup:        "CGROUP",
	RecordTextPoke:      "TEXT_POKE",
	RecordAuxOutputHWID: "AUX_OUTPUT_HW_ID",
}

func (t RecordType) String() string {
	if t > 0 && t <= maxKnownRecordType {
		return recordNames[t]
	}
	return fmt.Sprintf("RecordType(%d)", uint32(t))
}

// Header misc bits. The CPU mode occupies the low three bits. Several of the
// high bits are overloaded and mean different things for different record
// types.
const (
	MiscCPUModeMask      uint16 = 7
	MiscProcMapParseTO   uint16 = 1 << 12
	MiscMmapData         uint16 = 1 << 13
	MiscCommExec         uint16 = 1 << 13
	MiscForkExec         uint16 = 1 << 13
	MiscSwitchOut        uint16 = 1 << 13
	MiscExactIP          uint16 = 1 << 14
	MiscSwitchOutPreempt uint16 = 1 << 14
	MiscMmapBuildID      uint16 = 1 << 14
	MiscExtReserved      uint16 = 1 << 15
)

// An Ioctl is a control operation on an open perf event.
type Ioctl uint8

const (
	IoctlEnable Ioctl = iota
	IoctlDisable
	IoctlRefresh
	IoctlReset
	IoctlPeriod
	IoctlSetOutput
	IoctlSetFilter
	IoctlID
	IoctlSetBPF
	IoctlPauseOutput
	IoctlQueryBPF
	IoctlModifyAttributes
	numIoctls
)

var ioctlNames = [...]string{
	IoctlEnable:           "enable",
	IoctlDisable:          "disable",
	IoctlRefresh:          "refresh",
	IoctlReset:            "reset",
	IoctlPeriod:           "period",
	IoctlSetOutput:        "set-output",
	IoctlSetFilter:        "set-filter",
	IoctlID:               "id",
	IoctlSetBPF:           "set-bpf",
	IoctlPauseOutput:      "pause-output",
	IoctlQueryBPF:         "query-bpf",
	IoctlModifyAttributes: "modify-attributes",
}

func (op Ioctl) String() string {
	if op < numIoctls {
		return ioctlNames[op]
	}
	return fmt.Sprintf("Ioctl(%d)", uint8(op))
}

// A Field is a set of perf_event_attr fields that only exist in later
// versions of the structure.
type Field uint32

const (
	FieldClockID Field = 1 << iota
	FieldAuxWatermark
	FieldSampleMaxStack
	FieldAuxSampleSize
	FieldSigData
	FieldConfig3
)

var fieldNames = []string{"clockid", "aux_watermark", "sample_max_stack", "aux_sample_size", "sig_data", "config3"}

func (f Field) String() string { return flagString(uint64(f), fieldNames) }

// Regs returns the number of registers selected by a sample_regs mask.
func Regs(mask uint64) int { return bits.OnesCount64(mask) }

func flagString(v uint64, names []string) string {
	if v == 0 {
		return "0"
	}
	var sb strings.Builder
	for v != 0 {
		i := bits.TrailingZeros64(v)
		v &^= 1 << i
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		if i < len(names) {
			sb.WriteString(names[i])
		} else {
			fmt.Fprintf(&sb, "bit%d", i)
		}
	}
	return sb.String()
}
