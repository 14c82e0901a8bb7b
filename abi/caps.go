// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package abi

import (
	"fmt"
	"math/bits"
)

// Capabilities is the frozen set of perf_event ABI features available at a
// tier. Values returned by [Tier.Capabilities] are shared and must not be
// modified.
type Capabilities struct {
	Tier Tier

	// AttrSize is the perf_event_attr size to pass to the kernel.
	AttrSize uint32

	SampleFormat SampleFlag
	ReadFormat   ReadFlag
	AttrBits     AttrBit
	BranchSample BranchSampleFlag
	Fields       Field

	records uint64 // Bit i set if RecordType(i) is available.
	ioctls  uint64 // Bit i set if Ioctl(i) is available.
}

// Perf_event_attr sizes. See PERF_ATTR_SIZE_VER* in perf_event.h.
const (
	attrSizeVer4 = 104
	attrSizeVer5 = 112
	attrSizeVer6 = 120
	attrSizeVer7 = 128
	attrSizeVer8 = 136
)

// delta is what a tier adds over the tier before it.
type delta struct {
	attrSize uint32
	sample   SampleFlag
	read     ReadFlag
	attr     AttrBit
	branch   BranchSampleFlag
	fields   Field
	records  []RecordType
	ioctls   []Ioctl
}

var deltas = [numTiers]delta{
	TierBase: {
		attrSize: attrSizeVer4,
		sample: SampleIP | SampleTID | SampleTime | SampleAddr | SampleRead |
			SampleCallchain | SampleID | SampleCPU | SamplePeriod |
			SampleStreamID | SampleRaw | SampleBranchStack | SampleRegsUser |
			SampleStackUser | SampleWeight | SampleDataSrc | SampleIdentifier |
			SampleTransaction | SampleRegsIntr,
		read: ReadTotalTimeEnabled | ReadTotalTimeRunning | ReadID | ReadGroup,
		attr: AttrDisabled | AttrInherit | AttrPinned | AttrExclusive |
			AttrExcludeUser | AttrExcludeKernel | AttrExcludeHV | AttrExcludeIdle |
			AttrMmap | AttrComm | AttrFreq | AttrInheritStat | AttrEnableOnExec |
			AttrTask | AttrWatermark | AttrPreciseIPMask | AttrMmapData |
			AttrSampleIDAll | AttrExcludeHost | AttrExcludeGuest |
			AttrExcludeCallchainKernel | AttrExcludeCallchainUser | AttrMmap2 |
			AttrCommExec,
		branch: BranchUser | BranchKernel | BranchHV | BranchAny | BranchAnyCall |
			BranchAnyReturn | BranchIndCall | BranchAbortTx | BranchInTx |
			BranchNoTx | BranchCond,
		records: []RecordType{
			RecordMmap, RecordLost, RecordComm, RecordExit, RecordThrottle,
			RecordUnthrottle, RecordFork, RecordRead, RecordSample, RecordMmap2,
		},
		ioctls: []Ioctl{
			IoctlEnable, IoctlDisable, IoctlRefresh, IoctlReset, IoctlPeriod,
			IoctlSetOutput, IoctlSetFilter, IoctlID,
		},
	},
	Tier4_1: {
		attrSize: attrSizeVer5,
		attr:     AttrUseClockID,
		branch:   BranchCallStack,
		fields:   FieldClockID | FieldAuxWatermark,
		records:  []RecordType{RecordAux, RecordItraceStart},
		ioctls:   []Ioctl{IoctlSetBPF},
	},
	Tier4_2: {
		branch:  BranchIndJump,
		records: []RecordType{RecordLostSamples},
	},
	Tier4_3: {
		attr:    AttrContextSwitch,
		records: []RecordType{RecordSwitch, RecordSwitchCPUWide},
	},
	Tier4_4: {branch: BranchCall},
	Tier4_5: {branch: BranchNoFlags | BranchNoCycles},
	Tier4_7: {
		attr:   AttrWriteBackward,
		ioctls: []Ioctl{IoctlPauseOutput},
	},
	Tier4_8: {fields: FieldSampleMaxStack},
	Tier4_12: {
		attr:    AttrNamespaces,
		records: []RecordType{RecordNamespaces},
	},
	Tier4_14: {
		sample: SamplePhysAddr,
		branch: BranchTypeSave,
	},
	Tier4_16: {ioctls: []Ioctl{IoctlQueryBPF}},
	Tier4_17: {ioctls: []Ioctl{IoctlModifyAttributes}},
	Tier5_1: {
		attr:    AttrKsymbol | AttrBPFEvent,
		records: []RecordType{RecordKsymbol, RecordBPFEvent},
	},
	Tier5_4: {attr: AttrAuxOutput},
	Tier5_5: {
		attrSize: attrSizeVer6,
		sample:   SampleAux,
		fields:   FieldAuxSampleSize,
	},
	Tier5_7: {
		attr:    AttrCgroup,
		sample:  SampleCgroup,
		branch:  BranchHWIndex,
		records: []RecordType{RecordCgroup},
	},
	Tier5_9: {
		attr:    AttrTextPoke,
		records: []RecordType{RecordTextPoke},
	},
	Tier5_11: {sample: SampleDataPageSize | SampleCodePageSize},
	Tier5_12: {
		attr:   AttrBuildID,
		sample: SampleWeightStruct,
	},
	Tier5_13: {
		attrSize: attrSizeVer7,
		attr:     AttrInheritThread | AttrRemoveOnExec | AttrSigtrap,
		fields:   FieldSigData,
	},
	Tier5_16: {records: []RecordType{RecordAuxOutputHWID}},
	Tier6_0:  {read: ReadLost},
	Tier6_1:  {branch: BranchPrivSave},
	Tier6_3: {
		attrSize: attrSizeVer8,
		fields:   FieldConfig3,
	},
	Tier6_8: {branch: BranchCounters},
}

var capsTable = func() (tab [numTiers]Capabilities) {
	var cur Capabilities
	for t := TierBase; t < numTiers; t++ {
		d := &deltas[t]
		cur.Tier = t
		if d.attrSize > cur.AttrSize {
			cur.AttrSize = d.attrSize
		}
		cur.SampleFormat |= d.sample
		cur.ReadFormat |= d.read
		cur.AttrBits |= d.attr
		cur.BranchSample |= d.branch
		cur.Fields |= d.fields
		for _, r := range d.records {
			cur.records |= 1 << r
		}
		for _, op := range d.ioctls {
			cur.ioctls |= 1 << op
		}
		tab[t] = cur
	}
	return
}()

// Capabilities returns the capability set of t. If t is not a valid tier, the
// error wraps [ErrInvalidTier].
func (t Tier) Capabilities() (*Capabilities, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("abi: %w: %s", ErrInvalidTier, t)
	}
	return &capsTable[t], nil
}

// HasRecord reports whether the kernel can produce records of type r.
func (c *Capabilities) HasRecord(r RecordType) bool {
	return r < 64 && c.records&(1<<r) != 0
}

// HasIoctl reports whether op is available.
func (c *Capabilities) HasIoctl(op Ioctl) bool {
	return op < numIoctls && c.ioctls&(1<<op) != 0
}

// Records returns the available record types in ascending order.
func (c *Capabilities) Records() []RecordType {
	var rs []RecordType
	for m := c.records; m != 0; m &= m - 1 {
		rs = append(rs, RecordType(bits.TrailingZeros64(m)))
	}
	return rs
}

// Ioctls returns the available control operations.
func (c *Capabilities) Ioctls() []Ioctl {
	var ops []Ioctl
	for m := c.ioctls; m != 0; m &= m - 1 {
		ops = append(ops, Ioctl(bits.TrailingZeros64(m)))
	}
	return ops
}

// Contains reports whether every capability in o is also in c.
func (c *Capabilities) Contains(o *Capabilities) bool {
	return c.AttrSize >= o.AttrSize &&
		o.SampleFormat&^c.SampleFormat == 0 &&
		o.ReadFormat&^c.ReadFormat == 0 &&
		o.AttrBits&^c.AttrBits == 0 &&
		o.BranchSample&^c.BranchSample == 0 &&
		o.Fields&^c.Fields == 0 &&
		o.records&^c.records == 0 &&
		o.ioctls&^c.ioctls == 0
}

// CheckSample returns an [*UnsupportedError] if any bit of f is unavailable.
func (c *Capabilities) CheckSample(f SampleFlag) error {
	if missing := f &^ c.SampleFormat; missing != 0 {
		return c.unsupported("sample_type "+missing.String(), func(o *Capabilities) bool {
			return missing&^o.SampleFormat == 0
		})
	}
	return nil
}

// CheckRead returns an [*UnsupportedError] if any bit of f is unavailable.
func (c *Capabilities) CheckRead(f ReadFlag) error {
	if missing := f &^ c.ReadFormat; missing != 0 {
		return c.unsupported("read_format "+missing.String(), func(o *Capabilities) bool {
			return missing&^o.ReadFormat == 0
		})
	}
	return nil
}

// CheckAttr returns an [*UnsupportedError] if any bit of b is unavailable.
func (c *Capabilities) CheckAttr(b AttrBit) error {
	if missing := b &^ c.AttrBits; missing != 0 {
		return c.unsupported("attr "+missing.String(), func(o *Capabilities) bool {
			return missing&^o.AttrBits == 0
		})
	}
	return nil
}

// CheckBranch returns an [*UnsupportedError] if any bit of f is unavailable.
func (c *Capabilities) CheckBranch(f BranchSampleFlag) error {
	if missing := f &^ c.BranchSample; missing != 0 {
		return c.unsupported("branch_sample_type "+missing.String(), func(o *Capabilities) bool {
			return missing&^o.BranchSample == 0
		})
	}
	return nil
}

// CheckField returns an [*UnsupportedError] if any field in f is unavailable.
func (c *Capabilities) CheckField(f Field) error {
	if missing := f &^ c.Fields; missing != 0 {
		return c.unsupported("field "+missing.String(), func(o *Capabilities) bool {
			return missing&^o.Fields == 0
		})
	}
	return nil
}

// CheckRecord returns an [*UnsupportedError] if r is unavailable.
func (c *Capabilities) CheckRecord(r RecordType) error {
	if !c.HasRecord(r) {
		return c.unsupported("record "+r.String(), func(o *Capabilities) bool { return o.HasRecord(r) })
	}
	return nil
}

// CheckIoctl returns an [*UnsupportedError] if op is unavailable.
func (c *Capabilities) CheckIoctl(op Ioctl) error {
	if !c.HasIoctl(op) {
		return c.unsupported("ioctl "+op.String(), func(o *Capabilities) bool { return o.HasIoctl(op) })
	}
	return nil
}

func (c *Capabilities) unsupported(what string, has func(*Capabilities) bool) error {
	since := Tier(-1)
	for t := c.Tier + 1; t < numTiers; t++ {
		if has(&capsTable[t]) {
			since = t
			break
		}
	}
	return &UnsupportedError{Tier: c.Tier, Capability: what, Since: since}
}
