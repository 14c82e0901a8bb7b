// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recordtest builds well-formed perf ring buffer records for tests.
//
// [Encode] is the inverse of [record.Decode]: decoding the bytes it produces
// with the same [record.Format] yields the original record, with the header's
// size filled in.
package recordtest

import (
	"encoding/binary"
	"fmt"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/record"
)

// Encode returns the wire form of r. The header type and misc bits are taken
// from r. The size is computed. Encode panics on record types it does not
// know, since that is a bug in the calling test.
func Encode(f record.Format, r record.Record) []byte {
	var e encoder
	h := r.RecordHeader()
	e.u32(uint32(h.Type))
	e.u16(h.Misc)
	e.u16(0) // Patched below.

	id := r.RecordID()
	switch r := r.(type) {
	case *record.Sample:
		e.sample(f, r)
	case *record.Mmap:
		e.u32(r.Pid)
		e.u32(r.Tid)
		e.u64(r.Addr, r.Len, r.Pgoff)
		e.str(r.Filename)
		e.trailer(f, id)
	case *record.Mmap2:
		e.u32(r.Pid)
		e.u32(r.Tid)
		e.u64(r.Addr, r.Len, r.Pgoff)
		if r.HasBuildID() {
			var buf [24]byte
			buf[0] = byte(len(r.BuildID))
			copy(buf[4:], r.BuildID)
			e.b = append(e.b, buf[:]...)
		} else {
			e.u32(r.Maj)
			e.u32(r.Min)
			e.u64(r.Ino, r.InoGeneration)
		}
		e.u32(r.Prot)
		e.u32(r.Flags)
		e.str(r.Filename)
		e.trailer(f, id)
	case *record.Lost:
		e.u64(r.EventID, r.Lost)
		e.trailer(f, id)
	case *record.Comm:
		e.u32(r.Pid)
		e.u32(r.Tid)
		e.str(r.Comm)
		e.trailer(f, id)
	case *record.Exit:
		e.task(r.Task)
		e.trailer(f, id)
	case *record.Fork:
		e.task(r.Task)
		e.trailer(f, id)
	case *record.Throttle:
		e.u64(r.Time, r.EventID, r.StreamID)
		e.trailer(f, id)
	case *record.Read:
		e.u32(r.Pid)
		e.u32(r.Tid)
		e.readValues(f.ReadFormat, &r.Values)
		e.trailer(f, id)
	case *record.Aux:
		e.u64(r.Offset, r.Size, r.Flags)
		e.trailer(f, id)
	case *record.ItraceStart:
		e.u32(r.Pid)
		e.u32(r.Tid)
		e.trailer(f, id)
	case *record.LostSamples:
		e.u64(r.Lost)
		e.trailer(f, id)
	case *record.Switch:
		e.trailer(f, id)
	case *record.SwitchCPUWide:
		e.u32(r.NextPrevPid)
		e.u32(r.NextPrevTid)
		e.trailer(f, id)
	case *record.Namespaces:
		e.u32(r.Pid)
		e.u32(r.Tid)
		e.u64(uint64(len(r.Links)))
		for _, l := range r.Links {
			e.u64(l.Dev, l.Inode)
		}
		e.trailer(f, id)
	case *record.Ksymbol:
		e.u64(r.Addr)
		e.u32(r.Len)
		e.u16(r.KsymType)
		e.u16(r.Flags)
		e.str(r.Name)
		e.trailer(f, id)
	case *record.BPFEvent:
		e.u16(r.EventType)
		e.u16(r.Flags)
		e.u32(r.ProgID)
		e.b = append(e.b, r.Tag[:]...)
		e.trailer(f, id)
	case *record.Cgroup:
		e.u64(r.CgroupID)
		e.str(r.Path)
		e.trailer(f, id)
	case *record.TextPoke:
		e.u64(r.Addr)
		e.u16(uint16(len(r.Old)))
		e.u16(uint16(len(r.New)))
		e.b = append(e.b, r.Old...)
		e.b = append(e.b, r.New...)
		e.pad()
		e.trailer(f, id)
	case *record.AuxOutputHWID:
		e.u64(r.HWID)
		e.trailer(f, id)
	case *record.Unknown:
		e.b = append(e.b, r.Data...)
		e.pad()
	default:
		panic(fmt.Sprintf("recordtest: cannot encode %T", r))
	}

	if len(e.b) > 0xffff {
		panic(fmt.Sprintf("recordtest: record of %d bytes does not fit in a header", len(e.b)))
	}
	binary.NativeEndian.PutUint16(e.b[6:], uint16(len(e.b)))
	return e.b
}

// Header returns a bare record header with the given type and size. It is
// useful for building corrupt streams.
func Header(typ abi.RecordType, misc, size uint16) []byte {
	var e encoder
	e.u32(uint32(typ))
	e.u16(misc)
	e.u16(size)
	return e.b
}

type encoder struct {
	b []byte
}

func (e *encoder) u16(v uint16) { e.b = binary.NativeEndian.AppendUint16(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = binary.NativeEndian.AppendUint32(e.b, v) }

func (e *encoder) u64(vs ...uint64) {
	for _, v := range vs {
		e.b = binary.NativeEndian.AppendUint64(e.b, v)
	}
}

func (e *encoder) pad() {
	for len(e.b)%8 != 0 {
		e.b = append(e.b, 0)
	}
}

// str appends a NUL-terminated string padded to 8 bytes.
func (e *encoder) str(s string) {
	e.b = append(e.b, s...)
	e.b = append(e.b, 0)
	e.pad()
}

func (e *encoder) task(t record.Task) {
	e.u32(t.Pid)
	e.u32(t.Ppid)
	e.u32(t.Tid)
	e.u32(t.Ptid)
	e.u64(t.Time)
}

func (e *encoder) trailer(f record.Format, id record.SampleID) {
	if !f.SampleIDAll {
		return
	}
	st := f.SampleType
	if st&abi.SampleTID != 0 {
		e.u32(id.Pid)
		e.u32(id.Tid)
	}
	if st&abi.SampleTime != 0 {
		e.u64(id.Time)
	}
	if st&abi.SampleID != 0 {
		e.u64(id.ID)
	}
	if st&abi.SampleStreamID != 0 {
		e.u64(id.StreamID)
	}
	if st&abi.SampleCPU != 0 {
		e.u32(id.CPU)
		e.u32(0)
	}
	if st&abi.SampleIdentifier != 0 {
		e.u64(id.ID)
	}
}

func (e *encoder) readValues(format abi.ReadFlag, rv *record.ReadValues) {
	times := func() {
		if format&abi.ReadTotalTimeEnabled != 0 {
			e.u64(rv.TimeEnabled)
		}
		if format&abi.ReadTotalTimeRunning != 0 {
			e.u64(rv.TimeRunning)
		}
	}
	tail := func(v record.CounterValue) {
		if format&abi.ReadID != 0 {
			e.u64(v.ID)
		}
		if format&abi.ReadLost != 0 {
			e.u64(v.Lost)
		}
	}
	if format&abi.ReadGroup == 0 {
		var v record.CounterValue
		if len(rv.Values) > 0 {
			v = rv.Values[0]
		}
		e.u64(v.Value)
		times()
		tail(v)
		return
	}
	e.u64(uint64(len(rv.Values)))
	times()
	for _, v := range rv.Values {
		e.u64(v.Value)
		tail(v)
	}
}

func (e *encoder) regs(r *record.Regs) {
	if r == nil {
		e.u64(record.RegsABINone)
		return
	}
	e.u64(r.ABI)
	if r.ABI != record.RegsABINone {
		e.u64(r.Values...)
	}
}

func (e *encoder) sample(f record.Format, s *record.Sample) {
	st := f.SampleType
	if st&abi.SampleIdentifier != 0 {
		e.u64(s.ID.ID)
	}
	if st&abi.SampleIP != 0 {
		e.u64(s.IP)
	}
	if st&abi.SampleTID != 0 {
		e.u32(s.ID.Pid)
		e.u32(s.ID.Tid)
	}
	if st&abi.SampleTime != 0 {
		e.u64(s.ID.Time)
	}
	if st&abi.SampleAddr != 0 {
		e.u64(s.Addr)
	}
	if st&abi.SampleID != 0 {
		e.u64(s.ID.ID)
	}
	if st&abi.SampleStreamID != 0 {
		e.u64(s.ID.StreamID)
	}
	if st&abi.SampleCPU != 0 {
		e.u32(s.ID.CPU)
		e.u32(0)
	}
	if st&abi.SamplePeriod != 0 {
		e.u64(s.Period)
	}
	if st&abi.SampleRead != 0 {
		rv := s.Read
		if rv == nil {
			rv = new(record.ReadValues)
		}
		e.readValues(f.ReadFormat, rv)
	}
	if st&abi.SampleCallchain != 0 {
		e.u64(uint64(len(s.Callchain)))
		e.u64(s.Callchain...)
	}
	if st&abi.SampleRaw != 0 {
		// The kernel pads raw data so that the size word plus the data is a
		// multiple of 8 bytes, and counts the padding in the size.
		raw := s.Raw
		for (4+len(raw))%8 != 0 {
			raw = append(raw[:len(raw):len(raw)], 0)
		}
		e.u32(uint32(len(raw)))
		e.b = append(e.b, raw...)
	}
	if st&abi.SampleBranchStack != 0 {
		bs := s.Branches
		if bs == nil || len(bs.Entries) == 0 {
			e.u64(0)
		} else {
			e.u64(uint64(len(bs.Entries)))
			if f.BranchSampleType&abi.BranchHWIndex != 0 {
				e.u64(bs.HWIndex)
			}
			for _, ent := range bs.Entries {
				e.u64(ent.From, ent.To, ent.Flags)
			}
			if f.BranchSampleType&abi.BranchCounters != 0 {
				for _, ent := range bs.Entries {
					e.u64(ent.Counters)
				}
			}
		}
	}
	if st&abi.SampleRegsUser != 0 {
		e.regs(s.RegsUser)
	}
	if st&abi.SampleStackUser != 0 {
		if len(s.StackUser) == 0 {
			e.u64(0)
		} else {
			size := (len(s.StackUser) + 7) &^ 7
			e.u64(uint64(size))
			e.b = append(e.b, s.StackUser...)
			e.b = append(e.b, make([]byte, size-len(s.StackUser))...)
			e.u64(uint64(len(s.StackUser)))
		}
	}
	if st&abi.SampleWeight != 0 || st&abi.SampleWeightStruct != 0 {
		e.u64(uint64(s.Weight))
	}
	if st&abi.SampleDataSrc != 0 {
		e.u64(uint64(s.DataSrc))
	}
	if st&abi.SampleTransaction != 0 {
		e.u64(uint64(s.Transaction))
	}
	if st&abi.SampleRegsIntr != 0 {
		e.regs(s.RegsIntr)
	}
	if st&abi.SamplePhysAddr != 0 {
		e.u64(s.PhysAddr)
	}
	if st&abi.SampleCgroup != 0 {
		e.u64(s.Cgroup)
	}
	if st&abi.SampleDataPageSize != 0 {
		e.u64(s.DataPageSize)
	}
	if st&abi.SampleCodePageSize != 0 {
		e.u64(s.CodePageSize)
	}
	if st&abi.SampleAux != 0 {
		// Like raw data, the aux size already includes the padding.
		aux := s.Aux
		for len(aux)%8 != 0 {
			aux = append(aux[:len(aux):len(aux)], 0)
		}
		e.u64(uint64(len(aux)))
		e.b = append(e.b, aux...)
	}
}
