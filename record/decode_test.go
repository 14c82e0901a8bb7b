// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package record_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/record"
	"github.com/pmukit/go-perfevent/record/recordtest"
)

var cmpOpts = cmp.Options{
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(record.Header{}, "Size"),
}

func hdr(typ abi.RecordType, misc uint16) record.Meta {
	return record.Meta{Header: record.Header{Type: typ, Misc: misc}}
}

func withID(m record.Meta, id record.SampleID) record.Meta {
	m.ID = id
	return m
}

func TestRoundTripSample(t *testing.T) {
	formats := map[string]record.Format{
		"minimal": {SampleType: abi.SampleIP},
		"common": {
			SampleType: abi.SampleIdentifier | abi.SampleIP | abi.SampleTID |
				abi.SampleTime | abi.SampleCPU | abi.SamplePeriod,
		},
		"everything": {
			SampleType: abi.SampleIdentifier | abi.SampleIP | abi.SampleTID |
				abi.SampleTime | abi.SampleAddr | abi.SampleStreamID |
				abi.SampleCPU | abi.SamplePeriod | abi.SampleRead |
				abi.SampleCallchain | abi.SampleRaw | abi.SampleBranchStack |
				abi.SampleRegsUser | abi.SampleStackUser | abi.SampleWeightStruct |
				abi.SampleDataSrc | abi.SampleTransaction | abi.SampleRegsIntr |
				abi.SamplePhysAddr | abi.SampleCgroup | abi.SampleDataPageSize |
				abi.SampleCodePageSize | abi.SampleAux,
			ReadFormat:       abi.ReadGroup | abi.ReadTotalTimeEnabled | abi.ReadTotalTimeRunning | abi.ReadID | abi.ReadLost,
			BranchSampleType: abi.BranchAny | abi.BranchHWIndex | abi.BranchCounters,
			RegsUser:         0b1011,
			RegsIntr:         0b1,
		},
	}

	samples := map[string]*record.Sample{
		"minimal": {
			Meta: hdr(abi.RecordSample, uint16(record.ModeUser)|abi.MiscExactIP),
			IP:   0x401000,
		},
		"common": {
			Meta:   withID(hdr(abi.RecordSample, uint16(record.ModeKernel)), record.SampleID{Pid: 10, Tid: 11, Time: 12345, ID: 77, CPU: 3}),
			IP:     0xffffffff81000000,
			Period: 4000,
		},
		"everything": {
			Meta:   withID(hdr(abi.RecordSample, uint16(record.ModeUser)), record.SampleID{Pid: 1, Tid: 2, Time: 3, ID: 4, StreamID: 5, CPU: 6}),
			IP:     0x1000,
			Addr:   0x2000,
			Period: 1,
			Read: &record.ReadValues{
				TimeEnabled: 100,
				TimeRunning: 50,
				Values:      []record.CounterValue{{Value: 7, ID: 4, Lost: 0}, {Value: 8, ID: 9, Lost: 1}},
			},
			Callchain: []uint64{record.ContextUser, 0x1000, 0x1234},
			Raw:       []byte{1, 2, 3, 4},
			Branches: &record.BranchStack{
				HWIndex: 2,
				Entries: []record.BranchEntry{
					{From: 0x10, To: 0x20, Flags: 1 | 5<<4, Counters: 3},
					{From: 0x30, To: 0x40, Flags: 2 | 6<<20},
				},
			},
			RegsUser:     &record.Regs{ABI: record.RegsABI64, Values: []uint64{1, 2, 3}},
			StackUser:    []byte("stack contents!"),
			Weight:       record.Weight(1<<48 | 2<<32 | 3),
			DataSrc:      record.DataSource(record.MemOpLoad | 1<<37),
			Transaction:  record.TxnTransaction | record.TxnRetry | 5<<32,
			RegsIntr:     &record.Regs{ABI: record.RegsABI64, Values: []uint64{42}},
			PhysAddr:     0xdead000,
			Cgroup:       1234,
			DataPageSize: 4096,
			CodePageSize: 2 << 20,
			Aux:          []byte{9, 9, 9, 9, 9, 9, 9, 9},
		},
	}

	for name, f := range formats {
		t.Run(name, func(t *testing.T) {
			want := samples[name]
			b := recordtest.Encode(f, want)
			got, err := record.Decode(f, b)
			require.NoError(t, err)
			if diff := cmp.Diff(record.Record(want), got, cmpOpts); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSampleAccessors(t *testing.T) {
	s := &record.Sample{
		Meta:        hdr(abi.RecordSample, uint16(record.ModeUser)|abi.MiscExactIP),
		Weight:      record.Weight(1<<48 | 2<<32 | 3),
		DataSrc:     record.DataSource(record.MemOpStore | 1<<37),
		Transaction: record.TxnConflict | 7<<32,
	}
	assert.Equal(t, record.ModeUser, s.Mode())
	assert.True(t, s.ExactIP())
	assert.EqualValues(t, 3, s.Weight.Var1())
	assert.EqualValues(t, 2, s.Weight.Var2())
	assert.EqualValues(t, 1, s.Weight.Var3())
	assert.EqualValues(t, record.MemOpStore, s.DataSrc.Op())
	assert.True(t, s.DataSrc.Remote())
	assert.Equal(t, record.TxnConflict, s.Transaction.Flags())
	assert.EqualValues(t, 7, s.Transaction.AbortCode())

	e := record.BranchEntry{Flags: 1 | 1<<3 | 9<<4 | 4<<20 | 2<<24 | 1<<30}
	assert.True(t, e.Mispredicted())
	assert.False(t, e.Predicted())
	assert.True(t, e.Abort())
	assert.EqualValues(t, 9, e.Cycles())
	assert.EqualValues(t, 4, e.Type())
	assert.EqualValues(t, 2, e.Spec())
	assert.EqualValues(t, 1, e.Priv())
}

func TestRoundTripSideBand(t *testing.T) {
	f := record.Format{
		SampleType:  abi.SampleIdentifier | abi.SampleTID | abi.SampleTime | abi.SampleCPU | abi.SampleIP,
		ReadFormat:  abi.ReadTotalTimeEnabled | abi.ReadTotalTimeRunning | abi.ReadID,
		SampleIDAll: true,
	}
	id := record.SampleID{Pid: 100, Tid: 101, Time: 999, ID: 42, CPU: 2}
	task := record.Task{Pid: 5, Ppid: 1, Tid: 5, Ptid: 1, Time: 77}

	recs := []record.Record{
		&record.Mmap{Meta: withID(hdr(abi.RecordMmap, abi.MiscMmapData), id), Pid: 1, Tid: 1, Addr: 0x400000, Len: 0x1000, Pgoff: 0, Filename: "/usr/bin/true"},
		&record.Mmap2{Meta: withID(hdr(abi.RecordMmap2, 0), id), Pid: 1, Tid: 2, Addr: 0x7f00, Len: 0x2000, Pgoff: 0x10, Maj: 8, Min: 1, Ino: 1234, InoGeneration: 5, Prot: 5, Flags: 2, Filename: "/lib/libc.so.6"},
		&record.Mmap2{Meta: withID(hdr(abi.RecordMmap2, abi.MiscMmapBuildID), id), Pid: 1, Tid: 2, Addr: 0x7f00, Len: 0x2000, BuildID: []byte{0xde, 0xad, 0xbe, 0xef}, Prot: 5, Flags: 2, Filename: "x"},
		&record.Lost{Meta: withID(hdr(abi.RecordLost, 0), id), EventID: 42, Lost: 17},
		&record.Comm{Meta: withID(hdr(abi.RecordComm, abi.MiscCommExec), id), Pid: 9, Tid: 9, Comm: "exactly8"},
		&record.Exit{Meta: withID(hdr(abi.RecordExit, 0), id), Task: task},
		&record.Fork{Meta: withID(hdr(abi.RecordFork, 0), id), Task: task},
		&record.Throttle{Meta: withID(hdr(abi.RecordThrottle, 0), id), Time: 1, EventID: 2, StreamID: 3},
		&record.Throttle{Meta: withID(hdr(abi.RecordUnthrottle, 0), id), Time: 4, EventID: 5, StreamID: 6},
		&record.Read{Meta: withID(hdr(abi.RecordRead, 0), id), Pid: 3, Tid: 4, Values: record.ReadValues{TimeEnabled: 10, TimeRunning: 5, Values: []record.CounterValue{{Value: 99, ID: 42}}}},
		&record.Aux{Meta: withID(hdr(abi.RecordAux, 0), id), Offset: 4096, Size: 512, Flags: record.AuxTruncated | 3<<8},
		&record.ItraceStart{Meta: withID(hdr(abi.RecordItraceStart, 0), id), Pid: 7, Tid: 8},
		&record.LostSamples{Meta: withID(hdr(abi.RecordLostSamples, 0), id), Lost: 3},
		&record.Switch{Meta: withID(hdr(abi.RecordSwitch, abi.MiscSwitchOut|abi.MiscSwitchOutPreempt), id)},
		&record.SwitchCPUWide{Meta: withID(hdr(abi.RecordSwitchCPUWide, 0), id), NextPrevPid: 12, NextPrevTid: 13},
		&record.Namespaces{Meta: withID(hdr(abi.RecordNamespaces, 0), id), Pid: 1, Tid: 1, Links: []record.NamespaceLink{{Dev: 4, Inode: 0xf0000001}, {Dev: 4, Inode: 0xf0000002}}},
		&record.Ksymbol{Meta: withID(hdr(abi.RecordKsymbol, 0), id), Addr: 0xffffffffc0000000, Len: 256, KsymType: record.KsymbolTypeBPF, Name: "bpf_prog_6deef7357e7b4530"},
		&record.BPFEvent{Meta: withID(hdr(abi.RecordBPFEvent, 0), id), EventType: record.BPFEventProgLoad, ProgID: 31, Tag: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		&record.Cgroup{Meta: withID(hdr(abi.RecordCgroup, 0), id), CgroupID: 77, Path: "/sys/fs/cgroup/user.slice"},
		&record.TextPoke{Meta: withID(hdr(abi.RecordTextPoke, 0), id), Addr: 0xffffffff81000000, Old: []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}, New: []byte{0xe9, 1, 2, 3, 4}},
		&record.AuxOutputHWID{Meta: withID(hdr(abi.RecordAuxOutputHWID, 0), id), HWID: 3},
		&record.Unknown{Meta: hdr(99, 0), Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}
	for _, want := range recs {
		h := want.RecordHeader()
		t.Run(h.Type.String(), func(t *testing.T) {
			b := recordtest.Encode(f, want)
			require.Zero(t, len(b)%8, "encoded record not 8-byte aligned")
			got, err := record.Decode(f, b)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got, cmpOpts); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSideBandAccessors(t *testing.T) {
	f := record.Format{}
	sw, err := record.Decode(f, recordtest.Encode(f, &record.Switch{Meta: hdr(abi.RecordSwitch, abi.MiscSwitchOut)}))
	require.NoError(t, err)
	assert.True(t, sw.(*record.Switch).Out())
	assert.False(t, sw.(*record.Switch).Preempt())

	th, err := record.Decode(f, recordtest.Encode(f, &record.Throttle{Meta: hdr(abi.RecordUnthrottle, 0)}))
	require.NoError(t, err)
	assert.False(t, th.(*record.Throttle).Throttled())

	aux := &record.Aux{Flags: record.AuxPartial | record.AuxCollision | 0x2a<<8}
	assert.True(t, aux.Partial())
	assert.True(t, aux.Collision())
	assert.False(t, aux.Overwrite())
	assert.EqualValues(t, 0x2a, aux.PMUFormat())
}

// TestSampleLayout checks the decoder against hand-assembled bytes, so the
// field order does not depend on the test encoder agreeing with the decoder.
func TestSampleLayout(t *testing.T) {
	f := record.Format{SampleType: abi.SampleIP | abi.SampleTID | abi.SampleTime | abi.SampleCPU | abi.SamplePeriod}
	var b []byte
	u32 := func(v uint32) { b = binary.NativeEndian.AppendUint32(b, v) }
	u64 := func(v uint64) { b = binary.NativeEndian.AppendUint64(b, v) }
	u32(uint32(abi.RecordSample))
	b = binary.NativeEndian.AppendUint16(b, uint16(record.ModeKernel))
	b = binary.NativeEndian.AppendUint16(b, 8+8+8+8+8+8)
	u64(0xabc) // ip
	u32(10)    // pid
	u32(11)    // tid
	u64(555)   // time
	u32(3)     // cpu
	u32(0)     // reserved
	u64(10000) // period

	rec, err := record.Decode(f, b)
	require.NoError(t, err)
	s, ok := rec.(*record.Sample)
	require.True(t, ok, "got %T", rec)
	assert.EqualValues(t, 0xabc, s.IP)
	assert.Equal(t, record.SampleID{Pid: 10, Tid: 11, Time: 555, CPU: 3}, s.RecordID())
	assert.EqualValues(t, 10000, s.Period)
	assert.Equal(t, record.ModeKernel, s.Mode())
	assert.Equal(t, uint16(len(b)), s.RecordHeader().Size)
}

func TestDecodeErrors(t *testing.T) {
	f := record.Format{SampleType: abi.SampleIP | abi.SamplePeriod}
	good := recordtest.Encode(f, &record.Sample{Meta: hdr(abi.RecordSample, 0), IP: 1, Period: 2})

	t.Run("trailing", func(t *testing.T) {
		// Declare and supply 8 more bytes than the format consumes.
		b := append(append([]byte(nil), good...), make([]byte, 8)...)
		binary.NativeEndian.PutUint16(b[6:], uint16(len(b)))
		_, err := record.Decode(f, b)
		var de *record.DecodeError
		require.ErrorAs(t, err, &de)
		assert.ErrorIs(t, err, record.ErrTrailing)
		assert.Equal(t, abi.RecordSample, de.Type)
	})

	t.Run("short", func(t *testing.T) {
		// The format asks for more fields than the record holds.
		f2 := f
		f2.SampleType |= abi.SampleTime | abi.SampleAddr
		_, err := record.Decode(f2, good)
		assert.ErrorIs(t, err, record.ErrShort)
	})

	t.Run("size mismatch", func(t *testing.T) {
		_, err := record.Decode(f, good[:len(good)-8])
		assert.ErrorIs(t, err, record.ErrHeader)
	})

	t.Run("tiny", func(t *testing.T) {
		_, err := record.Decode(f, good[:4])
		assert.ErrorIs(t, err, record.ErrHeader)
	})

	t.Run("huge callchain", func(t *testing.T) {
		fc := record.Format{SampleType: abi.SampleCallchain}
		b := recordtest.Header(abi.RecordSample, 0, 24)
		b = binary.NativeEndian.AppendUint64(b, 1<<40)
		b = binary.NativeEndian.AppendUint64(b, 0)
		_, err := record.Decode(fc, b)
		assert.ErrorIs(t, err, record.ErrShort)
	})

	t.Run("string overlaps trailer", func(t *testing.T) {
		fc := record.Format{SampleType: abi.SampleTime | abi.SampleCPU | abi.SampleTID, SampleIDAll: true}
		// A COMM record with room for pid/tid and nothing else.
		b := recordtest.Header(abi.RecordComm, 0, 16)
		b = binary.NativeEndian.AppendUint64(b, 0)
		_, err := record.Decode(fc, b)
		assert.True(t, errors.Is(err, record.ErrShort), "got %v", err)
	})
}

func TestReadValues(t *testing.T) {
	tests := []struct {
		name   string
		format abi.ReadFlag
		words  []uint64
		want   record.ReadValues
	}{
		{
			name:   "single",
			format: abi.ReadTotalTimeEnabled | abi.ReadTotalTimeRunning | abi.ReadID,
			words:  []uint64{1000, 200, 100, 7},
			want:   record.ReadValues{TimeEnabled: 200, TimeRunning: 100, Values: []record.CounterValue{{Value: 1000, ID: 7}}},
		},
		{
			name:   "single lost",
			format: abi.ReadID | abi.ReadLost,
			words:  []uint64{5, 6, 7},
			want:   record.ReadValues{Values: []record.CounterValue{{Value: 5, ID: 6, Lost: 7}}},
		},
		{
			name:   "group",
			format: abi.ReadGroup | abi.ReadTotalTimeEnabled | abi.ReadTotalTimeRunning | abi.ReadID,
			words:  []uint64{2, 50, 40, 11, 1, 22, 2},
			want: record.ReadValues{TimeEnabled: 50, TimeRunning: 40, Values: []record.CounterValue{
				{Value: 11, ID: 1}, {Value: 22, ID: 2},
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var b []byte
			for _, w := range tc.words {
				b = binary.NativeEndian.AppendUint64(b, w)
			}
			members := len(tc.want.Values)
			assert.Equal(t, len(b), record.ReadSize(tc.format, members))
			got, err := record.ParseReadValues(tc.format, b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			_, err = record.ParseReadValues(tc.format, b[:len(b)-8])
			assert.Error(t, err)
		})
	}
}

func TestCPUMode(t *testing.T) {
	for misc, want := range map[uint16]record.CPUMode{
		0:                   record.ModeUnknown,
		1:                   record.ModeKernel,
		2 | abi.MiscExactIP: record.ModeUser,
		3:                   record.ModeHypervisor,
		4:                   record.ModeGuestKernel,
		5:                   record.ModeGuestUser,
	} {
		h := record.Header{Misc: misc}
		assert.Equal(t, want, h.Mode(), "misc %#x", misc)
	}
	assert.Equal(t, "kernel", record.ModeKernel.String())
}
