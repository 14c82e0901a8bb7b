// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/events"
	"github.com/pmukit/go-perfevent/record"
	"github.com/pmukit/go-perfevent/record/recordtest"
)

// fakeRing plays the kernel's side of a ring buffer in ordinary memory.
type fakeRing struct {
	meta         *unix.PerfEventMmapPage
	headp, tailp *uint64
	data         []byte
	head         uint64
}

func newFakeRing(size int) *fakeRing {
	meta := new(unix.PerfEventMmapPage)
	return &fakeRing{meta: meta, headp: &meta.Data_head, tailp: &meta.Data_tail, data: make([]byte, size)}
}

// newFakeAux returns the AUX area that goes with r.
func (f *fakeRing) newFakeAux(size int) *fakeRing {
	return &fakeRing{meta: f.meta, headp: &f.meta.Aux_head, tailp: &f.meta.Aux_tail, data: make([]byte, size)}
}

// write appends b at head and publishes the new head.
func (f *fakeRing) write(t *testing.T, bs ...[]byte) {
	t.Helper()
	for _, b := range bs {
		tail := atomic.LoadUint64(f.tailp)
		require.LessOrEqual(t, f.head+uint64(len(b))-tail, uint64(len(f.data)), "fake ring overflow")
		for i, x := range b {
			f.data[(f.head+uint64(i))%uint64(len(f.data))] = x
		}
		f.head += uint64(len(b))
	}
	atomic.StoreUint64(f.headp, f.head)
}

func (f *fakeRing) tail() uint64 { return atomic.LoadUint64(f.tailp) }

func fakeSamplingCounter(a *Arena, kernelID uint64, leader CounterID, f record.Format) *Counter {
	c := &Counter{
		arena:    a,
		event:    events.EventInstructions,
		fd:       -1,
		cpu:      -1,
		kernelID: kernelID,
		leader:   leader,
		format:   f,
		scale:    1,
	}
	a.add(c)
	return c
}

func fakeSampler(c *Counter, r *fakeRing) *Sampler {
	return &Sampler{
		c:     c,
		log:   c.arena.log,
		pages: 1,
		mem:   r.data,
		meta:  r.meta,
		ring:  dataRing(r.meta, r.data),
	}
}

var sampleFormat = record.Format{
	SampleType:  abi.SampleIdentifier | abi.SampleIP | abi.SampleTID | abi.SampleTime,
	SampleIDAll: true,
}

var recordCmp = cmp.Options{
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(record.Header{}, "Size"),
}

func hdrMeta(typ abi.RecordType, misc uint16, id record.SampleID) record.Meta {
	return record.Meta{Header: record.Header{Type: typ, Misc: misc}, ID: id}
}

// drain reads until the sampler catches up, failing on any error.
func drain(t *testing.T, s *Sampler) []Entry {
	t.Helper()
	var es []Entry
	for {
		e, ok, err := s.Next()
		require.NoError(t, err)
		if !ok {
			return es
		}
		es = append(es, e)
	}
}

func TestRingRoundTrip(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	c := fakeSamplingCounter(a, 7, 0, sampleFormat)
	r := newFakeRing(256)
	s := fakeSampler(c, r)

	id := record.SampleID{Pid: 100, Tid: 101, ID: 7}
	for round := 0; round < 20; round++ {
		id.Time = uint64(round)
		want := []record.Record{
			&record.Sample{Meta: hdrMeta(abi.RecordSample, uint16(record.ModeUser), id), IP: 0x400000 + uint64(round)},
			&record.Comm{Meta: hdrMeta(abi.RecordComm, 0, id), Pid: 100, Tid: 101, Comm: "worker"},
			&record.Sample{Meta: hdrMeta(abi.RecordSample, uint16(record.ModeKernel), id), IP: 0xffffffff81000000},
		}
		for _, rec := range want {
			r.write(t, recordtest.Encode(sampleFormat, rec))
		}

		es := drain(t, s)
		got := make([]record.Record, len(es))
		for i, e := range es {
			assert.Same(t, c, e.Counter)
			got[i] = e.Record
		}
		if diff := cmp.Diff(want, got, recordCmp); diff != "" {
			t.Fatalf("round %d: records differ (-want +got):\n%s", round, diff)
		}

		// The cursor must end exactly at the kernel's head, and be
		// published.
		require.Equal(t, r.head, s.ring.tail)
		require.Equal(t, r.head, r.tail())
	}
	// 20 rounds of 128 bytes went through a 256 byte ring, so records
	// wrapped around many times.
	st := s.Stats()
	assert.Equal(t, uint64(60), st.Records)
	assert.Equal(t, r.head, st.Bytes)
	assert.Zero(t, st.LostSync)
}

func TestRingLostSync(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	c := fakeSamplingCounter(a, 7, 0, sampleFormat)

	for _, tc := range []struct {
		name  string
		bytes []byte
	}{
		{"size exceeds span", append(recordtest.Header(abi.RecordSample, 0, 200), make([]byte, 8)...)},
		{"size below header", append(recordtest.Header(abi.RecordSample, 0, 0), make([]byte, 8)...)},
		{"span below header", []byte{1, 2, 3, 4}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newFakeRing(256)
			s := fakeSampler(c, r)

			// Skip some space so the corrupt record is not at offset 0.
			good := &record.Sample{Meta: hdrMeta(abi.RecordSample, uint16(record.ModeUser), record.SampleID{ID: 7}), IP: 1}
			r.write(t, recordtest.Encode(sampleFormat, good))
			drain(t, s)
			start := r.head

			r.write(t, tc.bytes)
			_, _, err := s.Next()
			var lse *LostSyncError
			require.ErrorAs(t, err, &lse)
			assert.ErrorIs(t, err, ErrLostSync)
			assert.Equal(t, start, lse.Tail)
			assert.Equal(t, r.head, lse.Head)

			// The cursor snaps to head, never past it.
			assert.Equal(t, r.head, s.ring.tail)
			assert.Equal(t, r.head, r.tail())

			_, ok, err := s.Next()
			assert.NoError(t, err)
			assert.False(t, ok)

			// Later records still decode.
			r.write(t, recordtest.Encode(sampleFormat, good))
			es := drain(t, s)
			require.Len(t, es, 1)
			assert.Empty(t, cmp.Diff(good, es[0].Record, recordCmp))
			assert.Equal(t, uint64(1), s.Stats().LostSync)
		})
	}
}

func TestRingOverrun(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	c := fakeSamplingCounter(a, 7, 0, sampleFormat)
	r := newFakeRing(64)
	s := fakeSampler(c, r)

	// A head more than a ring's length ahead means the kernel overwrote
	// unread data.
	atomic.StoreUint64(&r.meta.Data_head, 128)
	_, _, err := s.Next()
	require.ErrorIs(t, err, ErrLostSync)
	assert.Equal(t, uint64(128), s.ring.tail)
}

func TestSamplerDecodeError(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	c := fakeSamplingCounter(a, 7, 0, sampleFormat)
	r := newFakeRing(256)
	s := fakeSampler(c, r)

	// A sample that carries only its identifier, though the format needs
	// three more fields.
	short := recordtest.Header(abi.RecordSample, 0, 16)
	short = binary.NativeEndian.AppendUint64(short, 7)
	good := &record.Sample{Meta: hdrMeta(abi.RecordSample, uint16(record.ModeUser), record.SampleID{ID: 7}), IP: 2}
	r.write(t, short, recordtest.Encode(sampleFormat, good))

	e, ok, err := s.Next()
	assert.True(t, ok)
	var de *record.DecodeError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, record.ErrShort)
	assert.Same(t, c, e.Counter)
	assert.Nil(t, e.Record)

	es := drain(t, s)
	require.Len(t, es, 1)
	assert.Empty(t, cmp.Diff(good, es[0].Record, recordCmp))

	st := s.Stats()
	assert.Equal(t, uint64(1), st.DecodeErrors)
	assert.Equal(t, uint64(1), st.Records)
	assert.Equal(t, r.head, st.Bytes)
}

func TestSamplerOrigin(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	leader := fakeSamplingCounter(a, 10, 0, sampleFormat)
	followerFormat := record.Format{
		SampleType:  abi.SampleIdentifier | abi.SampleIP | abi.SamplePeriod | abi.SampleCPU,
		SampleIDAll: true,
	}
	follower := fakeSamplingCounter(a, 11, leader.ID(), followerFormat)
	r := newFakeRing(1024)
	s := fakeSampler(leader, r)

	fromLeader := &record.Sample{Meta: hdrMeta(abi.RecordSample, uint16(record.ModeUser), record.SampleID{Pid: 1, Tid: 1, Time: 5, ID: 10}), IP: 0x10}
	fromFollower := &record.Sample{Meta: hdrMeta(abi.RecordSample, uint16(record.ModeUser), record.SampleID{ID: 11, CPU: 3}), IP: 0x20, Period: 1000}
	followerComm := &record.Comm{Meta: hdrMeta(abi.RecordComm, abi.MiscCommExec, record.SampleID{ID: 11, CPU: 3}), Pid: 2, Tid: 2, Comm: "sh"}
	stranger := &record.Sample{Meta: hdrMeta(abi.RecordSample, uint16(record.ModeUser), record.SampleID{ID: 99}), IP: 0x30}
	r.write(t,
		recordtest.Encode(sampleFormat, fromLeader),
		recordtest.Encode(followerFormat, fromFollower),
		recordtest.Encode(followerFormat, followerComm),
		recordtest.Encode(sampleFormat, stranger),
	)

	es := drain(t, s)
	require.Len(t, es, 4)
	for i, want := range []struct {
		c   *Counter
		rec record.Record
	}{
		{leader, fromLeader},
		{follower, fromFollower},
		{follower, followerComm},
		{leader, stranger}, // Unknown ids fall back to the ring's owner.
	} {
		assert.Same(t, want.c, es[i].Counter, "entry %d", i)
		assert.Empty(t, cmp.Diff(want.rec, es[i].Record, recordCmp), "entry %d", i)
	}
}

func TestSamplerCountingLeader(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	// The leader only counts, so it writes nothing and its own format has
	// no identifier.
	leader := fakeSamplingCounter(a, 10, 0, record.Format{
		ReadFormat: abi.ReadTotalTimeEnabled | abi.ReadTotalTimeRunning,
	})
	followerFormat := record.Format{
		SampleType:  abi.SampleIdentifier | abi.SampleIP,
		SampleIDAll: true,
	}
	follower := fakeSamplingCounter(a, 11, leader.ID(), followerFormat)
	r := newFakeRing(256)
	s := fakeSampler(leader, r)

	id := record.SampleID{ID: 11}
	want := []record.Record{
		&record.Sample{Meta: hdrMeta(abi.RecordSample, uint16(record.ModeUser), id), IP: 0x401000},
		&record.Comm{Meta: hdrMeta(abi.RecordComm, 0, id), Pid: 3, Tid: 3, Comm: "loop"},
	}
	for _, rec := range want {
		r.write(t, recordtest.Encode(followerFormat, rec))
	}

	es := drain(t, s)
	require.Len(t, es, len(want))
	for i, e := range es {
		assert.Same(t, follower, e.Counter, "entry %d", i)
		assert.Empty(t, cmp.Diff(want[i], e.Record, recordCmp), "entry %d", i)
	}
	assert.Zero(t, s.Stats().DecodeErrors)
}

func TestSamplerLost(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	c := fakeSamplingCounter(a, 7, 0, sampleFormat)
	r := newFakeRing(256)
	s := fakeSampler(c, r)

	id := record.SampleID{ID: 7}
	r.write(t,
		recordtest.Encode(sampleFormat, &record.Lost{Meta: hdrMeta(abi.RecordLost, 0, id), EventID: 7, Lost: 5}),
		recordtest.Encode(sampleFormat, &record.LostSamples{Meta: hdrMeta(abi.RecordLostSamples, 0, id), Lost: 3}),
	)
	var n int
	for e, err := range s.All() {
		require.NoError(t, err)
		require.NotNil(t, e.Record)
		n++
	}
	assert.Equal(t, 2, n)
	st := s.Stats()
	assert.Equal(t, uint64(8), st.Lost)
	assert.Equal(t, uint64(2), st.Records)
}

func TestSamplerAllStopsEarly(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	c := fakeSamplingCounter(a, 7, 0, sampleFormat)
	r := newFakeRing(256)
	s := fakeSampler(c, r)

	for i := range 3 {
		rec := &record.Sample{Meta: hdrMeta(abi.RecordSample, uint16(record.ModeUser), record.SampleID{ID: 7}), IP: uint64(i)}
		r.write(t, recordtest.Encode(sampleFormat, rec))
	}
	for range s.All() {
		break
	}
	// Only the first record was consumed.
	assert.Len(t, drain(t, s), 2)
}

func TestSamplerClosed(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	c := fakeSamplingCounter(a, 7, 0, sampleFormat)
	s := fakeSampler(c, newFakeRing(64))
	s.mem = nil // As if unmapped.

	_, ok, err := s.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)

	var errs []error
	for _, err := range s.All() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrClosed))
}
