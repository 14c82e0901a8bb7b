// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perfmetrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pmukit/go-perfevent/perf"
)

type fakeCounter struct {
	snap perf.CountSnapshot
	err  error
}

func (f *fakeCounter) Stat() (perf.CountSnapshot, error) { return f.snap, f.err }

type fakeSampler perf.SamplerStats

func (f *fakeSampler) Stats() perf.SamplerStats { return perf.SamplerStats(*f) }

func newTestCollector(t *testing.T) *Collector {
	col := New("", zaptest.NewLogger(t))
	col.Add("cycles", &fakeCounter{snap: perf.CountSnapshot{Raw: 1000, TimeEnabled: 2e9, TimeRunning: 1e9, Scale: 1}})
	col.Add("energy", &fakeCounter{snap: perf.CountSnapshot{Raw: 10, TimeEnabled: 1e9, TimeRunning: 1e9, Scale: 0.5, Unit: "Joules"}})
	col.Add("idle", &fakeCounter{snap: perf.CountSnapshot{TimeEnabled: 1e9}})
	col.Add("broken", &fakeCounter{err: errors.New("read failed")})
	col.AddSampler("cycles", &fakeSampler{Records: 40, Bytes: 1600, Lost: 3, LostSync: 1, DecodeErrors: 2})
	return col
}

func TestCollectorValues(t *testing.T) {
	col := newTestCollector(t)
	const want = `
# HELP perf_event_value Event count scaled for multiplexing and by the event's unit scale.
# TYPE perf_event_value gauge
perf_event_value{event="cycles"} 2000
perf_event_value{event="energy"} 5
`
	require.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(want), "perf_event_value"))
}

func TestCollectorTimes(t *testing.T) {
	col := newTestCollector(t)
	const want = `
# HELP perf_event_time_enabled_seconds Time the counter has been enabled.
# TYPE perf_event_time_enabled_seconds counter
perf_event_time_enabled_seconds{event="cycles"} 2
perf_event_time_enabled_seconds{event="energy"} 1
perf_event_time_enabled_seconds{event="idle"} 1
# HELP perf_event_time_running_seconds Time the counter has been scheduled on the PMU.
# TYPE perf_event_time_running_seconds counter
perf_event_time_running_seconds{event="cycles"} 1
perf_event_time_running_seconds{event="energy"} 1
perf_event_time_running_seconds{event="idle"} 0
`
	require.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(want),
		"perf_event_time_enabled_seconds", "perf_event_time_running_seconds"))
}

func TestCollectorSampler(t *testing.T) {
	col := newTestCollector(t)
	const want = `
# HELP perf_sampler_lost_records_total Records the kernel reported as dropped.
# TYPE perf_sampler_lost_records_total counter
perf_sampler_lost_records_total{sampler="cycles"} 3
# HELP perf_sampler_lost_sync_total Times the reader lost record framing and skipped to the head.
# TYPE perf_sampler_lost_sync_total counter
perf_sampler_lost_sync_total{sampler="cycles"} 1
# HELP perf_sampler_records_total Records decoded from the ring buffer.
# TYPE perf_sampler_records_total counter
perf_sampler_records_total{sampler="cycles"} 40
`
	require.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(want),
		"perf_sampler_records_total", "perf_sampler_lost_records_total", "perf_sampler_lost_sync_total"))
}

func TestCollectorReadErrors(t *testing.T) {
	col := newTestCollector(t)
	// cycles, energy: 3 each. idle: 2. broken: none. The sampler: 5. And
	// the error counter.
	assert.Equal(t, 14, testutil.CollectAndCount(col))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.readErrors))

	col.Remove("broken")
	col.Remove("cycles")
	// energy: 3. idle: 2. And the error counter.
	assert.Equal(t, 6, testutil.CollectAndCount(col))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.readErrors))
}

func TestCollectorRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(New("bench", nil)))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.Equal(t, "bench_event_read_errors_total", mfs[0].GetName())
}
