// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Package perfmetrics exports perf counters and samplers as Prometheus
// metrics.
//
// Counters are read when the collector is scraped, so the exported values
// are always current. Sampler statistics are running totals maintained by
// whoever drains the sampler.
package perfmetrics

import (
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmukit/go-perfevent/perf"
)

// DefaultNamespace prefixes every metric unless another namespace is given
// to [New].
const DefaultNamespace = "perf"

// A CounterSource is something with a current count, such as a
// [*perf.Counter].
type CounterSource interface {
	Stat() (perf.CountSnapshot, error)
}

// A SamplerSource is something with sampler statistics, such as a
// [*perf.Sampler].
type SamplerSource interface {
	Stats() perf.SamplerStats
}

// Collector is a [prometheus.Collector] over a set of named counters and
// samplers. It is safe for concurrent use.
type Collector struct {
	log *zap.Logger

	value      *prometheus.Desc
	enabled    *prometheus.Desc
	running    *prometheus.Desc
	records    *prometheus.Desc
	bytes      *prometheus.Desc
	lost       *prometheus.Desc
	lostSync   *prometheus.Desc
	decodeErrs *prometheus.Desc
	readErrors prometheus.Counter

	mu       sync.Mutex
	counters map[string]CounterSource
	samplers map[string]SamplerSource
}

var _ prometheus.Collector = (*Collector)(nil)

// New returns an empty Collector. If namespace is empty, [DefaultNamespace]
// is used. A nil log discards read errors.
func New(namespace string, log *zap.Logger) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if log == nil {
		log = zap.NewNop()
	}
	event := []string{"event"}
	sampler := []string{"sampler"}
	return &Collector{
		log: log,

		value: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "event", "value"),
			"Event count scaled for multiplexing and by the event's unit scale.",
			event, nil,
		),
		enabled: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "event", "time_enabled_seconds"),
			"Time the counter has been enabled.",
			event, nil,
		),
		running: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "event", "time_running_seconds"),
			"Time the counter has been scheduled on the PMU.",
			event, nil,
		),
		records: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sampler", "records_total"),
			"Records decoded from the ring buffer.",
			sampler, nil,
		),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sampler", "bytes_total"),
			"Bytes consumed from the ring buffer.",
			sampler, nil,
		),
		lost: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sampler", "lost_records_total"),
			"Records the kernel reported as dropped.",
			sampler, nil,
		),
		lostSync: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sampler", "lost_sync_total"),
			"Times the reader lost record framing and skipped to the head.",
			sampler, nil,
		),
		decodeErrs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sampler", "decode_errors_total"),
			"Records skipped because they could not be decoded.",
			sampler, nil,
		),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event",
			Name:      "read_errors_total",
			Help:      "Failed counter reads during collection.",
		}),

		counters: make(map[string]CounterSource),
		samplers: make(map[string]SamplerSource),
	}
}

// Add exports c under the given event label, replacing any counter already
// added with that name.
func (col *Collector) Add(name string, c CounterSource) {
	col.mu.Lock()
	defer col.mu.Unlock()
	col.counters[name] = c
}

// AddSampler exports the statistics of s under the given sampler label.
func (col *Collector) AddSampler(name string, s SamplerSource) {
	col.mu.Lock()
	defer col.mu.Unlock()
	col.samplers[name] = s
}

// Remove stops exporting the counter and sampler with the given name.
func (col *Collector) Remove(name string) {
	col.mu.Lock()
	defer col.mu.Unlock()
	delete(col.counters, name)
	delete(col.samplers, name)
}

func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.value
	ch <- col.enabled
	ch <- col.running
	ch <- col.records
	ch <- col.bytes
	ch <- col.lost
	ch <- col.lostSync
	ch <- col.decodeErrs
	col.readErrors.Describe(ch)
}

func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	col.mu.Lock()
	counters := maps.Clone(col.counters)
	samplers := maps.Clone(col.samplers)
	col.mu.Unlock()

	for _, name := range slices.Sorted(maps.Keys(counters)) {
		s, err := counters[name].Stat()
		if err != nil {
			col.readErrors.Inc()
			col.log.Warn("reading counter", zap.String("event", name), zap.Error(err))
			continue
		}
		ch <- prometheus.MustNewConstMetric(col.enabled, prometheus.CounterValue, float64(s.TimeEnabled)/1e9, name)
		ch <- prometheus.MustNewConstMetric(col.running, prometheus.CounterValue, float64(s.TimeRunning)/1e9, name)
		// A counter that never ran has no meaningful value.
		if _, ok := s.Scaled(); ok {
			v, _ := s.Value()
			ch <- prometheus.MustNewConstMetric(col.value, prometheus.GaugeValue, v, name)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(samplers)) {
		st := samplers[name].Stats()
		ch <- prometheus.MustNewConstMetric(col.records, prometheus.CounterValue, float64(st.Records), name)
		ch <- prometheus.MustNewConstMetric(col.bytes, prometheus.CounterValue, float64(st.Bytes), name)
		ch <- prometheus.MustNewConstMetric(col.lost, prometheus.CounterValue, float64(st.Lost), name)
		ch <- prometheus.MustNewConstMetric(col.lostSync, prometheus.CounterValue, float64(st.LostSync), name)
		ch <- prometheus.MustNewConstMetric(col.decodeErrs, prometheus.CounterValue, float64(st.DecodeErrors), name)
	}

	ch <- col.readErrors
}

