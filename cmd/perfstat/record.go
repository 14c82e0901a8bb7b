// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/perf"
	"github.com/pmukit/go-perfevent/perfmetrics"
)

type recordFlags struct {
	targetFlags
	event       string
	freq        uint64
	period      uint64
	pages       int
	auxPages    int
	duration    time.Duration
	metricsAddr string
}

func newRecordCmd(g *globalFlags, logger func() *zap.Logger) *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "record [flags] [-- command [args...]]",
		Short: "Sample an event and print each record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), g, logger(), &f, args)
		},
	}
	fs := cmd.Flags()
	f.register(fs)
	fs.StringVarP(&f.event, "event", "e", "cpu-cycles", "event to sample")
	fs.Uint64VarP(&f.freq, "freq", "F", 1000, "samples per second")
	fs.Uint64VarP(&f.period, "period", "c", 0, "sample every n events instead of at a frequency")
	fs.IntVar(&f.pages, "pages", 4, "ring buffer size as a power of two pages")
	fs.IntVar(&f.auxPages, "aux-pages", -1, "also map an AUX area of this many pages as a power of two, and count its bytes")
	fs.DurationVar(&f.duration, "duration", 0, "stop after this long")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// pollInterval bounds how long a drain loop waits before checking for
// cancellation.
const pollInterval = 100 * time.Millisecond

func runRecord(ctx context.Context, g *globalFlags, log *zap.Logger, f *recordFlags, args []string) error {
	evs, err := parseEvents([]string{f.event})
	if err != nil {
		return err
	}
	if len(evs) != 1 {
		return errors.New("record samples exactly one event")
	}
	ev := evs[0]
	a, err := g.newArena(log)
	if err != nil {
		return err
	}
	defer a.Close()

	targets, child, err := f.targets(ctx, args)
	if err != nil {
		return err
	}
	if child != nil {
		defer child.Process.Kill()
	}

	trigger := perf.Freq(f.freq)
	if f.period != 0 {
		trigger = perf.Period(f.period)
	}
	opts := perf.Options{
		SampleOn:     trigger,
		SampleFormat: abi.SampleIP | abi.SampleTID | abi.SampleTime | abi.SampleCPU | abi.SamplePeriod,
		Flags:        abi.AttrComm | abi.AttrMmap | abi.AttrTask,
		WakeupEvents: 16,
		Inherit:      child != nil,
		Enabled:      child != nil,
	}
	var (
		counters []*perf.Counter
		samplers []*perf.Sampler
		auxs     []*perf.AuxReader // nil entries without --aux-pages
	)
	for _, t := range targets {
		c, err := a.Open(ev, t.Target, &opts)
		if err != nil {
			return fmt.Errorf("%s: %w", t.label, err)
		}
		s, err := c.Map(f.pages)
		if err != nil {
			return fmt.Errorf("%s: %w", t.label, err)
		}
		var aux *perf.AuxReader
		if f.auxPages >= 0 {
			if aux, err = s.MapAux(f.auxPages); err != nil {
				return fmt.Errorf("%s: %w", t.label, err)
			}
		}
		counters = append(counters, c)
		samplers = append(samplers, s)
		auxs = append(auxs, aux)
	}
	if child == nil {
		for _, c := range counters {
			if err := c.Enable(); err != nil {
				return err
			}
		}
	}

	out := &lineWriter{w: bufio.NewWriter(os.Stdout)}
	defer out.flush()

	eg, ctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if f.metricsAddr != "" {
		col := perfmetrics.New("", log)
		for i, s := range samplers {
			col.AddSampler(targets[i].label, s)
		}
		reg := prometheus.NewRegistry()
		reg.MustRegister(col)
		eg.Go(func() error { return serveMetrics(runCtx, log, f.metricsAddr, reg) })
	}
	var live atomic.Int32
	live.Store(int32(len(samplers)))
	for _, s := range samplers {
		eg.Go(func() error {
			err := drainLoop(runCtx, log, s, out)
			if live.Add(-1) == 0 {
				// Every target has exited.
				cancel()
			}
			return err
		})
	}
	for _, aux := range auxs {
		if aux != nil {
			eg.Go(func() error { return auxLoop(runCtx, log, aux) })
		}
	}
	eg.Go(func() error {
		defer cancel()
		waitRecord(runCtx, log, child, f.duration)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	// Pick up whatever arrived after the loops stopped.
	for i, c := range counters {
		if err := c.Disable(); err != nil {
			log.Warn("disabling counter", zap.Error(err))
		}
		drain(log, samplers[i], out)
		if auxs[i] != nil {
			drainAux(log, auxs[i])
		}
	}
	out.flush()
	for i, s := range samplers {
		st := s.Stats()
		fmt.Fprintf(os.Stderr, "%s: %d records, %d bytes, %d lost, %d lost sync, %d decode errors\n",
			targets[i].label, st.Records, st.Bytes, st.Lost, st.LostSync, st.DecodeErrors)
		if aux := auxs[i]; aux != nil {
			fmt.Fprintf(os.Stderr, "%s: %d AUX bytes, %d AUX lost sync\n", targets[i].label, aux.Bytes(), aux.LostSync())
		}
	}
	return nil
}

func waitRecord(ctx context.Context, log *zap.Logger, child *exec.Cmd, d time.Duration) {
	exited := make(chan error, 1)
	if child != nil {
		go func() { exited <- child.Wait() }()
	}
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	case err := <-exited:
		if err != nil {
			log.Info("command exited", zap.Error(err))
		}
	}
}

// recordSource is the part of a [*perf.Sampler] the drain loops use.
type recordSource interface {
	All() iter.Seq2[perf.Entry, error]
	Poll(timeout time.Duration) (bool, error)
}

// drainLoop drains s until ctx is done or the monitored task exits.
func drainLoop(ctx context.Context, log *zap.Logger, s recordSource, out *lineWriter) error {
	for ctx.Err() == nil {
		drain(log, s, out)
		_, err := s.Poll(pollInterval)
		switch {
		case errors.Is(err, perf.ErrHangup):
			// Nothing more will be written.
			drain(log, s, out)
			log.Debug("target exited")
			return nil
		case errors.Is(err, perf.ErrClosed):
			return nil
		case err != nil:
			return err
		}
	}
	return nil
}

// drain writes every record currently in s. Bad records are logged and
// skipped.
func drain(log *zap.Logger, s recordSource, out *lineWriter) {
	for e, err := range s.All() {
		if err != nil {
			if !errors.Is(err, perf.ErrClosed) {
				log.Debug("skipping record", zap.Error(err))
			}
			continue
		}
		out.println(formatRecord(e))
	}
}

// auxLoop reads the AUX area every pollInterval until ctx is done.
func auxLoop(ctx context.Context, log *zap.Logger, aux *perf.AuxReader) error {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		drainAux(log, aux)
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// drainAux releases everything currently in the AUX area. The trace data is
// PMU-specific and is only counted.
func drainAux(log *zap.Logger, aux *perf.AuxReader) {
	for {
		b, err := aux.Next(0)
		switch {
		case errors.Is(err, perf.ErrClosed):
			return
		case err != nil:
			log.Warn("AUX data lost", zap.Error(err))
		case b == nil:
			return
		}
	}
}

// lineWriter serializes whole lines from several drain loops.
type lineWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (lw *lineWriter) println(s string) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	io.WriteString(lw.w, s)
	lw.w.WriteByte('\n')
}

func (lw *lineWriter) flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.w.Flush()
}
