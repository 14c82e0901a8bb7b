// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmukit/go-perfevent/perf"
	"github.com/pmukit/go-perfevent/perfmetrics"
)

type statFlags struct {
	targetFlags
	events      []string
	group       bool
	interval    time.Duration
	duration    time.Duration
	metricsAddr string
}

func newStatCmd(g *globalFlags, logger func() *zap.Logger) *cobra.Command {
	var f statFlags
	cmd := &cobra.Command{
		Use:   "stat [flags] [-- command [args...]]",
		Short: "Count events and print totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStat(cmd.Context(), g, logger(), &f, args)
		},
	}
	fs := cmd.Flags()
	f.register(fs)
	fs.StringSliceVarP(&f.events, "event", "e", []string{"cpu-cycles", "instructions"}, "events to count")
	fs.BoolVar(&f.group, "group", false, "count the events as one group on each target")
	fs.DurationVarP(&f.interval, "interval", "I", 0, "print counts at this interval")
	fs.DurationVar(&f.duration, "duration", 0, "stop after this long")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// statRow is one event summed over every target.
type statRow struct {
	name     string
	counters sum
}

func runStat(ctx context.Context, g *globalFlags, log *zap.Logger, f *statFlags, args []string) error {
	evs, err := parseEvents(f.events)
	if err != nil {
		return err
	}
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
		// A no-op once the child has been waited for.
		defer child.Process.Kill()
	}

	// A child is already running, so its counters start enabled and follow
	// it into its own children.
	opts := perf.Options{Inherit: child != nil, Enabled: child != nil}
	rows := make([]statRow, len(evs))
	for i, ev := range evs {
		rows[i].name = ev.String()
	}
	var leaders []*perf.Counter
	for _, t := range targets {
		var cs []*perf.Counter
		if f.group {
			cs, err = a.OpenGroup(t.Target, opts, evs...)
			if err != nil {
				return fmt.Errorf("%s: %w", t.label, err)
			}
			leaders = append(leaders, cs[0])
		} else {
			for _, ev := range evs {
				c, err := a.Open(ev, t.Target, &opts)
				if err != nil {
					return fmt.Errorf("%s: %w", t.label, err)
				}
				cs = append(cs, c)
				leaders = append(leaders, c)
			}
		}
		for i, c := range cs {
			rows[i].counters = append(rows[i].counters, c)
		}
	}
	log.Debug("counters open", zap.Int("events", len(evs)), zap.Int("targets", len(targets)))

	if child == nil {
		for _, c := range leaders {
			if err := enableAll(c, f.group); err != nil {
				return err
			}
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if f.metricsAddr != "" {
		col := perfmetrics.New("", log)
		for _, r := range rows {
			col.Add(r.name, r.counters)
		}
		reg := prometheus.NewRegistry()
		reg.MustRegister(col)
		eg.Go(func() error { return serveMetrics(runCtx, log, f.metricsAddr, reg) })
	}
	eg.Go(func() error {
		defer cancel()
		return waitStat(runCtx, log, child, f, rows)
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, c := range leaders {
		if err := disableAll(c, f.group); err != nil {
			log.Warn("disabling counter", zap.Error(err))
		}
	}
	label := targets[0].label
	if len(targets) > 1 {
		label = fmt.Sprintf("%d CPUs", len(targets))
	}
	fmt.Fprintf(os.Stdout, "\n Performance counter stats for '%s':\n\n", label)
	return printRows(os.Stdout, rows)
}

// waitStat waits for the child to exit, the duration to pass or ctx to be
// done, printing counts every interval.
func waitStat(ctx context.Context, log *zap.Logger, child *exec.Cmd, f *statFlags, rows []statRow) error {
	exited := make(chan error, 1)
	if child != nil {
		go func() { exited <- child.Wait() }()
	}
	var timeout <-chan time.Time
	if f.duration > 0 {
		timer := time.NewTimer(f.duration)
		defer timer.Stop()
		timeout = timer.C
	}
	var tick <-chan time.Time
	if f.interval > 0 {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeout:
			return nil
		case err := <-exited:
			if err != nil {
				log.Info("command exited", zap.Error(err))
			}
			return nil
		case now := <-tick:
			fmt.Fprintf(os.Stdout, "%12.3f\n", now.Sub(start).Seconds())
			if err := printRows(os.Stdout, rows); err != nil {
				return err
			}
		}
	}
}

func printRows(w io.Writer, rows []statRow) error {
	for _, r := range rows {
		s, err := r.counters.Stat()
		if err != nil {
			return fmt.Errorf("reading %s: %w", r.name, err)
		}
		fmt.Fprintln(w, formatCount(r.name, s))
	}
	return nil
}

func enableAll(c *perf.Counter, group bool) error {
	if group {
		return c.EnableGroup()
	}
	return c.Enable()
}

func disableAll(c *perf.Counter, group bool) error {
	if group {
		return c.DisableGroup()
	}
	return c.Disable()
}
