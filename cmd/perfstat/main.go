// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Command perfstat counts and samples perf events.
//
// Usage:
//
//	perfstat stat -e cpu-cycles,instructions [-p PID | -a | -- command args...]
//	perfstat record -e cpu-cycles --freq 1000 [-p PID | -a | -- command args...]
//
// stat prints scaled counts when the command exits, the duration elapses or
// perfstat is interrupted. record prints one line per record as it drains
// the ring buffers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/perf"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	debug bool
	tier  string
}

func main() {
	var g globalFlags
	var log *zap.Logger
	root := &cobra.Command{
		Use:           "perfstat",
		Short:         "Count and sample Linux perf events",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			var err error
			if g.debug {
				log, err = zap.NewDevelopment()
			} else {
				log, err = zap.NewProduction()
			}
			return err
		},
	}
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&g.tier, "tier", "", "kernel ABI tier, such as 5.4 (default: detect)")

	logger := func() *zap.Logger { return log }
	root.AddCommand(newStatCmd(&g, logger), newRecordCmd(&g, logger))
	root.CompletionOptions.DisableDefaultCmd = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if log != nil {
		log.Sync()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfstat: %v\n", err)
		if errors.Is(err, perf.ErrPermission) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// newArena returns an arena for the tier selected by g.
func (g *globalFlags) newArena(log *zap.Logger) (*perf.Arena, error) {
	opts := []perf.Option{perf.WithLogger(log)}
	if g.tier != "" {
		t, err := abi.ParseTier(g.tier)
		if err != nil {
			return nil, err
		}
		opts = append(opts, perf.WithTier(t))
	}
	a, err := perf.NewArena(opts...)
	if err != nil {
		return nil, err
	}
	log.Debug("arena ready", zap.Stringer("tier", a.Tier()))
	return a, nil
}

// serveMetrics serves the registry on addr until ctx is done.
func serveMetrics(ctx context.Context, log *zap.Logger, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
