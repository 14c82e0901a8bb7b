// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Package perf opens Linux perf_event counters, reads their values, and
// consumes the records they write to a shared ring buffer.
//
// Counters live in an [Arena], which fixes the kernel ABI tier used to
// configure them and tracks group relationships. A group has one leader and
// any number of followers. Followers refer to their leader by [CounterID]
// rather than by pointer, so closing a leader invalidates its followers
// instead of leaving them dangling.
//
// A Counter and its Sampler are not safe for concurrent use, except that
// [Counter.Stat], [Counter.StatGroup] and [Sampler.Stats] may be called
// while another goroutine drives the counter.
package perf

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/events"
)

// An Arena owns a set of counters configured for one ABI tier.
type Arena struct {
	tier abi.Tier
	caps *abi.Capabilities
	log  *zap.Logger

	mu         sync.Mutex
	next       CounterID
	counters   map[CounterID]*Counter
	byKernelID map[uint64]*Counter
}

// An Option configures an [Arena].
type Option func(*Arena)

// WithTier selects the ABI tier instead of detecting it from the running
// kernel.
func WithTier(t abi.Tier) Option {
	return func(a *Arena) { a.tier = t }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(a *Arena) { a.log = l }
}

// NewArena returns an empty Arena. Unless [WithTier] is given, the tier is
// detected from the running kernel.
func NewArena(opts ...Option) (*Arena, error) {
	a := &Arena{
		tier:       -1,
		log:        zap.NewNop(),
		counters:   make(map[CounterID]*Counter),
		byKernelID: make(map[uint64]*Counter),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tier == -1 {
		t, err := abi.Detect()
		if err != nil {
			return nil, fmt.Errorf("perf: detecting ABI tier: %w", err)
		}
		a.tier = t
	}
	caps, err := a.tier.Capabilities()
	if err != nil {
		return nil, fmt.Errorf("perf: %w", err)
	}
	a.caps = caps
	a.log.Debug("arena created", zap.Stringer("tier", a.tier))
	return a, nil
}

// Tier returns the arena's ABI tier.
func (a *Arena) Tier() abi.Tier { return a.tier }

// Capabilities returns the capabilities of the arena's tier.
func (a *Arena) Capabilities() *abi.Capabilities { return a.caps }

// Lookup returns the open counter with the given id.
func (a *Arena) Lookup(id CounterID) (*Counter, bool) { return a.lookup(id) }

func (a *Arena) lookup(id CounterID) (*Counter, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[id]
	return c, ok
}

// byKernel returns the counter with the given kernel event id.
func (a *Arena) byKernel(id uint64) *Counter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byKernelID[id]
}

func (a *Arena) add(c *Counter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	c.id = a.next
	a.counters[c.id] = c
	if c.kernelID != 0 {
		a.byKernelID[c.kernelID] = c
	}
}

func (a *Arena) remove(c *Counter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counters, c.id)
	if a.byKernelID[c.kernelID] == c {
		delete(a.byKernelID, c.kernelID)
	}
}

// OpenGroup opens evs as one group on target. The first event leads the
// group and reads the whole group at once. The other events follow it with
// the same options. It returns the counters in the order of evs.
func (a *Arena) OpenGroup(target Target, opts Options, evs ...events.Event) ([]*Counter, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	lopts := opts
	lopts.ReadFormat |= abi.ReadGroup
	lopts.Leader = 0
	leader, err := a.Open(evs[0], target, &lopts)
	if err != nil {
		return nil, err
	}
	cs := []*Counter{leader}
	fopts := opts
	fopts.Leader = leader.ID()
	for _, ev := range evs[1:] {
		c, err := a.Open(ev, target, &fopts)
		if err != nil {
			leader.Close()
			return nil, err
		}
		cs = append(cs, c)
	}
	return cs, nil
}

// Close closes every counter in the arena.
func (a *Arena) Close() error {
	a.mu.Lock()
	cs := make([]*Counter, 0, len(a.counters))
	for _, c := range a.counters {
		cs = append(cs, c)
	}
	a.mu.Unlock()

	// Close leaders first, which closes their followers.
	slices.SortFunc(cs, func(x, y *Counter) int {
		if (x.leader == 0) != (y.leader == 0) {
			if x.leader == 0 {
				return -1
			}
			return 1
		}
		return int(x.id) - int(y.id)
	})
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
