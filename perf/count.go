// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/record"
)

// CountSnapshot is the value of a counter at one point in time.
type CountSnapshot struct {
	Raw uint64 // The number of events while this counter was running.

	// Normally, TimeEnabled == TimeRunning. However, if more counters are
	// running than the hardware can support, events will be multiplexed onto
	// the hardware. In that case, TimeRunning < TimeEnabled, and the raw
	// counter value should be scaled under the assumption that the event is
	// happening at a regular rate and the sampled time is representative.

	TimeEnabled uint64 // Total nanoseconds the counter was enabled.
	TimeRunning uint64 // Total nanoseconds the counter was actually counting.

	ID   uint64 // Kernel event id, if the read format includes it.
	Lost uint64 // Lost samples, if the read format includes it.

	// Scale and Unit convert the count into a meaningful quantity, such as
	// Joules for an energy counter.
	Scale float64
	Unit  string
}

// Scaled returns the raw count scaled by TimeEnabled/TimeRunning to estimate
// the count had the counter never been multiplexed. ok is false if the
// counter never ran, in which case no estimate exists.
func (s CountSnapshot) Scaled() (v float64, ok bool) {
	if s.TimeRunning == 0 {
		return 0, false
	}
	raw := float64(s.Raw)
	if s.TimeEnabled == s.TimeRunning {
		// Common case: it was running the whole time.
		return raw, true
	}
	return raw * (float64(s.TimeEnabled) / float64(s.TimeRunning)), true
}

// Value returns the measured value, scaled to account for time the counter
// was scheduled and for the event's conversion factor, plus its unit. It
// returns 0 if the counter never ran.
func (s CountSnapshot) Value() (float64, string) {
	v, ok := s.Scaled()
	if !ok {
		return 0, s.Unit
	}
	if s.Scale != 0 && s.Scale != 1 {
		v *= s.Scale
	}
	return v, s.Unit
}

// Multiplexed reports whether the counter shared the hardware with other
// counters for part of the time it was enabled.
func (s CountSnapshot) Multiplexed() bool { return s.TimeRunning < s.TimeEnabled }

// Stat reads the current value of the counter. Value and times come from a
// single read, so they are consistent with each other.
func (c *Counter) Stat() (CountSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rv, err := c.readLocked()
	if err != nil {
		return CountSnapshot{}, err
	}
	return c.snapshot(rv, 0), nil
}

// StatGroup reads the value of every counter in c's group, leader first and
// followers in the order they were opened. c must be a group leader. If the
// leader reads the whole group, all values come from a single read.
// Otherwise each member is read separately.
func (c *Counter) StatGroup() ([]CountSnapshot, error) {
	if c.leader != 0 {
		return nil, fmt.Errorf("perf: StatGroup on %s: %w", c.event, ErrFollower)
	}
	c.mu.Lock()
	if c.format.ReadFormat&abi.ReadGroup != 0 {
		defer c.mu.Unlock()
		rv, err := c.readLocked()
		if err != nil {
			return nil, err
		}
		members := append([]*Counter{c}, c.followers...)
		if len(rv.Values) != len(members) {
			return nil, fmt.Errorf("perf: read returned %d events, expected %d", len(rv.Values), len(members))
		}
		snaps := make([]CountSnapshot, len(members))
		for i, m := range members {
			snaps[i] = m.snapshot(rv, i)
		}
		return snaps, nil
	}
	members := append([]*Counter{c}, c.followers...)
	c.mu.Unlock()

	snaps := make([]CountSnapshot, len(members))
	for i, m := range members {
		s, err := m.Stat()
		if err != nil {
			return nil, err
		}
		snaps[i] = s
	}
	return snaps, nil
}

// readLocked reads the counter. c.mu must be held.
func (c *Counter) readLocked() (record.ReadValues, error) {
	if c.fd < 0 {
		return record.ReadValues{}, fmt.Errorf("perf: reading %s: %w", c.event, ErrClosed)
	}
	members := 1
	if c.format.ReadFormat&abi.ReadGroup != 0 {
		members += len(c.followers)
	}
	buf := make([]byte, record.ReadSize(c.format.ReadFormat, members))
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return record.ReadValues{}, fmt.Errorf("perf: reading %s: %w", c.event, err)
	}
	rv, err := record.ParseReadValues(c.format.ReadFormat, buf[:n])
	if err != nil {
		return record.ReadValues{}, fmt.Errorf("perf: reading %s: %w", c.event, err)
	}
	if len(rv.Values) == 0 {
		return record.ReadValues{}, fmt.Errorf("perf: reading %s: no values", c.event)
	}
	return rv, nil
}

func (c *Counter) snapshot(rv record.ReadValues, i int) CountSnapshot {
	v := rv.Values[i]
	return CountSnapshot{
		Raw:         v.Value,
		TimeEnabled: rv.TimeEnabled,
		TimeRunning: rv.TimeRunning,
		ID:          v.ID,
		Lost:        v.Lost,
		Scale:       c.scale,
		Unit:        c.unit,
	}
}
