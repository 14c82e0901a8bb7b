// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package abi describes which parts of the perf_event ABI are safe to use on a
// given kernel.
//
// Kernel versions are grouped into a strictly ordered chain of [Tier] values.
// Each tier has a frozen [Capabilities] set, and the set at tier N contains
// everything available at every tier below N. A tier is chosen once, either
// explicitly or with [Detect], and callers validate their configuration
// against it before touching the kernel.
package abi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// A Tier is a capability level corresponding to a minimum kernel version.
type Tier int

const (
	TierBase Tier = iota // Anything before Linux 4.1.
	Tier4_1
	Tier4_2
	Tier4_3
	Tier4_4
	Tier4_5
	Tier4_7
	Tier4_8
	Tier4_10
	Tier4_12
	Tier4_14
	Tier4_15
	Tier4_16
	Tier4_17
	Tier5_1
	Tier5_4
	Tier5_5
	Tier5_7
	Tier5_9
	Tier5_11
	Tier5_12
	Tier5_13
	Tier5_16
	Tier5_17
	Tier5_18
	Tier6_0
	Tier6_1
	Tier6_3
	Tier6_6
	Tier6_8
	Tier6_11
	Tier6_13
	numTiers

	// TierLatest is the highest tier this package knows about.
	TierLatest = numTiers - 1
)

type version struct{ major, minor int }

var tierVersions = [numTiers]version{
	TierBase: {0, 0},
	Tier4_1:  {4, 1},
	Tier4_2:  {4, 2},
	Tier4_3:  {4, 3},
	Tier4_4:  {4, 4},
	Tier4_5:  {4, 5},
	Tier4_7:  {4, 7},
	Tier4_8:  {4, 8},
	Tier4_10: {4, 10},
	Tier4_12: {4, 12},
	Tier4_14: {4, 14},
	Tier4_15: {4, 15},
	Tier4_16: {4, 16},
	Tier4_17: {4, 17},
	Tier5_1:  {5, 1},
	Tier5_4:  {5, 4},
	Tier5_5:  {5, 5},
	Tier5_7:  {5, 7},
	Tier5_9:  {5, 9},
	Tier5_11: {5, 11},
	Tier5_12: {5, 12},
	Tier5_13: {5, 13},
	Tier5_16: {5, 16},
	Tier5_17: {5, 17},
	Tier5_18: {5, 18},
	Tier6_0:  {6, 0},
	Tier6_1:  {6, 1},
	Tier6_3:  {6, 3},
	Tier6_6:  {6, 6},
	Tier6_8:  {6, 8},
	Tier6_11: {6, 11},
	Tier6_13: {6, 13},
}

func (v version) less(o version) bool {
	return v.major < o.major || (v.major == o.major && v.minor < o.minor)
}

// Tiers returns every known tier in ascending order.
func Tiers() []Tier {
	ts := make([]Tier, numTiers)
	for i := range ts {
		ts[i] = Tier(i)
	}
	return ts
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t >= TierBase && t < numTiers }

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	if t == TierBase {
		return "linux-base"
	}
	v := tierVersions[t]
	return fmt.Sprintf("linux-%d.%d", v.major, v.minor)
}

// ParseTier parses a tier name as printed by [Tier.String]. It also accepts a
// bare "major.minor" version and "latest", and returns the highest tier not
// newer than the named version.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "linux-base", "base":
		return TierBase, nil
	case "latest":
		return TierLatest, nil
	}
	t, err := ForRelease(strings.TrimPrefix(s, "linux-"))
	if err != nil {
		return 0, fmt.Errorf("unknown tier %q: %w", s, err)
	}
	return t, nil
}

// ForRelease returns the tier for a kernel release string such as
// "6.8.0-45-generic", as reported by uname -r.
func ForRelease(release string) (Tier, error) {
	majStr, rest, ok := strings.Cut(release, ".")
	if !ok {
		return 0, fmt.Errorf("malformed kernel release %q", release)
	}
	minStr := rest
	if i := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minStr = rest[:i]
	}
	major, err1 := strconv.Atoi(majStr)
	minor, err2 := strconv.Atoi(minStr)
	if err := errors.Join(err1, err2); err != nil {
		return 0, fmt.Errorf("malformed kernel release %q: %w", release, err)
	}
	v := version{major, minor}
	t := TierBase
	for i := Tier4_1; i < numTiers; i++ {
		if v.less(tierVersions[i]) {
			break
		}
		t = i
	}
	return t, nil
}

// ErrInvalidTier reports a Tier value outside the known chain.
var ErrInvalidTier = errors.New("invalid tier")

// ErrUnsupported is the error wrapped by [*UnsupportedError].
var ErrUnsupported = errors.New("not supported at this tier")

// An UnsupportedError reports a capability that was requested at a tier that
// does not provide it.
type UnsupportedError struct {
	Tier       Tier
	Capability string // For example "sample_type phys_addr".
	Since      Tier   // Lowest tier with the capability, or -1 if none.
}

func (e *UnsupportedError) Error() string {
	if e.Since >= 0 {
		return fmt.Sprintf("%s requires %s, have %s", e.Capability, e.Since, e.Tier)
	}
	return fmt.Sprintf("%s is not supported by any known tier", e.Capability)
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupported }
