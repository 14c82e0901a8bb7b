// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package abi

import "errors"

// Detect returns the tier of the running kernel. perf_event only exists on
// Linux, so on other systems it always fails.
func Detect() (Tier, error) {
	return TierBase, errors.New("perf_event is only available on Linux")
}
