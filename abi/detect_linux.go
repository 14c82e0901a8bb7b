// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package abi

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Detect returns the tier of the running kernel.
func Detect() (Tier, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return TierBase, fmt.Errorf("uname: %w", err)
	}
	return ForRelease(unix.ByteSliceToString(uts.Release[:]))
}
