// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package perfbench

import "testing"

// There are no perf events here. Open returns nil, and every method of a nil
// *Counters does nothing.
type countersOS struct{}

func openOS(*testing.B) *Counters { return nil }

func (cs *Counters) startOS() {}

func (cs *Counters) stopOS() {}

func (cs *Counters) resetOS() {}

// totalOS has no count to report, whether or not the events would have been
// grouped.
func (cs *Counters) totalOS(string) (float64, bool) { return 0, false }
