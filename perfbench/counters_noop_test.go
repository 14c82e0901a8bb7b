// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package perfbench

import "testing"

func TestNoCounters(t *testing.T) {
	var cs *Counters
	cs.Start()
	cs.Stop()
	cs.Reset()
	if v, ok := cs.Total("instructions"); ok || v != 0 {
		t.Errorf("Total = %f, %v; want 0, false", v, ok)
	}
}
