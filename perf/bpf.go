// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"errors"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
)

// AttachBPF attaches a BPF program to a tracepoint, kprobe or uprobe counter.
// The program runs every time the event fires. The counter does not take
// ownership of prog, but the kernel keeps its own reference until the
// counter is closed.
func (c *Counter) AttachBPF(prog *ebpf.Program) error {
	if prog == nil {
		return newControlError(abi.IoctlSetBPF, errors.New("nil program"))
	}
	return c.control(abi.IoctlSetBPF, func(fd int) error {
		return ioctlInt(fd, unix.PERF_EVENT_IOC_SET_BPF, prog.FD())
	})
}

// QueryBPF returns the ids of the BPF programs attached to the same
// tracepoint as c, up to max of them.
func (c *Counter) QueryBPF(max int) ([]ebpf.ProgramID, error) {
	if max <= 0 {
		return nil, nil
	}
	// struct perf_event_query_bpf { u32 ids_len; u32 prog_cnt; u32 ids[]; }
	buf := make([]uint32, 2+max)
	buf[0] = uint32(max)
	err := c.control(abi.IoctlQueryBPF, func(fd int) error {
		return ioctlPtr(fd, unix.PERF_EVENT_IOC_QUERY_BPF, unsafe.Pointer(&buf[0]))
	})
	if err != nil {
		return nil, err
	}
	n := min(int(buf[1]), max)
	ids := make([]ebpf.ProgramID, n)
	for i := range ids {
		ids[i] = ebpf.ProgramID(buf[2+i])
	}
	return ids, nil
}
