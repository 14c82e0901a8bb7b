// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/events"
	"github.com/pmukit/go-perfevent/record"
)

func newTestArena(t *testing.T, tier abi.Tier) *Arena {
	t.Helper()
	a, err := NewArena(WithTier(tier), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return a
}

// fakeCounter registers a counter that was never opened. fd is only used as
// a group_fd value, never as a real descriptor.
func fakeCounter(a *Arena, fd int, leader CounterID) *Counter {
	c := &Counter{arena: a, event: events.EventCPUCycles, fd: fd, cpu: -1, leader: leader, scale: 1}
	a.add(c)
	return c
}

func requireConfigError(t *testing.T, err error, option string, kind error) {
	t.Helper()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, option, ce.Option)
	if kind != nil {
		assert.ErrorIs(t, err, kind)
	}
}

func TestTranslateTarget(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	for _, tc := range []struct {
		target          Target
		pid, cpu, flags int
		bad             bool
	}{
		{target: Target{Self, AllCPUs}, pid: 0, cpu: -1},
		{target: TargetThisGoroutine, pid: 0, cpu: -1},
		{target: Target{PID(1234), OnCPU(2)}, pid: 1234, cpu: 2},
		{target: Target{AllProcesses, OnCPU(0)}, pid: -1, cpu: 0},
		{target: Target{Cgroup(7), OnCPU(1)}, pid: 7, cpu: 1, flags: unix.PERF_FLAG_PID_CGROUP},
		{target: Target{AllProcesses, AllCPUs}, bad: true},
		{target: Target{Cgroup(7), AllCPUs}, bad: true},
		{target: Target{PID(0), AllCPUs}, bad: true},
		{target: Target{Self, OnCPU(-2)}, bad: true},
	} {
		t.Run(tc.target.String(), func(t *testing.T) {
			rc, err := a.Translate(events.EventInstructions, tc.target, nil)
			if tc.bad {
				requireConfigError(t, err, "target", ErrInvalidTarget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.pid, rc.PID)
			assert.Equal(t, tc.cpu, rc.CPU)
			assert.Equal(t, tc.flags|unix.PERF_FLAG_FD_CLOEXEC, rc.Flags)
			assert.Equal(t, -1, rc.GroupFD)
		})
	}
}

func TestTranslateDefaults(t *testing.T) {
	for _, tier := range []abi.Tier{abi.TierBase, abi.Tier5_4, abi.TierLatest} {
		a := newTestArena(t, tier)
		rc, err := a.Translate(events.EventInstructions, TargetThisGoroutine, nil)
		require.NoError(t, err)

		attr := &rc.Attr
		assert.Equal(t, a.Capabilities().AttrSize, attr.Size)
		assert.Equal(t, uint32(unix.PERF_TYPE_HARDWARE), attr.Type)
		assert.Equal(t, uint64(unix.PERF_COUNT_HW_INSTRUCTIONS), attr.Config)
		assert.Equal(t, abi.AttrDisabled, abi.AttrBit(attr.Bits))
		assert.False(t, rc.Sampling())
		assert.Equal(t, record.Format{
			ReadFormat: abi.ReadTotalTimeEnabled | abi.ReadTotalTimeRunning,
		}, rc.Format)
	}
}

func TestTranslateTrigger(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)

	rc, err := a.Translate(events.EventInstructions, TargetThisGoroutine, &Options{
		SampleOn:     Freq(1000),
		SampleFormat: abi.SampleIP | abi.SampleTID,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), rc.Attr.Sample)
	assert.True(t, rc.Attr.HasBits(abi.AttrFreq|abi.AttrSampleIDAll))
	assert.Equal(t, abi.SampleIdentifier|abi.SampleIP|abi.SampleTID, abi.SampleFlag(rc.Attr.Sample_type))
	assert.True(t, rc.Format.SampleIDAll)
	assert.True(t, rc.Sampling())

	rc, err = a.Translate(events.EventInstructions, TargetThisGoroutine, &Options{SampleOn: Period(50000)})
	require.NoError(t, err)
	assert.Equal(t, uint64(50000), rc.Attr.Sample)
	assert.False(t, rc.Attr.HasBits(abi.AttrFreq))
	assert.Equal(t, abi.SampleIdentifier, rc.Format.SampleType)

	_, err = a.Translate(events.EventInstructions, TargetThisGoroutine, &Options{SampleOn: Freq(0)})
	requireConfigError(t, err, "sample_on", nil)
}

func TestTranslateTierGate(t *testing.T) {
	for _, tc := range []struct {
		name     string
		ev       events.Event
		opts     Options
		option   string
		old, new abi.Tier
	}{
		{"phys_addr", events.EventInstructions, Options{SampleOn: Period(1), SampleFormat: abi.SamplePhysAddr}, "sample_format", abi.Tier4_12, abi.Tier4_14},
		{"cgroup sample", events.EventInstructions, Options{SampleOn: Period(1), SampleFormat: abi.SampleCgroup}, "sample_format", abi.Tier5_5, abi.Tier5_7},
		{"read lost", events.EventInstructions, Options{ReadFormat: abi.ReadLost}, "read_format", abi.Tier5_18, abi.Tier6_0},
		{"context switch", events.EventDummy, Options{Flags: abi.AttrContextSwitch}, "flags", abi.TierBase, abi.Tier4_3},
		{"cgroup records", events.EventDummy, Options{Flags: abi.AttrCgroup}, "flags", abi.Tier5_5, abi.Tier5_7},
		{"clockid", events.EventInstructions, Options{UseClockID: true, ClockID: unix.CLOCK_MONOTONIC}, "flags", abi.TierBase, abi.Tier4_1},
		{"max stack", events.EventInstructions, Options{MaxStack: 16}, "fields", abi.Tier4_7, abi.Tier4_8},
		{"branch counters", events.EventInstructions, Options{SampleOn: Period(1), SampleFormat: abi.SampleBranchStack, BranchSample: abi.BranchAny | abi.BranchCounters}, "branch_sample", abi.Tier6_6, abi.Tier6_8},
		{"config3", events.Raw(unix.PERF_TYPE_RAW, 1, 0, 0, 1), Options{}, "fields", abi.Tier6_1, abi.Tier6_3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newTestArena(t, tc.old).Translate(tc.ev, TargetThisGoroutine, &tc.opts)
			requireConfigError(t, err, tc.option, ErrTierUnsupported)
			var ue *abi.UnsupportedError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tc.new, ue.Since)

			_, err = newTestArena(t, tc.new).Translate(tc.ev, TargetThisGoroutine, &tc.opts)
			assert.NoError(t, err)
		})
	}
}

func TestTranslateInvalid(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	for _, tc := range []struct {
		name   string
		opts   Options
		option string
	}{
		{"managed flag", Options{Flags: abi.AttrFreq}, "flags"},
		{"managed disabled", Options{Flags: abi.AttrDisabled}, "flags"},
		{"precise", Options{PreciseIP: 4}, "precise_ip"},
		{"wakeup", Options{WakeupEvents: 1, WakeupWatermark: 4096}, "wakeup"},
		{"branch without filter", Options{SampleOn: Period(1), SampleFormat: abi.SampleBranchStack}, "branch_sample"},
		{"filter without branch", Options{BranchSample: abi.BranchAny}, "branch_sample"},
		{"regs without mask", Options{SampleOn: Period(1), SampleFormat: abi.SampleRegsUser}, "regs_user"},
		{"intr mask without regs", Options{RegsIntr: 1}, "regs_intr"},
		{"stack size", Options{SampleOn: Period(1), SampleFormat: abi.SampleStackUser, StackUser: 100}, "stack_user"},
		{"stack without size", Options{SampleOn: Period(1), SampleFormat: abi.SampleStackUser}, "stack_user"},
		{"sigtrap", Options{Flags: abi.AttrSigtrap}, "flags"},
		{"sig data", Options{SigData: 1}, "sig_data"},
		{"aux sample size", Options{AuxSampleSize: 4096}, "aux_sample_size"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Translate(events.EventInstructions, TargetThisGoroutine, &tc.opts)
			requireConfigError(t, err, tc.option, nil)
		})
	}

	_, err := a.Translate(events.Breakpoint(events.BreakpointW, 0x1000, 3), TargetThisGoroutine, nil)
	requireConfigError(t, err, "event", nil)
}

func TestTranslateOptions(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)
	rc, err := a.Translate(events.EventInstructions, TargetThisGoroutine, &Options{
		SampleOn:        Period(10),
		SampleFormat:    abi.SampleIP | abi.SampleStackUser | abi.SampleRegsUser | abi.SampleBranchStack,
		ReadFormat:      abi.ReadID,
		WakeupWatermark: 8192,
		Inherit:         true,
		ExcludeKernel:   true,
		ExcludeHV:       true,
		Enabled:         true,
		PreciseIP:       2,
		Flags:           abi.AttrMmap | abi.AttrComm | abi.AttrSigtrap | abi.AttrRemoveOnExec,
		UseClockID:      true,
		ClockID:         unix.CLOCK_MONOTONIC_RAW,
		BranchSample:    abi.BranchAnyCall | abi.BranchUser,
		RegsUser:        0xff,
		StackUser:       4096,
		MaxStack:        32,
		SigData:         0xdead,
	})
	require.NoError(t, err)

	attr := &rc.Attr
	bits := abi.AttrBit(attr.Bits)
	assert.Equal(t, abi.AttrInherit|abi.AttrExcludeKernel|abi.AttrExcludeHV|abi.AttrWatermark|
		abi.AttrMmap|abi.AttrComm|abi.AttrSigtrap|abi.AttrRemoveOnExec|abi.AttrUseClockID|
		abi.AttrSampleIDAll|2<<abi.AttrPreciseIPShift, bits)
	assert.Equal(t, uint32(8192), attr.Wakeup)
	assert.Equal(t, int32(unix.CLOCK_MONOTONIC_RAW), attr.Clockid)
	assert.Equal(t, uint64(abi.BranchAnyCall|abi.BranchUser), attr.Branch_sample_type)
	assert.Equal(t, uint64(0xff), attr.Sample_regs_user)
	assert.Equal(t, uint32(4096), attr.Sample_stack_user)
	assert.Equal(t, uint16(32), attr.Sample_max_stack)
	assert.Equal(t, uint64(0xdead), attr.Sig_data)
	assert.Equal(t, record.Format{
		SampleType:       abi.SampleIdentifier | abi.SampleIP | abi.SampleStackUser | abi.SampleRegsUser | abi.SampleBranchStack,
		ReadFormat:       abi.ReadTotalTimeEnabled | abi.ReadTotalTimeRunning | abi.ReadID,
		BranchSampleType: abi.BranchAnyCall | abi.BranchUser,
		RegsUser:         0xff,
		SampleIDAll:      true,
	}, rc.Format)
}

func TestTranslateLeader(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)

	// No such counter.
	_, err := a.Translate(events.EventInstructions, TargetThisGoroutine, &Options{Leader: 42})
	requireConfigError(t, err, "leader", ErrLeaderClosed)

	// A leader whose descriptor is gone but is still registered.
	closed := fakeCounter(a, -1, 0)
	_, err = a.Translate(events.EventInstructions, TargetThisGoroutine, &Options{Leader: closed.ID()})
	requireConfigError(t, err, "leader", ErrLeaderClosed)

	leader := fakeCounter(a, 100, 0)
	follower := fakeCounter(a, 101, leader.ID())

	// Followers cannot lead.
	_, err = a.Translate(events.EventInstructions, TargetThisGoroutine, &Options{Leader: follower.ID()})
	requireConfigError(t, err, "leader", ErrFollower)

	// The group must share a CPU.
	_, err = a.Translate(events.EventInstructions, Target{Self, OnCPU(1)}, &Options{Leader: leader.ID()})
	requireConfigError(t, err, "leader", ErrInvalidTarget)

	rc, err := a.Translate(events.EventInstructions, TargetThisGoroutine, &Options{
		Leader:     leader.ID(),
		ReadFormat: abi.ReadGroup | abi.ReadID,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, rc.GroupFD)
	assert.Same(t, leader, rc.leader)
	// Followers follow the leader rather than starting disabled, and leave
	// group reads to the leader.
	assert.False(t, rc.Attr.HasBits(abi.AttrDisabled))
	assert.Equal(t, abi.ReadTotalTimeEnabled|abi.ReadTotalTimeRunning|abi.ReadID, rc.Format.ReadFormat)
}

func TestTranslateTagged(t *testing.T) {
	a := newTestArena(t, abi.TierLatest)

	// A counter that only counts writes nothing, so it carries no tag.
	rc, err := a.Translate(events.EventCPUClock, TargetThisGoroutine, nil)
	require.NoError(t, err)
	assert.Zero(t, rc.Format.SampleType)
	assert.False(t, rc.Format.SampleIDAll)

	// Side-band records are tagged even without sampling.
	rc, err = a.Translate(events.EventDummy, TargetThisGoroutine, &Options{Flags: abi.AttrComm | abi.AttrTask})
	require.NoError(t, err)
	assert.False(t, rc.Sampling())
	assert.Equal(t, abi.SampleIdentifier, rc.Format.SampleType)
	assert.True(t, rc.Format.SampleIDAll)
	assert.True(t, rc.Attr.HasBits(abi.AttrSampleIDAll))

	// A sampling follower of a counting leader is tagged, so its records
	// can be told apart in the leader's ring buffer.
	leader := fakeCounter(a, 100, 0)
	rc, err = a.Translate(events.EventInstructions, TargetThisGoroutine, &Options{
		Leader:       leader.ID(),
		SampleOn:     Period(1000),
		SampleFormat: abi.SampleIP,
	})
	require.NoError(t, err)
	assert.Equal(t, abi.SampleIdentifier|abi.SampleIP, rc.Format.SampleType)
	assert.True(t, rc.Format.SampleIDAll)
}

func TestErrorKinds(t *testing.T) {
	for _, tc := range []struct {
		errno unix.Errno
		kind  error
	}{
		{unix.EACCES, ErrPermission},
		{unix.EPERM, ErrPermission},
		{unix.EMFILE, ErrResourceLimit},
		{unix.EBUSY, ErrResourceLimit},
		{unix.ENOENT, ErrUnsupported},
		{unix.EOPNOTSUPP, ErrUnsupported},
		{unix.E2BIG, ErrUnsupported},
		{unix.ESRCH, ErrInvalidTarget},
	} {
		err := newOpenError("cycles", tc.errno)
		assert.ErrorIs(t, err, tc.kind, "%v", tc.errno)
		assert.ErrorIs(t, err, tc.errno)
		for _, other := range []error{ErrPermission, ErrResourceLimit, ErrUnsupported, ErrInvalidTarget} {
			if other != tc.kind {
				assert.False(t, errors.Is(err, other), "%v matches %v", tc.errno, other)
			}
		}
	}

	err := newControlError(abi.IoctlQueryBPF, newTestArena(t, abi.TierBase).Capabilities().CheckIoctl(abi.IoctlQueryBPF))
	assert.ErrorIs(t, err, ErrTierUnsupported)
	assert.Contains(t, err.Error(), "query-bpf")

	err = newControlError(abi.IoctlEnable, ErrClosed)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, &LostSyncError{Head: 16, Tail: 8}, ErrLostSync)
	assert.ErrorIs(t, &MapError{Pages: 3, Err: ErrPageCount}, ErrPageCount)
}

func TestNewArenaInvalidTier(t *testing.T) {
	a, err := NewArena(WithTier(abi.Tier(1000)))
	assert.Nil(t, a)
	assert.ErrorIs(t, err, abi.ErrInvalidTier)
}
