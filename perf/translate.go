// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/events"
	"github.com/pmukit/go-perfevent/record"
)

// RawConfig is a fully translated perf_event_open request.
type RawConfig struct {
	Attr    abi.Attr
	PID     int
	CPU     int
	GroupFD int // -1 if the counter leads its own group.
	Flags   int

	// Format is the layout of records and reads produced by the counter.
	Format record.Format

	leader *Counter
}

// Sampling reports whether the configuration produces samples.
func (rc *RawConfig) Sampling() bool { return rc.Attr.Sample != 0 }

// Translate converts an event, target and options into the raw configuration
// perf_event_open expects at the arena's tier. It makes no system calls. All
// validation errors are [*ConfigError] values.
func (a *Arena) Translate(ev events.Event, target Target, opts *Options) (*RawConfig, error) {
	if opts == nil {
		opts = &Options{}
	}
	caps := a.caps
	rc := &RawConfig{GroupFD: -1}

	var err error
	rc.PID, rc.CPU, rc.Flags, err = target.resolve()
	if err != nil {
		return nil, &ConfigError{"target", err}
	}
	rc.Flags |= unix.PERF_FLAG_FD_CLOEXEC

	attr := &rc.Attr
	attr.Size = caps.AttrSize
	if err := ev.SetAttrs(attr); err != nil {
		return nil, &ConfigError{"event", err}
	}

	// Group leader. This is resolved before anything else depends on
	// whether the counter is a follower.
	if opts.Leader != 0 {
		leader, ok := a.lookup(opts.Leader)
		if !ok {
			return nil, &ConfigError{"leader", fmt.Errorf("%w: counter %d", ErrLeaderClosed, opts.Leader)}
		}
		if leader.leader != 0 {
			return nil, &ConfigError{"leader", fmt.Errorf("%w: counter %d", ErrFollower, opts.Leader)}
		}
		fd, err := leader.rawFD()
		if err != nil {
			return nil, &ConfigError{"leader", fmt.Errorf("%w: counter %d", ErrLeaderClosed, opts.Leader)}
		}
		if leader.cpu != rc.CPU {
			return nil, &ConfigError{"leader", fmt.Errorf("%w: leader is on %v", ErrInvalidTarget, CPU(leader.cpu))}
		}
		rc.GroupFD = fd
		rc.leader = leader
	}

	// Attribute bits.
	if bad := opts.Flags & managedBits; bad != 0 {
		return nil, &ConfigError{"flags", fmt.Errorf("bits %s are set by other options", bad)}
	}
	bits := opts.Flags
	if !opts.Enabled && rc.leader == nil {
		bits |= abi.AttrDisabled
	}
	for _, b := range []struct {
		set bool
		bit abi.AttrBit
	}{
		{opts.Inherit, abi.AttrInherit},
		{opts.ExcludeUser, abi.AttrExcludeUser},
		{opts.ExcludeKernel, abi.AttrExcludeKernel},
		{opts.ExcludeHV, abi.AttrExcludeHV},
		{opts.ExcludeIdle, abi.AttrExcludeIdle},
		{opts.UseClockID, abi.AttrUseClockID},
	} {
		if b.set {
			bits |= b.bit
		}
	}
	if opts.PreciseIP > 3 {
		return nil, &ConfigError{"precise_ip", fmt.Errorf("%d out of range 0-3", opts.PreciseIP)}
	}
	bits |= abi.AttrBit(opts.PreciseIP) << abi.AttrPreciseIPShift

	// Sampling trigger. An unset trigger keeps any default period the event
	// supplied.
	if !opts.SampleOn.IsZero() {
		if opts.SampleOn.n == 0 {
			return nil, &ConfigError{"sample_on", fmt.Errorf("%v: must be non-zero", opts.SampleOn)}
		}
		attr.Sample = opts.SampleOn.n
		if opts.SampleOn.freq {
			bits |= abi.AttrFreq
		}
	}

	sample := opts.SampleFormat
	if attr.Sample != 0 || bits&sideBandBits != 0 {
		// Every counter that writes records tags them with its identifier.
		// A group shares one ring buffer, owned by the leader even if the
		// leader only counts, and the tag is how records are attributed.
		sample |= abi.SampleIdentifier
		bits |= abi.AttrSampleIDAll
	}
	if err := caps.CheckSample(sample); err != nil {
		return nil, &ConfigError{"sample_format", err}
	}
	attr.Sample_type = uint64(sample)

	read := abi.ReadTotalTimeEnabled | abi.ReadTotalTimeRunning | opts.ReadFormat
	if rc.leader != nil {
		// Only the leader reads the whole group.
		read &^= abi.ReadGroup
	}
	if err := caps.CheckRead(read); err != nil {
		return nil, &ConfigError{"read_format", err}
	}
	attr.Read_format = uint64(read)

	// Wakeup policy.
	switch {
	case opts.WakeupEvents != 0 && opts.WakeupWatermark != 0:
		return nil, &ConfigError{"wakeup", errors.New("WakeupEvents and WakeupWatermark are mutually exclusive")}
	case opts.WakeupWatermark != 0:
		bits |= abi.AttrWatermark
		attr.Wakeup = opts.WakeupWatermark
	default:
		attr.Wakeup = opts.WakeupEvents
	}

	if err := caps.CheckAttr(bits &^ abi.AttrPreciseIPMask); err != nil {
		return nil, &ConfigError{"flags", err}
	}
	if bits&abi.AttrSigtrap != 0 && bits&abi.AttrRemoveOnExec == 0 {
		return nil, &ConfigError{"flags", errors.New("sigtrap requires remove_on_exec")}
	}
	attr.Bits = uint64(bits)

	// Sample payload parameters. Each one is only meaningful with its
	// sample flag, and the kernel rejects the flag without it.
	if (sample&abi.SampleBranchStack != 0) != (opts.BranchSample != 0) {
		return nil, &ConfigError{"branch_sample", errors.New("branch_stack and a branch filter must be set together")}
	}
	if err := caps.CheckBranch(opts.BranchSample); err != nil {
		return nil, &ConfigError{"branch_sample", err}
	}
	attr.Branch_sample_type = uint64(opts.BranchSample)

	if (sample&abi.SampleRegsUser != 0) != (opts.RegsUser != 0) {
		return nil, &ConfigError{"regs_user", errors.New("regs_user and a register mask must be set together")}
	}
	attr.Sample_regs_user = opts.RegsUser
	if (sample&abi.SampleRegsIntr != 0) != (opts.RegsIntr != 0) {
		return nil, &ConfigError{"regs_intr", errors.New("regs_intr and a register mask must be set together")}
	}
	attr.Sample_regs_intr = opts.RegsIntr

	if (sample&abi.SampleStackUser != 0) != (opts.StackUser != 0) {
		return nil, &ConfigError{"stack_user", errors.New("stack_user and a stack size must be set together")}
	}
	if opts.StackUser%8 != 0 {
		return nil, &ConfigError{"stack_user", fmt.Errorf("size %d is not a multiple of 8", opts.StackUser)}
	}
	attr.Sample_stack_user = opts.StackUser

	// Fields that only exist in later versions of perf_event_attr.
	var fields abi.Field
	if opts.UseClockID {
		fields |= abi.FieldClockID
		attr.Clockid = opts.ClockID
	}
	if opts.MaxStack != 0 {
		fields |= abi.FieldSampleMaxStack
		attr.Sample_max_stack = opts.MaxStack
	}
	if opts.AuxWatermark != 0 {
		fields |= abi.FieldAuxWatermark
		attr.Aux_watermark = opts.AuxWatermark
	}
	if opts.AuxSampleSize != 0 {
		if sample&abi.SampleAux == 0 {
			return nil, &ConfigError{"aux_sample_size", errors.New("requires the aux sample flag")}
		}
		fields |= abi.FieldAuxSampleSize
		attr.Aux_sample_size = opts.AuxSampleSize
	}
	if opts.SigData != 0 {
		if bits&abi.AttrSigtrap == 0 {
			return nil, &ConfigError{"sig_data", errors.New("requires sigtrap")}
		}
		fields |= abi.FieldSigData
		attr.Sig_data = opts.SigData
	}
	if attr.Config3 != 0 {
		fields |= abi.FieldConfig3
	}
	if err := caps.CheckField(fields); err != nil {
		return nil, &ConfigError{"fields", err}
	}

	rc.Format = record.Format{
		SampleType:       sample,
		ReadFormat:       read,
		BranchSampleType: opts.BranchSample,
		RegsUser:         opts.RegsUser,
		RegsIntr:         opts.RegsIntr,
		SampleIDAll:      bits&abi.AttrSampleIDAll != 0,
	}
	return rc, nil
}
