// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
)

// Error kinds. Every error returned by this package matches at most one of
// these with [errors.Is].
var (
	// ErrPermission means the kernel refused access to the event or target.
	ErrPermission = errors.New("permission denied")
	// ErrResourceLimit means too many counters are open, or the PMU has no
	// room for the event.
	ErrResourceLimit = errors.New("resource limit reached")
	// ErrUnsupported means the kernel or hardware does not support the event
	// or configuration.
	ErrUnsupported = errors.New("unsupported by kernel or hardware")
	// ErrInvalidTarget means the process, cgroup or CPU does not exist or
	// cannot be combined.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrTierUnsupported means a configuration needs a newer ABI tier.
	ErrTierUnsupported = abi.ErrUnsupported
	// ErrLeaderClosed means a group leader does not exist or was closed.
	ErrLeaderClosed = errors.New("group leader closed")
	// ErrFollower means the operation needs a group leader.
	ErrFollower = errors.New("counter is a group follower")
	// ErrRedirected means the counter's output goes to another counter.
	ErrRedirected = errors.New("counter output is redirected")
	// ErrPageCount means a ring buffer size is not a supported page count.
	ErrPageCount = errors.New("unsupported page count")
	// ErrClosed means the counter or sampler was closed.
	ErrClosed = errors.New("counter closed")
	// ErrLostSync means the ring buffer reader lost track of record
	// boundaries and skipped ahead.
	ErrLostSync = errors.New("ring buffer lost sync")
	// ErrHangup means the monitored task exited. Records written before
	// it exited can still be read.
	ErrHangup = errors.New("monitored task exited")
)

// A ConfigError reports an invalid or unsupported configuration, found before
// any system call was made.
type ConfigError struct {
	Option string // Name of the offending option.
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("perf: option %s: %v", e.Option, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// An OpenError reports a failure to open a counter.
type OpenError struct {
	Event string
	Kind  error // One of the Err* kinds, or nil if unclassified.
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("perf: opening %s: %v", e.Event, e.Err)
}

func (e *OpenError) Unwrap() []error { return unwrapKind(e.Kind, e.Err) }

// A ControlError reports a failed control operation on an open counter.
type ControlError struct {
	Op   abi.Ioctl
	Kind error
	Err  error
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("perf: %s: %v", e.Op, e.Err)
}

func (e *ControlError) Unwrap() []error { return unwrapKind(e.Kind, e.Err) }

// A MapError reports a failure to map a ring buffer.
type MapError struct {
	Pages int // Number of data pages requested.
	Err   error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("perf: mapping %d pages: %v", e.Pages, e.Err)
}

func (e *MapError) Unwrap() error { return e.Err }

// A LostSyncError reports that the data at Tail could not be trusted, either
// because a record header was inconsistent with the data available up to Head
// or because the kernel had overwritten it. The reader skipped to Head.
type LostSyncError struct {
	Head, Tail uint64
}

func (e *LostSyncError) Error() string {
	return fmt.Sprintf("perf: ring buffer lost sync at %#x (head %#x), skipped %d bytes", e.Tail, e.Head, e.Head-e.Tail)
}

func (e *LostSyncError) Unwrap() error { return ErrLostSync }

func unwrapKind(kind, err error) []error {
	if kind == nil || kind == err {
		return []error{err}
	}
	return []error{kind, err}
}

// errnoKind classifies a system call error.
func errnoKind(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return nil
	}
	switch errno {
	case unix.EACCES, unix.EPERM:
		return ErrPermission
	case unix.EMFILE, unix.ENFILE, unix.ENOSPC, unix.EBUSY, unix.ENOMEM:
		return ErrResourceLimit
	case unix.ENOENT, unix.EOPNOTSUPP, unix.ENODEV, unix.E2BIG, unix.EINVAL:
		return ErrUnsupported
	case unix.ESRCH, unix.EBADF:
		return ErrInvalidTarget
	}
	return nil
}

const paranoidPath = "/proc/sys/kernel/perf_event_paranoid"

// paranoidHint adds a hint to permission errors if perf_event_paranoid is
// restrictive.
func paranoidHint(err error) error {
	data, err2 := os.ReadFile(paranoidPath)
	data = bytes.TrimSpace(data)
	if val, err3 := strconv.Atoi(string(data)); err2 != nil || err3 != nil || val > 0 {
		// We can't read it, or it's set to > 0.
		return fmt.Errorf("%w (consider: echo 0 | sudo tee %s)", err, paranoidPath)
	}
	return err
}

func newOpenError(event string, err error) *OpenError {
	kind := errnoKind(err)
	if kind == ErrPermission {
		err = paranoidHint(err)
	}
	return &OpenError{Event: event, Kind: kind, Err: err}
}

func newControlError(op abi.Ioctl, err error) *ControlError {
	kind := errnoKind(err)
	if errors.Is(err, abi.ErrUnsupported) {
		kind = nil // Already matches ErrTierUnsupported.
	}
	return &ControlError{Op: op, Kind: kind, Err: err}
}
