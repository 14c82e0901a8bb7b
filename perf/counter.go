// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/events"
	"github.com/pmukit/go-perfevent/record"
)

// A Counter is one open perf event. It counts an [events.Event] on a
// [Target], and optionally writes samples to a ring buffer mapped with
// [Counter.Map].
type Counter struct {
	arena  *Arena
	id     CounterID
	event  events.Event
	target Target
	cpu    int
	attr   abi.Attr
	format record.Format
	scale  float64
	unit   string

	kernelID uint64    // PERF_EVENT_IOC_ID, or 0 if unavailable.
	leader   CounterID // 0 for group leaders.

	mu        sync.Mutex
	fd        int // -1 once closed
	enabled   bool
	followers []*Counter
	sampler   *Sampler
	output    *Counter // Set if output is redirected to another counter.
}

// writesRecords reports whether c writes anything to a ring buffer.
func (c *Counter) writesRecords() bool {
	return c.attr.Sample != 0 || abi.AttrBit(c.attr.Bits)&sideBandBits != 0
}

// Open opens a counter for ev on target. With a nil opts, the counter counts
// ev and starts disabled. Callers are expected to call [Counter.Close] when
// done.
//
// Configuration problems are reported as [*ConfigError] before any system
// call is made. Failures of the system call are [*OpenError] values.
func (a *Arena) Open(ev events.Event, target Target, opts *Options) (*Counter, error) {
	rc, err := a.Translate(ev, target, opts)
	if err != nil {
		return nil, err
	}

	c := &Counter{
		arena:  a,
		event:  ev,
		target: target,
		cpu:    rc.CPU,
		attr:   rc.Attr,
		format: rc.Format,
		scale:  1,
		fd:     -1,
	}
	if es, ok := ev.(events.EventScale); ok {
		c.scale, c.unit = es.ScaleUnit()
	}
	if rc.leader != nil {
		c.leader = rc.leader.id
	}

	success := false
	target.open()
	defer func() {
		if !success {
			target.close()
		}
	}()

	fd, err := unix.PerfEventOpen(&rc.Attr.PerfEventAttr, rc.PID, rc.CPU, rc.GroupFD, rc.Flags)
	// Some events pass pointers to their own memory in the attributes.
	runtime.KeepAlive(ev)
	if err != nil {
		if errors.Is(err, unix.E2BIG) {
			err = fmt.Errorf("%w: kernel supports attr size %d, tier %s uses %d", err, rc.Attr.Size, a.tier, a.caps.AttrSize)
		}
		return nil, newOpenError(ev.String(), err)
	}
	c.fd = fd
	defer func() {
		if !success {
			unix.Close(fd)
		}
	}()
	c.enabled = !c.attr.HasBits(abi.AttrDisabled)

	if a.caps.HasIoctl(abi.IoctlID) {
		if err := ioctlPtr(fd, unix.PERF_EVENT_IOC_ID, unsafe.Pointer(&c.kernelID)); err != nil {
			a.log.Debug("event id unavailable", zap.Stringer("event", ev), zap.Error(err))
		}
	}

	if l := rc.leader; l != nil {
		l.mu.Lock()
		if l.fd < 0 {
			l.mu.Unlock()
			return nil, &OpenError{Event: ev.String(), Kind: ErrLeaderClosed, Err: ErrLeaderClosed}
		}
		if l.sampler != nil {
			// Followers never own a ring buffer.
			if err := ioctlInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, l.fd); err != nil {
				l.mu.Unlock()
				return nil, newOpenError(ev.String(), fmt.Errorf("redirecting to leader: %w", err))
			}
			c.output = l
		}
		l.followers = append(l.followers, c)
		l.mu.Unlock()
	}

	a.add(c)
	success = true
	a.log.Debug("counter opened",
		zap.Uint64("id", uint64(c.id)),
		zap.Stringer("event", ev),
		zap.Stringer("target", target),
		zap.Uint64("leader", uint64(c.leader)),
		zap.Uint64("kernel_id", c.kernelID))
	return c, nil
}

// ID returns the counter's id within its [Arena].
func (c *Counter) ID() CounterID { return c.id }

// Event returns the event the counter was opened for.
func (c *Counter) Event() events.Event { return c.event }

// Target returns the target the counter was opened on.
func (c *Counter) Target() Target { return c.target }

// Leader returns the id of the counter's group leader, or 0 if c leads its
// own group.
func (c *Counter) Leader() CounterID { return c.leader }

// Format returns the layout of the counter's records and reads.
func (c *Counter) Format() record.Format { return c.format }

// Enabled reports whether the counter was last enabled or disabled through
// this Counter. It does not reflect group-wide operations on the leader.
func (c *Counter) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Counter) rawFD() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return -1, ErrClosed
	}
	return c.fd, nil
}

// Close closes the counter. Closing a leader first closes its followers and
// unmaps its ring buffer. Close is a no-op on a closed counter.
func (c *Counter) Close() error {
	c.mu.Lock()
	if c.fd < 0 {
		c.mu.Unlock()
		return nil
	}
	followers := c.followers
	c.followers = nil
	c.mu.Unlock()

	var errs []error
	for _, f := range followers {
		errs = append(errs, f.Close())
	}

	c.mu.Lock()
	if c.sampler != nil {
		errs = append(errs, c.sampler.unmap())
		c.sampler = nil
	}
	errs = append(errs, unix.Close(c.fd))
	c.fd = -1
	c.enabled = false
	c.output = nil
	c.mu.Unlock()

	if c.leader != 0 {
		if l, ok := c.arena.lookup(c.leader); ok {
			l.mu.Lock()
			if i := indexOf(l.followers, c); i >= 0 {
				l.followers = append(l.followers[:i], l.followers[i+1:]...)
			}
			l.mu.Unlock()
		}
	}
	c.arena.remove(c)
	c.target.close()
	c.arena.log.Debug("counter closed", zap.Uint64("id", uint64(c.id)), zap.Stringer("event", c.event))
	return errors.Join(errs...)
}

func indexOf(cs []*Counter, c *Counter) int {
	for i, x := range cs {
		if x == c {
			return i
		}
	}
	return -1
}

// control runs one control operation after checking that the tier supports
// it.
func (c *Counter) control(op abi.Ioctl, fn func(fd int) error) error {
	if err := c.arena.caps.CheckIoctl(op); err != nil {
		return newControlError(op, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return newControlError(op, ErrClosed)
	}
	if err := fn(c.fd); err != nil {
		return newControlError(op, err)
	}
	return nil
}

// iocFlagGroup is PERF_IOC_FLAG_GROUP.
const iocFlagGroup = 1

func ioctlInt(fd int, req uint, arg int) error {
	return unix.IoctlSetInt(fd, req, arg)
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Enable starts the counter. Enabling an enabled counter is not an error.
func (c *Counter) Enable() error {
	return c.setEnabled(abi.IoctlEnable, unix.PERF_EVENT_IOC_ENABLE, 0, true)
}

// Disable stops the counter. Disabling a group leader stops the whole group,
// because the kernel only schedules followers while their leader runs.
func (c *Counter) Disable() error {
	return c.setEnabled(abi.IoctlDisable, unix.PERF_EVENT_IOC_DISABLE, 0, false)
}

// EnableGroup starts every counter in c's group.
func (c *Counter) EnableGroup() error {
	return c.setEnabled(abi.IoctlEnable, unix.PERF_EVENT_IOC_ENABLE, iocFlagGroup, true)
}

// DisableGroup stops every counter in c's group.
func (c *Counter) DisableGroup() error {
	return c.setEnabled(abi.IoctlDisable, unix.PERF_EVENT_IOC_DISABLE, iocFlagGroup, false)
}

func (c *Counter) setEnabled(op abi.Ioctl, req uint, flag int, on bool) error {
	return c.control(op, func(fd int) error {
		if err := ioctlInt(fd, req, flag); err != nil {
			return err
		}
		c.enabled = on
		return nil
	})
}

// Reset zeroes the counter's value. It does not change whether the counter
// is enabled.
func (c *Counter) Reset() error {
	return c.control(abi.IoctlReset, func(fd int) error {
		return ioctlInt(fd, unix.PERF_EVENT_IOC_RESET, 0)
	})
}

// ResetGroup zeroes every counter in c's group.
func (c *Counter) ResetGroup() error {
	return c.control(abi.IoctlReset, func(fd int) error {
		return ioctlInt(fd, unix.PERF_EVENT_IOC_RESET, iocFlagGroup)
	})
}

// Refresh enables the counter for n more overflows, after which it disables
// itself. This is meant for signal-driven sampling.
func (c *Counter) Refresh(n int) error {
	return c.control(abi.IoctlRefresh, func(fd int) error {
		return ioctlInt(fd, unix.PERF_EVENT_IOC_REFRESH, n)
	})
}

// SetPeriod changes the sampling period, or the frequency if the counter
// samples by frequency.
func (c *Counter) SetPeriod(n uint64) error {
	return c.control(abi.IoctlPeriod, func(fd int) error {
		return ioctlPtr(fd, unix.PERF_EVENT_IOC_PERIOD, unsafe.Pointer(&n))
	})
}

// SetFilter sets an ftrace filter expression on a tracepoint counter.
func (c *Counter) SetFilter(expr string) error {
	p, err := unix.BytePtrFromString(expr)
	if err != nil {
		return newControlError(abi.IoctlSetFilter, err)
	}
	return c.control(abi.IoctlSetFilter, func(fd int) error {
		err := ioctlPtr(fd, unix.PERF_EVENT_IOC_SET_FILTER, unsafe.Pointer(p))
		runtime.KeepAlive(p)
		return err
	})
}

// RedirectOutput sends c's records to the ring buffer of other, which must
// be on the same CPU. A nil other stops the redirection. A counter with its
// own ring buffer cannot be redirected.
func (c *Counter) RedirectOutput(other *Counter) error {
	ofd := -1
	if other != nil {
		if other == c {
			return newControlError(abi.IoctlSetOutput, errors.New("cannot redirect a counter to itself"))
		}
		fd, err := other.rawFD()
		if err != nil {
			return newControlError(abi.IoctlSetOutput, err)
		}
		ofd = fd
	}
	return c.control(abi.IoctlSetOutput, func(fd int) error {
		if c.sampler != nil {
			return fmt.Errorf("%w: counter has its own ring buffer", unix.EBUSY)
		}
		if err := ioctlInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, ofd); err != nil {
			return err
		}
		c.output = other
		return nil
	})
}

// KernelID returns the kernel's id for the counter. This is the id found in
// records and group reads.
func (c *Counter) KernelID() (uint64, error) {
	var id uint64
	err := c.control(abi.IoctlID, func(fd int) error {
		return ioctlPtr(fd, unix.PERF_EVENT_IOC_ID, unsafe.Pointer(&id))
	})
	return id, err
}

// PauseOutput stops the kernel from writing to the counter's ring buffer
// without disabling the counter.
func (c *Counter) PauseOutput() error {
	return c.control(abi.IoctlPauseOutput, func(fd int) error {
		return ioctlInt(fd, unix.PERF_EVENT_IOC_PAUSE_OUTPUT, 1)
	})
}

// ResumeOutput undoes [Counter.PauseOutput].
func (c *Counter) ResumeOutput() error {
	return c.control(abi.IoctlPauseOutput, func(fd int) error {
		return ioctlInt(fd, unix.PERF_EVENT_IOC_PAUSE_OUTPUT, 0)
	})
}

// ModifyBreakpoint moves a breakpoint counter to the breakpoint described by
// ev. Only breakpoint counters can be modified.
func (c *Counter) ModifyBreakpoint(ev events.Event) error {
	if c.event.Kind() != events.KindBreakpoint || ev.Kind() != events.KindBreakpoint {
		return newControlError(abi.IoctlModifyAttributes, fmt.Errorf("%w: not a breakpoint", ErrUnsupported))
	}
	return c.control(abi.IoctlModifyAttributes, func(fd int) error {
		attr := c.attr
		if err := ev.SetAttrs(&attr); err != nil {
			return err
		}
		if err := ioctlPtr(fd, unix.PERF_EVENT_IOC_MODIFY_ATTRIBUTES, unsafe.Pointer(&attr.PerfEventAttr)); err != nil {
			return err
		}
		c.attr = attr
		c.event = ev
		return nil
	})
}
