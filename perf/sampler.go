// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
	"github.com/pmukit/go-perfevent/record"
)

// MaxPageOrder is the largest page order accepted by [Counter.Map].
const MaxPageOrder = 16

var errAlreadyMapped = errors.New("counter already has a ring buffer")

// A Sampler reads the records a counter writes to its ring buffer.
//
// Only group leaders own a ring buffer. Mapping a leader redirects the output
// of all of its followers, current and future, into the leader's buffer, and
// each record is attributed to the counter that produced it. Mapping a
// follower fails with [ErrFollower]. Counters that trace into an AUX area
// also need [Sampler.MapAux].
type Sampler struct {
	c     *Counter
	log   *zap.Logger
	pages int
	mem   []byte // nil once unmapped
	meta  *unix.PerfEventMmapPage
	ring  ring
	buf   []byte
	aux   *AuxReader

	records      atomic.Uint64
	bytes        atomic.Uint64
	lost         atomic.Uint64
	lostSync     atomic.Uint64
	decodeErrors atomic.Uint64
}

// An Entry is one record read from a ring buffer, with the counter that
// produced it.
type Entry struct {
	Counter *Counter
	Record  record.Record
}

// SamplerStats are running totals for a [Sampler].
type SamplerStats struct {
	Records      uint64 // Records decoded.
	Bytes        uint64 // Bytes consumed, including skipped records.
	Lost         uint64 // Records the kernel reported as lost.
	LostSync     uint64 // Times the reader lost sync and skipped ahead.
	DecodeErrors uint64 // Records skipped because they failed to decode.
}

// Map maps a ring buffer of 2^order data pages onto the counter. order must
// be between 0 and [MaxPageOrder]. The returned Sampler is unmapped when it
// or the counter is closed.
func (c *Counter) Map(order int) (*Sampler, error) {
	if order < 0 || order > MaxPageOrder {
		return nil, &MapError{Err: fmt.Errorf("%w: order %d not in 0-%d", ErrPageCount, order, MaxPageOrder)}
	}
	pages := 1 << order
	if c.leader != 0 {
		return nil, &MapError{Pages: pages, Err: fmt.Errorf("%w: map the group leader instead", ErrFollower)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.fd < 0:
		return nil, &MapError{Pages: pages, Err: ErrClosed}
	case c.output != nil:
		return nil, &MapError{Pages: pages, Err: ErrRedirected}
	case c.sampler != nil:
		return nil, &MapError{Pages: pages, Err: errAlreadyMapped}
	}

	ps := os.Getpagesize()
	mem, err := unix.Mmap(c.fd, 0, (1+pages)*ps, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if kind := errnoKind(err); kind != nil {
			err = fmt.Errorf("%w: %w", kind, err)
		}
		return nil, &MapError{Pages: pages, Err: err}
	}
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mem[0]))
	off, size := meta.Data_offset, meta.Data_size
	if off == 0 {
		// Kernels before 4.1 leave these zero.
		off, size = uint64(ps), uint64(pages*ps)
	}
	s := &Sampler{
		c:     c,
		log:   c.arena.log.With(zap.Stringer("event", c.event)),
		pages: pages,
		mem:   mem,
		meta:  meta,
		ring:  dataRing(meta, mem[off:off+size]),
	}

	var redirected []*Counter
	for _, f := range c.followers {
		f.mu.Lock()
		if f.fd >= 0 && f.output == nil {
			if err := ioctlInt(f.fd, unix.PERF_EVENT_IOC_SET_OUTPUT, c.fd); err != nil {
				f.mu.Unlock()
				for _, r := range redirected {
					r.clearOutput(c)
				}
				unix.Munmap(mem)
				return nil, &MapError{Pages: pages, Err: fmt.Errorf("redirecting %s: %w", f.event, err)}
			}
			f.output = c
			redirected = append(redirected, f)
		}
		f.mu.Unlock()
	}

	c.sampler = s
	s.log.Debug("ring buffer mapped", zap.Int("pages", pages), zap.Int("followers", len(redirected)))
	return s, nil
}

// clearOutput undoes a redirection of c's output to leader.
func (c *Counter) clearOutput(leader *Counter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd >= 0 && c.output == leader {
		ioctlInt(c.fd, unix.PERF_EVENT_IOC_SET_OUTPUT, -1)
		c.output = nil
	}
}

// Counter returns the counter that owns the ring buffer.
func (s *Sampler) Counter() *Counter { return s.c }

// Pages returns the number of data pages.
func (s *Sampler) Pages() int { return s.pages }

// Next returns the next record in the ring buffer. ok is false once the
// reader has caught up with the kernel, but more records may arrive later, so
// Next can be called again. Next never blocks.
//
// A non-nil error reports a record that could not be decoded or a loss of
// sync. The reader skips past the problem, so iteration can continue. After
// the sampler or its counter is closed, Next returns an error matching
// [ErrClosed].
func (s *Sampler) Next() (e Entry, ok bool, err error) {
	if s.mem == nil {
		return Entry{}, false, fmt.Errorf("perf: sampler: %w", ErrClosed)
	}
	head := s.ring.head()
	b, err := s.ring.next(head, s.buf)
	if err != nil {
		s.ring.commit()
		s.lostSync.Add(1)
		s.log.Warn("ring buffer lost sync", zap.Error(err))
		return Entry{}, false, err
	}
	if b == nil {
		return Entry{}, false, nil
	}
	s.buf = b

	origin := s.origin(b)
	rec, err := record.Decode(origin.format, b)
	// Decode copies what it keeps, so the space can be released now.
	s.ring.commit()
	s.bytes.Add(uint64(len(b)))
	if err != nil {
		s.decodeErrors.Add(1)
		s.log.Warn("skipping undecodable record", zap.Error(err))
		return Entry{Counter: origin}, true, err
	}
	s.records.Add(1)
	switch r := rec.(type) {
	case *record.Lost:
		s.lost.Add(r.Lost)
	case *record.LostSamples:
		s.lost.Add(r.Lost)
	}
	return Entry{Counter: origin, Record: rec}, true, nil
}

// All returns an iterator over the records currently in the ring buffer. It
// stops when the reader catches up with the kernel or the sampler is closed.
// Errors are yielded with no Record, and iteration continues.
func (s *Sampler) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for {
			e, ok, err := s.Next()
			if err == nil && !ok {
				return
			}
			if !yield(e, err) || errors.Is(err, ErrClosed) {
				return
			}
		}
	}
}

// origin returns the counter that wrote record b, using the identifier every
// record-writing counter adds to its records. A ring owned by a counter that
// only counts holds nothing but its followers' records, and those are always
// tagged.
func (s *Sampler) origin(b []byte) *Counter {
	f := s.c.format
	tagged := f.SampleType&abi.SampleIdentifier != 0
	if !tagged && s.c.writesRecords() || len(b) < record.HeaderSize+8 {
		return s.c
	}
	var id uint64
	switch h := record.ParseHeader(b); {
	case h.Type == abi.RecordSample:
		// The identifier is the first field of a sample.
		id = binary.NativeEndian.Uint64(b[record.HeaderSize:])
	case f.SampleIDAll || !tagged:
		// And the last field of the trailer of other records.
		id = binary.NativeEndian.Uint64(b[len(b)-8:])
	default:
		return s.c
	}
	if id == s.c.kernelID {
		return s.c
	}
	if c := s.c.arena.byKernel(id); c != nil {
		return c
	}
	return s.c
}

// Stats returns the sampler's running totals. It is safe to call
// concurrently with Next.
func (s *Sampler) Stats() SamplerStats {
	return SamplerStats{
		Records:      s.records.Load(),
		Bytes:        s.bytes.Load(),
		Lost:         s.lost.Load(),
		LostSync:     s.lostSync.Load(),
		DecodeErrors: s.decodeErrors.Load(),
	}
}

// Times returns the counter's enabled and running times as the kernel last
// published them in the metadata page. This avoids a read system call, but
// the kernel only updates the page when the counter is scheduled in or out.
func (s *Sampler) Times() (enabled, running time.Duration, err error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.mem == nil {
		return 0, 0, fmt.Errorf("perf: sampler: %w", ErrClosed)
	}
	e, r := readTimes(s.meta)
	return time.Duration(e), time.Duration(r), nil
}

// readTimes reads the times under the metadata page's sequence lock.
func readTimes(meta *unix.PerfEventMmapPage) (enabled, running uint64) {
	for {
		seq := atomic.LoadUint32(&meta.Lock)
		enabled = atomic.LoadUint64(&meta.Time_enabled)
		running = atomic.LoadUint64(&meta.Time_running)
		if seq&1 == 0 && atomic.LoadUint32(&meta.Lock) == seq {
			return enabled, running
		}
	}
}

// Poll waits up to timeout for the kernel to signal new data according to
// the counter's wakeup policy, or for the monitored task to exit. A negative
// timeout waits forever. Once the task has exited, Poll returns immediately
// with [ErrHangup], and the caller should drain the ring one last time and
// stop polling.
func (s *Sampler) Poll(timeout time.Duration) (bool, error) {
	fd, err := s.c.rawFD()
	if err != nil {
		return false, err
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if errors.Is(err, unix.EINTR) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("perf: poll: %w", err)
	}
	if n > 0 && fds[0].Revents&unix.POLLHUP != 0 {
		return true, ErrHangup
	}
	return n > 0, nil
}

// Close unmaps the ring buffer. Followers redirected into it go back to
// having no output.
func (s *Sampler) Close() error {
	c := s.c
	c.mu.Lock()
	if c.sampler != s {
		c.mu.Unlock()
		return nil
	}
	c.sampler = nil
	followers := append([]*Counter(nil), c.followers...)
	err := s.unmap()
	c.mu.Unlock()

	for _, f := range followers {
		f.clearOutput(c)
	}
	return err
}

// unmap releases the mapping. The counter's lock must be held.
func (s *Sampler) unmap() error {
	if s.mem == nil {
		return nil
	}
	var auxErr error
	if s.aux != nil {
		auxErr = s.aux.unmap()
		s.aux = nil
	}
	err := errors.Join(auxErr, unix.Munmap(s.mem))
	s.mem = nil
	s.ring = ring{}
	s.meta = nil
	s.log.Debug("ring buffer unmapped", zap.Uint64("records", s.records.Load()))
	return err
}
