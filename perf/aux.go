// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/abi"
)

var errAuxMapped = errors.New("AUX area already mapped")

// An AuxReader reads the AUX area of a ring buffer. PMUs such as Intel PT
// and Arm SPE write high-bandwidth trace data there, and announce each chunk
// with an AUX record in the sampler's data area. The contents are opaque to
// this package.
type AuxReader struct {
	s     *Sampler
	pages int
	mem   []byte // nil once unmapped
	ring  ring
	buf   []byte

	bytes    atomic.Uint64
	lostSync atomic.Uint64
}

// MapAux maps an AUX area of 2^order pages after the sampler's data area.
// It needs the 4.1 tier. The AUX area is unmapped when it, the sampler, or
// the counter is closed.
func (s *Sampler) MapAux(order int) (*AuxReader, error) {
	if order < 0 || order > MaxPageOrder {
		return nil, &MapError{Err: fmt.Errorf("%w: order %d not in 0-%d", ErrPageCount, order, MaxPageOrder)}
	}
	pages := 1 << order
	c := s.c
	if err := c.arena.caps.CheckRecord(abi.RecordAux); err != nil {
		return nil, &MapError{Pages: pages, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case s.mem == nil || c.fd < 0:
		return nil, &MapError{Pages: pages, Err: ErrClosed}
	case s.aux != nil:
		return nil, &MapError{Pages: pages, Err: errAuxMapped}
	}

	ps := os.Getpagesize()
	meta := s.meta
	off := meta.Data_offset + meta.Data_size
	if meta.Data_offset == 0 {
		off = uint64((1 + s.pages) * ps)
	}
	size := uint64(pages * ps)
	// The kernel reads the placement from the metadata page when the area
	// is mapped.
	atomic.StoreUint64(&meta.Aux_offset, off)
	atomic.StoreUint64(&meta.Aux_size, size)

	mem, err := unix.Mmap(c.fd, int64(off), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if kind := errnoKind(err); kind != nil {
			err = fmt.Errorf("%w: %w", kind, err)
		}
		return nil, &MapError{Pages: pages, Err: fmt.Errorf("AUX area: %w", err)}
	}
	a := &AuxReader{
		s:     s,
		pages: pages,
		mem:   mem,
		ring:  auxRing(meta, mem),
	}
	s.aux = a
	s.log.Debug("AUX area mapped", zap.Int("pages", pages), zap.Uint64("offset", off))
	return a, nil
}

// Pages returns the number of AUX pages.
func (a *AuxReader) Pages() int { return a.pages }

// Next copies out the AUX data the kernel has written since the last call,
// at most max bytes if max is positive, and releases the space to the kernel.
// It returns nil once the reader has caught up. The returned slice is reused
// by the next call.
//
// If the kernel has overwritten unread data, Next skips to the kernel's
// position and returns a [*LostSyncError]. After the reader, its sampler, or
// the counter is closed, Next returns an error matching [ErrClosed].
func (a *AuxReader) Next(max int) ([]byte, error) {
	if a.mem == nil {
		return nil, fmt.Errorf("perf: AUX reader: %w", ErrClosed)
	}
	b, err := a.ring.chunk(a.ring.head(), a.buf, max)
	a.ring.commit()
	if err != nil {
		a.lostSync.Add(1)
		a.s.log.Warn("AUX area lost sync", zap.Error(err))
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	a.buf = b
	a.bytes.Add(uint64(len(b)))
	return b, nil
}

// Bytes returns the number of AUX bytes read so far.
func (a *AuxReader) Bytes() uint64 { return a.bytes.Load() }

// LostSync returns the number of times the reader skipped overwritten data.
func (a *AuxReader) LostSync() uint64 { return a.lostSync.Load() }

// Close unmaps the AUX area. The sampler stays mapped.
func (a *AuxReader) Close() error {
	c := a.s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.s.aux != a {
		return nil
	}
	a.s.aux = nil
	return a.unmap()
}

// unmap releases the mapping. The counter's lock must be held.
func (a *AuxReader) unmap() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.ring = ring{}
	a.s.log.Debug("AUX area unmapped", zap.Uint64("bytes", a.bytes.Load()))
	return err
}
