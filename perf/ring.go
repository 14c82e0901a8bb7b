// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"slices"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/pmukit/go-perfevent/record"
)

// ring is a bounds-checked reader over the data or AUX area of a perf ring
// buffer.
//
// The kernel is the only writer of the head cursor and the ring is the only
// writer of the tail cursor. Head is loaded before reading any data it covers,
// and tail is stored only after the data below it has been copied out. Go's
// atomics are sequentially consistent, which gives the acquire and release
// ordering these two accesses need.
type ring struct {
	headp *uint64 // Kernel's write cursor in the metadata page.
	tailp *uint64 // Published read cursor in the metadata page.
	data  []byte  // Length is a power of two.
	tail  uint64  // Local read cursor. Never ahead of the last loaded head.
}

func newRing(headp, tailp *uint64, data []byte) ring {
	return ring{headp: headp, tailp: tailp, data: data, tail: atomic.LoadUint64(tailp)}
}

// dataRing returns a ring over the record area described by meta.
func dataRing(meta *unix.PerfEventMmapPage, data []byte) ring {
	return newRing(&meta.Data_head, &meta.Data_tail, data)
}

// auxRing returns a ring over the AUX area described by meta.
func auxRing(meta *unix.PerfEventMmapPage, data []byte) ring {
	return newRing(&meta.Aux_head, &meta.Aux_tail, data)
}

// head loads the kernel's write cursor.
func (r *ring) head() uint64 { return atomic.LoadUint64(r.headp) }

// commit publishes the read cursor so the kernel can reuse the space.
func (r *ring) commit() { atomic.StoreUint64(r.tailp, r.tail) }

// copyAt copies len(dst) bytes starting at ring offset off into dst. dst must
// not be longer than the data area.
func (r *ring) copyAt(dst []byte, off uint64) {
	start := off & uint64(len(r.data)-1)
	n := copy(dst, r.data[start:])
	copy(dst[n:], r.data)
}

// next copies the record at the read cursor into buf, reusing its storage,
// and advances the cursor past it. It returns nil if the cursor has reached
// head. If the record header is inconsistent with the bytes available, next
// moves the cursor to head and returns a [*LostSyncError].
func (r *ring) next(head uint64, buf []byte) ([]byte, error) {
	if r.tail == head {
		return nil, nil
	}
	avail := head - r.tail
	if avail < record.HeaderSize || avail > uint64(len(r.data)) {
		return nil, r.resync(head)
	}
	var hb [record.HeaderSize]byte
	r.copyAt(hb[:], r.tail)
	h := record.ParseHeader(hb[:])
	if h.Size < record.HeaderSize || uint64(h.Size) > avail {
		return nil, r.resync(head)
	}
	buf = slices.Grow(buf[:0], int(h.Size))[:h.Size]
	r.copyAt(buf, r.tail)
	r.tail += uint64(h.Size)
	return buf, nil
}

// chunk copies up to max bytes from the read cursor into buf, reusing its
// storage, and advances the cursor past them. A max of 0 or less copies
// everything up to head. It returns nil if the cursor has reached head, and a
// [*LostSyncError] if the kernel has overwritten unread data.
func (r *ring) chunk(head uint64, buf []byte, max int) ([]byte, error) {
	if r.tail == head {
		return nil, nil
	}
	avail := head - r.tail
	if avail > uint64(len(r.data)) {
		return nil, r.resync(head)
	}
	n := avail
	if max > 0 && uint64(max) < n {
		n = uint64(max)
	}
	buf = slices.Grow(buf[:0], int(n))[:n]
	r.copyAt(buf, r.tail)
	r.tail += n
	return buf, nil
}

func (r *ring) resync(head uint64) error {
	err := &LostSyncError{Head: head, Tail: r.tail}
	r.tail = head
	return err
}
