// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/pmukit/go-perfevent/abi"
)

var (
	// ErrShort means decoding needed more bytes than the record declared.
	ErrShort = errors.New("record shorter than its fields")
	// ErrTrailing means decoding consumed fewer bytes than the record declared.
	ErrTrailing = errors.New("record longer than its fields")
	// ErrHeader means the header's size is impossible.
	ErrHeader = errors.New("malformed record header")
)

// A DecodeError reports a record whose declared size does not match its
// contents.
type DecodeError struct {
	Type   abi.RecordType
	Offset int // Byte offset within the record where decoding stopped.
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s record at byte %d: %v", e.Type, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode decodes one record. b must hold exactly one record, starting with
// its header, and the header's size must equal len(b).
func Decode(f Format, b []byte) (Record, error) {
	if len(b) < HeaderSize {
		return nil, &DecodeError{Offset: 0, Err: ErrHeader}
	}
	h := ParseHeader(b)
	if int(h.Size) != len(b) || h.Size%8 != 0 {
		return nil, &DecodeError{Type: h.Type, Offset: 0, Err: fmt.Errorf("%w: size %d for %d bytes", ErrHeader, h.Size, len(b))}
	}

	c := cursor{b: b, off: HeaderSize}
	meta := Meta{Header: h}
	var rec Record
	switch h.Type {
	case abi.RecordSample:
		rec = c.sample(f, meta)
	case abi.RecordMmap:
		r := &Mmap{Meta: meta}
		r.Pid, r.Tid = c.u32(), c.u32()
		r.Addr, r.Len, r.Pgoff = c.u64(), c.u64(), c.u64()
		r.Filename = c.str(f)
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordMmap2:
		r := &Mmap2{Meta: meta}
		r.Pid, r.Tid = c.u32(), c.u32()
		r.Addr, r.Len, r.Pgoff = c.u64(), c.u64(), c.u64()
		if r.HasBuildID() {
			n := int(c.u8())
			c.skip(3)
			id := c.bytes(20)
			if n > len(id) {
				c.fail(fmt.Errorf("build ID size %d", n))
			} else if c.err == nil {
				r.BuildID = id[:n]
			}
		} else {
			r.Maj, r.Min = c.u32(), c.u32()
			r.Ino, r.InoGeneration = c.u64(), c.u64()
		}
		r.Prot, r.Flags = c.u32(), c.u32()
		r.Filename = c.str(f)
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordLost:
		r := &Lost{Meta: meta}
		r.EventID, r.Lost = c.u64(), c.u64()
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordComm:
		r := &Comm{Meta: meta}
		r.Pid, r.Tid = c.u32(), c.u32()
		r.Comm = c.str(f)
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordExit:
		r := &Exit{Meta: meta}
		c.task(&r.Task)
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordFork:
		r := &Fork{Meta: meta}
		c.task(&r.Task)
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordThrottle, abi.RecordUnthrottle:
		r := &Throttle{Meta: meta}
		r.Time, r.EventID, r.StreamID = c.u64(), c.u64(), c.u64()
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordRead:
		r := &Read{Meta: meta}
		r.Pid, r.Tid = c.u32(), c.u32()
		c.readValues(f.ReadFormat, &r.Values)
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordAux:
		r := &Aux{Meta: meta}
		r.Offset, r.Size, r.Flags = c.u64(), c.u64(), c.u64()
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordItraceStart:
		r := &ItraceStart{Meta: meta}
		r.Pid, r.Tid = c.u32(), c.u32()
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordLostSamples:
		r := &LostSamples{Meta: meta}
		r.Lost = c.u64()
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordSwitch:
		r := &Switch{Meta: meta}
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordSwitchCPUWide:
		r := &SwitchCPUWide{Meta: meta}
		r.NextPrevPid, r.NextPrevTid = c.u32(), c.u32()
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordNamespaces:
		r := &Namespaces{Meta: meta}
		r.Pid, r.Tid = c.u32(), c.u32()
		n := c.count(16)
		for i := 0; i < n; i++ {
			r.Links = append(r.Links, NamespaceLink{Dev: c.u64(), Inode: c.u64()})
		}
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordKsymbol:
		r := &Ksymbol{Meta: meta}
		r.Addr, r.Len = c.u64(), c.u32()
		r.KsymType, r.Flags = c.u16(), c.u16()
		r.Name = c.str(f)
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordBPFEvent:
		r := &BPFEvent{Meta: meta}
		r.EventType, r.Flags = c.u16(), c.u16()
		r.ProgID = c.u32()
		copy(r.Tag[:], c.bytes(8))
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordCgroup:
		r := &Cgroup{Meta: meta}
		r.CgroupID = c.u64()
		r.Path = c.str(f)
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordTextPoke:
		r := &TextPoke{Meta: meta}
		r.Addr = c.u64()
		oldLen, newLen := int(c.u16()), int(c.u16())
		r.Old = c.bytes(oldLen)
		r.New = c.bytes(newLen)
		c.align()
		c.trailer(f, &r.ID)
		rec = r
	case abi.RecordAuxOutputHWID:
		r := &AuxOutputHWID{Meta: meta}
		r.HWID = c.u64()
		c.trailer(f, &r.ID)
		rec = r
	default:
		r := &Unknown{Meta: meta}
		r.Data = c.bytes(len(b) - HeaderSize)
		rec = r
	}

	if c.err == nil && c.off != len(b) {
		c.err = fmt.Errorf("%w: consumed %d of %d bytes", ErrTrailing, c.off, len(b))
	}
	if c.err != nil {
		return nil, &DecodeError{Type: h.Type, Offset: c.off, Err: c.err}
	}
	return rec, nil
}

// ParseReadValues decodes the result of read(2) on an event with the given
// read format.
func ParseReadValues(format abi.ReadFlag, b []byte) (ReadValues, error) {
	var rv ReadValues
	c := cursor{b: b}
	c.readValues(format, &rv)
	if c.err == nil && c.off != len(b) {
		c.err = fmt.Errorf("%w: consumed %d of %d bytes", ErrTrailing, c.off, len(b))
	}
	return rv, c.err
}

// ReadSize returns the number of bytes read(2) returns for an event with the
// given read format and number of group members.
func ReadSize(format abi.ReadFlag, members int) int {
	per := 1
	if format&abi.ReadID != 0 {
		per++
	}
	if format&abi.ReadLost != 0 {
		per++
	}
	times := 0
	if format&abi.ReadTotalTimeEnabled != 0 {
		times++
	}
	if format&abi.ReadTotalTimeRunning != 0 {
		times++
	}
	if format&abi.ReadGroup != 0 {
		return 8 * (1 + times + members*per)
	}
	return 8 * (times + per)
}

// cursor consumes fixed-width native-endian fields from a record. The first
// out-of-bounds access sets err, and every later access returns zero.
type cursor struct {
	b   []byte
	off int
	err error
}

func (c *cursor) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > len(c.b)-c.off {
		c.fail(fmt.Errorf("%w: need %d bytes at %d, have %d", ErrShort, n, c.off, len(c.b)-c.off))
		return nil
	}
	p := c.b[c.off : c.off+n : c.off+n]
	c.off += n
	return p
}

func (c *cursor) u8() uint8 {
	if p := c.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if p := c.take(2); p != nil {
		return binary.NativeEndian.Uint16(p)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if p := c.take(4); p != nil {
		return binary.NativeEndian.Uint32(p)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if p := c.take(8); p != nil {
		return binary.NativeEndian.Uint64(p)
	}
	return 0
}

func (c *cursor) skip(n int) { c.take(n) }

// bytes returns a copy of the next n bytes.
func (c *cursor) bytes(n int) []byte {
	p := c.take(n)
	if p == nil {
		return nil
	}
	return bytes.Clone(p)
}

// align advances to the next multiple of 8 bytes.
func (c *cursor) align() {
	if pad := (8 - c.off%8) % 8; pad != 0 {
		c.skip(pad)
	}
}

// count reads a u64 element count and checks that that many elements of the
// given size can fit in the rest of the record.
func (c *cursor) count(elemSize int) int {
	n := c.u64()
	if c.err != nil {
		return 0
	}
	if n > uint64((len(c.b)-c.off)/elemSize) {
		c.fail(fmt.Errorf("%w: %d elements of %d bytes at %d", ErrShort, n, elemSize, c.off))
		return 0
	}
	return int(n)
}

// str reads a NUL-terminated, 8-byte padded string that extends up to the
// sample_id trailer.
func (c *cursor) str(f Format) string {
	end := len(c.b) - f.trailerSize()
	if c.err != nil {
		return ""
	}
	if end < c.off {
		c.fail(fmt.Errorf("%w: string at %d overlaps trailer at %d", ErrShort, c.off, end))
		return ""
	}
	p := c.take(end - c.off)
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}

func (c *cursor) task(t *Task) {
	t.Pid, t.Ppid = c.u32(), c.u32()
	t.Tid, t.Ptid = c.u32(), c.u32()
	t.Time = c.u64()
}

// trailer decodes the sample_id trailer of a non-sample record.
func (c *cursor) trailer(f Format, id *SampleID) {
	if !f.SampleIDAll {
		return
	}
	st := f.SampleType
	if st&abi.SampleTID != 0 {
		id.Pid, id.Tid = c.u32(), c.u32()
	}
	if st&abi.SampleTime != 0 {
		id.Time = c.u64()
	}
	if st&abi.SampleID != 0 {
		id.ID = c.u64()
	}
	if st&abi.SampleStreamID != 0 {
		id.StreamID = c.u64()
	}
	if st&abi.SampleCPU != 0 {
		id.CPU = c.u32()
		c.skip(4)
	}
	if st&abi.SampleIdentifier != 0 {
		id.ID = c.u64()
	}
}

func (c *cursor) readValues(format abi.ReadFlag, rv *ReadValues) {
	value := func() CounterValue {
		var v CounterValue
		v.Value = c.u64()
		if format&abi.ReadID != 0 {
			v.ID = c.u64()
		}
		if format&abi.ReadLost != 0 {
			v.Lost = c.u64()
		}
		return v
	}
	times := func() {
		if format&abi.ReadTotalTimeEnabled != 0 {
			rv.TimeEnabled = c.u64()
		}
		if format&abi.ReadTotalTimeRunning != 0 {
			rv.TimeRunning = c.u64()
		}
	}

	if format&abi.ReadGroup == 0 {
		// The non-group layout interleaves the times between the value and
		// the id.
		v := CounterValue{Value: c.u64()}
		times()
		if format&abi.ReadID != 0 {
			v.ID = c.u64()
		}
		if format&abi.ReadLost != 0 {
			v.Lost = c.u64()
		}
		if c.err == nil {
			rv.Values = []CounterValue{v}
		}
		return
	}

	per := 8
	if format&abi.ReadID != 0 {
		per += 8
	}
	if format&abi.ReadLost != 0 {
		per += 8
	}
	n := c.count(per)
	times()
	if c.err != nil {
		return
	}
	rv.Values = make([]CounterValue, 0, n)
	for i := 0; i < n && c.err == nil; i++ {
		rv.Values = append(rv.Values, value())
	}
}

func (c *cursor) regs(mask uint64) *Regs {
	r := &Regs{ABI: c.u64()}
	if r.ABI == RegsABINone || c.err != nil {
		return r
	}
	n := countBits(mask)
	r.Values = make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		r.Values = append(r.Values, c.u64())
	}
	return r
}

// sample decodes a PERF_RECORD_SAMPLE body. The fields appear in the order
// the kernel writes them in perf_output_sample.
func (c *cursor) sample(f Format, meta Meta) *Sample {
	s := &Sample{Meta: meta}
	st := f.SampleType

	if st&abi.SampleIdentifier != 0 {
		s.ID.ID = c.u64()
	}
	if st&abi.SampleIP != 0 {
		s.IP = c.u64()
	}
	if st&abi.SampleTID != 0 {
		s.ID.Pid, s.ID.Tid = c.u32(), c.u32()
	}
	if st&abi.SampleTime != 0 {
		s.ID.Time = c.u64()
	}
	if st&abi.SampleAddr != 0 {
		s.Addr = c.u64()
	}
	if st&abi.SampleID != 0 {
		s.ID.ID = c.u64()
	}
	if st&abi.SampleStreamID != 0 {
		s.ID.StreamID = c.u64()
	}
	if st&abi.SampleCPU != 0 {
		s.ID.CPU = c.u32()
		c.skip(4)
	}
	if st&abi.SamplePeriod != 0 {
		s.Period = c.u64()
	}
	if st&abi.SampleRead != 0 {
		s.Read = new(ReadValues)
		c.readValues(f.ReadFormat, s.Read)
	}
	if st&abi.SampleCallchain != 0 {
		n := c.count(8)
		for i := 0; i < n; i++ {
			s.Callchain = append(s.Callchain, c.u64())
		}
	}
	if st&abi.SampleRaw != 0 {
		n := int(c.u32())
		s.Raw = c.bytes(n)
		c.align()
	}
	if st&abi.SampleBranchStack != 0 {
		s.Branches = c.branches(f.BranchSampleType)
	}
	if st&abi.SampleRegsUser != 0 {
		s.RegsUser = c.regs(f.RegsUser)
	}
	if st&abi.SampleStackUser != 0 {
		size := c.u64()
		if size > 0 && c.err == nil {
			if size > uint64(len(c.b)-c.off) {
				c.fail(fmt.Errorf("%w: user stack of %d bytes at %d", ErrShort, size, c.off))
			} else {
				data := c.take(int(size))
				dyn := c.u64()
				if dyn > size {
					c.fail(fmt.Errorf("user stack dyn_size %d exceeds size %d", dyn, size))
				} else if c.err == nil {
					s.StackUser = bytes.Clone(data[:dyn])
				}
			}
		}
	}
	if st&abi.SampleWeight != 0 || st&abi.SampleWeightStruct != 0 {
		s.Weight = Weight(c.u64())
	}
	if st&abi.SampleDataSrc != 0 {
		s.DataSrc = DataSource(c.u64())
	}
	if st&abi.SampleTransaction != 0 {
		s.Transaction = Transaction(c.u64())
	}
	if st&abi.SampleRegsIntr != 0 {
		s.RegsIntr = c.regs(f.RegsIntr)
	}
	if st&abi.SamplePhysAddr != 0 {
		s.PhysAddr = c.u64()
	}
	if st&abi.SampleCgroup != 0 {
		s.Cgroup = c.u64()
	}
	if st&abi.SampleDataPageSize != 0 {
		s.DataPageSize = c.u64()
	}
	if st&abi.SampleCodePageSize != 0 {
		s.CodePageSize = c.u64()
	}
	if st&abi.SampleAux != 0 {
		n := c.u64()
		if c.err == nil && n > uint64(len(c.b)-c.off) {
			c.fail(fmt.Errorf("%w: aux sample of %d bytes at %d", ErrShort, n, c.off))
		} else {
			s.Aux = c.bytes(int(n))
		}
	}
	return s
}

func (c *cursor) branches(bst abi.BranchSampleFlag) *BranchStack {
	bs := new(BranchStack)
	per := 24
	if bst&abi.BranchCounters != 0 {
		per += 8
	}
	n := c.count(per)
	if n == 0 {
		// The kernel writes a bare zero count when there is no branch
		// stack, without the hardware index.
		return bs
	}
	if bst&abi.BranchHWIndex != 0 {
		bs.HWIndex = c.u64()
	}
	bs.Entries = make([]BranchEntry, 0, n)
	for i := 0; i < n; i++ {
		bs.Entries = append(bs.Entries, BranchEntry{From: c.u64(), To: c.u64(), Flags: c.u64()})
	}
	if bst&abi.BranchCounters != 0 {
		for i := range bs.Entries {
			bs.Entries[i].Counters = c.u64()
		}
	}
	return bs
}

func countBits(x uint64) int { return bits.OnesCount64(x) }
