// VirtIO split virtqueue ring layouts
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package queue implements the three physically-contiguous regions of a
// VirtIO split virtqueue (descriptor table, available ring, used ring) as
// thin byte-slice views, matching the wire layout the device reads and
// writes directly via DMA.
package queue

import "encoding/binary"

// Descriptor flags.
const (
	Next  = 1 << 0
	Write = 1 << 1
)

// descSize is the wire size of one descriptor table entry: addr(8) +
// len(4) + flags(2) + next(2).
const descSize = 16

// Descriptor is a single virtqueue descriptor table entry.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// DescTable is a byte-slice view over N contiguous descriptor entries.
type DescTable struct {
	buf []byte
	n   int
}

// NewDescTable wraps a backing buffer of at least n*16 bytes as a
// descriptor table of n entries.
func NewDescTable(buf []byte, n int) *DescTable {
	if len(buf) < n*descSize {
		panic("queue: descriptor table buffer too small")
	}
	return &DescTable{buf: buf, n: n}
}

// Len returns the number of descriptor slots.
func (t *DescTable) Len() int {
	return t.n
}

// Set writes a descriptor at index i.
func (t *DescTable) Set(i int, d Descriptor) {
	off := i * descSize
	binary.LittleEndian.PutUint64(t.buf[off:], d.Addr)
	binary.LittleEndian.PutUint32(t.buf[off+8:], d.Len)
	binary.LittleEndian.PutUint16(t.buf[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(t.buf[off+14:], d.Next)
}

// Get reads the descriptor at index i.
func (t *DescTable) Get(i int) Descriptor {
	off := i * descSize
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(t.buf[off:]),
		Len:   binary.LittleEndian.Uint32(t.buf[off+8:]),
		Flags: binary.LittleEndian.Uint16(t.buf[off+12:]),
		Next:  binary.LittleEndian.Uint16(t.buf[off+14:]),
	}
}

// SetLen updates only the length field of a descriptor, used when a
// pushed segment's logical size differs from its bounce buffer capacity.
func (t *DescTable) SetLen(i int, length uint32) {
	off := i * descSize
	binary.LittleEndian.PutUint32(t.buf[off+8:], length)
}

// AvailRing is the driver-to-device ring: a head index followed by N
// ring slots of descriptor-chain head indices, plus an unused
// used_event field.
type AvailRing struct {
	buf []byte
	n   int
}

// NewAvailRing wraps a backing buffer of at least 4+2n+2 bytes.
func NewAvailRing(buf []byte, n int) *AvailRing {
	if len(buf) < 4+2*n+2 {
		panic("queue: available ring buffer too small")
	}
	return &AvailRing{buf: buf, n: n}
}

func (a *AvailRing) Flags() uint16 {
	return binary.LittleEndian.Uint16(a.buf[0:])
}

func (a *AvailRing) SetFlags(f uint16) {
	binary.LittleEndian.PutUint16(a.buf[0:], f)
}

func (a *AvailRing) Idx() uint16 {
	return binary.LittleEndian.Uint16(a.buf[2:])
}

func (a *AvailRing) SetIdx(idx uint16) {
	binary.LittleEndian.PutUint16(a.buf[2:], idx)
}

// SetRing writes the descriptor head index at ring slot i (mod n).
func (a *AvailRing) SetRing(i uint16, head uint16) {
	slot := int(i) % a.n
	off := 4 + slot*2
	binary.LittleEndian.PutUint16(a.buf[off:], head)
}

// usedEntrySize is the wire size of one used ring entry: id(4) + len(4).
const usedEntrySize = 8

// UsedRing is the device-to-driver ring: a head index followed by N
// (id, len) completion slots.
type UsedRing struct {
	buf []byte
	n   int
}

// NewUsedRing wraps a backing buffer of at least 4+8n bytes.
func NewUsedRing(buf []byte, n int) *UsedRing {
	if len(buf) < 4+usedEntrySize*n {
		panic("queue: used ring buffer too small")
	}
	return &UsedRing{buf: buf, n: n}
}

func (u *UsedRing) Flags() uint16 {
	return binary.LittleEndian.Uint16(u.buf[0:])
}

func (u *UsedRing) Idx() uint16 {
	return binary.LittleEndian.Uint16(u.buf[2:])
}

// SetIdx and SetEntry are used by the device side of the transport (or,
// in tests, a software loopback standing in for one) to publish
// completions; the driver side never calls these.
func (u *UsedRing) SetIdx(idx uint16) {
	binary.LittleEndian.PutUint16(u.buf[2:], idx)
}

func (u *UsedRing) SetEntry(i uint16, id uint32, length uint32) {
	slot := int(i) % u.n
	off := 4 + slot*usedEntrySize
	binary.LittleEndian.PutUint32(u.buf[off:], id)
	binary.LittleEndian.PutUint32(u.buf[off+4:], length)
}

// Entry reads the completion slot i (mod n): the head descriptor index
// and the cumulative bytes the device wrote across the chain.
func (u *UsedRing) Entry(i uint16) (id uint32, length uint32) {
	slot := int(i) % u.n
	off := 4 + slot*usedEntrySize
	return binary.LittleEndian.Uint32(u.buf[off:]), binary.LittleEndian.Uint32(u.buf[off+4:])
}

// Sizeof returns the byte sizes required for the descriptor table,
// available ring, and used ring of a queue with n entries.
func Sizeof(n int) (descTable, avail, used int) {
	return n * descSize, 4 + 2*n + 2, 4 + usedEntrySize*n
}
