// VirtIO split virtqueue construction and push/pop protocol
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"fmt"

	"github.com/tamago-wasm-os/kiosk/internal/reg"
	"github.com/tamago-wasm-os/kiosk/memory"
	vqueue "github.com/tamago-wasm-os/kiosk/virtio/queue"
)

// Queue is a split virtqueue bound to one index of a Device. Every
// descriptor slot is bound at InitQueue time to a fixed-size bounce
// buffer allocated once from the shared heap; Push and PopInto reuse
// that buffer for the life of the queue, never reallocating it.
type Queue struct {
	index int
	size  int

	heap *memory.Heap

	desc  *vqueue.DescTable
	avail *vqueue.AvailRing
	used  *vqueue.UsedRing

	free     []bool // true = descriptor slot available
	popIndex uint16

	bufSize  int
	bufs     [][]byte // bufs[i] is the bounce buffer bound to descriptor i
	bufAddrs []uint64 // bufAddrs[i] is bufs[i]'s physical address

	notifyAddr uint64
}

// InitQueue allocates the descriptor table, available ring, and used
// ring for queue index q with capacity size (a power of two), registers
// their physical addresses with the device, computes the per-queue
// doorbell address, and binds each of the size descriptor slots to its
// own bufSize-byte bounce buffer, presetting the descriptor's addr field
// so the slot never needs reallocation across its lifetime.
func (v *Device) InitQueue(heap *memory.Heap, index int, size int, bufSize int) (*Queue, error) {
	v.commonSet16(regQueueSelect, uint16(index))

	maxSize := v.commonGet16(regQueueSize)
	if maxSize != 0 && int(maxSize) < size {
		return nil, fmt.Errorf("virtio: queue %d max size %d smaller than requested %d", index, maxSize, size)
	}

	descLen, availLen, usedLen := vqueue.Sizeof(size)

	descAddr, descBuf, err := heap.Alloc(descLen, 16)
	if err != nil {
		return nil, fmt.Errorf("virtio: descriptor table alloc: %w", err)
	}
	availAddr, availBuf, err := heap.Alloc(availLen, 2)
	if err != nil {
		return nil, fmt.Errorf("virtio: available ring alloc: %w", err)
	}
	usedAddr, usedBuf, err := heap.Alloc(usedLen, 4)
	if err != nil {
		return nil, fmt.Errorf("virtio: used ring alloc: %w", err)
	}

	v.commonSet16(regQueueSize, uint16(size))

	v.commonSet32(regQueueDesc, uint32(descAddr))
	v.commonSet32(regQueueDesc+4, uint32(uint64(descAddr)>>32))
	v.commonSet32(regQueueDriver, uint32(availAddr))
	v.commonSet32(regQueueDriver+4, uint32(uint64(availAddr)>>32))
	v.commonSet32(regQueueDevice, uint32(usedAddr))
	v.commonSet32(regQueueDevice+4, uint32(uint64(usedAddr)>>32))

	notifyOff := v.commonGet16(regQueueNotifyOff)

	v.commonSet16(regQueueEnable, 1)

	if got := v.commonGet16(regQueueSize); int(got) != size {
		return nil, fmt.Errorf("%w: queue %d size read back %d, want %d", ErrBadStatus, index, got, size)
	}

	q := &Queue{
		index:      index,
		size:       size,
		heap:       heap,
		desc:       vqueue.NewDescTable(descBuf, size),
		avail:      vqueue.NewAvailRing(availBuf, size),
		used:       vqueue.NewUsedRing(usedBuf, size),
		free:       make([]bool, size),
		bufSize:    bufSize,
		bufs:       make([][]byte, size),
		bufAddrs:   make([]uint64, size),
		notifyAddr: v.caps.notifyBase + uint64(notifyOff)*uint64(v.caps.notifyMult),
	}

	for i := range q.free {
		q.free[i] = true

		addr, buf, err := heap.Alloc(bufSize, 4)
		if err != nil {
			return nil, fmt.Errorf("virtio: descriptor %d bounce buffer alloc: %w", i, err)
		}
		q.bufs[i] = buf
		q.bufAddrs[i] = uint64(addr)
		q.desc.Set(i, vqueue.Descriptor{Addr: uint64(addr)})
	}

	v.queues = append(v.queues, q)

	return q, nil
}

// Segment is one element of a logical Message. Exactly one of In/Out is
// set: In carries a device-read-only payload, Out is a device-write-only
// destination the completion is copied into.
type Segment struct {
	In  []byte
	Out []byte
}

func (s Segment) writeOnly() bool { return s.Out != nil }

func (s Segment) size() int {
	if s.writeOnly() {
		return len(s.Out)
	}
	return len(s.In)
}

// Notify rings the doorbell for this queue.
func (q *Queue) Notify() {
	reg.Set16(q.notifyAddr, uint16(q.index))
}

// Push reserves one descriptor per segment, copies each segment's
// contents (if any) into the descriptor's preallocated bounce buffer,
// chains them with NEXT, and publishes the head index on the available
// ring. Returns ErrQueueFull if fewer than len(segs) slots are free, or
// an error if any segment exceeds the queue's bufSize, leaving the
// queue state unchanged either way.
func (q *Queue) Push(segs []Segment) (head uint16, err error) {
	if len(segs) == 0 {
		return 0, fmt.Errorf("virtio: empty message")
	}

	for _, seg := range segs {
		if seg.size() > q.bufSize {
			return 0, fmt.Errorf("virtio: segment of %d bytes exceeds queue %d bounce buffer capacity %d", seg.size(), q.index, q.bufSize)
		}
	}

	indices := make([]int, 0, len(segs))
	for i, free := range q.free {
		if free {
			indices = append(indices, i)
			if len(indices) == len(segs) {
				break
			}
		}
	}

	if len(indices) < len(segs) {
		return 0, fmt.Errorf("%w: queue %d needs %d descriptors, has %d free", ErrQueueFull, q.index, len(segs), len(indices))
	}

	for i, idx := range indices {
		seg := segs[i]
		buf := q.bufs[idx]

		size := seg.size()
		if size == 0 {
			size = 1
		}

		var flags uint16
		if seg.writeOnly() {
			flags |= vqueue.Write
		} else {
			copy(buf, seg.In)
		}
		if i < len(indices)-1 {
			flags |= vqueue.Next
		}

		next := uint16(0)
		if i < len(indices)-1 {
			next = uint16(indices[i+1])
		}

		q.desc.Set(idx, vqueue.Descriptor{
			Addr:  q.bufAddrs[idx],
			Len:   uint32(size),
			Flags: flags,
			Next:  next,
		})

		q.free[idx] = false
	}

	head = uint16(indices[0])
	avIdx := q.avail.Idx()
	q.avail.SetRing(avIdx, head)
	q.avail.SetIdx(avIdx + 1)

	return head, nil
}

// PushAndNotify is Push followed by Notify, the common case for every
// driver built on this transport.
func (q *Queue) PushAndNotify(segs []Segment) (head uint16, err error) {
	head, err = q.Push(segs)
	if err != nil {
		return 0, err
	}
	q.Notify()
	return head, nil
}

// PopInto checks for a single pending completion, returning
// ErrNoComplete if the used ring has nothing new since the last pop. On
// success, every write-only segment's Out buffer is filled with the
// bytes the device wrote into that descriptor's bounce buffer and the
// chain's descriptors are returned to the free bitmap; the bounce
// buffers themselves are left bound to their descriptor slots for reuse
// by the next Push. Callers using the synchronous command pattern
// should prefer SyncCommand, which does this bookkeeping for them.
func (q *Queue) PopInto(segs []Segment) (bytesWritten uint32, err error) {
	if q.used.Idx() == q.popIndex {
		return 0, ErrNoComplete
	}

	head, length := q.used.Entry(q.popIndex)
	q.popIndex++

	idx := int(head)
	for i := range segs {
		d := q.desc.Get(idx)
		buf := q.bufs[idx]

		if segs[i].writeOnly() {
			copy(segs[i].Out, buf)
		}

		q.free[idx] = true

		if d.Flags&vqueue.Next == 0 {
			break
		}
		idx = int(d.Next)
	}

	return length, nil
}

// SyncCommand pushes segs, rings the doorbell, and spin-pops until the
// single completion for this message appears, copying results into any
// write-only Out buffers. This is the only pattern used by the GPU,
// input, and network drivers built on this transport.
func (q *Queue) SyncCommand(segs []Segment) (bytesWritten uint32, err error) {
	if _, err := q.PushAndNotify(segs); err != nil {
		return 0, err
	}

	for {
		n, err := q.PopInto(segs)
		if err == ErrNoComplete {
			continue
		}
		return n, err
	}
}

// DescriptorsFree reports how many descriptor slots are currently
// available, used by queue-descriptor-conservation tests.
func (q *Queue) DescriptorsFree() int {
	n := 0
	for _, f := range q.free {
		if f {
			n++
		}
	}
	return n
}

// Size returns the queue's fixed capacity N.
func (q *Queue) Size() int { return q.size }
