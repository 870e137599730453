package virtio

import (
	"bytes"
	"testing"

	"github.com/tamago-wasm-os/kiosk/memory"
	vqueue "github.com/tamago-wasm-os/kiosk/virtio/queue"
)

// testBufSize is the fixed per-descriptor bounce buffer capacity used
// by every test queue; large enough for every payload these tests push.
const testBufSize = 64

// newTestQueue builds a Queue without going through PCI/MMIO, for
// exercising the push/pop protocol against a software loopback.
func newTestQueue(t *testing.T, size int) (*Queue, *memory.Heap) {
	t.Helper()

	heap := &memory.Heap{}
	heap.Init(1 << 20)

	descLen, availLen, usedLen := vqueue.Sizeof(size)

	_, descBuf, err := heap.Alloc(descLen, 16)
	if err != nil {
		t.Fatalf("alloc desc table: %v", err)
	}
	_, availBuf, err := heap.Alloc(availLen, 2)
	if err != nil {
		t.Fatalf("alloc avail ring: %v", err)
	}
	_, usedBuf, err := heap.Alloc(usedLen, 4)
	if err != nil {
		t.Fatalf("alloc used ring: %v", err)
	}

	q := &Queue{
		index:    0,
		size:     size,
		heap:     heap,
		desc:     vqueue.NewDescTable(descBuf, size),
		avail:    vqueue.NewAvailRing(availBuf, size),
		used:     vqueue.NewUsedRing(usedBuf, size),
		free:     make([]bool, size),
		bufSize:  testBufSize,
		bufs:     make([][]byte, size),
		bufAddrs: make([]uint64, size),
	}
	for i := range q.free {
		q.free[i] = true

		addr, buf, err := heap.Alloc(testBufSize, 4)
		if err != nil {
			t.Fatalf("alloc bounce buffer %d: %v", i, err)
		}
		q.bufs[i] = buf
		q.bufAddrs[i] = uint64(addr)
	}

	return q, heap
}

// loopbackComplete simulates a device that echoes every read-only
// segment's bytes into the chain's write-only segments (in order) and
// posts one used-ring completion for the given chain head, reporting the
// number of bytes it wrote into the write-only segments.
func (q *Queue) loopbackComplete(head uint16) {
	idx := int(head)

	var readBufs [][]byte
	var writeIdx []int

	for {
		d := q.desc.Get(idx)
		buf := q.bufs[idx]

		if d.Flags&vqueue.Write != 0 {
			writeIdx = append(writeIdx, idx)
		} else {
			readBufs = append(readBufs, buf[:d.Len])
		}

		if d.Flags&vqueue.Next == 0 {
			break
		}
		idx = int(d.Next)
	}

	flat := bytes.Join(readBufs, nil)
	off := 0
	for _, wi := range writeIdx {
		buf := q.bufs[wi]
		off += copy(buf, flat[off:])
	}

	usedIdx := q.used.Idx()
	q.used.SetEntry(usedIdx, uint32(head), uint32(off))
	q.used.SetIdx(usedIdx + 1)
}

func TestQueueDescriptorConservation(t *testing.T) {
	q, _ := newTestQueue(t, 4)

	if got := q.DescriptorsFree(); got != 4 {
		t.Fatalf("DescriptorsFree() = %d, want 4", got)
	}

	out := make([]byte, 4)
	segs := []Segment{{In: []byte("ping")}, {Out: out}}

	if _, err := q.Push(segs); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if got := q.DescriptorsFree(); got != 2 {
		t.Fatalf("DescriptorsFree() after push = %d, want 2 (outstanding+free=N)", got)
	}
}

func TestPopEmptyIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, 4)

	_, err := q.PopInto(nil)
	if err != ErrNoComplete {
		t.Fatalf("PopInto on empty used ring = %v, want ErrNoComplete", err)
	}

	_, err = q.PopInto(nil)
	if err != ErrNoComplete {
		t.Fatalf("second PopInto on empty used ring = %v, want ErrNoComplete", err)
	}
}

func TestDescriptorExhaustion(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	if _, err := q.Push([]Segment{{In: []byte("a")}, {In: []byte("b")}}); err != nil {
		t.Fatalf("first push (fills queue): %v", err)
	}

	if _, err := q.Push([]Segment{{In: []byte("c")}}); err == nil {
		t.Fatalf("expected ErrQueueFull on a full queue")
	}

	if got := q.DescriptorsFree(); got != 0 {
		t.Fatalf("DescriptorsFree() = %d, want 0 on a full queue", got)
	}
}

func TestUsedRingMonotonicity(t *testing.T) {
	q, _ := newTestQueue(t, 8)

	for i := 0; i < 3; i++ {
		out := make([]byte, 4)
		if _, err := q.Push([]Segment{{In: []byte("ping")}, {Out: out}}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	if q.popIndex > q.used.Idx() {
		t.Fatalf("popIndex %d exceeds used.Idx() %d", q.popIndex, q.used.Idx())
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, 4)

	payload := []byte("ping")
	out := make([]byte, len(payload))
	segs := []Segment{{In: payload}, {Out: out}}

	head, err := q.Push(segs)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	q.loopbackComplete(head)

	n, err := q.PopInto(segs)
	if err != nil {
		t.Fatalf("PopInto: %v", err)
	}
	if int(n) != len(payload) {
		t.Fatalf("bytesWritten = %d, want %d", n, len(payload))
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("round-trip payload = %q, want %q", out, payload)
	}

	if got := q.DescriptorsFree(); got != 4 {
		t.Fatalf("DescriptorsFree() after pop = %d, want 4 (all reclaimed)", got)
	}
}

func TestQueueOfCapacityNAcceptsSingleNSegmentChain(t *testing.T) {
	const n = 4
	q, _ := newTestQueue(t, n)

	segs := make([]Segment, n)
	for i := range segs {
		segs[i] = Segment{In: []byte{byte(i)}}
	}

	if _, err := q.Push(segs); err != nil {
		t.Fatalf("push of N=%d segments on capacity-%d queue: %v", n, n, err)
	}

	if _, err := q.Push([]Segment{{In: []byte("x")}}); err == nil {
		t.Fatalf("expected failure pushing any further message on a fully-reserved queue")
	}
}
