package pci

import "testing"

func TestAddrWord(t *testing.T) {
	addr := Address{Bus: 0x01, Device: 0x02, Function: 0x03}
	word := addrWord(addr, 0x10)

	if word>>31 != 1 {
		t.Fatalf("enable bit not set: %#x", word)
	}
	if bus := (word >> 16) & 0xff; bus != 0x01 {
		t.Errorf("bus = %#x, want 0x01", bus)
	}
	if dev := (word >> 11) & 0x1f; dev != 0x02 {
		t.Errorf("device = %#x, want 0x02", dev)
	}
	if fn := (word >> 8) & 0x7; fn != 0x03 {
		t.Errorf("function = %#x, want 0x03", fn)
	}
	if off := word & 0xff; off != 0x10 {
		t.Errorf("offset = %#x, want 0x10", off)
	}
}

func TestAddrWordOffsetDwordAligned(t *testing.T) {
	addr := Address{}
	word := addrWord(addr, 0x13)

	if off := word & 0xff; off != 0x10 {
		t.Errorf("offset not dword-aligned: got %#x, want 0x10", off)
	}
}

// barSize replicates the enumeration procedure's write-all-ones/read-back
// sizing arithmetic over a synthetic register value, to test the boundary
// behavior independently of real I/O ports.
func barSize(original, allOnesReadback uint32, ioMapped bool) uint32 {
	nFlagBits := 4
	if ioMapped {
		nFlagBits = 2
	}

	masked := allOnesReadback &^ ((uint32(1) << nFlagBits) - 1)
	if masked == 0 {
		return 0
	}

	return ^masked + 1
}

func TestBarSizingIsPowerOfTwoOrZero(t *testing.T) {
	cases := []struct {
		name     string
		readback uint32
		ioMapped bool
		want     uint32
	}{
		{"unimplemented memory bar", 0x00000000, false, 0},
		{"4KiB memory bar", 0xfffff000, false, 0x1000},
		{"16MiB memory bar", 0xff000000, false, 0x01000000},
		{"256 byte io bar", 0xffffff00 | 0x1, true, 0x100},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := barSize(0, c.readback, c.ioMapped)
			if got != c.want {
				t.Fatalf("barSize() = %#x, want %#x", got, c.want)
			}
			if got != 0 && got&(got-1) != 0 {
				t.Fatalf("barSize() = %#x is not a power of two", got)
			}
		})
	}
}

// fakeConfigSpace is a synthetic single-device config space: values holds
// what the next read of an offset returns, sizeProbe holds what a
// preceding write of 0xffffffff makes that offset read back as (hardware
// BAR sizing: only the size-determining bits are writable, the rest read
// back as zero or whatever the BAR's size/type hardwires them to).
type fakeConfigSpace struct {
	values    map[uint8]uint32
	sizeProbe map[uint8]uint32
}

func (f *fakeConfigSpace) read(_ Address, offset uint8) uint32 {
	return f.values[offset]
}

func (f *fakeConfigSpace) write(_ Address, offset uint8, val uint32) {
	if val == 0xffffffff {
		f.values[offset] = f.sizeProbe[offset]
		return
	}
	f.values[offset] = val
}

func TestCapabilityListWalkStopsAtZero(t *testing.T) {
	addr := Address{Bus: 0, Device: 1, Function: 0}

	cs := &fakeConfigSpace{values: map[uint8]uint32{0x34: 0x00}}

	caps := readCapabilities(cs, addr)
	if len(caps) != 0 {
		t.Fatalf("readCapabilities() on a device with no capability list = %v, want empty", caps)
	}
}

func TestCapabilityListWalkFollowsLinkedList(t *testing.T) {
	addr := Address{Bus: 0, Device: 1, Function: 0}

	cs := &fakeConfigSpace{values: map[uint8]uint32{
		0x34: 0x40,   // capabilities pointer -> offset 0x40
		0x40: 0x5011, // vendor 0x11 (MSI-X), next 0x50
		0x50: 0x0005, // vendor 0x05 (MSI), next 0x00 (end)
	}}

	caps := readCapabilities(cs, addr)
	if len(caps) != 2 {
		t.Fatalf("readCapabilities() returned %d entries, want 2", len(caps))
	}
	if caps[0].Vendor != 0x11 || caps[0].Offset != 0x40 {
		t.Fatalf("caps[0] = %+v, want {Vendor:0x11 Offset:0x40}", caps[0])
	}
	if caps[1].Vendor != 0x05 || caps[1].Offset != 0x50 {
		t.Fatalf("caps[1] = %+v, want {Vendor:0x05 Offset:0x50}", caps[1])
	}
}

func TestReadBarsPairs64BitBaseAddress(t *testing.T) {
	addr := Address{Bus: 0, Device: 1, Function: 0}

	const bar0Offset = 0x10
	const bar1Offset = 0x14

	cs := &fakeConfigSpace{
		values: map[uint8]uint32{
			bar0Offset: 0xf0000004, // memory BAR, 64-bit type (bits 2:1 = 0b10), base low 0xf0000000
			bar1Offset: 0x00000001, // base high dword
		},
		sizeProbe: map[uint8]uint32{
			bar0Offset: 0xffff0004, // 64KiB BAR, flag bits read back unchanged
			bar1Offset: 0,
			0x18:       0,
			0x1c:       0,
			0x20:       0,
			0x24:       0,
		},
	}

	bars := readBars(cs, addr)

	bar, ok := bars[0]
	if !ok {
		t.Fatalf("readBars() did not report a BAR at index 0")
	}
	if bar.IO {
		t.Fatalf("IO = true, want a memory BAR")
	}
	if bar.AddrType != Bar64 {
		t.Fatalf("AddrType = %v, want Bar64", bar.AddrType)
	}

	const wantBase = uint64(0x1_f0000000)
	if bar.BaseAddr != wantBase {
		t.Fatalf("BaseAddr = %#x, want %#x", bar.BaseAddr, wantBase)
	}
	if bar.Size != 0x10000 {
		t.Fatalf("Size = %#x, want 0x10000", bar.Size)
	}

	if _, ok := bars[1]; ok {
		t.Fatalf("readBars() must not report a 64-bit BAR's high dword as its own entry at index 1")
	}
}
