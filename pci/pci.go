// PCI configuration space driver for QEMU microvm
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pci implements enumeration and configuration-space access for
// PCI devices reached over the legacy x86 I/O ports, used to discover the
// VirtIO GPU/input/network devices this kernel drives directly.
package pci

import (
	"errors"
	"fmt"

	"github.com/tamago-wasm-os/kiosk/internal/reg"
)

// Configuration space I/O ports.
const (
	CONFIG_ADDRESS = 0x0cf8
	CONFIG_DATA    = 0x0cfc
)

// ErrNoDevice is returned when no PCI function responds at an address.
var ErrNoDevice = errors.New("pci: no device at address")

// Address identifies a PCI function.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// Capability is a single entry of a device's capability linked list.
type Capability struct {
	Vendor byte
	Offset uint8
}

// BarAddrType distinguishes 32-bit and 64-bit memory BARs.
type BarAddrType int

const (
	Bar32 BarAddrType = iota
	Bar64
)

// Bar describes a decoded Base Address Register.
type Bar struct {
	// IO is true for I/O-mapped BARs, false for memory-mapped.
	IO bool

	// Memory-mapped fields.
	AddrType     BarAddrType
	Prefetchable bool

	BaseAddr uint64
	Size     uint32
}

// Device is the immutable result of enumerating one PCI function.
type Device struct {
	Addr Address

	VendorID uint16
	DeviceID uint16
	Class    uint8

	Capabilities []Capability
	Bars         map[int]Bar
}

// configAccessor abstracts configSpace's dword read/write so the
// capability-list and BAR-sizing decode logic can be driven against a
// synthetic register set in tests instead of the real I/O ports.
type configAccessor interface {
	read(addr Address, offset uint8) uint32
	write(addr Address, offset uint8, val uint32)
}

// configSpace is the single package-level handle to the 0xCF8/0xCFC port
// pair; all config space accesses are serialized through it by virtue of
// the single-threaded scheduling model.
type configSpace struct{}

func (configSpace) read(addr Address, offset uint8) uint32 {
	reg.Out32(CONFIG_ADDRESS, addrWord(addr, offset))
	return reg.In32(CONFIG_DATA)
}

func (configSpace) write(addr Address, offset uint8, val uint32) {
	reg.Out32(CONFIG_ADDRESS, addrWord(addr, offset))
	reg.Out32(CONFIG_DATA, val)
}

// addrWord builds the config-address word: bit 31 enable, bits 24..16 bus,
// bits 15..11 device, bits 10..8 function, bits 7..0 offset (dword
// aligned).
func addrWord(addr Address, offset uint8) uint32 {
	return uint32(1)<<31 |
		uint32(addr.Bus)<<16 |
		uint32(addr.Device)<<11 |
		uint32(addr.Function)<<8 |
		uint32(offset&0xfc)
}

// Enumerate scans every (bus, device, function=0) slot in the PCI config
// space and returns every responding endpoint device.
func Enumerate() []*Device {
	var cs configSpace
	var devices []*Device

	for bus := 0; bus <= 255; bus++ {
		for dev := 0; dev < 32; dev++ {
			addr := Address{Bus: uint8(bus), Device: uint8(dev), Function: 0}

			word0 := cs.read(addr, 0x00)
			if word0 == 0xffffffff {
				continue
			}

			word0c := cs.read(addr, 0x0c)
			headerType := uint8((word0c>>16)&0xff) &^ 0x80
			if headerType != 0x00 {
				// PCI bridges are not supported.
				continue
			}

			vendorID := uint16(word0 & 0xffff)
			deviceID := uint16((word0 >> 16) & 0xffff)

			word8 := cs.read(addr, 0x08)
			class := uint8((word8 >> 24) & 0xff)

			d := &Device{
				Addr:         addr,
				VendorID:     vendorID,
				DeviceID:     deviceID,
				Class:        class,
				Capabilities: readCapabilities(cs, addr),
				Bars:         readBars(cs, addr),
			}

			devices = append(devices, d)
		}
	}

	return devices
}

// Find returns the first enumerated device matching the given vendor and
// device IDs.
func Find(vendorID, deviceID uint16) (*Device, error) {
	for _, d := range Enumerate() {
		if d.VendorID == vendorID && d.DeviceID == deviceID {
			return d, nil
		}
	}

	return nil, fmt.Errorf("%w: vendor %#04x device %#04x", ErrNoDevice, vendorID, deviceID)
}

func readCapabilities(cs configAccessor, addr Address) []Capability {
	capPtr := uint8(cs.read(addr, 0x34) &^ 0x03)

	var caps []Capability
	for capPtr != 0x00 {
		word := cs.read(addr, capPtr)
		caps = append(caps, Capability{
			Vendor: byte(word & 0xff),
			Offset: capPtr,
		})
		capPtr = uint8((word >> 8) & 0xff)
	}

	return caps
}

// readBars decodes BAR indices 0..5, pairing consecutive slots for 64-bit
// memory BARs via an explicit index cursor (Go has no iterator-consumption
// coupling to rely on implicitly).
func readBars(cs configAccessor, addr Address) map[int]Bar {
	bars := make(map[int]Bar)

	for i := 0; i < 6; i++ {
		offset := uint8(0x10 + 4*i)
		original := cs.read(addr, offset)

		cs.write(addr, offset, 0xffffffff)
		sizeWord := cs.read(addr, offset)
		cs.write(addr, offset, original)

		ioMapped := original&0x1 != 0
		nFlagBits := 4
		if ioMapped {
			nFlagBits = 2
		}

		masked := sizeWord &^ ((uint32(1) << nFlagBits) - 1)

		var size uint32
		if masked != 0 {
			size = ^masked + 1
		}

		if size == 0 {
			continue
		}

		if ioMapped {
			bars[i] = Bar{
				IO:       true,
				BaseAddr: uint64(original &^ 0x3),
				Size:     size,
			}
			continue
		}

		addrType := Bar32
		if (original>>1)&0x3 == 0x02 {
			addrType = Bar64
		}

		baseLow := uint64(original &^ 0xf)
		idx := i
		base := baseLow

		if addrType == Bar64 {
			i++
			if i >= 6 {
				panic("pci: 64-bit BAR with no paired high slot")
			}
			highOffset := uint8(0x10 + 4*i)
			high := cs.read(addr, highOffset)
			base = baseLow | (uint64(high) << 32)
		}

		bars[idx] = Bar{
			IO:           false,
			AddrType:     addrType,
			Prefetchable: (original>>3)&0x1 != 0,
			BaseAddr:     base,
			Size:         size,
		}
	}

	return bars
}

// SetInterruptLine writes the legacy interrupt line register (offset
// 0x3C, low byte). Unused by the polling main loop; present for
// completeness of the config-space surface.
func (d *Device) SetInterruptLine(line uint8) {
	var cs configSpace
	word := cs.read(d.Addr, 0x3c)
	word = (word &^ 0xff) | uint32(line)
	cs.write(d.Addr, 0x3c, word)
}

// ReadInterruptLine reads back the legacy interrupt line register.
func (d *Device) ReadInterruptLine() uint8 {
	var cs configSpace
	return uint8(cs.read(d.Addr, 0x3c) & 0xff)
}

// AckInterrupt reads-and-discards the device's legacy ISR status byte via
// its capability-resolved ISR config BAR offset, if any. It exists for
// completeness of the transport surface; the compositor's polling loop
// never calls it.
func AckInterrupt(barAddr uint64) byte {
	return reg.Get8(barAddr)
}

// DisableMSIX clears bit 31 of the MSI-X capability's message control
// word, if the device advertises one.
func (d *Device) DisableMSIX() {
	const msixVendor = 0x11

	var cs configSpace
	for _, c := range d.Capabilities {
		if c.Vendor != msixVendor {
			continue
		}

		word := cs.read(d.Addr, c.Offset)
		word &^= uint32(1) << 31
		cs.write(d.Addr, c.Offset, word)
		return
	}
}

// ReadConfig reads a raw config-space dword at the given offset.
func (d *Device) ReadConfig(offset uint8) uint32 {
	var cs configSpace
	return cs.read(d.Addr, offset)
}

// WriteConfig writes a raw config-space dword at the given offset.
func (d *Device) WriteConfig(offset uint8, val uint32) {
	var cs configSpace
	cs.write(d.Addr, offset, val)
}
