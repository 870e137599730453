// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"sync/atomic"
	"unsafe"
)

// Get32 reads a 32-bit MMIO register at the given physical address.
func Get32(addr uint64) uint32 {
	reg := (*uint32)(unsafe.Pointer(uintptr(addr)))
	return atomic.LoadUint32(reg)
}

// Set32 writes a 32-bit MMIO register at the given physical address.
func Set32(addr uint64, val uint32) {
	reg := (*uint32)(unsafe.Pointer(uintptr(addr)))
	atomic.StoreUint32(reg, val)
}

// Get16 reads a 16-bit MMIO register at the given physical address.
func Get16(addr uint64) uint16 {
	reg := (*uint16)(unsafe.Pointer(uintptr(addr)))
	return *reg
}

// Set16 writes a 16-bit MMIO register at the given physical address.
func Set16(addr uint64, val uint16) {
	reg := (*uint16)(unsafe.Pointer(uintptr(addr)))
	*reg = val
}

// Get8 reads a single byte MMIO register at the given physical address.
func Get8(addr uint64) uint8 {
	reg := (*uint8)(unsafe.Pointer(uintptr(addr)))
	return *reg
}

// Set8 writes a single byte MMIO register at the given physical address.
func Set8(addr uint64, val uint8) {
	reg := (*uint8)(unsafe.Pointer(uintptr(addr)))
	*reg = val
}

// CopyIn reads n bytes of MMIO space starting at addr into dst.
func CopyIn(addr uint64, dst []byte) {
	for i := range dst {
		dst[i] = Get8(addr + uint64(i))
	}
}

// CopyOut writes src into MMIO space starting at addr.
func CopyOut(addr uint64, src []byte) {
	for i, b := range src {
		Set8(addr+uint64(i), b)
	}
}
