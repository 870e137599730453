// 16550A UART driver
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package microvm

import (
	"github.com/tamago-wasm-os/kiosk/internal/reg"
)

// UART registers, offsets from Base.
const (
	RBR = 0x00
	THR = 0x00
	IER = 0x01
	FCR = 0x02
	MCR = 0x04

	LSR      = 0x05
	LSR_DR   = 0
	LSR_THRE = 5
)

// UART is a 16550A-compatible serial port, used as the diagnostic console
// and as the output of the standard log package.
type UART struct {
	Base uint16
}

// Tx transmits a single byte to the serial port, blocking until the
// transmit FIFO has room.
func (hw *UART) Tx(c byte) {
	for reg.In8(hw.Base+LSR)&(1<<LSR_THRE) == 0 {
	}

	reg.Out8(hw.Base+THR, c)
}

// Rx receives a single byte, returning valid=false if none is pending.
func (hw *UART) Rx() (c byte, valid bool) {
	if reg.In8(hw.Base+LSR)&(1<<LSR_DR) == 0 {
		return
	}

	return reg.In8(hw.Base + RBR), true
}

// Write implements io.Writer over the serial port.
func (hw *UART) Write(buf []byte) (n int, _ error) {
	for n = 0; n < len(buf); n++ {
		hw.Tx(buf[n])
	}

	return
}
