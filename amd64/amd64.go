// x86-64 processor support
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package amd64 provides the CPU abstraction used to drive the boot
// sequence, wall clock and halt/reset paths on the QEMU microvm target.
//
// This package is only meant to be used with `GOOS=tamago GOARCH=amd64` as
// supported by the TamaGo framework for bare metal Go.
package amd64

import (
	"runtime"

	"github.com/tamago-wasm-os/kiosk/internal/reg"
)

// Keyboard controller port, used for CPU reset pulses.
const KBD_PORT = 0x64

//go:linkname ramStackOffset runtime.ramStackOffset
var ramStackOffset uint64 = 0x100000

// CPU represents the single bootstrap processor this kernel runs on.
//
// The compositor main loop is single-threaded and cooperative: there is no
// SMP bring-up, no interrupt-driven scheduling, and no preemption.
type CPU struct {
	// TimerMultiplier converts a TSC delta into nanoseconds.
	TimerMultiplier float64
	// TimerOffset is added to the scaled TSC reading to produce wall time.
	TimerOffset int64

	// freq is the calibrated TSC frequency in Hz.
	freq uint32

	// clock is the RTC used to calibrate the TSC, set via SetClockSource.
	clock ClockSource
}

// defined in tsc_amd64.s
func readTSC() uint64

// Init calibrates the TSC against the CMOS RTC and wires the runtime idle
// and exit hooks used by the boot sequence.
func (cpu *CPU) Init() {
	runtime.Exit = exit
	runtime.Idle = func(pollUntil int64) {
		if pollUntil == 1<<63-1 {
			halt()
		}
	}

	cpu.calibrate()
}

// defined in tsc_amd64.s
func exit(int32)
func halt()

// Name returns the CPU identifier string.
func (cpu *CPU) Name() string {
	return runtime.CPU()
}

// Halt suspends execution until an interrupt is received.
func (cpu *CPU) Halt() {
	halt()
}

// Reset pulses the CPU reset line via the 8042 keyboard controller.
func (cpu *CPU) Reset() {
	reg.Out8(KBD_PORT, 0xfe)
}

// Freq returns the calibrated TSC frequency in Hz.
func (cpu *CPU) Freq() uint32 {
	return cpu.freq
}

// Counter returns the raw CPU Time Stamp Counter value.
func (cpu *CPU) Counter() uint64 {
	return readTSC()
}
