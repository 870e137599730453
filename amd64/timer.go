// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package amd64

import "runtime"

// nanoseconds per second
const refFreq uint32 = 1e9

// ClockSource is the minimal real-time-clock interface the TSC calibration
// routine needs: a second counter that increments once per wall-clock
// second, used to bracket two TSC readings.
type ClockSource interface {
	Second() (uint8, error)
}

// calibrate derives the TSC frequency by bracketing two RTC second
// transitions with TSC reads, the same approach the original toy kernel
// used over its own CMOS RTC reader before handing wall time to the rest
// of the system.
//
// If no clock source has been attached the multiplier is left at zero and
// GetTime always returns the offset unscaled; callers needing a calibrated
// clock must call SetClockSource before Init.
func (cpu *CPU) calibrate() {
	if cpu.clock == nil {
		cpu.freq = 1
		cpu.TimerMultiplier = 0
		return
	}

	start, err := cpu.waitForTick()
	if err != nil {
		cpu.freq = 1
		return
	}

	tscA := readTSC()

	for {
		s, err := cpu.clock.Second()
		if err != nil {
			cpu.freq = 1
			return
		}
		if s != start {
			break
		}
		runtime.Gosched()
	}

	tscB := readTSC()

	// one RTC second elapsed between tscA and tscB
	if tscB > tscA {
		cpu.freq = uint32(tscB - tscA)
	} else {
		cpu.freq = 1
	}

	cpu.TimerMultiplier = float64(refFreq) / float64(cpu.freq)
}

// waitForTick blocks until a second boundary is observed, returning the
// new second value read just after the observed edge so calibrate can
// detect the following edge.
func (cpu *CPU) waitForTick() (uint8, error) {
	s0, err := cpu.clock.Second()
	if err != nil {
		return 0, err
	}

	for {
		s, err := cpu.clock.Second()
		if err != nil {
			return 0, err
		}
		if s != s0 {
			return s, nil
		}
		runtime.Gosched()
	}
}

// SetClockSource attaches the RTC used for TSC calibration. Must be called
// before Init.
func (cpu *CPU) SetClockSource(clock ClockSource) {
	cpu.clock = clock
}

// GetTime returns the system time in nanoseconds: the scaled TSC plus the
// offset established by the last SetTime call (zero offset, i.e. TSC time
// since reset, until SetTime is called).
func (cpu *CPU) GetTime() int64 {
	return int64(float64(cpu.Counter())*cpu.TimerMultiplier) + cpu.TimerOffset
}

// SetTime adjusts the system time to match the given nanoseconds value.
func (cpu *CPU) SetTime(ns int64) {
	if cpu.TimerMultiplier == 0 {
		return
	}

	cpu.TimerOffset = ns - int64(float64(readTSC())*cpu.TimerMultiplier)
}

// TimeMillis returns GetTime scaled to milliseconds, satisfying
// compositor.Clock for frame-pacing measurements.
func (cpu *CPU) TimeMillis() float64 {
	return float64(cpu.GetTime()) / 1e6
}

// SpinDelay busy-waits for the given number of milliseconds by polling
// GetTime, the same TSC-polling idiom calibrate/waitForTick use to
// bracket RTC second transitions. There is no timer interrupt to sleep
// against on this cooperative, single-threaded target.
func (cpu *CPU) SpinDelay(ms float64) {
	deadline := cpu.GetTime() + int64(ms*1e6)
	for cpu.GetTime() < deadline {
		runtime.Gosched()
	}
}
