// MC146818A RTC driver
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package microvm

import (
	"errors"
	"time"

	"github.com/tamago-wasm-os/kiosk/internal/reg"
)

// CMOS RTC registers (IBM PC AT Technical Reference).
const (
	CMOS_RTC_OUT = 0x70
	CMOS_RTC_IN  = 0x71

	SECONDS = 0x00
	MINUTES = 0x02
	HOURS   = 0x04
	DOW     = 0x07
	MONTH   = 0x08
	YEAR    = 0x09
	CENTURY = 0x32

	STATUSA     = 0x0a
	STATUSA_UIP = 7
)

// RTC represents the CMOS real-time clock, used both for one-shot wall
// clock reads (Now) and as the amd64.ClockSource used to calibrate the
// TSC at boot (Second).
type RTC struct {
	Location *time.Location
}

func (rtc *RTC) read(addr uint8) int {
	reg.Out8(CMOS_RTC_OUT, addr)
	return int(reg.In8(CMOS_RTC_IN))
}

func bcdToBin(val int) int {
	return (val & 0x0f) + ((val / 16) * 10)
}

// Second returns the current RTC seconds field, satisfying
// amd64.ClockSource. It does not wait out an update-in-progress window;
// callers bracketing two reads should retry on error.
func (rtc *RTC) Second() (uint8, error) {
	if a := rtc.read(STATUSA); (a>>STATUSA_UIP)&1 == 1 {
		return 0, errors.New("rtc: update in progress")
	}

	return uint8(bcdToBin(rtc.read(SECONDS))), nil
}

// Now returns the full real-time clock reading.
func (rtc *RTC) Now() (t time.Time, err error) {
	if rtc.Location == nil {
		if rtc.Location, err = time.LoadLocation(""); err != nil {
			return
		}
	}

	if a := rtc.read(STATUSA); (a>>STATUSA_UIP)&1 == 1 {
		err = errors.New("rtc: update in progress")
		return
	}

	ss := bcdToBin(rtc.read(SECONDS))
	mm := bcdToBin(rtc.read(MINUTES))
	dd := bcdToBin(rtc.read(DOW))
	MM := bcdToBin(rtc.read(MONTH))
	yy := bcdToBin(rtc.read(YEAR))
	cc := bcdToBin(rtc.read(CENTURY))

	hh := rtc.read(HOURS)
	hh = ((hh & 0x0f) + (((hh & 0x70) / 16) * 10)) | (hh & 0x80)

	return time.Date(cc*100+yy, time.Month(MM), dd, hh, mm, ss, 0, rtc.Location), nil
}
