// Guest ABI shared structs
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package abi defines the C-layout structs shared between the host and
// every WASM guest: field order, width, and padding are part of the
// contract and must never drift, since guests are compiled against this
// exact layout by an external toolchain. Go has no `#[repr(C)]`
// equivalent, so padding is made explicit and verified by abi_test.go's
// unsafe.Sizeof/unsafe.Offsetof assertions rather than left to be an
// accident of field order.
package abi

// MaxEvents bounds the per-frame key/scroll event list carried in
// InputState.
const MaxEvents = 32

// Linux input-event-codes subset used by the input driver and mirrored
// here for guests that want to interpret raw key events.
const (
	EV_SYN = 0x0
	EV_KEY = 0x1
	EV_REL = 0x2

	BTN_MOUSE_LEFT  = 272
	BTN_MOUSE_RIGHT = 273
)

// PointerState is the mouse/trackpad snapshot shared with guests.
//
// Layout (40 bytes):
//
//	offset 0  X                  int64
//	offset 8  Y                  int64
//	offset 16 DeltaX             int64
//	offset 24 DeltaY             int64
//	offset 32 LeftClicked        uint8  (bool)
//	offset 33 RightClicked       uint8  (bool)
//	offset 34 LeftClickTrigger   uint8  (bool)
//	offset 35 RightClickTrigger  uint8  (bool)
//	offset 36 _pad               [4]byte
type PointerState struct {
	X      int64
	Y      int64
	DeltaX int64
	DeltaY int64

	LeftClicked       uint8
	RightClicked      uint8
	LeftClickTrigger  uint8
	RightClickTrigger uint8

	_pad [4]byte
}

// OptionInputEvent is a tagged slot in InputState.Events: Present
// distinguishes an empty slot from a reported key/scroll event.
//
// Layout (12 bytes):
//
//	offset 0 Present uint8
//	offset 1 _pad    [3]byte
//	offset 4 Type    uint16
//	offset 6 Code    uint16
//	offset 8 Value   uint32
type OptionInputEvent struct {
	Present uint8
	_pad    [3]byte

	Type  uint16
	Code  uint16
	Value uint32
}

// InputState is the full per-frame input snapshot passed to
// host_get_system_state.
//
// Layout (440 bytes):
//
//	offset 0   Pointer          PointerState (40 bytes)
//	offset 40  Shift            uint8
//	offset 41  _pad0            [3]byte
//	offset 44  Events           [MaxEvents]OptionInputEvent (384 bytes)
//	offset 428 _pad1            [4]byte
//	offset 432 NextEventIndex   uint64
type InputState struct {
	Pointer PointerState

	Shift uint8
	_pad0 [3]byte

	Events [MaxEvents]OptionInputEvent

	_pad1 [4]byte

	NextEventIndex uint64
}

// Rect is the window rectangle shared with guests via host_get_win_rect.
//
// Layout (24 bytes):
//
//	offset 0  X0 int64
//	offset 8  Y0 int64
//	offset 16 W  uint32
//	offset 20 H  uint32
type Rect struct {
	X0 int64
	Y0 int64
	W  uint32
	H  uint32
}

// Clamp restricts the pointer position to [0, w) x [0, h), the invariant
// the compositor must hold after every input aggregation pass.
func (p *PointerState) Clamp(w, h int64) {
	if p.X < 0 {
		p.X = 0
	} else if p.X >= w {
		p.X = w - 1
	}

	if p.Y < 0 {
		p.Y = 0
	} else if p.Y >= h {
		p.Y = h - 1
	}
}
