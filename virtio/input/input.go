// VirtIO input driver
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package input drives a VirtIO input device over a single eventq,
// pre-seeded with device-write-only slots and decoded into Linux
// input-event semantics.
package input

import (
	"encoding/binary"

	"github.com/tamago-wasm-os/kiosk/abi"
	"github.com/tamago-wasm-os/kiosk/memory"
	"github.com/tamago-wasm-os/kiosk/virtio"
)

// VendorID and DeviceID identify a VirtIO input device on the PCI bus
// (transitional device id 18 -> 0x1052).
const (
	VendorID = 0x1af4
	DeviceID = 0x1052
)

// eventSize is the wire size of one virtio_input_event: type(2) + code(2)
// + value(4).
const eventSize = 8

// Linux input-event codes (spec.md §4.2).
const (
	EV_SYN = 0x0
	EV_KEY = 0x1
	EV_REL = 0x2

	BTN_MOUSE_LEFT  = 272
	BTN_MOUSE_RIGHT = 273

	RelX     = 0
	RelY     = 1
	RelWheel = 8
)

// Event is a decoded VirtIO input event.
type Event struct {
	Type  uint16
	Code  uint16
	Value uint32
}

// Device is a VirtIO input device with its eventq kept fully seeded.
type Device struct {
	dev   *virtio.Device
	eventq *virtio.Queue
}

// New negotiates the device, builds eventq (index 0, N=64), pre-seeds
// every slot with a device-write-only message, and sets DRIVER_OK.
func New(d *virtio.Device, heap *memory.Heap) (*Device, error) {
	if err := d.Init(); err != nil {
		return nil, err
	}

	eventq, err := d.InitQueue(heap, 0, 64, eventSize)
	if err != nil {
		return nil, err
	}

	dev := &Device{dev: d, eventq: eventq}

	for i := 0; i < eventq.Size(); i++ {
		if err := dev.reseed(); err != nil {
			return nil, err
		}
	}

	d.DriverOK()

	return dev, nil
}

// reseed pushes one fresh device-write-only slot onto eventq.
func (d *Device) reseed() error {
	buf := make([]byte, eventSize)
	_, err := d.eventq.PushAndNotify([]virtio.Segment{{Out: buf}})
	return err
}

// Poll drains every pending completion on eventq, decoding each into an
// Event and immediately re-seeding a fresh write-only slot to keep the
// pipeline full, per spec.md §4.2.
func (d *Device) Poll() ([]Event, error) {
	var events []Event

	for {
		buf := make([]byte, eventSize)
		n, err := d.eventq.PopInto([]virtio.Segment{{Out: buf}})
		if err == virtio.ErrNoComplete {
			break
		}
		if err != nil {
			return events, err
		}

		if n >= eventSize {
			events = append(events, Event{
				Type:  binary.LittleEndian.Uint16(buf[0:2]),
				Code:  binary.LittleEndian.Uint16(buf[2:4]),
				Value: binary.LittleEndian.Uint32(buf[4:8]),
			})
		}

		if err := d.reseed(); err != nil {
			return events, err
		}
	}

	return events, nil
}

// Apply decodes a batch of events into the shared pointer/event snapshot,
// per spec.md §4.2's event-decoding table. Apply only updates the
// "currently held" click fields; the caller derives the just-triggered
// click edge by XORing current vs. previous click state itself (spec.md
// §4.5 step 3).
func Apply(events []Event, screenW, screenH int64, pointer *abi.PointerState, onKey func(typ, code uint16, value uint32)) {
	for _, e := range events {
		switch e.Type {
		case EV_SYN:
			continue

		case EV_KEY:
			switch e.Code {
			case BTN_MOUSE_LEFT:
				pointer.LeftClicked = boolToU8(e.Value == 1)
			case BTN_MOUSE_RIGHT:
				pointer.RightClicked = boolToU8(e.Value == 1)
			default:
				if onKey != nil {
					onKey(e.Type, e.Code, e.Value)
				}
			}

		case EV_REL:
			switch e.Code {
			case RelX:
				pointer.DeltaX = int64(int32(e.Value))
				pointer.X += pointer.DeltaX
			case RelY:
				pointer.DeltaY = int64(int32(e.Value))
				pointer.Y += pointer.DeltaY
			case RelWheel:
				if onKey != nil {
					onKey(e.Type, e.Code, e.Value)
				}
			}
		}
	}

	pointer.Clamp(screenW, screenH)
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
