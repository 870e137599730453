// VirtIO network driver
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package network drives a VirtIO network device over receiveq/transmitq,
// exposing raw Ethernet frames to the TCP stack adapter.
package network

import (
	"fmt"

	"github.com/tamago-wasm-os/kiosk/internal/reg"
	"github.com/tamago-wasm-os/kiosk/memory"
	"github.com/tamago-wasm-os/kiosk/virtio"
)

// VendorID and DeviceID identify a VirtIO network device on the PCI bus
// (transitional device id 1 -> 0x1000).
const (
	VendorID = 0x1af4
	DeviceID = 0x1000
)

// MaxFrameSize is the maximum Ethernet-frame size this driver moves
// (spec.md §4.2, bit-exact).
const MaxFrameSize = 1526

const queueDepth = 64

// Device is a VirtIO network device bound to receiveq (0) and
// transmitq (1).
type Device struct {
	dev *virtio.Device

	recvq *virtio.Queue
	xmitq *virtio.Queue

	mac [6]byte
}

// New negotiates the device, builds receiveq/transmitq, reads the MAC
// address from the device-specific configuration region, pre-seeds
// receiveq with device-write-only slots, and sets DRIVER_OK.
func New(d *virtio.Device, heap *memory.Heap) (*Device, error) {
	if err := d.Init(); err != nil {
		return nil, err
	}

	recvq, err := d.InitQueue(heap, 0, queueDepth, MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("network: receiveq: %w", err)
	}
	xmitq, err := d.InitQueue(heap, 1, queueDepth, MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("network: transmitq: %w", err)
	}

	dev := &Device{dev: d, recvq: recvq, xmitq: xmitq}
	dev.readMAC()

	for i := 0; i < recvq.Size(); i++ {
		if err := dev.reseed(); err != nil {
			return nil, fmt.Errorf("network: seed receiveq: %w", err)
		}
	}

	d.DriverOK()

	return dev, nil
}

// mac address fields sit at offset 0 of the network device-specific
// configuration region (VirtIO 1.1 §5.1.4).
func (d *Device) readMAC() {
	cfg := d.dev.DeviceConfig()
	for i := 0; i < 6; i++ {
		d.mac[i] = reg.Get8(cfg + uint64(i))
	}
}

// MAC returns the device's configured hardware address.
func (d *Device) MAC() [6]byte { return d.mac }

func (d *Device) reseed() error {
	buf := make([]byte, MaxFrameSize)
	_, err := d.recvq.PushAndNotify([]virtio.Segment{{Out: buf}})
	return err
}

// TryRecv pops at most one pending received frame, re-seeding the freed
// slot immediately, and reports ok=false if nothing is pending.
func (d *Device) TryRecv() (frame []byte, ok bool, err error) {
	buf := make([]byte, MaxFrameSize)
	n, err := d.recvq.PopInto([]virtio.Segment{{Out: buf}})
	if err == virtio.ErrNoComplete {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := d.reseed(); err != nil {
		return nil, false, err
	}

	return buf[:n], true, nil
}

// Send enqueues frame as a device-read-only message on transmitq and
// spin-pops for completion.
func (d *Device) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("network: frame of %d bytes exceeds MTU %d", len(frame), MaxFrameSize)
	}

	_, err := d.xmitq.SyncCommand([]virtio.Segment{{In: frame}})
	return err
}
