// VirtIO 1.1 device lifecycle over PCI
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package virtio implements the VirtIO 1.1-over-PCI transport: device
// capability resolution, the status/feature negotiation state machine,
// split-virtqueue construction, and the synchronous push/pop message
// protocol used by the GPU, input, and network drivers.
package virtio

import (
	"errors"
	"fmt"

	"github.com/tamago-wasm-os/kiosk/internal/reg"
	"github.com/tamago-wasm-os/kiosk/pci"
)

// Device status bits (VirtIO 1.1 §2.1).
const (
	StatusReset      = 0x00
	StatusAck        = 0x01
	StatusDriver     = 0x02
	StatusDriverOK   = 0x04
	StatusFeaturesOK = 0x08
	StatusNeedsReset = 0x40
	StatusFailed     = 0x80
)

// FeatureVersion1 is bit 32 of the feature vector (group 1, bit 0): the
// only feature this kernel negotiates.
const FeatureVersion1 = uint64(1) << 32

// Common configuration register offsets, relative to the COMMON_CFG
// capability's resolved base address (VirtIO 1.1 §4.1.4.3).
const (
	regDeviceFeatureSelect = 0
	regDeviceFeature       = 4
	regDriverFeatureSelect = 8
	regDriverFeature       = 12
	regMSIXConfig          = 16
	regNumQueues           = 18
	regDeviceStatus        = 20
	regConfigGeneration    = 21
	regQueueSelect         = 22
	regQueueSize           = 24
	regQueueMSIXVector     = 26
	regQueueEnable         = 28
	regQueueNotifyOff      = 30
	regQueueDesc           = 32
	regQueueDriver         = 40
	regQueueDevice         = 48
)

// Errors.
var (
	ErrBadStatus  = errors.New("virtio: unexpected device status")
	ErrQueueFull  = errors.New("virtio: queue full")
	ErrNoComplete = errors.New("virtio: no completion pending")
)

// Device is a VirtIO device bound to a PCI function, with its
// capability-resolved configuration windows.
type Device struct {
	PCI *pci.Device

	caps *capabilities

	queues []*Queue
}

// New resolves the VirtIO PCI capabilities of the given PCI function.
// The device is left in RESET status; call Init to run the full
// negotiation sequence.
func New(d *pci.Device) (*Device, error) {
	caps, err := resolveCapabilities(d)
	if err != nil {
		return nil, err
	}

	d.DisableMSIX()

	return &Device{PCI: d, caps: caps}, nil
}

func (v *Device) commonGet8(off uint64) uint8   { return reg.Get8(v.caps.commonBase + off) }
func (v *Device) commonSet8(off uint64, x uint8) { reg.Set8(v.caps.commonBase+off, x) }

func (v *Device) commonGet16(off uint64) uint16    { return reg.Get16(v.caps.commonBase + off) }
func (v *Device) commonSet16(off uint64, x uint16) { reg.Set16(v.caps.commonBase+off, x) }

func (v *Device) commonGet32(off uint64) uint32    { return reg.Get32(v.caps.commonBase + off) }
func (v *Device) commonSet32(off uint64, x uint32) { reg.Set32(v.caps.commonBase+off, x) }

// Status returns the current device_status byte.
func (v *Device) Status() uint8 {
	return v.commonGet8(regDeviceStatus)
}

func (v *Device) setStatus(s uint8) {
	v.commonSet8(regDeviceStatus, s)
}

// Init runs the VirtIO 1.1 negotiation sequence up to FEATURES_OK:
// reset -> acknowledge -> driver -> negotiate features -> features-ok,
// with a mandatory read-back. DriverOK must be set explicitly by the
// caller once all of the device's queues have been initialized.
func (v *Device) Init() error {
	v.setStatus(StatusReset)

	v.setStatus(StatusAck)
	v.setStatus(StatusAck | StatusDriver)

	v.negotiateFeatures(FeatureVersion1)

	v.setStatus(StatusAck | StatusDriver | StatusFeaturesOK)

	if s := v.Status(); s&StatusFeaturesOK == 0 {
		return fmt.Errorf("%w: FEATURES_OK not accepted (status=%#x)", ErrBadStatus, s)
	}

	return nil
}

// DriverOK must be called once every queue the driver intends to use has
// been initialized with InitQueue.
func (v *Device) DriverOK() {
	v.setStatus(StatusAck | StatusDriver | StatusFeaturesOK | StatusDriverOK)
}

// negotiateFeatures writes the requested 64-bit feature vector across the
// two 32-bit feature-select windows.
func (v *Device) negotiateFeatures(want uint64) {
	v.commonSet32(regDeviceFeatureSelect, 0)
	devLow := v.commonGet32(regDeviceFeature)
	v.commonSet32(regDeviceFeatureSelect, 1)
	devHigh := v.commonGet32(regDeviceFeature)

	device := uint64(devHigh)<<32 | uint64(devLow)
	accept := device & want

	v.commonSet32(regDriverFeatureSelect, 0)
	v.commonSet32(regDriverFeature, uint32(accept))
	v.commonSet32(regDriverFeatureSelect, 1)
	v.commonSet32(regDriverFeature, uint32(accept>>32))
}

// AckISR reads-and-discards the device's ISR status byte. Implemented
// for completeness of the transport surface; never called by the
// compositor's polling loop, which relies on used-ring polling instead.
func (v *Device) AckISR() byte {
	if v.caps.isrBase == 0 {
		return 0
	}
	return reg.Get8(v.caps.isrBase)
}

// DeviceConfig returns the absolute MMIO address of the device-specific
// configuration region, for use by device drivers (GPU scanout info,
// network MAC address, ...).
func (v *Device) DeviceConfig() uint64 {
	return v.caps.deviceBase
}
