// VirtIO-over-PCI capability resolution
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"fmt"

	"github.com/tamago-wasm-os/kiosk/pci"
)

// VirtIO PCI capability cfg_type values (VirtIO 1.1 §4.1.4).
const (
	cfgCommon = 1
	cfgNotify = 2
	cfgISR    = 3
	cfgDevice = 4
	cfgPCI    = 5

	virtioCapVendor = 0x09
)

// capabilities holds the three (plus ISR) capability-resolved MMIO
// windows a VirtIO-over-PCI device exposes.
type capabilities struct {
	commonBase uint64
	commonLen  uint32

	notifyBase uint64
	notifyLen  uint32
	notifyMult uint32

	deviceBase uint64
	deviceLen  uint32

	isrBase uint64
}

// resolveCapabilities walks the PCI capability list looking for the
// vendor-specific (0x09) VirtIO structure capabilities and resolves each
// into an absolute MMIO address via its declared BAR.
func resolveCapabilities(d *pci.Device) (*capabilities, error) {
	caps := &capabilities{}

	for _, c := range d.Capabilities {
		if c.Vendor != virtioCapVendor {
			continue
		}

		cfgType := uint8((d.ReadConfig(c.Offset) >> 24) & 0xff)
		barIdx := uint8(d.ReadConfig(c.Offset+4) & 0xff)
		barOffset := d.ReadConfig(c.Offset + 8)
		length := d.ReadConfig(c.Offset + 12)

		bar, ok := d.Bars[int(barIdx)]
		if !ok {
			continue
		}

		absAddr := bar.BaseAddr + uint64(barOffset)

		switch cfgType {
		case cfgCommon:
			caps.commonBase, caps.commonLen = absAddr, length
		case cfgNotify:
			caps.notifyBase, caps.notifyLen = absAddr, length
			caps.notifyMult = d.ReadConfig(c.Offset + 16)
		case cfgDevice:
			caps.deviceBase, caps.deviceLen = absAddr, length
		case cfgISR:
			caps.isrBase = absAddr
		}
	}

	if caps.commonBase == 0 {
		return nil, fmt.Errorf("%w: no COMMON_CFG capability", ErrBadStatus)
	}
	if caps.notifyBase == 0 {
		return nil, fmt.Errorf("%w: no NOTIFY_CFG capability", ErrBadStatus)
	}

	return caps, nil
}
