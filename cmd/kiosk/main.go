// Boot entry point
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The kiosk command is the kernel entry point: it enumerates the VirtIO
// PCI devices, brings up the GPU/input/network drivers and the TCP stack,
// instantiates every registered WASM guest, and runs the compositor loop
// forever. It assumes UEFI boot services have already exited and handed
// off a flat, identity-mapped address space (spec.md §6 precondition);
// memory-map acquisition and page-table setup are out of scope here.
package main

import (
	"context"
	"log"

	"github.com/tamago-wasm-os/kiosk/abi"
	"github.com/tamago-wasm-os/kiosk/amd64"
	"github.com/tamago-wasm-os/kiosk/board/qemu/microvm"
	"github.com/tamago-wasm-os/kiosk/compositor"
	"github.com/tamago-wasm-os/kiosk/memory"
	"github.com/tamago-wasm-os/kiosk/netstack"
	"github.com/tamago-wasm-os/kiosk/pci"
	"github.com/tamago-wasm-os/kiosk/virtio"
	"github.com/tamago-wasm-os/kiosk/virtio/gpu"
	"github.com/tamago-wasm-os/kiosk/virtio/input"
	"github.com/tamago-wasm-os/kiosk/virtio/network"
	"github.com/tamago-wasm-os/kiosk/wasmhost"
)

// Display resolution: the lower of the two fixed choices the spec allows
// (spec.md §4.2); the compositor itself adapts to whatever the driver
// reports, this is just the mode requested at SET_SCANOUT time.
const (
	displayWidth  = 1366
	displayHeight = 768
)

const uartBase = 0x3f8

// console is the diagnostic serial port; wired as the standard log
// package's output the same way board/qemu's UART driver is used elsewhere in this
// tree.
var console = &microvm.UART{Base: uartBase}

// Apps lists the guest applications launched at boot. Individual guest
// applications (clock, cube, terminal, browser) are explicitly out of
// scope for this specification (spec.md §1 non-goals); this kernel only
// implements the host contract they run against, so the list is empty by
// default. A deployment embeds its own WASM binaries and appends
// compositor.AppSpec entries here before calling run().
var Apps []compositor.AppSpec

func init() {
	log.SetFlags(0)
	log.SetOutput(console)
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("kiosk: %v", err)
	}
}

func run() error {
	cpu := &amd64.CPU{}
	rtc := &microvm.RTC{}
	cpu.SetClockSource(rtc)
	cpu.Init()

	heap := &memory.Heap{}
	heap.Init(memory.DefaultSize)

	gpuDev, err := bindVirtio(gpu.VendorID, gpu.DeviceID)
	if err != nil {
		return err
	}
	gfx, err := gpu.New(gpuDev, heap)
	if err != nil {
		return err
	}
	fb, err := gfx.InitFramebuffer(heap, displayWidth, displayHeight)
	if err != nil {
		return err
	}
	w, h := gfx.Size()

	var inputs []*input.Device
	for _, pciDev := range pci.Enumerate() {
		if pciDev.VendorID != input.VendorID || pciDev.DeviceID != input.DeviceID {
			continue
		}
		vdev, err := virtio.New(pciDev)
		if err != nil {
			return err
		}
		dev, err := input.New(vdev, heap)
		if err != nil {
			return err
		}
		inputs = append(inputs, dev)
	}
	if len(inputs) == 0 {
		log.Printf("kiosk: no VirtIO input devices found")
	}

	netDev, err := bindVirtio(network.VendorID, network.DeviceID)
	if err != nil {
		return err
	}
	nic, err := network.New(netDev, heap)
	if err != nil {
		return err
	}
	tcp, err := netstack.New(nic)
	if err != nil {
		return err
	}

	ctx := context.Background()
	engine, err := wasmhost.New(ctx, tcp)
	if err != nil {
		return err
	}
	defer engine.Close()

	comp := compositor.New(gfx, fb, w, h, inputs, tcp, heap, cpu)

	for _, spec := range Apps {
		inState := &abi.InputState{}
		guest, err := engine.Instantiate(spec.Name, spec.WASM, inState)
		if err != nil {
			log.Printf("kiosk: failed to instantiate %s: %v", spec.Name, err)
			continue
		}
		comp.AddApp(spec, guest)
	}

	log.Printf("kiosk: boot complete, display %dx%d, %d input device(s), %d app(s)", w, h, len(inputs), len(Apps))

	return comp.Run(ctx)
}

// bindVirtio finds a PCI function by vendor/device ID and resolves its
// VirtIO capability windows. The device is left in RESET status; the
// device-specific constructor (gpu.New, input.New, network.New) runs the
// negotiation sequence and sets DRIVER_OK once its queues are built.
func bindVirtio(vendorID, deviceID uint16) (*virtio.Device, error) {
	pciDev, err := pci.Find(vendorID, deviceID)
	if err != nil {
		return nil, err
	}

	return virtio.New(pciDev)
}
