// VirtIO GPU driver
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package gpu drives a VirtIO GPU device over a single controlq: resource
// creation, backing attachment, scanout binding, and the
// transfer-then-flush pair issued once per compositor frame.
package gpu

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/tamago-wasm-os/kiosk/memory"
	"github.com/tamago-wasm-os/kiosk/virtio"
)

// VendorID and DeviceID identify a VirtIO GPU device on the PCI bus
// (VirtIO 1.1 §5.7, transitional device id 16 -> 0x1050).
const (
	VendorID = 0x1af4
	DeviceID = 0x1050
)

// Command types (VirtIO 1.1 §5.7.6).
const (
	cmdGetDisplayInfo       = 0x0100
	cmdResourceCreate2D     = 0x0101
	cmdResourceUnref        = 0x0102
	cmdSetScanout           = 0x0103
	cmdResourceFlush        = 0x0104
	cmdTransferToHost2D     = 0x0105
	cmdResourceAttachBacking = 0x0106

	respOKNodata       = 0x1100
	respOKDisplayInfo  = 0x1101
)

// FormatR8G8B8A8 is the only resource format this driver creates: 32-bit
// pixels, little-endian, R in the low byte (spec.md §4.2, §4.6).
const FormatR8G8B8A8 = 67

const maxScanouts = 16

// ctrlHdrSize is the wire size of the shared control header:
// type(4) + flags(4) + fence_id(8) + ctx_id(4) + ring_idx(1) + padding(3).
const ctrlHdrSize = 24

// ctrlBufSize is the controlq's fixed per-descriptor bounce buffer
// capacity, sized for the largest message exchanged on it: the
// GET_DISPLAY_INFO response (header + one pmodeentry per scanout).
const ctrlBufSize = ctrlHdrSize + maxScanouts*24

// GPU is a VirtIO GPU device bound to its controlq and owning the
// driver-side framebuffer.
type GPU struct {
	dev  *virtio.Device
	ctrl *virtio.Queue

	resourceID uint32
	width      int
	height     int

	// fbAddr/fb are the physical address and byte view of the
	// driver-side framebuffer, allocated from the shared heap and
	// registered with the device via RESOURCE_ATTACH_BACKING.
	fbAddr uint64
	fb     []byte

	// probeDisplayInfo issues GET_DISPLAY_INFO once at boot as an
	// unexercised-by-default diagnostic (SPEC_FULL.md §4.2 [ADD]).
	probeDisplayInfo bool
}

// Option configures optional boot diagnostics.
type Option func(*GPU)

// WithDisplayInfoProbe enables the optional GET_DISPLAY_INFO boot call.
func WithDisplayInfoProbe() Option {
	return func(g *GPU) { g.probeDisplayInfo = true }
}

// New negotiates the device, builds controlq (index 0, N=64), and leaves
// the device DRIVER_OK with no resource yet created.
func New(d *virtio.Device, heap *memory.Heap, opts ...Option) (*GPU, error) {
	if err := d.Init(); err != nil {
		return nil, fmt.Errorf("gpu: init: %w", err)
	}

	ctrl, err := d.InitQueue(heap, 0, 64, ctrlBufSize)
	if err != nil {
		return nil, fmt.Errorf("gpu: controlq: %w", err)
	}

	d.DriverOK()

	g := &GPU{dev: d, ctrl: ctrl}
	for _, opt := range opts {
		opt(g)
	}

	if g.probeDisplayInfo {
		if err := g.getDisplayInfo(); err != nil {
			return nil, fmt.Errorf("gpu: display info probe: %w", err)
		}
	}

	return g, nil
}

func putHdr(buf []byte, cmdType uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], cmdType)
}

func ctrlHdrType(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[0:4])
}

// command issues a synchronous request/response exchange and verifies the
// response header type equals want, panicking on mismatch per the
// transport's boot-fatal failure semantics (spec.md §4.1, §4.2).
func (g *GPU) command(req []byte, want uint32) []byte {
	respLen := ctrlHdrSize
	if want == respOKDisplayInfo {
		respLen = ctrlHdrSize + maxScanouts*24
	}
	resp := make([]byte, respLen)

	if _, err := g.ctrl.SyncCommand([]virtio.Segment{{In: req}, {Out: resp}}); err != nil {
		panic(fmt.Sprintf("gpu: command failed: %v", err))
	}

	if got := ctrlHdrType(resp); got != want {
		panic(fmt.Sprintf("gpu: unexpected response type %#x, want %#x", got, want))
	}

	return resp
}

// getDisplayInfo is the optional boot diagnostic: it logs the host's
// reported scanout geometry and is never relied on for the main flow,
// which always reads (w, h) from InitFramebuffer's caller.
func (g *GPU) getDisplayInfo() error {
	req := make([]byte, ctrlHdrSize)
	putHdr(req, cmdGetDisplayInfo)

	resp := g.command(req, respOKDisplayInfo)

	// one 24-byte entry per scanout: rect x, y, w, h, then enabled, flags
	for i := 0; i < maxScanouts; i++ {
		off := ctrlHdrSize + i*24
		if binary.LittleEndian.Uint32(resp[off+16:off+20]) == 0 {
			continue
		}
		log.Printf("gpu: scanout %d: %dx%d", i,
			binary.LittleEndian.Uint32(resp[off+8:off+12]),
			binary.LittleEndian.Uint32(resp[off+12:off+16]))
	}

	return nil
}

// InitFramebuffer allocates a W*H*4 byte framebuffer from heap, issues
// RESOURCE_CREATE_2D / RESOURCE_ATTACH_BACKING / SET_SCANOUT for resource
// id 1 bound to scanout 0, and returns the writable pixel buffer.
func (g *GPU) InitFramebuffer(heap *memory.Heap, w, h int) ([]byte, error) {
	size := w * h * 4

	addr, buf, err := heap.Alloc(size, 4096)
	if err != nil {
		return nil, fmt.Errorf("gpu: framebuffer alloc: %w", err)
	}

	g.resourceID = 1
	g.width, g.height = w, h
	g.fbAddr, g.fb = uint64(addr), buf

	create := make([]byte, ctrlHdrSize+16)
	putHdr(create, cmdResourceCreate2D)
	binary.LittleEndian.PutUint32(create[24:28], g.resourceID)
	binary.LittleEndian.PutUint32(create[28:32], FormatR8G8B8A8)
	binary.LittleEndian.PutUint32(create[32:36], uint32(w))
	binary.LittleEndian.PutUint32(create[36:40], uint32(h))
	g.command(create, respOKNodata)

	attach := make([]byte, ctrlHdrSize+8+16)
	putHdr(attach, cmdResourceAttachBacking)
	binary.LittleEndian.PutUint32(attach[24:28], g.resourceID)
	binary.LittleEndian.PutUint32(attach[28:32], 1)
	binary.LittleEndian.PutUint64(attach[32:40], uint64(addr))
	binary.LittleEndian.PutUint32(attach[40:44], uint32(size))
	g.command(attach, respOKNodata)

	scanout := make([]byte, ctrlHdrSize+24)
	putHdr(scanout, cmdSetScanout)
	binary.LittleEndian.PutUint32(scanout[24:28], 0)
	binary.LittleEndian.PutUint32(scanout[28:32], 0)
	binary.LittleEndian.PutUint32(scanout[32:36], uint32(w))
	binary.LittleEndian.PutUint32(scanout[36:40], uint32(h))
	binary.LittleEndian.PutUint32(scanout[40:44], 0) // scanout_id
	binary.LittleEndian.PutUint32(scanout[44:48], g.resourceID)
	g.command(scanout, respOKNodata)

	return buf, nil
}

// Flush issues TRANSFER_TO_HOST_2D followed by RESOURCE_FLUSH over the
// full surface rectangle, presenting whatever the compositor wrote into
// the framebuffer this frame.
func (g *GPU) Flush() {
	transfer := make([]byte, ctrlHdrSize+24+8+4)
	putHdr(transfer, cmdTransferToHost2D)
	binary.LittleEndian.PutUint32(transfer[24:28], 0)
	binary.LittleEndian.PutUint32(transfer[28:32], 0)
	binary.LittleEndian.PutUint32(transfer[32:36], uint32(g.width))
	binary.LittleEndian.PutUint32(transfer[36:40], uint32(g.height))
	binary.LittleEndian.PutUint64(transfer[40:48], 0)
	binary.LittleEndian.PutUint32(transfer[48:52], g.resourceID)
	g.command(transfer, respOKNodata)

	flush := make([]byte, ctrlHdrSize+24)
	putHdr(flush, cmdResourceFlush)
	binary.LittleEndian.PutUint32(flush[24:28], 0)
	binary.LittleEndian.PutUint32(flush[28:32], 0)
	binary.LittleEndian.PutUint32(flush[32:36], uint32(g.width))
	binary.LittleEndian.PutUint32(flush[36:40], uint32(g.height))
	binary.LittleEndian.PutUint32(flush[40:44], g.resourceID)
	g.command(flush, respOKNodata)
}

// Size returns the negotiated display resolution.
func (g *GPU) Size() (w, h int) { return g.width, g.height }
