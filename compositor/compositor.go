// Single-threaded compositor main loop
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package compositor runs the per-frame sequence that polls the network
// stack, aggregates input, steps every open guest, and presents the
// result through the GPU driver (spec.md §4.5).
package compositor

import (
	"context"
	"log"

	"github.com/tamago-wasm-os/kiosk/abi"
	"github.com/tamago-wasm-os/kiosk/memory"
	"github.com/tamago-wasm-os/kiosk/netstack"
	"github.com/tamago-wasm-os/kiosk/virtio/gpu"
	"github.com/tamago-wasm-os/kiosk/virtio/input"
	"github.com/tamago-wasm-os/kiosk/wasmhost"
)

// FPSTarget and the frametime pacing/smoothing factors are bit-exact
// per the original implementation's FpsManager (spec.md §4.5).
const (
	FPSTarget = 60.0

	frametimeSmoothing = 0.8
	timeUsedSmoothing  = 0.9

	cursorSize = 5
)

// Clock supplies the millisecond wall-clock time and a busy-wait
// primitive, implemented by amd64.CPU in production.
type Clock interface {
	TimeMillis() float64
	SpinDelay(ms float64)
}

// AppSpec describes one launchable application.
type AppSpec struct {
	Name       string
	WASM       []byte
	LaunchRect abi.Rect
	InitRect   abi.Rect
}

// Compositor owns the display framebuffer, the input devices, the TCP
// stack, every instantiated guest, and the frame-pacing accumulator.
type Compositor struct {
	gpu    *gpu.GPU
	inputs []*input.Device
	tcp    *netstack.Stack
	clock  Clock
	heap   *memory.Heap

	fb     []byte
	width  int
	height int

	wallpaper []byte

	apps []*app

	snapshot abi.InputState

	smoothedFrametime float64

	// LimitFPS controls whether End-frame busy-waits to the target
	// budget; a compile-time constant in the original implementation,
	// exposed here as a field so tests can disable the busy-wait.
	LimitFPS bool

	// DebugOverlay toggles the optional per-frame heap-stats log line
	// (SPEC_FULL.md §4.6 [ADD]); it does not control the GPU
	// display-info probe.
	DebugOverlay bool
}

// New builds a Compositor bound to a GPU driver whose framebuffer was
// already created via InitFramebuffer, and the given input devices.
func New(g *gpu.GPU, fb []byte, w, h int, inputs []*input.Device, tcp *netstack.Stack, heap *memory.Heap, clock Clock) *Compositor {
	return &Compositor{
		gpu:       g,
		inputs:    inputs,
		tcp:       tcp,
		clock:     clock,
		heap:      heap,
		fb:        fb,
		width:     w,
		height:    h,
		wallpaper: make([]byte, w*h*4),
		LimitFPS:  true,
	}
}

// SetWallpaper replaces the background image blitted every frame; it
// must be exactly W*H*4 bytes.
func (c *Compositor) SetWallpaper(pix []byte) {
	if len(pix) != c.width*c.height*4 {
		log.Printf("compositor: wallpaper size %d != %d, ignoring", len(pix), c.width*c.height*4)
		return
	}
	c.wallpaper = pix
}

// AddApp registers an already-instantiated guest as a launchable
// application, closed by default.
func (c *Compositor) AddApp(spec AppSpec, guest guestHandle) {
	guest.SetRect(spec.InitRect)

	c.apps = append(c.apps, &app{
		guest:      guest,
		name:       spec.Name,
		launchRect: abiToRect(spec.LaunchRect),
		winRect:    abiToRect(spec.InitRect),
	})
}

func abiToRect(r abi.Rect) rect {
	return rect{x0: r.X0, y0: r.Y0, w: int64(r.W), h: int64(r.H)}
}

func rectToABI(r rect) abi.Rect {
	return abi.Rect{X0: r.x0, Y0: r.y0, W: uint32(r.w), H: uint32(r.h)}
}

// Run executes the compositor loop until ctx is cancelled or a frame
// fails (the network poll returned an error). Production boot calls this
// with context.Background(), so only a frame error ends it there.
func (c *Compositor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.frame(ctx); err != nil {
			return err
		}
	}
}

// frame runs exactly one iteration of the nine-step sequence in
// spec.md §4.5.
func (c *Compositor) frame(ctx context.Context) error {
	start := c.clock.TimeMillis()

	// 2. Poll network.
	if c.tcp != nil {
		if err := c.tcp.PollInterface(int64(start)); err != nil {
			return err
		}
	}

	// 3. Aggregate input.
	c.aggregateInput()

	// 4. Clear display.
	fb := surface{pix: c.fb, w: c.width, h: c.height}
	copy(c.fb, c.wallpaper)

	// 5. Step every open guest.
	for _, a := range c.apps {
		a.updateInteraction(&c.snapshot.Pointer)

		if a.guest.State() != wasmhost.Open {
			continue
		}

		a.draw(fb, &c.snapshot.Pointer)
		a.guest.SetRect(rectToABI(a.winRect))
		a.guest.UpdateInput(c.snapshot)

		t0 := c.clock.TimeMillis()
		if err := a.guest.Step(ctx); err != nil {
			log.Printf("compositor: guest %s step error: %v", a.name, err)
		}
		t1 := c.clock.TimeMillis()

		a.timeUsed = (1-timeUsedSmoothing)*(t1-t0) + timeUsedSmoothing*a.timeUsed

		if pix, w, h, ok := a.guest.Framebuffer(); ok {
			fb.blit(pix, int(w), int(h), a.winRect.x0, a.winRect.y0)
		}
	}

	// 6. Draw cursor.
	fb.drawRect(rect{x0: c.snapshot.Pointer.X, y0: c.snapshot.Pointer.Y, w: cursorSize, h: cursorSize}, colorWhite)

	// 7. FPS overlay.
	c.drawFPSOverlay(fb)

	// 8. End frame: pacing + smoothing.
	budget := 1000.0 / FPSTarget
	elapsed := c.clock.TimeMillis() - start

	if c.LimitFPS && elapsed < budget {
		c.clock.SpinDelay(budget - elapsed)
		elapsed = budget
	}
	c.smoothedFrametime = (1-frametimeSmoothing)*elapsed + frametimeSmoothing*c.smoothedFrametime

	// 9. GPU flush.
	c.gpu.Flush()

	return nil
}

// aggregateInput drains every VirtIO input device, decodes events into
// the shared snapshot, and recomputes the click-trigger edges by XORing
// current against the previous frame's held state (spec.md §4.5 step 3).
func (c *Compositor) aggregateInput() {
	c.snapshot.Events = [abi.MaxEvents]abi.OptionInputEvent{}
	c.snapshot.NextEventIndex = 0

	var all []input.Event
	for _, dev := range c.inputs {
		events, err := dev.Poll()
		if err != nil {
			log.Printf("compositor: input poll error: %v", err)
			continue
		}
		all = append(all, events...)
	}

	prevLeft, prevRight := c.snapshot.Pointer.LeftClicked, c.snapshot.Pointer.RightClicked

	input.Apply(all, int64(c.width), int64(c.height), &c.snapshot.Pointer, func(typ, code uint16, value uint32) {
		idx := c.snapshot.NextEventIndex
		if idx >= abi.MaxEvents {
			return
		}
		c.snapshot.Events[idx] = abi.OptionInputEvent{Present: 1, Type: typ, Code: code, Value: value}
		c.snapshot.NextEventIndex++
	})

	c.snapshot.Pointer.LeftClickTrigger = prevLeft ^ c.snapshot.Pointer.LeftClicked
	c.snapshot.Pointer.RightClickTrigger = prevRight ^ c.snapshot.Pointer.RightClicked
}

// fpsBarColor picks the frametime bar's color by budget fraction used:
// green under 50%, yellow under 75%, red above (spec.md §4.5 step 7).
func fpsBarColor(frac float64) Color {
	switch {
	case frac >= 0.75:
		return colorRed
	case frac >= 0.5:
		return colorYellow
	default:
		return colorGreen
	}
}

func (c *Compositor) drawFPSOverlay(fb surface) {
	const barWidth = 200
	const barHeight = 10
	const barX, barY = 10, 10

	budget := 1000.0 / FPSTarget
	frac := c.smoothedFrametime / budget
	color := fpsBarColor(frac)

	used := int64(frac * barWidth)
	if used > barWidth {
		used = barWidth
	}
	if used < 0 {
		used = 0
	}

	fb.drawRect(rect{x0: barX, y0: barY, w: used, h: barHeight}, color)

	if c.DebugOverlay && c.heap != nil {
		stats := c.heap.Stats()
		log.Printf("heap: total=%d allocated=%d reclaimable=%d lost=%d free_blocks=%d",
			stats.Total, stats.Allocated, stats.Reclaimable, stats.Lost, stats.FreeBlocks)
	}
}
