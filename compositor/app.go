// Window launcher, decoration, drag, and close-on-right-click
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package compositor

import (
	"context"

	"github.com/tamago-wasm-os/kiosk/abi"
	"github.com/tamago-wasm-os/kiosk/wasmhost"
)

const (
	decoPadding  = 5
	decoFontH    = 8
	shadowOffset = 10
	alphaShadow  = 100
)

// guestHandle is the subset of *wasmhost.Guest the compositor drives;
// declaring it locally keeps the window-management state machine (and
// its tests) free of the wazero runtime.
type guestHandle interface {
	State() wasmhost.State
	Open()
	Close()
	SetRect(abi.Rect)
	UpdateInput(abi.InputState)
	Step(ctx context.Context) error
	Framebuffer() (pixels []byte, w, h uint32, ok bool)
}

// app couples a guest with its window geometry, launcher button, and
// drag/smoothing bookkeeping (SPEC_FULL.md §4.5 [ADD]).
type app struct {
	guest      guestHandle
	name       string
	launchRect rect
	winRect    rect

	grabbing bool
	grabDX   int64
	grabDY   int64

	timeUsed float64
}

// decoRect is the window decoration frame: a bar of decoFontH+2*decoPadding
// above the guest's client area plus a decoPadding border on the other
// three sides, enclosing the client area itself.
func (a *app) decoRect() rect {
	return rect{
		x0: a.winRect.x0 - decoPadding,
		y0: a.winRect.y0 - decoFontH - 2*decoPadding,
		w:  a.winRect.w + 2*decoPadding,
		h:  a.winRect.h + 3*decoPadding + decoFontH,
	}
}

// updateInteraction runs the launcher/drag/close state machine for one
// frame, mirroring the original implementation's update_apps: a launcher
// click opens a closed guest; a left-click drag anywhere inside decoRect
// (bar, border, or client area) moves the window; a right-click anywhere
// inside decoRect closes it.
func (a *app) updateInteraction(pointer *abi.PointerState) {
	px, py := pointer.X, pointer.Y

	if a.guest.State() != wasmhost.Open {
		if a.launchRect.contains(px, py) && pointer.LeftClickTrigger == 1 {
			a.guest.Open()
		}
		return
	}

	deco := a.decoRect()

	if a.grabbing {
		if pointer.LeftClicked == 1 {
			a.winRect.x0 = px - a.grabDX
			a.winRect.y0 = py - a.grabDY
		} else {
			a.grabbing = false
		}
		return
	}

	hover := deco.contains(px, py)
	switch {
	case hover && pointer.LeftClickTrigger == 1:
		a.grabbing = true
		a.grabDX = px - a.winRect.x0
		a.grabDY = py - a.winRect.y0
	case hover && pointer.RightClickTrigger == 1:
		a.guest.Close()
	}
}

// draw renders the decoration/shadow for an open app; the guest's own
// framebuffer is blitted separately by the compositor after step().
func (a *app) draw(fb surface, pointer *abi.PointerState) {
	deco := a.decoRect()

	shadow := rect{x0: deco.x0 + shadowOffset, y0: deco.y0 + shadowOffset, w: deco.w, h: deco.h}
	fb.blendRect(shadow, colorShadow)

	color := colorIdle
	if deco.contains(pointer.X, pointer.Y) {
		color = colorHover
	}
	fb.drawRect(deco, color)
}
