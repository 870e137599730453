package compositor

import (
	"context"

	"github.com/tamago-wasm-os/kiosk/abi"
	"github.com/tamago-wasm-os/kiosk/wasmhost"
	"testing"
)

type fakeGuest struct {
	state wasmhost.State
}

func (f *fakeGuest) State() wasmhost.State { return f.state }
func (f *fakeGuest) Open()                 { f.state = wasmhost.Open }
func (f *fakeGuest) Close()                { f.state = wasmhost.Closed }
func (f *fakeGuest) SetRect(abi.Rect)       {}
func (f *fakeGuest) UpdateInput(abi.InputState) {}
func (f *fakeGuest) Step(context.Context) error { return nil }
func (f *fakeGuest) Framebuffer() ([]byte, uint32, uint32, bool) { return nil, 0, 0, false }

func TestLauncherClickOpensClosedGuest(t *testing.T) {
	a := &app{
		guest:      &fakeGuest{state: wasmhost.Closed},
		launchRect: rect{x0: 0, y0: 0, w: 50, h: 20},
	}

	p := &abi.PointerState{X: 10, Y: 10, LeftClickTrigger: 1}
	a.updateInteraction(p)

	if a.guest.State() != wasmhost.Open {
		t.Fatalf("launcher click must open a closed guest, got %v", a.guest.State())
	}
}

func TestLauncherClickIgnoredWithoutTrigger(t *testing.T) {
	a := &app{
		guest:      &fakeGuest{state: wasmhost.Closed},
		launchRect: rect{x0: 0, y0: 0, w: 50, h: 20},
	}

	p := &abi.PointerState{X: 10, Y: 10, LeftClicked: 1, LeftClickTrigger: 0}
	a.updateInteraction(p)

	if a.guest.State() != wasmhost.Closed {
		t.Fatalf("held click (not a trigger edge) must not open the guest")
	}
}

func TestDecorationDragMovesWindow(t *testing.T) {
	a := &app{
		guest:   &fakeGuest{state: wasmhost.Open},
		winRect: rect{x0: 100, y0: 100, w: 200, h: 150},
	}
	deco := a.decoRect()

	grabX, grabY := deco.x0+1, deco.y0+1
	p := &abi.PointerState{X: grabX, Y: grabY, LeftClickTrigger: 1, LeftClicked: 1}
	a.updateInteraction(p)
	if !a.grabbing {
		t.Fatalf("click on decoration bar must start a drag")
	}

	p2 := &abi.PointerState{X: grabX + 30, Y: grabY + 40, LeftClicked: 1}
	a.updateInteraction(p2)

	if a.winRect.x0 != 100+30 || a.winRect.y0 != 100+40 {
		t.Fatalf("winRect = (%d,%d), want (%d,%d)", a.winRect.x0, a.winRect.y0, 130, 140)
	}

	p3 := &abi.PointerState{X: grabX + 30, Y: grabY + 40, LeftClicked: 0}
	a.updateInteraction(p3)
	if a.grabbing {
		t.Fatalf("releasing the mouse button must end the drag")
	}
}

func TestRightClickOnDecorationCloses(t *testing.T) {
	a := &app{
		guest:   &fakeGuest{state: wasmhost.Open},
		winRect: rect{x0: 100, y0: 100, w: 200, h: 150},
	}
	deco := a.decoRect()

	p := &abi.PointerState{X: deco.x0 + 1, Y: deco.y0 + 1, RightClickTrigger: 1}
	a.updateInteraction(p)

	if a.guest.State() != wasmhost.Closed {
		t.Fatalf("right-click on decoration must close the guest, got %v", a.guest.State())
	}
}
