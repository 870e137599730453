package input

import (
	"testing"

	"github.com/tamago-wasm-os/kiosk/abi"
)

func TestApplyLeftClickEdge(t *testing.T) {
	var p abi.PointerState

	Apply([]Event{{Type: EV_KEY, Code: BTN_MOUSE_LEFT, Value: 1}}, 800, 600, &p, nil)
	if p.LeftClicked != 1 {
		t.Fatalf("LeftClicked = %d, want 1 after press", p.LeftClicked)
	}

	Apply([]Event{{Type: EV_KEY, Code: BTN_MOUSE_LEFT, Value: 0}}, 800, 600, &p, nil)
	if p.LeftClicked != 0 {
		t.Fatalf("LeftClicked = %d, want 0 after release", p.LeftClicked)
	}
}

func TestApplyRelMotionClamped(t *testing.T) {
	p := abi.PointerState{X: 799, Y: 0}

	Apply([]Event{{Type: EV_REL, Code: RelX, Value: 10}}, 800, 600, &p, nil)

	if p.X != 799 {
		t.Fatalf("X = %d, want clamped to 799 (screen_w-1)", p.X)
	}
}

func TestApplyOtherKeyInvokesCallback(t *testing.T) {
	var p abi.PointerState
	var gotType, gotCode uint16
	var gotValue uint32

	Apply([]Event{{Type: EV_KEY, Code: 30, Value: 1}}, 800, 600, &p, func(typ, code uint16, value uint32) {
		gotType, gotCode, gotValue = typ, code, value
	})

	if gotType != EV_KEY || gotCode != 30 || gotValue != 1 {
		t.Fatalf("callback got (%d,%d,%d), want (%d,30,1)", gotType, gotCode, gotValue, uint16(EV_KEY))
	}
}

func TestApplySynIgnored(t *testing.T) {
	p := abi.PointerState{X: 5, Y: 5}
	Apply([]Event{{Type: EV_SYN}}, 800, 600, &p, func(uint16, uint16, uint32) {
		t.Fatalf("EV_SYN must not reach the key callback")
	})
	if p.X != 5 || p.Y != 5 {
		t.Fatalf("EV_SYN must not mutate pointer state")
	}
}
