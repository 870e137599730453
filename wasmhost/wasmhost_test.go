package wasmhost

import (
	"testing"
	"unsafe"

	"github.com/tamago-wasm-os/kiosk/abi"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Uninstantiated: "uninstantiated",
		Instantiated:   "instantiated",
		Open:           "open",
		Closed:         "closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestGuestOpenCloseLifecycle(t *testing.T) {
	g := &Guest{store: &Store{state: Instantiated}}

	g.Open()
	if g.State() != Open {
		t.Fatalf("Open() from Instantiated = %v, want Open", g.State())
	}

	g.Close()
	if g.State() != Closed {
		t.Fatalf("Close() from Open = %v, want Closed", g.State())
	}

	g.Open()
	if g.State() != Open {
		t.Fatalf("Open() from Closed = %v, want Open", g.State())
	}
}

func TestStepOnClosedGuestFails(t *testing.T) {
	g := &Guest{store: &Store{state: Closed}}
	if err := g.Step(nil); err != ErrNotOpen {
		t.Fatalf("Step() on Closed guest = %v, want ErrNotOpen", err)
	}
}

func TestUpdateInputCopiesIntoStore(t *testing.T) {
	stored := &abi.InputState{}
	g := &Guest{store: &Store{state: Open, input: stored}}

	in := abi.InputState{}
	in.Pointer.X, in.Pointer.Y = 42, 7
	g.UpdateInput(in)

	if stored.Pointer.X != 42 || stored.Pointer.Y != 7 {
		t.Fatalf("UpdateInput did not copy into the store's input, got %+v", stored.Pointer)
	}
}

func TestStructBytesMatchesABISizes(t *testing.T) {
	var input abi.InputState
	if n := len(structBytes(unsafe.Pointer(&input), unsafe.Sizeof(input))); n != 440 {
		t.Fatalf("InputState structBytes length = %d, want 440", n)
	}

	var rect abi.Rect
	if n := len(structBytes(unsafe.Pointer(&rect), unsafe.Sizeof(rect))); n != 24 {
		t.Fatalf("Rect structBytes length = %d, want 24", n)
	}
}
