package gpu

import "testing"

func TestCtrlHdrRoundTrip(t *testing.T) {
	buf := make([]byte, ctrlHdrSize)
	putHdr(buf, cmdResourceCreate2D)

	if got := ctrlHdrType(buf); got != cmdResourceCreate2D {
		t.Fatalf("ctrlHdrType() = %#x, want %#x", got, cmdResourceCreate2D)
	}
}

func TestFormatIsR8G8B8A8(t *testing.T) {
	if FormatR8G8B8A8 != 67 {
		t.Fatalf("FormatR8G8B8A8 = %d, want 67 (spec.md bit-exact resource format code)", FormatR8G8B8A8)
	}
}
