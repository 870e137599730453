package compositor

import "testing"

func TestFPSBarColorThresholds(t *testing.T) {
	cases := []struct {
		frac float64
		want Color
	}{
		{0.0, colorGreen},
		{0.49, colorGreen},
		{0.5, colorYellow},
		{0.74, colorYellow},
		{0.75, colorRed},
		{1.5, colorRed},
	}

	for _, tc := range cases {
		if got := fpsBarColor(tc.frac); got != tc.want {
			t.Fatalf("fpsBarColor(%.2f) = %+v, want %+v", tc.frac, got, tc.want)
		}
	}
}

func TestAbiRectRoundTrip(t *testing.T) {
	r := rect{x0: 10, y0: -5, w: 200, h: 100}
	if got := abiToRect(rectToABI(r)); got != r {
		t.Fatalf("rect round-trip = %+v, want %+v", got, r)
	}
}
