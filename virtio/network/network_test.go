package network

import "testing"

func TestSendRejectsOversizedFrame(t *testing.T) {
	d := &Device{}

	err := d.Send(make([]byte, MaxFrameSize+1))
	if err == nil {
		t.Fatalf("Send with frame larger than MTU %d must fail", MaxFrameSize)
	}
}

func TestMaxFrameSizeIsBitExact(t *testing.T) {
	if MaxFrameSize != 1526 {
		t.Fatalf("MaxFrameSize = %d, want 1526", MaxFrameSize)
	}
}
