package capture

import (
	"testing"
)

func TestFrameSizeYUYVMatchesOriginalAlignment(t *testing.T) {
	b := NewV4L2Backend()
	bytes, bpp := b.FrameSize(Format{PixelFormat: fourCCYUYV, Width: 640, Height: 480})
	if bpp != 2 {
		t.Fatalf("bpp = %d, want 2 for YUYV", bpp)
	}
	wantStride := alignUp(640*2, 64)
	if bytes != wantStride*480 {
		t.Fatalf("frame size = %d, want %d (stride %d x height 480)", bytes, wantStride*480, wantStride)
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, align, want int }{
		{0, 64, 0},
		{1, 64, 64},
		{64, 64, 64},
		{65, 64, 128},
	}
	for _, c := range cases {
		if got := alignUp(c.n, c.align); got != c.want {
			t.Errorf("alignUp(%d,%d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}

func TestIsDevice(t *testing.T) {
	if !IsDevice("/dev/video0") {
		t.Fatal("expected /dev/video0 to match")
	}
	if IsDevice("/dev/videox") {
		t.Fatal("expected /dev/videox to not match")
	}
	if IsDevice("/dev/vbi0") {
		t.Fatal("expected /dev/vbi0 to not match the narrowed video-only pattern")
	}
}

func TestHALBackendUnsupportedWithoutSymbols(t *testing.T) {
	b := &HALBackend{devices: make(map[int]*halDevice)}
	if err := b.Open(0, "/does/not/matter"); err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
