package wire

import "testing"

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	rec := Record{
		Type:   DQBuf,
		Device: 3,
		Index:  0,
		Format: Format{
			PixelFormat: 0x56595559, // YUYV fourcc
			Width:       640,
			Height:      480,
			Stride:      1280,
			Size:        640 * 480 * 2,
		},
		Buffer: BufferRef{Segment: 3, Index: 2},
	}

	b := Marshal(rec)
	if len(b) != Size {
		t.Fatalf("marshal: got %d bytes, want %d", len(b), Size)
	}

	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != rec {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
}

func TestUnmarshalWrongSize(t *testing.T) {
	if _, err := Unmarshal(make([]byte, Size-1)); err == nil {
		t.Fatal("expected error for truncated record")
	}
}

func TestRequestName(t *testing.T) {
	if RequestName(QBuf) != "QBuf" {
		t.Fatalf("unexpected name for QBuf: %s", RequestName(QBuf))
	}
	if RequestName(999) == "" {
		t.Fatal("expected a fallback name for unknown tag")
	}
}
