package shm

import (
	"fmt"
	"os"
	"testing"
)

func TestFrameSizePageAligned(t *testing.T) {
	page := os.Getpagesize()
	got := FrameSize(640 * 480 * 2)
	if got%page != 0 {
		t.Fatalf("FrameSize(%d) = %d, not a multiple of page size %d", 640*480*2, got, page)
	}
	if got < 640*480*2 {
		t.Fatalf("FrameSize(%d) = %d, smaller than raw size", 640*480*2, got)
	}
}

func TestCreateWriteReadUnlink(t *testing.T) {
	name := fmt.Sprintf("camera_broker_test_%d", os.Getpid())
	seg, err := Create(name, FrameSize(64), 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer func() {
		_ = seg.Close()
		_ = seg.Unlink()
	}()

	if seg.BufferCount() != 4 {
		t.Fatalf("BufferCount = %d, want 4", seg.BufferCount())
	}

	slot := seg.Slot(1)
	slot[0] = 0xAB
	if seg.Slot(1)[0] != 0xAB {
		t.Fatal("write to slot not visible through a fresh Slot() call")
	}
	if seg.Slot(0)[0] == 0xAB {
		t.Fatal("slot 0 should be unaffected by a write to slot 1")
	}
}

func TestNameDerivedFromPhysicalID(t *testing.T) {
	if got := Name(0); got != "camera_daemon_mem_0" {
		t.Fatalf("Name(0) = %q, want camera_daemon_mem_0", got)
	}
}
