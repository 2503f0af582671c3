// Package shm manages the named shared-memory segments through which the
// broker hands capture buffers to clients. Only a buffer slot index crosses
// the control socket; the pixel bytes themselves live in one of these
// segments, mapped independently by the broker and by every subscribed
// client.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Name returns the POSIX shared-memory object name for a physical device,
// e.g. "camera_daemon_mem_0".
func Name(physicalID int) string {
	return fmt.Sprintf("camera_daemon_mem_%d", physicalID)
}

// pageAlign rounds n up to the next multiple of the system page size.
func pageAlign(n int) int {
	page := os.Getpagesize()
	if n%page == 0 {
		return n
	}
	return (n/page + 1) * page
}

// FrameSize returns the page-aligned per-slot frame size for a raw byte
// count, matching the original broker's ALIGN_UP(size, getpagesize()).
func FrameSize(rawBytes int) int {
	return pageAlign(rawBytes)
}

// Segment is a broker-side mapping of a device's shared-memory object. It
// owns the POSIX shm file for the segment's lifetime: created on first use,
// unlinked only on clean device shutdown.
type Segment struct {
	name       string
	frameSize  int
	bufferCnt  int
	file       *os.File
	data       []byte
}

// Create opens (creating if necessary) the backing shm file at
// /dev/shm/<name>, sized to bufferCount page-aligned frames, and maps it
// read-write with permissions 0666 so that unprivileged client VMs can map
// it too.
func Create(name string, frameSize, bufferCount int) (*Segment, error) {
	path := "/dev/shm/" + name
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("shm create %s: %w", name, err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm chmod %s: %w", name, err)
	}

	total := int64(frameSize) * int64(bufferCount)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm truncate %s: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm mmap %s: %w", name, err)
	}

	return &Segment{name: name, frameSize: frameSize, bufferCnt: bufferCount, file: f, data: data}, nil
}

// Name returns the segment's shm object name.
func (s *Segment) Name() string { return s.name }

// FrameSize returns the page-aligned per-slot size.
func (s *Segment) FrameSize() int { return s.frameSize }

// BufferCount returns the number of slots in this segment.
func (s *Segment) BufferCount() int { return s.bufferCnt }

// Slot returns the byte range in the mapped segment for buffer index k.
// The segment itself does no synchronization; the owning device worker is
// its only writer.
func (s *Segment) Slot(k int) []byte {
	off := k * s.frameSize
	return s.data[off : off+s.frameSize]
}

// Close unmaps the segment and closes the backing file descriptor without
// removing the shm object from the filesystem — used when only this
// process's mapping needs to go away.
func (s *Segment) Close() error {
	var errs []error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, err)
		}
		s.data = nil
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shm close %s: %v", s.name, errs)
	}
	return nil
}

// Unlink removes the shm object from /dev/shm. Called only on clean device
// shutdown, matching the stable-name-for-device-lifetime contract.
func (s *Segment) Unlink() error {
	if err := os.Remove("/dev/shm/" + s.name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm unlink %s: %w", s.name, err)
	}
	return nil
}
