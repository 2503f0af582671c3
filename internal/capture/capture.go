// Package capture exposes a uniform capability set over physical capture
// devices, implemented either through V4L2 kernel ioctls or a dynamically
// loaded vendor HAL. A Backend owns its device file descriptors and is safe
// to call only from the device worker goroutine that serializes access to
// a given device id.
package capture

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by a HAL backend operation whose symbol was not
// published by the loaded shared object.
var ErrUnsupported = errors.New("capture: operation unsupported by backend")

// DequeueTimeout bounds how long Dequeue blocks waiting for a frame before
// reporting a transient timeout.
const DequeueTimeout = 2 * time.Second

// Format is the negotiated (or proposed) stream format for a device.
type Format struct {
	PixelFormat uint32
	Width       uint32
	Height      uint32
	Stride      uint32
	Size        uint32
	Field       uint32
}

// Backend is the capability set every capture implementation exposes. Device
// ids are the broker's physical device identifiers; a single Backend
// instance multiplexes every device of its kind.
type Backend interface {
	// Open acquires the device handle at devnode for id.
	Open(id int, devnode string) error
	// Close releases the device handle for id.
	Close(id int) error
	// ConfigureSensor selects the sensor/input index for id.
	ConfigureSensor(id int, input int) error
	// ConfigureStreams negotiates the stream format for id, returning the
	// format the device actually granted.
	ConfigureStreams(id int, format Format) (Format, error)
	// RequestBuffers allocates count driver-side buffers for id and returns
	// the count actually granted.
	RequestBuffers(id int, count int) (int, error)
	// Queue submits buffer slot back to the driver for id.
	Queue(id int, slot int) error
	// Dequeue blocks until a filled buffer is ready for id (or DequeueTimeout
	// elapses) and returns its slot index. The driver's buffer for that slot
	// stays valid and unmodified until the caller either calls CopyFrame or
	// re-Queues it, so a caller that does not yet know its destination shm
	// slot may resolve it after Dequeue returns.
	Dequeue(id int) (slot int, err error)
	// CopyFrame copies the bytes currently held in the driver's buffer for
	// slot into dst and returns the byte count written. Must be called after
	// Dequeue(id) returns slot and before Queue(id, slot) re-submits it.
	CopyFrame(id int, slot int, dst []byte) (n int, err error)
	// Start begins streaming for id.
	Start(id int) error
	// Stop ends streaming for id.
	Stop(id int) error
	// FrameSize computes the raw (pre-page-alignment) byte size and
	// bytes-per-pixel for a format.
	FrameSize(format Format) (bytes int, bpp int)
}
