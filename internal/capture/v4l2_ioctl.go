package capture

// #include <linux/videodev2.h>
import "C"

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// Pixel format fourcc codes the V4L2 backend recognizes, read directly out
// of the kernel header so they always match the running kernel's ABI.
const (
	fourCCYUYV  uint32 = C.V4L2_PIX_FMT_YUYV
	fourCCYYUV  uint32 = C.V4L2_PIX_FMT_YYUV
	fourCCYVYU  uint32 = C.V4L2_PIX_FMT_YVYU
	fourCCUYVY  uint32 = C.V4L2_PIX_FMT_UYVY
	fourCCVYUY  uint32 = C.V4L2_PIX_FMT_VYUY
	fourCCRGB24 uint32 = C.V4L2_PIX_FMT_RGB24
	fourCCGrey  uint32 = C.V4L2_PIX_FMT_GREY
	fourCCMJPEG uint32 = C.V4L2_PIX_FMT_MJPEG
	fourCCJPEG  uint32 = C.V4L2_PIX_FMT_JPEG
)

// PixelFormatByName maps the scenario document's human-readable pixel
// format names to their V4L2 fourcc codes, for internal/config to resolve
// a phy_camera's "format" string.
var PixelFormatByName = map[string]uint32{
	"YUYV":  fourCCYUYV,
	"YYUV":  fourCCYYUV,
	"YVYU":  fourCCYVYU,
	"UYVY":  fourCCUYVY,
	"VYUY":  fourCCVYUY,
	"RGB24": fourCCRGB24,
	"GREY":  fourCCGrey,
	"MJPEG": fourCCMJPEG,
	"JPEG":  fourCCJPEG,
}

func v4l2BytesPerPixel(pixFmt uint32) int {
	switch pixFmt {
	case fourCCYUYV, fourCCYYUV, fourCCYVYU, fourCCUYVY, fourCCVYUY:
		return 2
	case fourCCRGB24:
		return 3
	case fourCCGrey:
		return 1
	default:
		return 2
	}
}

// v4l2Ioctl sends a single ioctl request to the kernel, retrying on EINTR.
func v4l2Ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := sys.Syscall(sys.SYS_IOCTL, fd, req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case sys.EINTR:
			continue
		default:
			return errno
		}
	}
}

func v4l2Open(devnode string) (uintptr, error) {
	fd, err := sys.Openat(sys.AT_FDCWD, devnode, sys.O_RDWR|sys.O_NONBLOCK, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", devnode, err)
	}
	return uintptr(fd), nil
}

func v4l2Close(fd uintptr) error {
	return sys.Close(int(fd))
}

// v4l2SetFormat issues VIDIOC_S_FMT with f, then reads back what the driver
// actually granted via VIDIOC_G_FMT.
func v4l2SetFormat(fd uintptr, f Format) (Format, error) {
	var req C.struct_v4l2_format
	req._type = C.V4L2_BUF_TYPE_VIDEO_CAPTURE
	pix := (*C.struct_v4l2_pix_format)(unsafe.Pointer(&req.fmt[0]))
	pix.width = C.__u32(f.Width)
	pix.height = C.__u32(f.Height)
	pix.pixelformat = C.__u32(f.PixelFormat)
	pix.field = C.__u32(f.Field)
	pix.bytesperline = C.__u32(f.Stride)
	pix.sizeimage = C.__u32(f.Size)

	if err := v4l2Ioctl(fd, uintptr(C.VIDIOC_S_FMT), unsafe.Pointer(&req)); err != nil {
		return Format{}, fmt.Errorf("set format: %w", err)
	}
	return v4l2GetFormat(fd)
}

func v4l2GetFormat(fd uintptr) (Format, error) {
	var req C.struct_v4l2_format
	req._type = C.V4L2_BUF_TYPE_VIDEO_CAPTURE
	if err := v4l2Ioctl(fd, uintptr(C.VIDIOC_G_FMT), unsafe.Pointer(&req)); err != nil {
		return Format{}, fmt.Errorf("get format: %w", err)
	}
	pix := (*C.struct_v4l2_pix_format)(unsafe.Pointer(&req.fmt[0]))
	return Format{
		PixelFormat: uint32(pix.pixelformat),
		Width:       uint32(pix.width),
		Height:      uint32(pix.height),
		Stride:      uint32(pix.bytesperline),
		Size:        uint32(pix.sizeimage),
		Field:       uint32(pix.field),
	}, nil
}

// v4l2BufInfo is the subset of struct v4l2_buffer the broker needs: which
// slot a driver buffer lives at, where it's mapped, and how many bytes of
// it the driver last filled in.
type v4l2BufInfo struct {
	index     uint32
	offset    uint32
	length    uint32
	bytesUsed uint32
}

func v4l2RequestBuffers(fd uintptr, count int) (int, error) {
	var req C.struct_v4l2_requestbuffers
	req.count = C.__u32(count)
	req._type = C.V4L2_BUF_TYPE_VIDEO_CAPTURE
	req.memory = C.V4L2_MEMORY_MMAP
	if err := v4l2Ioctl(fd, uintptr(C.VIDIOC_REQBUFS), unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("request buffers: %w", err)
	}
	if req.count < 1 {
		return 0, errors.New("request buffers: device granted none")
	}
	return int(req.count), nil
}

func v4l2QueryBuffer(fd uintptr, index int) (v4l2BufInfo, error) {
	var buf C.struct_v4l2_buffer
	buf._type = C.V4L2_BUF_TYPE_VIDEO_CAPTURE
	buf.memory = C.V4L2_MEMORY_MMAP
	buf.index = C.__u32(index)
	if err := v4l2Ioctl(fd, uintptr(C.VIDIOC_QUERYBUF), unsafe.Pointer(&buf)); err != nil {
		return v4l2BufInfo{}, fmt.Errorf("query buffer %d: %w", index, err)
	}
	offset := *(*C.__u32)(unsafe.Pointer(&buf.m[0]))
	return v4l2BufInfo{index: uint32(buf.index), offset: uint32(offset), length: uint32(buf.length)}, nil
}

func v4l2QueueBuffer(fd uintptr, index int) error {
	var buf C.struct_v4l2_buffer
	buf._type = C.V4L2_BUF_TYPE_VIDEO_CAPTURE
	buf.memory = C.V4L2_MEMORY_MMAP
	buf.index = C.__u32(index)
	if err := v4l2Ioctl(fd, uintptr(C.VIDIOC_QBUF), unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("queue buffer %d: %w", index, err)
	}
	return nil
}

func v4l2DequeueBuffer(fd uintptr) (v4l2BufInfo, error) {
	var buf C.struct_v4l2_buffer
	buf._type = C.V4L2_BUF_TYPE_VIDEO_CAPTURE
	buf.memory = C.V4L2_MEMORY_MMAP
	if err := v4l2Ioctl(fd, uintptr(C.VIDIOC_DQBUF), unsafe.Pointer(&buf)); err != nil {
		return v4l2BufInfo{}, fmt.Errorf("dequeue buffer: %w", err)
	}
	return v4l2BufInfo{index: uint32(buf.index), bytesUsed: uint32(buf.bytesused)}, nil
}

func v4l2MapBuffer(fd uintptr, offset int64, length int) ([]byte, error) {
	data, err := sys.Mmap(int(fd), offset, length, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap buffer: %w", err)
	}
	return data, nil
}

func v4l2UnmapBuffer(buf []byte) error {
	return sys.Munmap(buf)
}

func v4l2StreamOn(fd uintptr) error {
	bufType := C.int(C.V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := v4l2Ioctl(fd, uintptr(C.VIDIOC_STREAMON), unsafe.Pointer(&bufType)); err != nil {
		return fmt.Errorf("stream on: %w", err)
	}
	return nil
}

func v4l2StreamOff(fd uintptr) error {
	bufType := C.int(C.V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := v4l2Ioctl(fd, uintptr(C.VIDIOC_STREAMOFF), unsafe.Pointer(&bufType)); err != nil {
		return fmt.Errorf("stream off: %w", err)
	}
	return nil
}

// v4l2WaitReadable blocks until fd has a filled buffer ready or timeout
// elapses.
func v4l2WaitReadable(fd uintptr, timeout time.Duration) error {
	tv := sys.NsecToTimeval(timeout.Nanoseconds())
	var set sys.FdSet
	set.Set(int(fd))
	for {
		n, err := sys.Select(int(fd)+1, &set, nil, nil, &tv)
		switch {
		case n < 0 && err == sys.EINTR:
			continue
		case n < 0:
			return err
		case n == 0:
			return errors.New("wait for device read: timed out")
		default:
			return nil
		}
	}
}
