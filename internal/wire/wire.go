// Package wire defines the fixed-layout request/response record exchanged
// between a client session and the broker over the control socket. Layout
// is encoded explicitly with encoding/binary rather than relied upon from Go
// struct memory layout, since the two ends of the wire are independently
// compiled programs and must agree on byte order and field offsets without
// sharing a compiler — the same discipline the capture backend uses when
// mapping C ioctl structs field by field.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Request tags, matching the broker's control protocol.
const (
	GetFormat    int32 = 1
	SetFormat    int32 = 2
	TryFormat    int32 = 3
	EnumFormat   int32 = 4
	EnumSize     int32 = 5
	CreateBuffer int32 = 6
	DelBuffer    int32 = 7
	QBuf         int32 = 8
	StreamOn     int32 = 9
	StreamOff    int32 = 10
	Open         int32 = 11
	Close        int32 = 12
	DQBuf        int32 = 13
)

// Response tags.
const (
	Ok          int32 = 0x100
	Unspec      int32 = 0x200
	Busy        int32 = 0x201
	OutOfMemory int32 = 0x202
	Invalid     int32 = 0x203
)

// RequestName returns a human-readable name for a request tag, for logging.
func RequestName(tag int32) string {
	switch tag {
	case GetFormat:
		return "GetFormat"
	case SetFormat:
		return "SetFormat"
	case TryFormat:
		return "TryFormat"
	case EnumFormat:
		return "EnumFormat"
	case EnumSize:
		return "EnumSize"
	case CreateBuffer:
		return "CreateBuffer"
	case DelBuffer:
		return "DelBuffer"
	case QBuf:
		return "QBuf"
	case StreamOn:
		return "StreamOn"
	case StreamOff:
		return "StreamOff"
	case Open:
		return "Open"
	case Close:
		return "Close"
	case DQBuf:
		return "DQBuf"
	default:
		return fmt.Sprintf("tag(%d)", tag)
	}
}

// Format is the fixed stream format block, mirroring the original
// picture_format / vcamera_format layout: a pixel format code plus the
// negotiated and enumerable dimensions.
type Format struct {
	PixelFormat uint32
	Width       uint32
	MaxWidth    uint32
	StepWidth   uint32
	Height      uint32
	MaxHeight   uint32
	StepHeight  uint32
	Stride      uint32
	Size        uint32
}

// BufferRef identifies one capture buffer slot within a device's shared
// memory segment.
type BufferRef struct {
	Segment uint32
	Index   int32
}

// reserveSize is the padding tail length, matching the original record's
// 24-byte reserve field.
const reserveSize = 24

// Record is the fixed-size request/response exchanged over the control
// socket. Requests and responses share this layout; a response sets Type to
// one of the response tags and reuses Device/Index/Format/Buffer as needed.
type Record struct {
	Type   int32
	Device int32
	Index  int32
	Format Format
	Buffer BufferRef
}

// Size is the encoded byte length of a Record, including its reserve tail.
// Field widths: 3 int32 header + 9 uint32 Format + (uint32+int32) Buffer +
// reserve.
const Size = 4*3 + 4*9 + 4*2 + reserveSize

// Encode writes r in fixed field order to w.
func Encode(w *bytes.Buffer, r Record) error {
	fields := []any{
		r.Type, r.Device, r.Index,
		r.Format.PixelFormat, r.Format.Width, r.Format.MaxWidth, r.Format.StepWidth,
		r.Format.Height, r.Format.MaxHeight, r.Format.StepHeight,
		r.Format.Stride, r.Format.Size,
		r.Buffer.Segment, r.Buffer.Index,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("wire encode: %w", err)
		}
	}
	var reserve [reserveSize]byte
	if err := binary.Write(w, binary.LittleEndian, reserve); err != nil {
		return fmt.Errorf("wire encode reserve: %w", err)
	}
	return nil
}

// Decode reads a Record from r in fixed field order.
func Decode(r *bytes.Reader) (Record, error) {
	var rec Record
	fields := []any{
		&rec.Type, &rec.Device, &rec.Index,
		&rec.Format.PixelFormat, &rec.Format.Width, &rec.Format.MaxWidth, &rec.Format.StepWidth,
		&rec.Format.Height, &rec.Format.MaxHeight, &rec.Format.StepHeight,
		&rec.Format.Stride, &rec.Format.Size,
		&rec.Buffer.Segment, &rec.Buffer.Index,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Record{}, fmt.Errorf("wire decode: %w", err)
		}
	}
	var reserve [reserveSize]byte
	if err := binary.Read(r, binary.LittleEndian, &reserve); err != nil {
		return Record{}, fmt.Errorf("wire decode reserve: %w", err)
	}
	return rec, nil
}

// Marshal encodes r into a freshly allocated Size-byte buffer.
func Marshal(r Record) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(Size)
	// Encode cannot fail writing to a bytes.Buffer.
	_ = Encode(buf, r)
	return buf.Bytes()
}

// Unmarshal decodes exactly one Record from a Size-byte slice.
func Unmarshal(b []byte) (Record, error) {
	if len(b) != Size {
		return Record{}, fmt.Errorf("wire unmarshal: want %d bytes, got %d", Size, len(b))
	}
	return Decode(bytes.NewReader(b))
}
