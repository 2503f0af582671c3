package session

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladimirvivien/camera-broker/internal/wire"
)

type fakeOps struct {
	opened      map[int32]bool
	format      wire.Format
	setFormatErr error
	disconnected uint64
	streamOnErr error
}

func newFakeOps() *fakeOps {
	return &fakeOps{opened: make(map[int32]bool)}
}

func (f *fakeOps) Open(sessionID uint64, device int32) error  { f.opened[device] = true; return nil }
func (f *fakeOps) Close(sessionID uint64, device int32) error { delete(f.opened, device); return nil }
func (f *fakeOps) SetFormat(sessionID uint64, device int32, format wire.Format) (wire.Format, error) {
	if f.setFormatErr != nil {
		return wire.Format{}, f.setFormatErr
	}
	f.format = format
	return format, nil
}
func (f *fakeOps) GetFormat(device int32) (wire.Format, error) { return f.format, nil }
func (f *fakeOps) TryFormat(device int32, format wire.Format) (wire.Format, error) {
	return format, nil
}
func (f *fakeOps) EnumFormat(device int32, index int32) (wire.Format, bool, error) {
	if index > 0 {
		return wire.Format{}, false, nil
	}
	return wire.Format{PixelFormat: 1}, true, nil
}
func (f *fakeOps) EnumSize(device int32, index int32, pixelFormat uint32) (wire.Format, bool, error) {
	return wire.Format{}, false, nil
}
func (f *fakeOps) CreateBuffer(device int32) error { return nil }
func (f *fakeOps) DelBuffer(sessionID uint64, device int32) error { return nil }
func (f *fakeOps) QBuf(sessionID uint64, device int32, slot int32) error { return nil }
func (f *fakeOps) StreamOn(sessionID uint64, device int32, s *Session) error { return f.streamOnErr }
func (f *fakeOps) StreamOff(sessionID uint64, device int32) error { return nil }
func (f *fakeOps) Disconnect(sessionID uint64) { f.disconnected = sessionID }

func sendAndRecv(t *testing.T, client net.Conn, req wire.Record) wire.Record {
	t.Helper()
	_, err := client.Write(wire.Marshal(req))
	require.NoError(t, err)

	respBuf := make([]byte, wire.Size)
	_, err = client.Read(respBuf)
	require.NoError(t, err)
	resp, err := wire.Unmarshal(respBuf)
	require.NoError(t, err)
	return resp
}

func TestOpenSetFormatStreamOnRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ops := newFakeOps()
	s := New(1, server, ops)
	go s.Run()

	resp := sendAndRecv(t, client, wire.Record{Type: wire.Open, Device: 0})
	require.Equal(t, wire.Ok, resp.Type)
	require.True(t, ops.opened[0])

	resp = sendAndRecv(t, client, wire.Record{Type: wire.SetFormat, Device: 0, Format: wire.Format{PixelFormat: 42, Width: 640, Height: 480}})
	require.Equal(t, wire.Ok, resp.Type)
	require.EqualValues(t, 42, resp.Format.PixelFormat)

	resp = sendAndRecv(t, client, wire.Record{Type: wire.StreamOn, Device: 0})
	require.Equal(t, wire.Ok, resp.Type)
	require.Contains(t, s.Subscriptions(), int32(0))
}

func TestSetFormatBusyMapsToBusyResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ops := newFakeOps()
	ops.setFormatErr = ErrBusy
	s := New(1, server, ops)
	go s.Run()

	resp := sendAndRecv(t, client, wire.Record{Type: wire.SetFormat, Device: 0})
	require.Equal(t, wire.Busy, resp.Type)
}

func TestEnumFormatOutOfRangeIsInvalid(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ops := newFakeOps()
	s := New(1, server, ops)
	go s.Run()

	resp := sendAndRecv(t, client, wire.Record{Type: wire.EnumFormat, Device: 0, Index: 5})
	require.Equal(t, wire.Invalid, resp.Type)
}

func TestDisconnectCalledOnClose(t *testing.T) {
	client, server := net.Pipe()

	ops := newFakeOps()
	s := New(7, server, ops)
	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	client.Close()
	<-done
	require.Equal(t, uint64(7), ops.disconnected)
}

func TestNotifyWritesFrameReadyRecord(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ops := newFakeOps()
	s := New(1, server, ops)

	rec := wire.Record{Type: wire.DQBuf, Device: 2, Buffer: wire.BufferRef{Index: 3}}
	go func() {
		_ = s.Notify(rec)
	}()

	buf := make([]byte, wire.Size)
	_, err := client.Read(buf)
	require.NoError(t, err)
	got, err := wire.Unmarshal(buf)
	require.NoError(t, err)
	require.True(t, bytes.Equal(wire.Marshal(got), wire.Marshal(rec)))
}
