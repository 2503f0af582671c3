// Package session implements one connected client's stateful context: a
// socket, its subscription set, and the fixed request/response dispatch
// table from spec.md §4.4. A session never touches device or buffer-pool
// state directly — it calls into a DeviceOps implementation (the broker
// supervisor), which forwards every device-state change to that device's
// worker over the worker's command channel. There is one such channel per
// device, not one queue for the whole broker.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vladimirvivien/camera-broker/internal/apperrors"
	"github.com/vladimirvivien/camera-broker/internal/logging"
	"github.com/vladimirvivien/camera-broker/internal/wire"
)

// State is a session's lifecycle stage.
type State int32

const (
	Connecting State = iota
	Active
	Closing
)

// DeviceOps is the narrow surface a session needs from the broker
// supervisor. Every method is safe to call concurrently from many
// sessions; the supervisor serializes the transitions it causes on a device
// through that device's worker command channel.
type DeviceOps interface {
	Open(sessionID uint64, device int32) error
	Close(sessionID uint64, device int32) error
	SetFormat(sessionID uint64, device int32, format wire.Format) (wire.Format, error)
	GetFormat(device int32) (wire.Format, error)
	TryFormat(device int32, format wire.Format) (wire.Format, error)
	EnumFormat(device int32, index int32) (wire.Format, bool, error)
	EnumSize(device int32, index int32, pixelFormat uint32) (wire.Format, bool, error)
	CreateBuffer(device int32) error
	DelBuffer(sessionID uint64, device int32) error
	QBuf(sessionID uint64, device int32, slot int32) error
	StreamOn(sessionID uint64, device int32, s *Session) error
	StreamOff(sessionID uint64, device int32) error
	Disconnect(sessionID uint64)
}

// Session owns one client's TCP connection. The reader goroutine
// (Run) is the session's only reader; Notify and response writes are made
// directly by their callers and serialize through writeMu.
type Session struct {
	ID      uint64
	TraceID string
	conn    net.Conn
	ops     DeviceOps
	state   atomic.Int32

	writeMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[int32]struct{}
}

// New creates a session bound to conn, not yet started.
func New(id uint64, conn net.Conn, ops DeviceOps) *Session {
	s := &Session{ID: id, TraceID: uuid.NewString(), conn: conn, ops: ops, subscriptions: make(map[int32]struct{})}
	s.state.Store(int32(Connecting))
	return s
}

// State returns the session's current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Subscribe records device as part of this session's subscription set.
func (s *Session) Subscribe(device int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[device] = struct{}{}
}

// Unsubscribe removes device from the subscription set.
func (s *Session) Unsubscribe(device int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, device)
}

// Subscriptions returns a snapshot of subscribed device ids.
func (s *Session) Subscriptions() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, 0, len(s.subscriptions))
	for d := range s.subscriptions {
		out = append(out, d)
	}
	return out
}

// Close closes the session's underlying connection, unblocking Run's read
// loop so it can shut down and call ops.Disconnect.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Notify pushes a broker-initiated FrameReady record to the client. It is
// safe to call from any device worker goroutine; writes serialize through
// writeMu alongside ordinary responses. If the underlying write would
// block, the caller should treat ErrWouldBlock-shaped failures as a signal
// to synthesize a release for this session (the drop policy in spec.md
// §4.3) — Notify itself always attempts a direct, blocking write and
// relies on the caller to bound how long it is willing to wait.
func (s *Session) Notify(rec wire.Record) error {
	return s.write(rec)
}

func (s *Session) write(rec wire.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	buf := new(bytes.Buffer)
	buf.Grow(wire.Size)
	if err := wire.Encode(buf, rec); err != nil {
		return err
	}
	_, err := s.conn.Write(buf.Bytes())
	return err
}

// Run is the session's read loop: it decodes fixed-size request records
// and dispatches them per the request table, replying on the same
// connection. It returns when the socket closes or a protocol error forces
// shutdown. Callers run Run in its own goroutine.
func (s *Session) Run() {
	s.setState(Active)
	logging.Info("session started", zap.Uint64("session", s.ID), zap.String("trace_id", s.TraceID))
	defer func() {
		s.setState(Closing)
		s.ops.Disconnect(s.ID)
		_ = s.conn.Close()
	}()

	buf := make([]byte, wire.Size)
	for {
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logging.Warn("session read error", zap.Uint64("session", s.ID), zap.String("trace_id", s.TraceID), zap.Error(err))
			}
			return
		}

		req, err := wire.Unmarshal(buf)
		if err != nil {
			logging.Warn("session malformed record", zap.Uint64("session", s.ID), zap.String("trace_id", s.TraceID), zap.Error(err))
			return
		}

		resp, fatal := s.dispatch(req)
		if err := s.write(resp); err != nil {
			logging.Warn("session write error", zap.Uint64("session", s.ID), zap.Error(err))
			return
		}
		if fatal {
			return
		}
	}
}

// dispatch executes one request and builds its response. fatal indicates
// the connection must close after the response is flushed; no request in
// the current table sets it, so the connection closes only on socket EOF,
// a read error or a malformed record.
func (s *Session) dispatch(req wire.Record) (resp wire.Record, fatal bool) {
	resp = wire.Record{Type: wire.Ok, Device: req.Device, Index: req.Index}

	switch req.Type {
	case wire.Open:
		if err := s.ops.Open(s.ID, req.Device); err != nil {
			return errResponse(req, err), false
		}
	case wire.Close:
		if err := s.ops.Close(s.ID, req.Device); err != nil {
			return errResponse(req, err), false
		}
	case wire.SetFormat:
		got, err := s.ops.SetFormat(s.ID, req.Device, req.Format)
		if err != nil {
			return errResponse(req, err), false
		}
		resp.Format = got
	case wire.GetFormat:
		got, err := s.ops.GetFormat(req.Device)
		if err != nil {
			return errResponse(req, err), false
		}
		resp.Format = got
	case wire.TryFormat:
		got, err := s.ops.TryFormat(req.Device, req.Format)
		if err != nil {
			return errResponse(req, err), false
		}
		resp.Format = got
	case wire.EnumFormat:
		got, ok, err := s.ops.EnumFormat(req.Device, req.Index)
		if err != nil {
			return errResponse(req, err), false
		}
		if !ok {
			resp.Type = wire.Invalid
			return resp, false
		}
		resp.Format = got
	case wire.EnumSize:
		got, ok, err := s.ops.EnumSize(req.Device, req.Index, req.Format.PixelFormat)
		if err != nil {
			return errResponse(req, err), false
		}
		if !ok {
			resp.Type = wire.Invalid
			return resp, false
		}
		resp.Format = got
	case wire.CreateBuffer:
		if err := s.ops.CreateBuffer(req.Device); err != nil {
			return errResponse(req, err), false
		}
	case wire.DelBuffer:
		if err := s.ops.DelBuffer(s.ID, req.Device); err != nil {
			return errResponse(req, err), false
		}
	case wire.QBuf:
		if err := s.ops.QBuf(s.ID, req.Device, req.Buffer.Index); err != nil {
			var race *apperrors.LifecycleRace
			if !errors.As(err, &race) {
				return errResponse(req, err), false
			}
			logging.Warn("session lifecycle race", zap.Uint64("session", s.ID), zap.Error(err))
		}
	case wire.StreamOn:
		if err := s.ops.StreamOn(s.ID, req.Device, s); err != nil {
			return errResponse(req, err), false
		}
		s.Subscribe(req.Device)
	case wire.StreamOff:
		if err := s.ops.StreamOff(s.ID, req.Device); err != nil {
			return errResponse(req, err), false
		}
		s.Unsubscribe(req.Device)
	default:
		return wire.Record{Type: wire.Invalid, Device: req.Device}, false
	}
	return resp, false
}

// errResponse maps a taxonomy error to its wire response tag, per spec.md
// §7's "a single enumerated response code on the socket."
func errResponse(req wire.Record, err error) wire.Record {
	resp := wire.Record{Device: req.Device, Index: req.Index}
	var capErr *apperrors.CapacityError
	var protoErr *apperrors.ProtocolError
	switch {
	case errors.As(err, &capErr):
		resp.Type = wire.OutOfMemory
	case errors.As(err, &protoErr):
		resp.Type = wire.Invalid
	case errors.Is(err, errBusy):
		resp.Type = wire.Busy
	default:
		resp.Type = wire.Unspec
	}
	return resp
}

var errBusy = fmt.Errorf("session: format conflict")

// ErrBusy is returned by DeviceOps.SetFormat when a second client proposes
// an incompatible format on a device already configured by another client,
// per Design Decision D1.
var ErrBusy = errBusy
