package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vladimirvivien/camera-broker/internal/apperrors"
	"github.com/vladimirvivien/camera-broker/internal/capture"
	"github.com/vladimirvivien/camera-broker/internal/config"
	"github.com/vladimirvivien/camera-broker/internal/logging"
	"github.com/vladimirvivien/camera-broker/internal/metrics"
	"github.com/vladimirvivien/camera-broker/internal/session"
	"github.com/vladimirvivien/camera-broker/internal/wire"
)

// deviceEntry bundles one physical device's backend, worker and lifecycle
// cancellation, matching the device descriptor spec.md §3 describes as
// "created at config load, destroyed at shutdown."
type deviceEntry struct {
	phy     config.PhyCamera
	backend capture.Backend
	worker  *deviceWorker
	cancel  context.CancelFunc
}

// Supervisor is the broker's composition root: it owns the listener, the
// fixed device table built from the scenario document, and the session
// table, and it implements session.DeviceOps so every client request
// dispatches through it. Lifecycle transitions that must touch a device's
// capture state (Open/SetFormat/CreateBuffer/QBuf/StreamOn/StreamOff) are
// forwarded to that device's single worker goroutine; everything else is
// answered directly, matching the narrower serialization spec.md §5
// actually requires (the backend call, not the whole request).
type Supervisor struct {
	cfg *config.Config

	devices      map[int32]*deviceEntry
	logicalToPhy map[int32]int32

	listener net.Listener

	sessionsMu sync.Mutex
	sessions   map[uint64]*session.Session
	nextID     atomic.Uint64
}

// NewSupervisor builds the device table from cfg: one backend and one
// deviceWorker per phy_camera entry, and a flattened logical-to-physical
// id table across every VM's camera array.
//
// Design Decision D4: the wire protocol carries only a logical device id
// with no VM identifier, so logical ids are treated as globally unique
// across the whole scenario document rather than scoped per VM.
func NewSupervisor(cfg *config.Config) (*Supervisor, error) {
	s := &Supervisor{
		cfg:          cfg,
		devices:      make(map[int32]*deviceEntry),
		logicalToPhy: make(map[int32]int32),
		sessions:     make(map[uint64]*session.Session),
	}

	for _, phy := range cfg.PhyCameras {
		if phy.DriverType == config.DriverV4L2 && capture.IsDevice(phy.Devnode) && !capture.Exists(phy.Devnode) {
			logging.Warn("configured v4l2 devnode not present yet", zap.Int("phy_id", phy.ID), zap.String("devnode", phy.Devnode))
		}
		backend, err := newBackend(phy)
		if err != nil {
			return nil, fmt.Errorf("phy_camera %d: %w", phy.ID, err)
		}
		s.devices[int32(phy.ID)] = &deviceEntry{
			phy:     phy,
			backend: backend,
			worker:  newDeviceWorker(int32(phy.ID), phy.Devnode, backend),
		}
	}

	for vm, cams := range cfg.VMs {
		for _, lc := range cams {
			id := int32(lc.Camera.ID)
			if existing, ok := s.logicalToPhy[id]; ok && existing != int32(lc.Camera.PhyID) {
				return nil, fmt.Errorf("vm %q: logical camera %d already bound to phy %d", vm, id, existing)
			}
			s.logicalToPhy[id] = int32(lc.Camera.PhyID)
		}
	}

	return s, nil
}

func newBackend(phy config.PhyCamera) (capture.Backend, error) {
	switch phy.DriverType {
	case config.DriverV4L2:
		return capture.NewV4L2Backend(), nil
	case config.DriverHAL:
		return capture.LoadHALBackend(phy.NativeDriver)
	default:
		return nil, fmt.Errorf("unknown driver_type %q", phy.DriverType)
	}
}

// ListenAndServe starts every device worker, binds the control listener and
// accepts client connections until ctx is cancelled or Shutdown is called.
func (s *Supervisor) ListenAndServe(ctx context.Context) error {
	for _, entry := range s.devices {
		workerCtx, cancel := context.WithCancel(ctx)
		entry.cancel = cancel
		go entry.worker.run(workerCtx)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.CameraManager.Address, s.cfg.CameraManager.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	logging.Info("broker listening", zap.String("address", addr))
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		id := s.nextID.Add(1)
		sess := session.New(id, conn, s)
		s.sessionsMu.Lock()
		s.sessions[id] = sess
		s.sessionsMu.Unlock()
		metrics.SessionsActive.Inc()
		go s.runSession(sess)
	}
}

func (s *Supervisor) runSession(sess *session.Session) {
	sess.Run()
	s.sessionsMu.Lock()
	delete(s.sessions, sess.ID)
	s.sessionsMu.Unlock()
	metrics.SessionsActive.Dec()
}

// Shutdown stops accepting connections, closes every session, cancels every
// device worker (each worker stops its backend and unlinks its shared
// memory segment on cancellation), then waits until DrainTimeout elapses or
// ctx is done. It does not observe whether the workers have finished, so it
// returns only after that wait, however quickly they settle.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		_ = sess.Close()
	}
	s.sessionsMu.Unlock()

	for _, entry := range s.devices {
		if entry.cancel != nil {
			entry.cancel()
		}
	}

	select {
	case <-time.After(DrainTimeout):
	case <-ctx.Done():
	}
	return nil
}

func (s *Supervisor) entry(logicalID int32) (*deviceEntry, error) {
	phyID, ok := s.logicalToPhy[logicalID]
	if !ok {
		return nil, &apperrors.ProtocolError{Reason: fmt.Sprintf("unknown logical device %d", logicalID)}
	}
	e, ok := s.devices[phyID]
	if !ok {
		return nil, &apperrors.ProtocolError{Reason: fmt.Sprintf("logical device %d: phy %d not registered", logicalID, phyID)}
	}
	return e, nil
}

func wireToCapture(f wire.Format) capture.Format {
	return capture.Format{
		PixelFormat: f.PixelFormat,
		Width:       f.Width,
		Height:      f.Height,
		Stride:      f.Stride,
		Size:        f.Size,
	}
}

func captureToWire(f capture.Format) wire.Format {
	return wire.Format{
		PixelFormat: f.PixelFormat,
		Width:       f.Width,
		Height:      f.Height,
		Stride:      f.Stride,
		Size:        f.Size,
	}
}

// callTimeout bounds how long a DeviceOps call waits on a worker's command
// channel before giving up, so a wedged backend cannot hang a client
// forever.
const callTimeout = 5 * time.Second

// Open validates that device names a known logical camera. The physical
// device itself is opened once by its worker at startup, per spec.md §4.2.
func (s *Supervisor) Open(sessionID uint64, device int32) error {
	_, err := s.entry(device)
	return err
}

// Close is a logical unbind; the shared physical device stays open until
// broker shutdown.
func (s *Supervisor) Close(sessionID uint64, device int32) error {
	_, err := s.entry(device)
	return err
}

func (s *Supervisor) SetFormat(sessionID uint64, device int32, format wire.Format) (wire.Format, error) {
	e, err := s.entry(device)
	if err != nil {
		return wire.Format{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	var out capture.Format
	err = e.worker.send(ctx, workerCmd{kind: cmdConfigureStreams, format: wireToCapture(format), formatOut: &out})
	if err != nil {
		if errors.Is(err, errFormatBusy) {
			return wire.Format{}, session.ErrBusy
		}
		return wire.Format{}, err
	}
	return captureToWire(out), nil
}

// GetFormat returns the device's negotiated format, or the zero format if
// none has been set yet.
func (s *Supervisor) GetFormat(device int32) (wire.Format, error) {
	e, err := s.entry(device)
	if err != nil {
		return wire.Format{}, err
	}
	negotiated, _ := e.worker.negotiatedFormat()
	return captureToWire(negotiated), nil
}

// TryFormat reports what SetFormat would negotiate without committing it.
// Non-goal scope (spec.md explicitly excludes true driver-side TRY_FMT): this
// echoes the proposed format, matching the capability set's lack of a
// dedicated try operation.
func (s *Supervisor) TryFormat(device int32, format wire.Format) (wire.Format, error) {
	if _, err := s.entry(device); err != nil {
		return wire.Format{}, err
	}
	return format, nil
}

// EnumFormat and EnumSize expose only the device's single negotiated format
// at index 0: the capability set (spec.md §4.1) has no driver-enumeration
// primitive, so a richer catalogue isn't available through the backend
// abstraction.
func (s *Supervisor) EnumFormat(device int32, index int32) (wire.Format, bool, error) {
	e, err := s.entry(device)
	if err != nil {
		return wire.Format{}, false, err
	}
	negotiated, set := e.worker.negotiatedFormat()
	if index != 0 || !set {
		return wire.Format{}, false, nil
	}
	return captureToWire(negotiated), true, nil
}

func (s *Supervisor) EnumSize(device int32, index int32, pixelFormat uint32) (wire.Format, bool, error) {
	e, err := s.entry(device)
	if err != nil {
		return wire.Format{}, false, err
	}
	negotiated, set := e.worker.negotiatedFormat()
	if index != 0 || !set || negotiated.PixelFormat != pixelFormat {
		return wire.Format{}, false, nil
	}
	return captureToWire(negotiated), true, nil
}

func (s *Supervisor) CreateBuffer(device int32) error {
	e, err := s.entry(device)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return e.worker.send(ctx, workerCmd{kind: cmdCreatePool, count: config.BufferCount})
}

// DelBuffer is a no-op: the buffer pool is shared across every subscriber
// of a device and persists until the device itself is torn down (Design
// Decision D2), so a single client releasing its interest in the pool
// cannot deallocate it out from under the others.
func (s *Supervisor) DelBuffer(sessionID uint64, device int32) error {
	_, err := s.entry(device)
	return err
}

func (s *Supervisor) QBuf(sessionID uint64, device int32, slot int32) error {
	e, err := s.entry(device)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return e.worker.send(ctx, workerCmd{kind: cmdRelease, sessionID: sessionID, slot: slot})
}

func (s *Supervisor) StreamOn(sessionID uint64, device int32, sess *session.Session) error {
	e, err := s.entry(device)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	sub := subscriber{session: sess, logicalID: device, queue: newNotifyQueue(sess)}
	return e.worker.send(ctx, workerCmd{kind: cmdAddSubscriber, sub: sub})
}

func (s *Supervisor) StreamOff(sessionID uint64, device int32) error {
	e, err := s.entry(device)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return e.worker.send(ctx, workerCmd{kind: cmdRemoveSubscriber, sessionID: sessionID})
}

// Disconnect tells every device this session subscribed to that it has
// dropped, so in-flight buffer references are released and re-queued
// without waiting for an explicit StreamOff, per spec.md §8 scenario S5.
func (s *Supervisor) Disconnect(sessionID uint64) {
	for _, e := range s.devices {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		_ = e.worker.send(ctx, workerCmd{kind: cmdRemoveSubscriber, sessionID: sessionID})
		cancel()
	}
}
