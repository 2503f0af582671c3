// Package broker implements the device worker and broker supervisor: the
// single-goroutine capture loop per physical device, and the process
// composition root that accepts client connections and owns the device and
// session tables.
package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vladimirvivien/camera-broker/internal/apperrors"
	"github.com/vladimirvivien/camera-broker/internal/capture"
	"github.com/vladimirvivien/camera-broker/internal/fanout"
	"github.com/vladimirvivien/camera-broker/internal/logging"
	"github.com/vladimirvivien/camera-broker/internal/metrics"
	"github.com/vladimirvivien/camera-broker/internal/session"
	"github.com/vladimirvivien/camera-broker/internal/shm"
	"github.com/vladimirvivien/camera-broker/internal/wire"
)

// maxConsecutiveFaults is the number of consecutive non-timeout dequeue
// errors at which a device transitions to Faulted.
const maxConsecutiveFaults = 5

// notifyQueueDepth is the high watermark: the bound on a subscriber's
// pending FrameReady notifications before the drop policy kicks in.
const notifyQueueDepth = 4

// notifyQueue buffers FrameReady records for one subscriber so a slow
// client's socket write never blocks the device worker. A full queue is
// the signal for the worker's drop policy (spec.md §4.3).
type notifyQueue struct {
	ch   chan wire.Record
	sess *session.Session
}

func newNotifyQueue(sess *session.Session) *notifyQueue {
	q := &notifyQueue{ch: make(chan wire.Record, notifyQueueDepth), sess: sess}
	go q.pump()
	return q
}

func (q *notifyQueue) pump() {
	for rec := range q.ch {
		if err := q.sess.Notify(rec); err != nil {
			return
		}
	}
}

func (q *notifyQueue) tryEnqueue(rec wire.Record) bool {
	select {
	case q.ch <- rec:
		return true
	default:
		return false
	}
}

func (q *notifyQueue) close() {
	close(q.ch)
}

type subscriber struct {
	session   *session.Session
	logicalID int32
	queue     *notifyQueue
}

// workerCmdKind enumerates the requests a worker accepts through its single
// command channel.
type workerCmdKind int

const (
	cmdAddSubscriber workerCmdKind = iota
	cmdRemoveSubscriber
	cmdRelease
	cmdCreatePool
	cmdConfigureStreams
)

// errFormatBusy signals that a device already has a different negotiated
// format and cannot accept a conflicting SetFormat, per Design Decision D1.
var errFormatBusy = errors.New("device already configured with a different format")

type workerCmd struct {
	kind      workerCmdKind
	sub       subscriber
	sessionID uint64
	slot      int32
	count     int
	format    capture.Format
	formatOut *capture.Format
	reply     chan error
}

// deviceWorker drives one physical device's capture loop on a single
// goroutine, matching spec.md §4.2's "worker uses a single thread" rule and
// grounded on the teacher's startStreamLoop/captureFrames goroutine shape:
// wait, dequeue, process, re-queue, loop.
type deviceWorker struct {
	id      int32
	devnode string
	backend capture.Backend

	cmdCh chan workerCmd

	pool    *fanout.Pool
	segment *shm.Segment

	registry map[uint64]subscriber

	formatMu   sync.Mutex
	negotiated capture.Format
	formatSet  bool

	faulted    bool
	faultCount int
	sequence   uint64
}

// negotiatedFormat returns the device's current format and whether one has
// been negotiated yet. Safe to call from any goroutine: formatMu guards the
// two fields the worker goroutine otherwise owns exclusively.
func (w *deviceWorker) negotiatedFormat() (capture.Format, bool) {
	w.formatMu.Lock()
	defer w.formatMu.Unlock()
	return w.negotiated, w.formatSet
}

func (w *deviceWorker) setNegotiatedFormat(f capture.Format) {
	w.formatMu.Lock()
	w.negotiated = f
	w.formatSet = true
	w.formatMu.Unlock()
}

func newDeviceWorker(id int32, devnode string, backend capture.Backend) *deviceWorker {
	return &deviceWorker{
		id:       id,
		devnode:  devnode,
		backend:  backend,
		cmdCh:    make(chan workerCmd, 8),
		registry: make(map[uint64]subscriber),
	}
}

// run is the worker's single goroutine. It blocks on its command channel
// while no one is subscribed, and otherwise alternates between a bounded
// blocking Dequeue and draining any pending commands.
func (w *deviceWorker) run(ctx context.Context) {
	if err := w.backend.Open(int(w.id), w.devnode); err != nil {
		logging.Error("device open failed", zap.Int32("device", w.id), zap.String("devnode", w.devnode), zap.Error(err))
		w.fault()
	} else if err := w.backend.ConfigureSensor(int(w.id), 0); err != nil && !errors.Is(err, capture.ErrUnsupported) {
		logging.Warn("configure sensor failed", zap.Int32("device", w.id), zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case cmd := <-w.cmdCh:
			w.handle(cmd)
			continue
		default:
		}

		if w.faulted || len(w.registry) == 0 {
			select {
			case <-ctx.Done():
				w.shutdown()
				return
			case cmd := <-w.cmdCh:
				w.handle(cmd)
			}
			continue
		}

		slot, err := w.backend.Dequeue(int(w.id))
		if err != nil {
			w.onDequeueError(err)
			continue
		}
		metrics.BuffersDequeued.WithLabelValues(strconv.Itoa(int(w.id))).Inc()
		w.faultCount = 0
		w.onDequeue(slot)
	}
}

func (w *deviceWorker) onDequeueError(err error) {
	var be *apperrors.BackendError
	if errors.As(err, &be) && be.Transient {
		return
	}
	w.faultCount++
	logging.Warn("device dequeue error", zap.Int32("device", w.id), zap.Int("consecutive_faults", w.faultCount), zap.Error(err))
	if w.faultCount >= maxConsecutiveFaults {
		w.fault()
	}
}

// fault transitions the device to Faulted: every current subscriber is
// told Unspec, and further StreamOn attempts will fail until restart.
func (w *deviceWorker) fault() {
	w.faulted = true
	metrics.DeviceFaults.WithLabelValues(strconv.Itoa(int(w.id))).Inc()
	metrics.DeviceFaulted.WithLabelValues(strconv.Itoa(int(w.id))).Set(1)
	for _, sub := range w.registry {
		rec := wire.Record{Type: wire.Unspec, Device: sub.logicalID}
		sub.queue.tryEnqueue(rec)
	}
	logging.Warn("device faulted", zap.Int32("device", w.id))
}

// onDequeue copies the filled buffer into shared memory and dispatches it
// to the device's current subscriber snapshot, per spec.md §4.2 step 3.
func (w *deviceWorker) onDequeue(slot int) {
	if w.segment != nil {
		if _, err := w.backend.CopyFrame(int(w.id), slot, w.segment.Slot(slot)); err != nil {
			logging.Warn("copy frame failed", zap.Int32("device", w.id), zap.Int("slot", slot), zap.Error(err))
		}
	}

	if len(w.registry) == 0 {
		w.requeue(slot)
		return
	}

	ids := make([]uint64, 0, len(w.registry))
	for id := range w.registry {
		ids = append(ids, id)
	}

	w.sequence++
	dispatched, err := w.pool.Dispatch(slot, ids, w.sequence)
	if err != nil {
		logging.Warn("dispatch failed", zap.Int32("device", w.id), zap.Int("slot", slot), zap.Error(err))
		return
	}
	if !dispatched {
		w.requeue(slot)
		return
	}

	for sessionID, sub := range w.registry {
		rec := wire.Record{
			Type:   wire.DQBuf,
			Device: sub.logicalID,
			Buffer: wire.BufferRef{Segment: uint32(w.id), Index: int32(slot)},
		}
		if !sub.queue.tryEnqueue(rec) {
			metrics.FramesDropped.WithLabelValues(strconv.Itoa(int(w.id)), strconv.FormatUint(sessionID, 10)).Inc()
			if requeue, _, err := w.pool.Release(slot, sessionID); err == nil && requeue {
				w.requeue(slot)
			}
		}
	}
}

func (w *deviceWorker) requeue(slot int) {
	if err := w.backend.Queue(int(w.id), slot); err != nil {
		logging.Warn("requeue failed", zap.Int32("device", w.id), zap.Int("slot", slot), zap.Error(err))
		return
	}
	_ = w.pool.MarkQueued(slot)
	metrics.BuffersQueued.WithLabelValues(strconv.Itoa(int(w.id))).Inc()
}

// send posts cmd to the worker and blocks for its reply, giving callers a
// synchronous call shape over the worker's single command channel.
func (w *deviceWorker) send(ctx context.Context, cmd workerCmd) error {
	cmd.reply = make(chan error, 1)
	select {
	case w.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *deviceWorker) handle(cmd workerCmd) {
	var err error
	switch cmd.kind {
	case cmdCreatePool:
		err = w.handleCreatePool(cmd.count)
	case cmdConfigureStreams:
		err = w.handleConfigureStreams(cmd.format, cmd.formatOut)
	case cmdAddSubscriber:
		err = w.handleAddSubscriber(cmd.sub)
	case cmdRemoveSubscriber:
		err = w.handleRemoveSubscriber(cmd.sessionID)
	case cmdRelease:
		err = w.handleRelease(cmd.sessionID, int(cmd.slot))
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

// handleConfigureStreams implements first-writer-wins format negotiation: the
// first SetFormat call on a shared physical device configures it; later
// calls proposing a different format fail with errFormatBusy (Design
// Decision D1), while a repeat of the same format is a harmless no-op.
func (w *deviceWorker) handleConfigureStreams(format capture.Format, out *capture.Format) error {
	current, set := w.negotiatedFormat()
	if set {
		if format != current {
			return errFormatBusy
		}
		*out = current
		return nil
	}
	negotiated, err := w.backend.ConfigureStreams(int(w.id), format)
	if err != nil {
		return err
	}
	w.setNegotiatedFormat(negotiated)
	*out = negotiated
	return nil
}

func (w *deviceWorker) handleCreatePool(count int) error {
	if w.pool != nil {
		return nil // idempotent: CreateBuffer may be called more than once
	}
	negotiated, _ := w.negotiatedFormat()
	bytes, _ := w.backend.FrameSize(negotiated)
	frameSize := shm.FrameSize(bytes)
	seg, err := shm.Create(shm.Name(int(w.id)), frameSize, count)
	if err != nil {
		return err
	}
	granted, err := w.backend.RequestBuffers(int(w.id), count)
	if err != nil {
		_ = seg.Close()
		return err
	}
	if granted < count {
		_ = seg.Close()
		return &apperrors.CapacityError{Device: int(w.id), Want: count, Have: granted}
	}
	w.segment = seg
	w.pool = fanout.NewPool(int(w.id), count)
	return nil
}

func (w *deviceWorker) handleAddSubscriber(sub subscriber) error {
	if w.faulted {
		return &apperrors.ProtocolError{Session: sub.session.ID, Reason: "device faulted"}
	}
	first := len(w.registry) == 0
	w.registry[sub.session.ID] = sub
	if first && w.pool != nil {
		for _, slot := range w.pool.FreeSlots() {
			if err := w.backend.Queue(int(w.id), slot); err != nil {
				return err
			}
			_ = w.pool.MarkQueued(slot)
		}
		if err := w.backend.Start(int(w.id)); err != nil {
			return err
		}
	}
	return nil
}

func (w *deviceWorker) handleRemoveSubscriber(sessionID uint64) error {
	sub, ok := w.registry[sessionID]
	if !ok {
		return nil
	}
	delete(w.registry, sessionID)
	sub.queue.close()

	if w.pool != nil {
		for _, slot := range w.pool.ReleaseAll(sessionID) {
			w.requeue(slot)
		}
	}

	if len(w.registry) == 0 {
		if err := w.backend.Stop(int(w.id)); err != nil {
			logging.Warn("stop failed", zap.Int32("device", w.id), zap.Error(err))
		}
		if w.pool != nil {
			w.pool.ResetToFree()
		}
	}
	return nil
}

func (w *deviceWorker) handleRelease(sessionID uint64, slot int) error {
	if w.pool == nil {
		return &apperrors.LifecycleRace{Device: int(w.id), Session: sessionID, Detail: "release before pool created"}
	}
	requeue, absent, err := w.pool.Release(slot, sessionID)
	if err != nil {
		return err
	}
	if absent {
		logging.Warn("release of absent subscriber", zap.Int32("device", w.id), zap.Int("slot", slot), zap.Uint64("session", sessionID))
		return nil
	}
	if requeue {
		w.requeue(slot)
	}
	return nil
}

func (w *deviceWorker) shutdown() {
	for _, sub := range w.registry {
		sub.queue.close()
	}
	w.registry = make(map[uint64]subscriber)
	if w.pool != nil {
		_ = w.backend.Stop(int(w.id))
		w.pool.ResetToFree()
	}
	if w.segment != nil {
		_ = w.segment.Unlink()
		_ = w.segment.Close()
	}
	_ = w.backend.Close(int(w.id))
}

// DrainTimeout bounds how long Shutdown waits for workers to react to
// cancellation, matching spec.md §8 S6's 5-second drain window.
const DrainTimeout = 5 * time.Second
