package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladimirvivien/camera-broker/internal/apperrors"
	"github.com/vladimirvivien/camera-broker/internal/capture"
	"github.com/vladimirvivien/camera-broker/internal/session"
	"github.com/vladimirvivien/camera-broker/internal/wire"
)

func newTestSubscriber(sessionID uint64) (*subscriber, net.Conn) {
	client, server := net.Pipe()
	sess := session.New(sessionID, server, nil)
	sub := &subscriber{session: sess, logicalID: 0, queue: newNotifyQueue(sess)}
	return sub, client
}

func TestDeviceWorkerDispatchAndRequeueOnRelease(t *testing.T) {
	backend := newFakeBackend()
	w := newDeviceWorker(1, "/dev/video0", backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	require.NoError(t, w.send(ctx, workerCmd{kind: cmdCreatePool, count: 2}))

	sub, client := newTestSubscriber(42)
	defer client.Close()
	require.NoError(t, w.send(ctx, workerCmd{kind: cmdAddSubscriber, sub: *sub}))
	require.Equal(t, 1, backend.startCall)

	backend.ready <- 0

	buf := make([]byte, wire.Size)
	_, err := client.Read(buf)
	require.NoError(t, err)
	rec, err := wire.Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, wire.DQBuf, rec.Type)
	require.EqualValues(t, 0, rec.Buffer.Index)

	snap, err := w.pool.Snapshot(0)
	require.NoError(t, err)
	require.Contains(t, snap.Subscribers, uint64(42))

	require.NoError(t, w.send(ctx, workerCmd{kind: cmdRelease, sessionID: 42, slot: 0}))

	snap, err = w.pool.Snapshot(0)
	require.NoError(t, err)
	require.Empty(t, snap.Subscribers)
}

func TestDeviceWorkerFaultsAfterConsecutiveErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.failAlways = &apperrors.BackendError{Op: "dequeue", Transient: false, Err: context.DeadlineExceeded}
	w := newDeviceWorker(2, "/dev/video1", backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	sub, client := newTestSubscriber(7)
	defer client.Close()
	require.NoError(t, w.send(ctx, workerCmd{kind: cmdAddSubscriber, sub: *sub}))

	require.Eventually(t, func() bool {
		return w.faulted
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceWorkerRemoveSubscriberStopsAndResets(t *testing.T) {
	backend := newFakeBackend()
	w := newDeviceWorker(3, "/dev/video2", backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	require.NoError(t, w.send(ctx, workerCmd{kind: cmdCreatePool, count: 1}))

	sub, client := newTestSubscriber(9)
	defer client.Close()
	require.NoError(t, w.send(ctx, workerCmd{kind: cmdAddSubscriber, sub: *sub}))
	require.Equal(t, 1, backend.startCall)

	require.NoError(t, w.send(ctx, workerCmd{kind: cmdRemoveSubscriber, sessionID: 9}))
	require.Equal(t, 1, backend.stopCall)

	snap, err := w.pool.Snapshot(0)
	require.NoError(t, err)
	require.Equal(t, 0, len(snap.Subscribers))
}

func TestDeviceWorkerConfigureStreamsFirstWriterWins(t *testing.T) {
	backend := newFakeBackend()
	w := newDeviceWorker(4, "/dev/video3", backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	formatA := capture.Format{PixelFormat: 1, Width: 640, Height: 480}
	var outA capture.Format
	require.NoError(t, w.send(ctx, workerCmd{kind: cmdConfigureStreams, format: formatA, formatOut: &outA}))
	require.Equal(t, formatA, outA)

	var outSame capture.Format
	require.NoError(t, w.send(ctx, workerCmd{kind: cmdConfigureStreams, format: formatA, formatOut: &outSame}))
	require.Equal(t, formatA, outSame)

	formatB := capture.Format{PixelFormat: 2, Width: 1280, Height: 720}
	var outB capture.Format
	err := w.send(ctx, workerCmd{kind: cmdConfigureStreams, format: formatB, formatOut: &outB})
	require.ErrorIs(t, err, errFormatBusy)
}
