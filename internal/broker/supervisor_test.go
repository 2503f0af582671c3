package broker

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladimirvivien/camera-broker/internal/config"
	"github.com/vladimirvivien/camera-broker/internal/session"
	"github.com/vladimirvivien/camera-broker/internal/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		CameraManager: config.CameraManager{Address: "127.0.0.1", Port: 9100, MetricsPort: 9101, LogLevel: "info"},
		PhyCameras: []config.PhyCamera{
			{ID: 0, Width: 640, Height: 480, Format: "YUYV", DriverType: config.DriverV4L2, Devnode: "/dev/video0"},
		},
		VMs: map[string][]config.LogicalCamera{
			"vm1": {func() config.LogicalCamera {
				var lc config.LogicalCamera
				lc.Camera.ID = 0
				lc.Camera.PhyID = 0
				return lc
			}()},
		},
	}
}

func TestNewSupervisorFlattensLogicalTable(t *testing.T) {
	sup, err := NewSupervisor(testConfig())
	require.NoError(t, err)
	require.Equal(t, int32(0), sup.logicalToPhy[0])
	require.Len(t, sup.devices, 1)
}

func TestSupervisorOpenRejectsUnknownLogicalDevice(t *testing.T) {
	sup, err := NewSupervisor(testConfig())
	require.NoError(t, err)
	require.NoError(t, sup.Open(1, 0))
	require.Error(t, sup.Open(1, 99))
}

func TestSupervisorDeviceOpsEndToEnd(t *testing.T) {
	cfg := testConfig()
	backend := newFakeBackend()
	sup := &Supervisor{
		cfg:          cfg,
		devices:      map[int32]*deviceEntry{0: {phy: cfg.PhyCameras[0], backend: backend, worker: newDeviceWorker(0, cfg.PhyCameras[0].Devnode, backend)}},
		logicalToPhy: map[int32]int32{0: 0},
		sessions:     make(map[uint64]*session.Session),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, e := range sup.devices {
		workerCtx, workerCancel := context.WithCancel(ctx)
		e.cancel = workerCancel
		go e.worker.run(workerCtx)
	}

	client, server := net.Pipe()
	defer client.Close()
	sess := session.New(1, server, sup)
	go sess.Run()

	send := func(req wire.Record) wire.Record {
		_, err := client.Write(wire.Marshal(req))
		require.NoError(t, err)
		buf := make([]byte, wire.Size)
		_, err = client.Read(buf)
		require.NoError(t, err)
		resp, err := wire.Unmarshal(buf)
		require.NoError(t, err)
		return resp
	}

	resp := send(wire.Record{Type: wire.Open, Device: 0})
	require.Equal(t, wire.Ok, resp.Type)

	resp = send(wire.Record{Type: wire.SetFormat, Device: 0, Format: wire.Format{PixelFormat: 1, Width: 640, Height: 480}})
	require.Equal(t, wire.Ok, resp.Type)

	resp = send(wire.Record{Type: wire.CreateBuffer, Device: 0})
	require.Equal(t, wire.Ok, resp.Type)

	resp = send(wire.Record{Type: wire.StreamOn, Device: 0})
	require.Equal(t, wire.Ok, resp.Type)

	resp = send(wire.Record{Type: wire.StreamOff, Device: 0})
	require.Equal(t, wire.Ok, resp.Type)
}
