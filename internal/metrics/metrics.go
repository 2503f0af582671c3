// Package metrics exports the broker's Prometheus counters and gauges:
// buffer state transitions, dropped frames, device faults, and active
// sessions, each labeled by device id where applicable.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuffersQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camera_broker_buffers_queued_total",
			Help: "Total buffers submitted to the capture backend, by device",
		},
		[]string{"device"},
	)

	BuffersDequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camera_broker_buffers_dequeued_total",
			Help: "Total buffers dequeued from the capture backend, by device",
		},
		[]string{"device"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camera_broker_frames_dropped_total",
			Help: "Total frames dropped for a congested client session, by device and session",
		},
		[]string{"device", "session"},
	)

	DeviceFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camera_broker_device_faults_total",
			Help: "Total times a device transitioned to Faulted",
		},
		[]string{"device"},
	)

	BuffersInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "camera_broker_buffers_in_use",
			Help: "Current count of buffers in the InUse state, by device",
		},
		[]string{"device"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camera_broker_sessions_active",
			Help: "Current count of active client sessions",
		},
	)

	DeviceFaulted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "camera_broker_device_faulted",
			Help: "1 if the device is currently Faulted, else 0",
		},
		[]string{"device"},
	)
)
