// Package metrics 网关 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics 指标集合，nil 接收者上的方法均为空操作
type Metrics struct {
	Registry *prometheus.Registry

	FramesEmitted  *prometheus.CounterVec
	FrameBytes     *prometheus.CounterVec
	DemuxErrors    *prometheus.CounterVec
	DecoderExits   *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	FleetDevices   prometheus.Gauge
	FleetHealth    prometheus.Gauge
	HealthStreak   prometheus.Gauge
	ModuleRestarts prometheus.Counter
}

// New 创建并注册指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		FramesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camera_gateway",
			Name:      "frames_emitted_total",
			Help:      "JPEG frames emitted by the demultiplexer.",
		}, []string{"device_id"}),
		FrameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camera_gateway",
			Name:      "frame_bytes_total",
			Help:      "Bytes of emitted JPEG frames.",
		}, []string{"device_id"}),
		DemuxErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camera_gateway",
			Name:      "demux_errors_total",
			Help:      "Chunks dropped by the demultiplexer.",
		}, []string{"device_id", "reason"}),
		DecoderExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camera_gateway",
			Name:      "decoder_exits_total",
			Help:      "Decoder process exits.",
		}, []string{"device_id", "requested"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camera_gateway",
			Name:      "commands_total",
			Help:      "Commands handled, by name and status code.",
		}, []string{"command", "status"}),
		FleetDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "camera_gateway",
			Name:      "fleet_devices",
			Help:      "Active device sessions.",
		}),
		FleetHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "camera_gateway",
			Name:      "health_state",
			Help:      "Gateway health (2 good, 1 warning, 0 critical).",
		}),
		HealthStreak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "camera_gateway",
			Name:      "health_fail_streak",
			Help:      "Consecutive degraded health checks.",
		}),
		ModuleRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "camera_gateway",
			Name:      "module_restarts_total",
			Help:      "Module restarts requested.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesEmitted, m.FrameBytes, m.DemuxErrors, m.DecoderExits, m.Commands,
		m.FleetDevices, m.FleetHealth, m.HealthStreak, m.ModuleRestarts,
	)
	return m
}

func (m *Metrics) FrameEmitted(deviceID string, size int) {
	if m == nil {
		return
	}
	m.FramesEmitted.WithLabelValues(deviceID).Inc()
	m.FrameBytes.WithLabelValues(deviceID).Add(float64(size))
}

func (m *Metrics) DemuxError(deviceID, reason string) {
	if m == nil {
		return
	}
	m.DemuxErrors.WithLabelValues(deviceID, reason).Inc()
}

func (m *Metrics) DecoderExited(deviceID string, requested bool) {
	if m == nil {
		return
	}
	r := "false"
	if requested {
		r = "true"
	}
	m.DecoderExits.WithLabelValues(deviceID, r).Inc()
}

func (m *Metrics) CommandHandled(command string, status int) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, statusLabel(status)).Inc()
}

func (m *Metrics) SetFleet(devices int, health int, streak int) {
	if m == nil {
		return
	}
	m.FleetDevices.Set(float64(devices))
	m.FleetHealth.Set(float64(health))
	m.HealthStreak.Set(float64(streak))
}

func (m *Metrics) ModuleRestart() {
	if m == nil {
		return
	}
	m.ModuleRestarts.Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
