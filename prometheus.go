package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/shirou/gopsutil/v3/cpu"
)

// PrometheusMetrics holds all Prometheus metric collectors for pipeline and system metrics.
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	gatherer prometheus.Gatherer

	// Pipeline metrics (all with 'source' label)
	cyclesTotal              *prometheus.CounterVec   // Completed feedback cycles
	cycleDuration            *prometheus.HistogramVec // Acquire to render latency
	renderErrorsTotal        *prometheus.CounterVec   // Cycles whose render failed
	acquisitionTimeoutsTotal *prometheus.CounterVec   // Cycles that reused a stale window
	failuresTotal            *prometheus.CounterVec   // Pipeline terminations (by source and kind)
	pipelineState            *prometheus.GaugeVec     // 0=configuring 1=buffering 2=running 3=stopped
	lastCycle                *prometheus.GaugeVec     // Unix timestamp of the last cycle
	pipelinesActive          prometheus.Gauge         // Pipelines whose goroutine is alive

	// Calibration metrics (with 'source' label)
	calibrationLow      *prometheus.GaugeVec // Lower display bound in dB
	calibrationHigh     *prometheus.GaugeVec // Upper display bound in dB
	calibrationWarmedUp *prometheus.GaugeVec // 1 once the history is full

	// Band power (with 'source' and 'channel' labels)
	bandPower *prometheus.GaugeVec

	// RTP acquisition metrics
	rtpPacketsTotal *prometheus.CounterVec // Accepted packets (by source)
	rtpDroppedTotal *prometheus.CounterVec // Dropped packets (by source and reason)

	// WebSocket metrics
	wsConnectionsTotal   *prometheus.CounterVec // Viewer connections established (by source)
	wsDisconnectsTotal   *prometheus.CounterVec // Viewer disconnections (by source)
	wsActiveConnections  *prometheus.GaugeVec   // Currently connected viewers (by source)
	wsFramesSentTotal    *prometheus.CounterVec // Frames queued to viewers (by source)
	wsFramesDroppedTotal *prometheus.CounterVec // Frames dropped because a viewer was slow (by source)

	// MQTT metrics
	mqttPublishedTotal *prometheus.CounterVec // Messages published (by kind: power, metrics)
	mqttFailuresTotal  *prometheus.CounterVec // Failed publishes (by kind)

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter // Total push attempts to Pushgateway
	pushgatewaySuccessTotal  prometheus.Counter // Successful pushes to Pushgateway
	pushgatewayFailuresTotal prometheus.Counter // Failed pushes to Pushgateway
	pushgatewayLastPushTime  prometheus.Gauge   // Unix timestamp of last successful push

	// Resource metrics
	goroutineCount   prometheus.Gauge // Current number of goroutines
	memoryAllocBytes prometheus.Gauge // Currently allocated bytes
	memoryHeapBytes  prometheus.Gauge // Heap allocated bytes
	gcPauseSeconds   prometheus.Gauge // Most recent GC pause
	cpuUsagePercent  prometheus.Gauge // System-wide CPU usage
	cpuCores         prometheus.Gauge // Physical cores reported by the host
}

// NewPrometheusMetrics creates and registers all collectors. A nil registry
// selects the default Prometheus registry.
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	pm := &PrometheusMetrics{
		gatherer: gatherer,

		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_cycles_total",
				Help: "Total completed feedback cycles by source",
			},
			[]string{"source"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_cycle_duration_seconds",
				Help:    "Time from window acquisition to render handoff",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"source"},
		),
		renderErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_render_errors_total",
				Help: "Total cycles whose render failed",
			},
			[]string{"source"},
		),
		acquisitionTimeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_acquisition_timeouts_total",
				Help: "Total cycles that reused the previous window because no new samples arrived",
			},
			[]string{"source"},
		),
		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_failures_total",
				Help: "Total pipeline terminations by source and kind",
			},
			[]string{"source", "kind"},
		),
		pipelineState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_state",
				Help: "Pipeline state (0=configuring, 1=buffering, 2=running, 3=stopped)",
			},
			[]string{"source"},
		),
		lastCycle: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_last_cycle_timestamp_seconds",
				Help: "Unix timestamp of the last completed cycle",
			},
			[]string{"source"},
		),
		pipelinesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipelines_active",
				Help: "Number of pipelines currently running",
			},
		),

		calibrationLow: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "calibration_low_db",
				Help: "Lower display bound (10th percentile of recent minima) in dB",
			},
			[]string{"source"},
		),
		calibrationHigh: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "calibration_high_db",
				Help: "Upper display bound (90th percentile of recent maxima) in dB",
			},
			[]string{"source"},
		),
		calibrationWarmedUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "calibration_warmed_up",
				Help: "1 once the calibration history is full",
			},
			[]string{"source"},
		),

		bandPower: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "band_power_db",
				Help: "Most recent band power by source and channel in dB",
			},
			[]string{"source", "channel"},
		),

		rtpPacketsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtp_packets_total",
				Help: "Total RTP sample packets accepted by source",
			},
			[]string{"source"},
		),
		rtpDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtp_packets_dropped_total",
				Help: "Total RTP packets dropped by source and reason",
			},
			[]string{"source", "reason"},
		),

		wsConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websocket_connections_total",
				Help: "Total viewer WebSocket connections established",
			},
			[]string{"source"},
		),
		wsDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websocket_disconnects_total",
				Help: "Total viewer WebSocket disconnections",
			},
			[]string{"source"},
		),
		wsActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "websocket_active_connections",
				Help: "Currently connected viewers",
			},
			[]string{"source"},
		),
		wsFramesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websocket_frames_sent_total",
				Help: "Total power frames queued to viewers",
			},
			[]string{"source"},
		),
		wsFramesDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websocket_frames_dropped_total",
				Help: "Total power frames dropped because a viewer queue was full",
			},
			[]string{"source"},
		),

		mqttPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqtt_published_total",
				Help: "Total MQTT messages published by kind",
			},
			[]string{"kind"},
		),
		mqttFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqtt_failures_total",
				Help: "Total failed MQTT publishes by kind",
			},
			[]string{"kind"},
		),

		pushgatewayPushesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pushgateway_pushes_total",
				Help: "Total number of push attempts to Pushgateway",
			},
		),
		pushgatewaySuccessTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pushgateway_success_total",
				Help: "Total number of successful pushes to Pushgateway",
			},
		),
		pushgatewayFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pushgateway_failures_total",
				Help: "Total number of failed pushes to Pushgateway",
			},
		),
		pushgatewayLastPushTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pushgateway_last_push_timestamp_seconds",
				Help: "Unix timestamp of last successful push to Pushgateway",
			},
		),

		goroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "go_goroutines_current",
				Help: "Current number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Currently allocated memory in bytes",
			},
		),
		memoryHeapBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_heap_bytes",
				Help: "Heap allocated memory in bytes",
			},
		),
		gcPauseSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gc_pause_seconds",
				Help: "Duration of the most recent GC pause",
			},
		),
		cpuUsagePercent: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cpu_usage_percent",
				Help: "System-wide CPU usage percentage",
			},
		),
		cpuCores: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cpu_cores",
				Help: "Number of physical CPU cores",
			},
		),
	}

	// Sum cores across all CPUs (for multi-socket systems)
	if info, err := cpu.Info(); err == nil {
		cores := 0
		for _, cpuInfo := range info {
			cores += int(cpuInfo.Cores)
		}
		pm.cpuCores.Set(float64(cores))
	}

	return pm
}

// Gatherer returns the registry these metrics are registered with
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	if pm == nil {
		return prometheus.DefaultGatherer
	}
	return pm.gatherer
}

// SetPipelineState records the lifecycle state of a pipeline
func (pm *PrometheusMetrics) SetPipelineState(source string, state LoopState) {
	if pm == nil {
		return
	}
	pm.pipelineState.WithLabelValues(source).Set(float64(state))
}

// RecordCycle records one completed cycle and its output
func (pm *PrometheusMetrics) RecordCycle(source string, elapsed time.Duration, names []string, power []float64, bounds Bounds) {
	if pm == nil {
		return
	}
	pm.cyclesTotal.WithLabelValues(source).Inc()
	pm.cycleDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	pm.lastCycle.WithLabelValues(source).Set(float64(time.Now().Unix()))
	pm.calibrationLow.WithLabelValues(source).Set(bounds.Low)
	pm.calibrationHigh.WithLabelValues(source).Set(bounds.High)
	for i, name := range names {
		if i < len(power) {
			pm.bandPower.WithLabelValues(source, name).Set(power[i])
		}
	}
}

// RecordRenderError counts a failed render
func (pm *PrometheusMetrics) RecordRenderError(source string) {
	if pm == nil {
		return
	}
	pm.renderErrorsTotal.WithLabelValues(source).Inc()
}

// RecordAcquisitionTimeout counts a cycle that reused a stale window
func (pm *PrometheusMetrics) RecordAcquisitionTimeout(source string) {
	if pm == nil {
		return
	}
	pm.acquisitionTimeoutsTotal.WithLabelValues(source).Inc()
}

// RecordPipelineFailure counts a pipeline termination
func (pm *PrometheusMetrics) RecordPipelineFailure(source, kind string) {
	if pm == nil {
		return
	}
	pm.failuresTotal.WithLabelValues(source, kind).Inc()
}

// SetCalibrationWarmedUp marks the calibration history of source as full
func (pm *PrometheusMetrics) SetCalibrationWarmedUp(source string) {
	if pm == nil {
		return
	}
	pm.calibrationWarmedUp.WithLabelValues(source).Set(1)
}

// PipelineStarted increments the active pipeline gauge
func (pm *PrometheusMetrics) PipelineStarted() {
	if pm == nil {
		return
	}
	pm.pipelinesActive.Inc()
}

// PipelineStopped decrements the active pipeline gauge
func (pm *PrometheusMetrics) PipelineStopped() {
	if pm == nil {
		return
	}
	pm.pipelinesActive.Dec()
}

// RecordRTPPacket counts an accepted RTP packet
func (pm *PrometheusMetrics) RecordRTPPacket(source string) {
	if pm == nil {
		return
	}
	pm.rtpPacketsTotal.WithLabelValues(source).Inc()
}

// RecordRTPDrop counts a dropped RTP packet
func (pm *PrometheusMetrics) RecordRTPDrop(source, reason string) {
	if pm == nil {
		return
	}
	pm.rtpDroppedTotal.WithLabelValues(source, reason).Inc()
}

// WebSocket connection tracking methods

func (pm *PrometheusMetrics) RecordWSConnection(source string) {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.WithLabelValues(source).Inc()
	pm.wsActiveConnections.WithLabelValues(source).Inc()
}

func (pm *PrometheusMetrics) RecordWSDisconnect(source string) {
	if pm == nil {
		return
	}
	pm.wsDisconnectsTotal.WithLabelValues(source).Inc()
	pm.wsActiveConnections.WithLabelValues(source).Dec()
}

func (pm *PrometheusMetrics) RecordWSFrame(source string, dropped bool) {
	if pm == nil {
		return
	}
	if dropped {
		pm.wsFramesDroppedTotal.WithLabelValues(source).Inc()
		return
	}
	pm.wsFramesSentTotal.WithLabelValues(source).Inc()
}

// RecordMQTTPublish counts an MQTT publish attempt of the given kind
func (pm *PrometheusMetrics) RecordMQTTPublish(kind string, err error) {
	if pm == nil {
		return
	}
	if err != nil {
		pm.mqttFailuresTotal.WithLabelValues(kind).Inc()
		return
	}
	pm.mqttPublishedTotal.WithLabelValues(kind).Inc()
}

// updateResourceMetrics updates runtime and host resource metrics
func (pm *PrometheusMetrics) updateResourceMetrics() {
	if pm == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))

	// Convert nanoseconds to seconds
	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		pm.gcPauseSeconds.Set(float64(lastPause) / 1e9)
	}

	// Non-blocking: compares against the previous call
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		pm.cpuUsagePercent.Set(percents[0])
	}
}

// StartResourceMetricsWorker refreshes resource metrics every interval until ctx is done
func (pm *PrometheusMetrics) StartResourceMetricsWorker(ctx context.Context, interval time.Duration) {
	if pm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		pm.updateResourceMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.updateResourceMetrics()
			}
		}
	}()
}

// StartPushgatewayWorker starts a goroutine that periodically pushes metrics to Pushgateway
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config) {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}

	pgConfig := config.Prometheus.Pushgateway
	interval := time.Duration(pgConfig.Interval) * time.Second

	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%v",
		pgConfig.URL, pgConfig.Job, pgConfig.Instance, interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Push immediately on start
		pm.pushOnce(config)

		for {
			select {
			case <-ctx.Done():
				log.Println("Pushgateway worker stopped")
				return
			case <-ticker.C:
				pm.pushOnce(config)
			}
		}
	}()
}

func (pm *PrometheusMetrics) pushOnce(config *Config) {
	pm.pushgatewayPushesTotal.Inc()
	if err := pm.pushToGateway(config); err != nil {
		pm.pushgatewayFailuresTotal.Inc()
		log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
		return
	}
	pm.pushgatewaySuccessTotal.Inc()
	pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
	if DebugMode {
		log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
	}
}

// pushToGateway pushes all metrics to the Pushgateway with the instance and version as labels
func (pm *PrometheusMetrics) pushToGateway(config *Config) error {
	if pm == nil {
		return fmt.Errorf("prometheus metrics not initialized")
	}

	pgConfig := config.Prometheus.Pushgateway

	pusher := push.New(pgConfig.URL, pgConfig.Job).Gatherer(pm.gatherer)
	if pgConfig.Instance != "" && pgConfig.Token != "" {
		pusher = pusher.BasicAuth(pgConfig.Instance, pgConfig.Token)
	}
	if pgConfig.Instance != "" {
		pusher = pusher.Grouping("instance", pgConfig.Instance)
	}
	pusher = pusher.Grouping("version", Version)

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
