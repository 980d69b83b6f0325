package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Per-direction frame counters
	EncodeFramesIn  atomic.Uint64
	EncodeFramesOut atomic.Uint64
	DecodeFramesIn  atomic.Uint64
	DecodeFramesOut atomic.Uint64

	// Rewrite outcomes
	FramesSubstituted atomic.Uint64
	FramesEncrypted   atomic.Uint64
	FramesDecrypted   atomic.Uint64
	FramesPassthrough atomic.Uint64
	AudioBypassed     atomic.Uint64

	// Contained per-frame failures
	ShortFrames    atomic.Uint64 // payload shorter than plaintext prefix or trailer
	MissingKey     atomic.Uint64 // cipher required but no key available
	DecryptErrors  atomic.Uint64
	FramesReleased atomic.Uint64 // accepted frames released on teardown

	// Stream and key state
	StreamLoads   atomic.Uint64
	StoredUnits   atomic.Uint64
	KeyChanges    atomic.Uint64
	KeyIdentifier atomic.Uint64
	UseOffset     atomic.Uint64 // 0 = whole payload transformed, 1 = crypto offset applied

	// Latency tracking
	ProcessLatencyUs atomic.Uint64 // Last per-frame transform latency in microseconds

	// Buffer usage
	EncodeBufferUsage atomic.Uint64 // Percentage (0-100)
	DecodeBufferUsage atomic.Uint64 // Percentage (0-100)

	// WebRTC viewer tracking
	ActiveViewers     atomic.Uint64
	TotalViewers      atomic.Uint64
	ViewerFramesSent  atomic.Uint64
	ViewerFramesDrops atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Frame counters
	m.gauge("frameinject_encode_frames_in_total", "Frames accepted by the encode pipeline", &m.EncodeFramesIn)
	m.gauge("frameinject_encode_frames_out_total", "Frames emitted by the encode pipeline", &m.EncodeFramesOut)
	m.gauge("frameinject_decode_frames_in_total", "Frames accepted by the decode pipeline", &m.DecodeFramesIn)
	m.gauge("frameinject_decode_frames_out_total", "Frames emitted by the decode pipeline", &m.DecodeFramesOut)

	// Rewrite outcomes
	m.gauge("frameinject_frames_substituted_total", "Outbound frames whose payload was substituted", &m.FramesSubstituted)
	m.gauge("frameinject_frames_encrypted_total", "Frames selectively encrypted", &m.FramesEncrypted)
	m.gauge("frameinject_frames_decrypted_total", "Frames selectively decrypted", &m.FramesDecrypted)
	m.gauge("frameinject_frames_passthrough_total", "Frames forwarded without modification", &m.FramesPassthrough)
	m.gauge("frameinject_audio_bypassed_total", "Audio frames forwarded untouched", &m.AudioBypassed)

	// Errors
	m.gauge("frameinject_short_frames_total", "Frames too short for the transform", &m.ShortFrames)
	m.gauge("frameinject_missing_key_total", "Frames forwarded in the clear for lack of a key", &m.MissingKey)
	m.gauge("frameinject_decrypt_errors_total", "Frames that failed to decrypt", &m.DecryptErrors)
	m.gauge("frameinject_frames_released_total", "Accepted frames released on pipeline teardown", &m.FramesReleased)

	// Stream and key state
	m.gauge("frameinject_stream_loads_total", "Annex-B streams loaded into the frame store", &m.StreamLoads)
	m.gauge("frameinject_stored_access_units", "Access units currently held by the frame store", &m.StoredUnits)
	m.gauge("frameinject_key_changes_total", "Distinct keys observed", &m.KeyChanges)
	m.gauge("frameinject_key_identifier", "Identifier of the active key", &m.KeyIdentifier)
	m.gauge("frameinject_use_crypto_offset", "Crypto offset enabled (0=off, 1=on)", &m.UseOffset)

	// Latency and buffers
	m.gauge("frameinject_process_latency_us", "Last per-frame transform latency in microseconds", &m.ProcessLatencyUs)
	m.gauge("frameinject_encode_buffer_usage_percent", "Encode output buffer usage percentage", &m.EncodeBufferUsage)
	m.gauge("frameinject_decode_buffer_usage_percent", "Decode output buffer usage percentage", &m.DecodeBufferUsage)

	// Viewers
	m.gauge("frameinject_active_viewers", "Number of active WebRTC viewers", &m.ActiveViewers)
	m.gauge("frameinject_total_viewers", "Total WebRTC viewers connected", &m.TotalViewers)
	m.gauge("frameinject_viewer_frames_sent_total", "Frames queued to WebRTC viewers", &m.ViewerFramesSent)
	m.gauge("frameinject_viewer_frames_dropped_total", "Frames dropped for slow WebRTC viewers", &m.ViewerFramesDrops)

	// Recording
	m.gauge("frameinject_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive)
	m.gauge("frameinject_recording_bytes", "Total bytes written to recording", &m.RecordingBytes)
	m.gauge("frameinject_recording_frames", "Total frames written to recording", &m.RecordingFrames)
}

// UpdateProcessLatency records the latency of one frame transform
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyUs.Store(uint64(duration.Microseconds()))
}

// UpdateBufferUsage updates the output buffer usage of one direction
func (m *Metrics) UpdateBufferUsage(encode bool, used, capacity int) {
	if capacity <= 0 {
		return
	}
	usage := uint64(used * 100 / capacity)
	if encode {
		m.EncodeBufferUsage.Store(usage)
	} else {
		m.DecodeBufferUsage.Store(usage)
	}
}

// Registry exposes the private registry (used by tests)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
