package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge.
type Metrics struct {
	ActiveCalls    prometheus.Gauge
	CallEvents     *prometheus.CounterVec
	LegMessages    *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	BlockingHold   prometheus.Histogram
	BufferedChunks prometheus.Histogram
	stageWindow    *callStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live bridged calls.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		LegMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leg_messages_total",
			Help:      "Messages by leg and direction.",
		}, []string{"leg", "direction"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by leg and code.",
		}, []string{"leg", "code"}),
		BlockingHold: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blocking_hold_ms",
			Help:      "Time the opening utterance was withheld pending validation, in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 1500, 2000, 3000, 5000},
		}),
		BufferedChunks: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "buffered_chunks_per_flush",
			Help:      "Audio chunks held per utterance at flush time.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		stageWindow: newCallStageWindow(256),
	}
}

func (m *Metrics) ObserveBlockingHold(d time.Duration) {
	m.BlockingHold.Observe(float64(d.Milliseconds()))
	m.ObserveCallStage("blocking_hold", d)
}

// ObserveCallStage records a latency sample into the rolling ops window.
func (m *Metrics) ObserveCallStage(stage string, d time.Duration) {
	if m == nil || m.stageWindow == nil {
		return
	}
	m.stageWindow.Observe(stage, float64(d.Milliseconds()))
}

// ObserveCallIndicator counts a named one-off event in the ops window.
func (m *Metrics) ObserveCallIndicator(name string) {
	if m == nil || m.stageWindow == nil {
		return
	}
	m.stageWindow.ObserveIndicator(name)
}

// StageSnapshot returns the rolling latency window for the ops endpoint.
func (m *Metrics) StageSnapshot() CallStageSnapshot {
	if m == nil || m.stageWindow == nil {
		return CallStageSnapshot{}
	}
	return m.stageWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
