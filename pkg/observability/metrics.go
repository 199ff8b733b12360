package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hadron"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "commands_total",
			Help:      "Normalized commands by channel and outcome.",
		},
		[]string{"kind", "result"},
	)
	controlTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "ticks_total",
			Help:      "Control loop ticks by mode.",
		},
		[]string{"mode"},
	)
	modeChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "mode_changes_total",
			Help:      "Control loop mode transitions by new mode.",
		},
		[]string{"mode"},
	)
	framesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "frames_published_total",
			Help:      "Camera frames published to subscribers.",
		},
	)
	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "frames_dropped_total",
			Help:      "Frames overwritten before a subscriber read them.",
		},
	)
	streamDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "degraded",
			Help:      "1 while the camera stream is degraded.",
		},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Connected client sessions.",
		},
	)
)

// RegisterMetrics registers collectors with the default registry. Safe
// to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			commands,
			controlTicks, modeChanges,
			framesPublished, framesDropped, streamDegraded,
			sessions,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordCommand counts a command outcome: accepted, rejected, or dropped.
func RecordCommand(kind, result string) {
	RegisterMetrics()
	commands.WithLabelValues(kind, result).Inc()
}

func RecordControlTick(mode string) {
	RegisterMetrics()
	controlTicks.WithLabelValues(mode).Inc()
}

func RecordModeChange(mode string) {
	RegisterMetrics()
	modeChanges.WithLabelValues(mode).Inc()
}

func RecordFrame(dropped int) {
	RegisterMetrics()
	framesPublished.Inc()
	if dropped > 0 {
		framesDropped.Add(float64(dropped))
	}
}

func SetStreamDegraded(degraded bool) {
	RegisterMetrics()
	if degraded {
		streamDegraded.Set(1)
	} else {
		streamDegraded.Set(0)
	}
}

func SetSessions(n int) {
	RegisterMetrics()
	sessions.Set(float64(n))
}
