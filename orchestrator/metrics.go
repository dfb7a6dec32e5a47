package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maastricht-university/soundscan/worker"
)

const metricsNamespace = "soundscan"

// Metrics instruments a scan. A nil *Metrics records nothing.
type Metrics struct {
	Files           *prometheus.CounterVec
	Frames          *prometheus.CounterVec
	WorkersReady    prometheus.Gauge
	BatchSeconds    prometheus.Histogram
	ScanSeconds     prometheus.Histogram
	ProgressPercent prometheus.Gauge
}

// NewMetrics registers the scan metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Files: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "files_total",
			Help:      "Files processed, by outcome (scanned, failed, cached, cancelled)",
		}, []string{"outcome"}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Audio frames, by whether they were scored or skipped by the noise gate",
		}, []string{"kind"}),
		WorkersReady: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers_ready",
			Help:      "Workers that finished initializing",
		}),
		BatchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time to clear one batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ScanSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of a whole scan",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		ProgressPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "progress_percent",
			Help:      "Progress of the running scan",
		}),
	}
}

func (m *Metrics) file(outcome string) {
	if m != nil {
		m.Files.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) frames(s worker.Stats) {
	if m != nil {
		m.Frames.WithLabelValues("scored").Add(float64(s.Scored))
		m.Frames.WithLabelValues("gated").Add(float64(s.Gated))
	}
}

func (m *Metrics) ready(n int) {
	if m != nil {
		m.WorkersReady.Set(float64(n))
	}
}

func (m *Metrics) progress(p int) {
	if m != nil {
		m.ProgressPercent.Set(float64(p))
	}
}

func (m *Metrics) batch(seconds float64) {
	if m != nil {
		m.BatchSeconds.Observe(seconds)
	}
}

func (m *Metrics) scan(seconds float64) {
	if m != nil {
		m.ScanSeconds.Observe(seconds)
	}
}
