package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// GatewayMetrics holds the Prometheus collectors shared by the pipeline
// and its subsystems. All collectors are registered on a dedicated
// registry so tests can construct isolated instances.
type GatewayMetrics struct {
	// Requests counts pipeline completions by method and outcome
	// (outcome is "ok", "preflight", or the error kind).
	Requests *prometheus.CounterVec

	// Duration measures full pipeline latency by method.
	Duration *prometheus.HistogramVec

	// StoreSize tracks the current entry count of each bounded store
	// (labels: store = rate_limit | csrf | cache).
	StoreSize *prometheus.GaugeVec

	// SweepRemoved counts entries removed per sweep target.
	SweepRemoved *prometheus.CounterVec

	// SweepDuration measures sweep execution time.
	SweepDuration prometheus.Histogram

	// CompressedResponses counts compressor outcomes by algorithm
	// ("none" when compression was skipped).
	CompressedResponses *prometheus.CounterVec

	// Panics counts panics recovered at the dispatch boundary.
	Panics prometheus.Counter
}

// NewMetrics creates a new Prometheus registry with Go runtime
// collectors and all gateway collectors registered.
func NewMetrics() (*prometheus.Registry, *GatewayMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &GatewayMetrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "requests_total",
				Help:      "Total number of requests driven through the pipeline",
			},
			[]string{"method", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Pipeline latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		StoreSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "store_entries",
				Help:      "Current entry count per bounded store",
			},
			[]string{"store"},
		),
		SweepRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "sweep_removed_total",
				Help:      "Entries removed by the background sweeper per target",
			},
			[]string{"target"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of sweeper runs",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		CompressedResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "compressed_responses_total",
				Help:      "Compressor outcomes by negotiated algorithm",
			},
			[]string{"algorithm"},
		),
		Panics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "handler_panics_total",
				Help:      "Panics recovered at the handler dispatch boundary",
			},
		),
	}

	reg.MustRegister(
		m.Requests,
		m.Duration,
		m.StoreSize,
		m.SweepRemoved,
		m.SweepDuration,
		m.CompressedResponses,
		m.Panics,
	)

	return reg, m
}

// NopMetrics returns metrics registered on a throwaway registry, for tests
// and for embedders that do not scrape.
func NopMetrics() *GatewayMetrics {
	_, m := NewMetrics()
	return m
}
