package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry prometheus.Gatherer

	Admissions      *prometheus.CounterVec
	MintOutcomes    *prometheus.CounterVec
	MintLatency     prometheus.Histogram
	FatalErrors     prometheus.Counter
	StalePending    prometheus.Gauge
	ScannedBlock    *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
	HTTPLatency     *prometheus.HistogramVec
	VerifyRejection *prometheus.CounterVec
}

// New registers every bridge metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: gatherer,
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_ledger_admissions_total",
			Help: "Ledger admissions by outcome",
		}, []string{"outcome"}),
		MintOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_mint_outcomes_total",
			Help: "Mint attempts by final outcome",
		}, []string{"outcome"}),
		MintLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_mint_duration_seconds",
			Help:    "Time from admission to a settled mint record",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}),
		FatalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_fatal_consistency_errors_total",
			Help: "Invalid ledger transitions; each one needs manual inspection",
		}),
		StalePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_stale_pending_records",
			Help: "Pending mint records older than the configured maximum age",
		}),
		ScannedBlock: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_scanned_block",
			Help: "Last source block scanned for lock events",
		}, []string{"chain"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total HTTP requests processed, labeled by status code",
		}, []string{"method", "endpoint", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "Latency distribution of HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
		}, []string{"method", "endpoint"}),
		VerifyRejection: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_verify_rejections_total",
			Help: "Lock verifications that did not yield a lock event, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMint(outcome string, started time.Time) {
	m.MintOutcomes.WithLabelValues(outcome).Inc()
	m.MintLatency.Observe(time.Since(started).Seconds())
}
