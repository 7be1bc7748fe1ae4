package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	x402Once sync.Once
	x402Reg  *X402Metrics

	ingestOnce sync.Once
	ingestReg  *IngestMetrics

	queueOnce sync.Once
	queueReg  *QueueMetrics

	bundlerOnce sync.Once
	bundlerReg  *BundlerMetrics

	oracleOnce sync.Once
	oracleReg  *OracleMetrics
)

// LedgerMetrics records reserve/refund/check/finalize activity on the credit ledger.
type LedgerMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bundlegw",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bundlegw",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
		}
		prometheus.MustRegister(ledgerReg.operations, ledgerReg.latency)
	})
	return ledgerReg
}

// Observe records the outcome of a ledger operation.
func (m *LedgerMetrics) Observe(op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(took.Seconds())
}

// X402Metrics tracks the gasless payment protocol state machine.
type X402Metrics struct {
	transitions *prometheus.CounterVec
	settlement  prometheus.Histogram
}

// X402 returns the lazily-initialised gasless payment metrics registry.
func X402() *X402Metrics {
	x402Once.Do(func() {
		x402Reg = &X402Metrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bundlegw",
				Subsystem: "x402",
				Name:      "transitions_total",
				Help:      "Payment state transitions segmented by target state.",
			}, []string{"state"}),
			settlement: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "bundlegw",
				Subsystem: "x402",
				Name:      "settlement_duration_seconds",
				Help:      "Duration of on-chain settlement calls.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(x402Reg.transitions, x402Reg.settlement)
	})
	return x402Reg
}

// Transition counts a payment reaching the named state.
func (m *X402Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(strings.ToLower(state)).Inc()
}

// ObserveSettlement records the duration of a facilitator settlement call.
func (m *X402Metrics) ObserveSettlement(took time.Duration) {
	if m == nil {
		return
	}
	m.settlement.Observe(took.Seconds())
}

// IngestMetrics tracks the upload ingestion path.
type IngestMetrics struct {
	uploads *prometheus.CounterVec
	bytes   prometheus.Counter
	inFlight prometheus.Gauge
}

// Ingest returns the lazily-initialised ingestion metrics registry.
func Ingest() *IngestMetrics {
	ingestOnce.Do(func() {
		ingestReg = &IngestMetrics{
			uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bundlegw",
				Subsystem: "ingest",
				Name:      "uploads_total",
				Help:      "Uploads processed segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			bytes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bundlegw",
				Subsystem: "ingest",
				Name:      "bytes_total",
				Help:      "Total payload bytes accepted.",
			}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bundlegw",
				Subsystem: "ingest",
				Name:      "in_flight",
				Help:      "Uploads currently being processed.",
			}),
		}
		prometheus.MustRegister(ingestReg.uploads, ingestReg.bytes, ingestReg.inFlight)
	})
	return ingestReg
}

// Observe records an upload outcome and its accepted byte count.
func (m *IngestMetrics) Observe(route string, accepted int64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.uploads.WithLabelValues(route, outcome).Inc()
	if err == nil && accepted > 0 {
		m.bytes.Add(float64(accepted))
	}
}

// TrackInFlight adjusts the in-flight gauge by delta.
func (m *IngestMetrics) TrackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

// QueueMetrics tracks the durable job queue fabric.
type QueueMetrics struct {
	jobs    *prometheus.CounterVec
	depth   *prometheus.GaugeVec
	retries *prometheus.CounterVec
}

// Queue returns the lazily-initialised queue metrics registry.
func Queue() *QueueMetrics {
	queueOnce.Do(func() {
		queueReg = &QueueMetrics{
			jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bundlegw",
				Subsystem: "queue",
				Name:      "jobs_total",
				Help:      "Jobs processed segmented by queue and outcome.",
			}, []string{"queue", "outcome"}),
			depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "bundlegw",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Pending jobs per queue.",
			}, []string{"queue"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bundlegw",
				Subsystem: "queue",
				Name:      "retries_total",
				Help:      "Job retry attempts per queue.",
			}, []string{"queue"}),
		}
		prometheus.MustRegister(queueReg.jobs, queueReg.depth, queueReg.retries)
	})
	return queueReg
}

// Job records a completed or failed job for the queue.
func (m *QueueMetrics) Job(queue string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobs.WithLabelValues(queue, outcome).Inc()
}

// Retry counts a retry attempt on the queue.
func (m *QueueMetrics) Retry(queue string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(queue).Inc()
}

// SetDepth publishes the pending depth for the queue.
func (m *QueueMetrics) SetDepth(queue string, depth float64) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(queue).Set(depth)
}

// BundlerMetrics tracks bundle pipeline progress.
type BundlerMetrics struct {
	bundles *prometheus.CounterVec
	items   *prometheus.CounterVec
	size    prometheus.Histogram
}

// Bundler returns the lazily-initialised bundler metrics registry.
func Bundler() *BundlerMetrics {
	bundlerOnce.Do(func() {
		bundlerReg = &BundlerMetrics{
			bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bundlegw",
				Subsystem: "bundler",
				Name:      "bundles_total",
				Help:      "Bundle transitions segmented by stage.",
			}, []string{"stage"}),
			items: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bundlegw",
				Subsystem: "bundler",
				Name:      "items_total",
				Help:      "Item transitions segmented by state.",
			}, []string{"state"}),
			size: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "bundlegw",
				Subsystem: "bundler",
				Name:      "bundle_bytes",
				Help:      "Distribution of assembled bundle payload sizes.",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
			}),
		}
		prometheus.MustRegister(bundlerReg.bundles, bundlerReg.items, bundlerReg.size)
	})
	return bundlerReg
}

// Bundle counts a bundle reaching the named stage.
func (m *BundlerMetrics) Bundle(stage string) {
	if m == nil {
		return
	}
	m.bundles.WithLabelValues(stage).Inc()
}

// Items counts n items entering the named state.
func (m *BundlerMetrics) Items(state string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.items.WithLabelValues(state).Add(float64(n))
}

// ObserveBundleSize records the payload size of an assembled bundle.
func (m *BundlerMetrics) ObserveBundleSize(size int64) {
	if m == nil {
		return
	}
	m.size.Observe(float64(size))
}

// OracleMetrics tracks pricing oracle health.
type OracleMetrics struct {
	fetches   *prometheus.CounterVec
	staleness *prometheus.GaugeVec
}

// Oracle returns the lazily-initialised oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleReg = &OracleMetrics{
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bundlegw",
				Subsystem: "oracle",
				Name:      "fetches_total",
				Help:      "Oracle fetch attempts segmented by feed and outcome.",
			}, []string{"feed", "outcome"}),
			staleness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "bundlegw",
				Subsystem: "oracle",
				Name:      "staleness_seconds",
				Help:      "Age of the cached value served per feed.",
			}, []string{"feed"}),
		}
		prometheus.MustRegister(oracleReg.fetches, oracleReg.staleness)
	})
	return oracleReg
}

// Fetch records an oracle fetch outcome.
func (m *OracleMetrics) Fetch(feed string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(feed, outcome).Inc()
}

// SetStaleness publishes the served cache age for the feed.
func (m *OracleMetrics) SetStaleness(feed string, age time.Duration) {
	if m == nil {
		return
	}
	m.staleness.WithLabelValues(feed).Set(age.Seconds())
}
