package metrics

import (
	"net/http" // HTTP handler type
	"strconv"  // Status code formatting
	"time"     // Request timing

	"github.com/gin-gonic/gin"                                // Gin web framework
	"github.com/prometheus/client_golang/prometheus"          // Collectors
	"github.com/prometheus/client_golang/prometheus/promhttp" // Exposition handler
)

var (
	// Registry holds the escrow service collectors
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "transactions",
			Name:      "transitions_total",
			Help:      "Applied transaction status transitions.",
		},
		[]string{"action", "from", "to"},
	)

	denials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "permissions",
			Name:      "denied_total",
			Help:      "Actions refused by the permission engine.",
		},
		[]string{"action", "role", "status"},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries committed, by type.",
		},
		[]string{"type"},
	)

	externalCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "external",
			Name:      "call_duration_seconds",
			Help:      "Duration of payment processor and blob store calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"service", "op", "outcome"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Periodic job runs and the number of transactions each touched.",
		},
		[]string{"job", "success"},
	)

	reconcilePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "jobs",
			Name:      "reconcile_pending",
			Help:      "Transactions flagged for reconciliation at the last sweep.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		transitions,
		denials,
		ledgerEntries,
		externalCalls,
		jobRuns,
		reconcilePending,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latencies per route template
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now() // Request start
		c.Next()
		path := c.FullPath() // Route template keeps label cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordTransition counts an applied status transition
func RecordTransition(action, from, to string) {
	transitions.WithLabelValues(action, from, to).Inc()
}

// RecordDenial counts a refused action
func RecordDenial(action, role, status string) {
	denials.WithLabelValues(action, role, status).Inc()
}

// RecordLedgerEntry counts a committed ledger entry
func RecordLedgerEntry(entryType string) {
	ledgerEntries.WithLabelValues(entryType).Inc()
}

// RecordExternalCall observes one external call attempt
func RecordExternalCall(service, op, outcome string, d time.Duration) {
	externalCalls.WithLabelValues(service, op, outcome).Observe(d.Seconds())
}

// RecordJobRun counts a periodic job run
func RecordJobRun(job string, success bool) {
	jobRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
}

// SetReconcilePending reports the reconciliation backlog
func SetReconcilePending(n int) {
	reconcilePending.Set(float64(n))
}
