// Package metrics provides Prometheus instrumentation for the decision engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storeguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SnapshotsTotal counts aggregation cycles by result (computed, skipped).
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Metrics aggregation cycles by result.",
		},
		[]string{"result"},
	)

	// SnapshotAge is the age of the freshest snapshot in seconds.
	SnapshotAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_age_seconds",
		Help:      "Seconds since the freshest snapshot was taken.",
	})

	// RiskRecalculationsTotal counts risk profile recalculations by result.
	RiskRecalculationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_recalculations_total",
			Help:      "Risk profile recalculations by result (updated, skipped).",
		},
		[]string{"result"},
	)

	// PolicyProposalsTotal counts Policy Rule Engine proposals by action and outcome.
	PolicyProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_proposals_total",
			Help:      "Policy decisions proposed by action and outcome (proposed, deduplicated).",
		},
		[]string{"action", "outcome"},
	)

	// TransitionsTotal counts approval workflow transitions by kind and target state.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Approval workflow transitions by item kind and target state.",
		},
		[]string{"kind", "to_state"},
	)

	// SuggestionsTotal counts optimizer runs by outcome.
	SuggestionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revenue_optimize_runs_total",
			Help:      "Revenue optimizer runs by outcome (proposed or skip reason).",
		},
		[]string{"outcome"},
	)

	// RollbacksTotal counts automatic rollbacks by lever.
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revenue_rollbacks_total",
			Help:      "Automatic suggestion rollbacks by lever.",
		},
		[]string{"lever"},
	)

	// ReconciliationIncidentsTotal counts rollbacks whose revert failed.
	ReconciliationIncidentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "revenue_reconciliation_incidents_total",
		Help:      "Rollbacks that could not revert live config and need manual reconciliation.",
	})

	// MirrorFailuresTotal counts failed publishes of enforcement state to Redis.
	MirrorFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enforcement_mirror_failures_total",
		Help:      "Failed publishes of enforcement state to the Redis mirror.",
	})

	// MirrorCircuitTransitionsTotal counts mirror circuit breaker state changes.
	MirrorCircuitTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enforcement_mirror_circuit_transitions_total",
		Help:      "Enforcement mirror circuit breaker transitions by target state.",
	}, []string{"to_state"})

	// OrdersIngestedTotal counts raw order events ingested by source.
	OrdersIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_ingested_total",
			Help:      "Raw order events ingested by source (kafka, http).",
		},
		[]string{"source"},
	)

	// PendingItems tracks PENDING items awaiting approval by kind.
	PendingItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_items",
			Help:      "Items awaiting approval by kind.",
		},
		[]string{"kind"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SnapshotsTotal,
		SnapshotAge,
		RiskRecalculationsTotal,
		PolicyProposalsTotal,
		TransitionsTotal,
		SuggestionsTotal,
		RollbacksTotal,
		ReconciliationIncidentsTotal,
		MirrorFailuresTotal,
		MirrorCircuitTransitionsTotal,
		OrdersIngestedTotal,
		PendingItems,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps label cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
