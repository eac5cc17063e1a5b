package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relatorios",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relatorios",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relatorios",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	orderSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relatorios",
			Subsystem: "orders",
			Name:      "syncs_total",
			Help:      "Total number of order sync runs.",
		},
		[]string{"status"},
	)

	orderSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relatorios",
			Subsystem: "orders",
			Name:      "sync_duration_seconds",
			Help:      "Duration of order sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3m
		},
	)

	ordersSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relatorios",
			Subsystem: "orders",
			Name:      "orders_synced_total",
			Help:      "Total number of orders upserted by sync runs.",
		},
	)

	reportRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relatorios",
			Subsystem: "billing",
			Name:      "report_runs_total",
			Help:      "Total number of billing report pipeline runs.",
		},
		[]string{"status"},
	)

	reportRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relatorios",
			Subsystem: "billing",
			Name:      "report_run_duration_seconds",
			Help:      "Duration of report runs including the READY poll.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
		},
	)

	etlRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relatorios",
			Subsystem: "wpetl",
			Name:      "runs_total",
			Help:      "Total number of WordPress consolidation runs.",
		},
		[]string{"status"},
	)

	etlRowsLoaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relatorios",
			Subsystem: "wpetl",
			Name:      "rows_loaded_total",
			Help:      "Total rows loaded into pedidos_consolidados.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		orderSyncs,
		orderSyncDuration,
		ordersSynced,
		reportRuns,
		reportRunDuration,
		etlRuns,
		etlRowsLoaded,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordOrderSync records the outcome of one sync run.
func RecordOrderSync(orders int, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	orderSyncs.WithLabelValues(status).Inc()
	if duration > 0 {
		orderSyncDuration.Observe(duration.Seconds())
	}
	if orders > 0 {
		ordersSynced.Add(float64(orders))
	}
}

// RecordReportRun records the outcome of one report pipeline run.
func RecordReportRun(status string, duration time.Duration) {
	if status == "" {
		status = "error"
	}
	reportRuns.WithLabelValues(status).Inc()
	reportRunDuration.Observe(duration.Seconds())
}

// RecordETLRun records the outcome of one consolidation run.
func RecordETLRun(rows int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	etlRuns.WithLabelValues(status).Inc()
	if rows > 0 {
		etlRowsLoaded.Add(float64(rows))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses identifiers out of the path so label cardinality
// stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "catalog":
		if len(parts) <= 2 {
			return "/" + strings.Join(parts, "/")
		}
		if len(parts) >= 5 {
			return "/catalog/:schema/tables/:table/" + parts[4]
		}
		return "/catalog/:schema/" + parts[2]
	case "orders":
		if len(parts) == 1 {
			return "/orders"
		}
		return "/orders/:id"
	case "reports":
		if len(parts) <= 2 {
			return "/" + strings.Join(parts, "/")
		}
		if len(parts) >= 4 {
			return "/reports/sales/:id/" + parts[3]
		}
		return "/reports/sales/:id"
	default:
		return "/" + parts[0]
	}
}
