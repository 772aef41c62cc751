package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Message log metrics
	recordsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messagelog_records_logged_total",
			Help: "Total number of message records persisted",
		},
		[]string{"mode"},
	)

	syncWaitTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messagelog_sync_wait_timeouts_total",
			Help: "Synchronous log calls that returned while the record was still pending",
		},
	)

	queueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messagelog_queue_size",
			Help: "Number of record ids waiting for a timestamp",
		},
	)

	timestampCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messagelog_timestamp_cycles_total",
			Help: "Timestamper cycles by outcome",
		},
		[]string{"result"},
	)

	timestampBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messagelog_timestamp_batch_size",
			Help:    "Number of records covered by one timestamp",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	tsaRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messagelog_tsa_requests_total",
			Help: "Time-stamping authority requests by endpoint and outcome",
		},
		[]string{"url", "result"},
	)

	tsaRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messagelog_tsa_request_duration_seconds",
			Help:    "Time-stamping authority request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"url"},
	)

	recordsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messagelog_records_failed_total",
			Help: "Records moved to the terminal FAILED state",
		},
		[]string{"stage"},
	)

	archiveCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messagelog_archive_cycles_total",
			Help: "Archiver cycles by outcome",
		},
		[]string{"result"},
	)

	archiveUnits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messagelog_archive_units_total",
			Help: "Archive containers sealed",
		},
	)

	archivedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messagelog_archived_records_total",
			Help: "Records written into archive containers",
		},
	)

	ocspLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocsp_cache_lookups_total",
			Help: "OCSP cache lookups by result",
		},
		[]string{"result"},
	)

	ocspFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocsp_fetches_total",
			Help: "OCSP responder fetches by result",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern uses the matched chi route so record ids do not explode
// label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	if len(r.URL.Path) > 100 {
		return "/..."
	}
	return r.URL.Path
}

// --- Message log helpers ---

// RecordLogged records a persisted message record
func RecordLogged(sync bool) {
	mode := "async"
	if sync {
		mode = "sync"
	}
	recordsLogged.WithLabelValues(mode).Inc()
}

// RecordSyncWaitTimeout records a synchronous wait that gave up
func RecordSyncWaitTimeout() {
	syncWaitTimeouts.Inc()
}

// SetQueueSize publishes the current queue length
func SetQueueSize(n int) {
	queueSize.Set(float64(n))
}

// RecordTimestampCycle records the outcome of a timestamper cycle
func RecordTimestampCycle(result string, batchSize int) {
	timestampCycles.WithLabelValues(result).Inc()
	if result == "ok" {
		timestampBatchSize.Observe(float64(batchSize))
	}
}

// RecordTSARequest records one request to a time-stamping authority
func RecordTSARequest(url string, ok bool, duration time.Duration) {
	result := "error"
	if ok {
		result = "ok"
	}
	tsaRequestsTotal.WithLabelValues(url, result).Inc()
	tsaRequestDuration.WithLabelValues(url).Observe(duration.Seconds())
}

// RecordFailed records records moved to FAILED
func RecordFailed(stage string, count int) {
	recordsFailed.WithLabelValues(stage).Add(float64(count))
}

// RecordArchiveCycle records the outcome of an archiver cycle
func RecordArchiveCycle(result string) {
	archiveCycles.WithLabelValues(result).Inc()
}

// RecordArchiveUnit records a sealed archive container
func RecordArchiveUnit(records int) {
	archiveUnits.Inc()
	archivedRecords.Add(float64(records))
}

// RecordOCSPLookup records an OCSP cache lookup
func RecordOCSPLookup(result string) {
	ocspLookups.WithLabelValues(result).Inc()
}

// RecordOCSPFetch records an OCSP responder fetch
func RecordOCSPFetch(result string) {
	ocspFetches.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
