package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics. Counters only: gauges for balances would duplicate the
// ledger, which the store owns.
var (
	tokensConsumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokens_consumed_total",
		Help: "Tokens successfully consumed for gated scans.",
	})

	tokensGrantedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_granted_total",
			Help: "Tokens credited to subjects.",
		},
		[]string{"reason"}, // initial | purchase
	)

	guestProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guest_provisions_total",
			Help: "Guest provisioning requests by outcome.",
		},
		[]string{"outcome"}, // created | reused
	)

	scanRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_records_total",
			Help: "Scan records written, by verdict and dedup outcome.",
		},
		[]string{"status", "dedup"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		tokensConsumedTotal, tokensGrantedTotal, guestProvisionsTotal, scanRecordsTotal,
	)
}

// Handler exposes the Prometheus endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncTokensConsumed counts one successful consume.
func IncTokensConsumed() { tokensConsumedTotal.Inc() }

// AddTokensGranted counts credited tokens by reason ("initial" or "purchase").
func AddTokensGranted(reason string, n int64) {
	if n > 0 {
		tokensGrantedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// IncGuestProvision counts a provisioning outcome ("created" or "reused").
func IncGuestProvision(outcome string) {
	guestProvisionsTotal.WithLabelValues(outcome).Inc()
}

// IncScanRecord counts a scan record write. dedup is "new" or "replayed".
func IncScanRecord(status, dedup string) {
	scanRecordsTotal.WithLabelValues(status, dedup).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-resource path segments so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "scans" && parts[2] != "" {
		switch parts[2] {
		case "analyze":
			return path
		default:
			return "/v1/scans/:id"
		}
	}
	return path
}

// statusWriter is a local copy so the wrapper can see the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
