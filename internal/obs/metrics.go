package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

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

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_auth_tokens_issued_total",
			Help: "Auth tokens issued, by class.",
		},
		[]string{"class"},
	)

	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_auth_failures_total",
			Help: "Rejected badge authentication attempts, by reason.",
		},
		[]string{"reason"},
	)

	tokensSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "badge_tokens_swept_total",
		Help: "Expired auth tokens removed by the sweeper.",
	})

	archiveRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_archive_entries_rejected_total",
			Help: "Archive entries skipped during extraction, by reason.",
		},
		[]string{"reason"},
	)

	otaUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_ota_updates_total",
			Help: "OTA update requests, by result.",
		},
		[]string{"result"},
	)
)

// Init registers the service metrics with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			tokensIssued, authFailures, tokensSwept, archiveRejected, otaUpdates,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func TokenIssued(class string)           { tokensIssued.WithLabelValues(class).Inc() }
func AuthFailure(reason string)          { authFailures.WithLabelValues(reason).Inc() }
func TokensSwept(n int64)                { tokensSwept.Add(float64(n)) }
func ArchiveEntryRejected(reason string) { archiveRejected.WithLabelValues(reason).Inc() }
func OTAUpdate(result string)            { otaUpdates.WithLabelValues(result).Inc() }

var knownPaths = map[string]struct{}{
	"/":            {},
	"/register":    {},
	"/auth":        {},
	"/ota_update":  {},
	"/name":        {},
	"/image":       {},
	"/clear_image": {},
	"/admin/apps":  {},
	"/healthz":     {},
	"/readyz":      {},
	"/metrics":     {},
	"/v1/info":     {},
}

// CanonicalPath maps a request path onto a bounded label set.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "unmatched"
}

// Instrument records in-flight, count and latency for every request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
