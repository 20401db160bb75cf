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

// HTTP metrics.
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

// Console core metrics.
var (
	authReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_auth_ready",
		Help: "1 once the auth lifecycle controller reached READY.",
	})

	privilegeChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_privilege_checks_total",
			Help: "Privilege resolutions by outcome.",
		},
		[]string{"result"},
	)

	syncRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_sync_refreshes_total",
			Help: "Realtime collection refreshes by collection and outcome.",
		},
		[]string{"collection", "result"},
	)

	feedNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_feed_notifications_total",
			Help: "Change-feed notifications received per table.",
		},
		[]string{"table"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "console_build_info",
			Help: "Always 1; labelled with the running build and its backend kind.",
		},
		[]string{"version", "commit", "backend"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authReady, privilegeChecks, syncRefreshes, feedNotifications, buildInfo,
		)
	})
}

// Handler serves the Prometheus exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InitBuildInfo publishes the running build. Only the latest call's series is kept.
func InitBuildInfo(version, commit, backend string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, backend).Set(1)
}

// SetAuthReady flips the readiness gauge.
func SetAuthReady(ready bool) {
	if ready {
		authReady.Set(1)
		return
	}
	authReady.Set(0)
}

// ObservePrivilegeCheck counts a resolution; result is "admin", "denied", "error" or "anonymous".
func ObservePrivilegeCheck(result string) {
	privilegeChecks.WithLabelValues(result).Inc()
}

// ObserveRefresh counts a synchronizer refresh.
func ObserveRefresh(collection string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	syncRefreshes.WithLabelValues(collection, result).Inc()
}

// ObserveNotification counts a change-feed signal for table.
func ObserveNotification(table string) {
	feedNotifications.WithLabelValues(table).Inc()
}

// Instrument wraps next with RPS, latency and in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var knownPaths = map[string]struct{}{
	"/":                 {},
	"/healthz":          {},
	"/readyz":           {},
	"/metrics":          {},
	"/v1/info":          {},
	"/v1/auth/session":  {},
	"/v1/auth/signin":   {},
	"/v1/auth/signout":  {},
	"/v1/rides":         {},
	"/v1/rides/stream":  {},
	"/v1/dashboard":     {},
	"/v1/drivers":       {},
	"/v1/errors":        {},
	"/v1/settings/maps": {},
}

// CanonicalPath bounds label cardinality: unknown paths collapse to "other".
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

// statusWriter records the response code. Flush is forwarded so SSE keeps working.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
