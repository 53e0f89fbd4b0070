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

// Общие HTTP-метрики
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики подсистемы безопасности
var (
	loginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	accountLockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "security_account_lockouts_total",
		Help: "Accounts transitioned to the locked state.",
	})

	auditWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit entries that could not be written, by sink.",
		},
		[]string{"sink"},
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_dropped_total",
		Help: "Audit entries dropped because an async sink buffer was full.",
	})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttemptsTotal, accountLockoutsTotal, auditWriteFailures, auditDropped,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt outcome (success, challenge, ip_blocked, locked, invalid).
func ObserveLogin(outcome string) {
	loginAttemptsTotal.WithLabelValues(outcome).Inc()
}

func ObserveLockout() {
	accountLockoutsTotal.Inc()
}

func ObserveAuditFailure(sink string) {
	auditWriteFailures.WithLabelValues(sink).Inc()
}

func ObserveAuditDropped() {
	auditDropped.Inc()
}

// Обёртка для измерения RPS/latency/в полёте.
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

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "accounts":
		if len(parts) == 4 && (parts[3] == "unlock" || parts[3] == "login-attempts") {
			return "/v1/accounts/:id/" + parts[3]
		}
	case "tenants":
		if len(parts) == 4 && parts[3] == "policy" {
			return "/v1/tenants/:id/policy"
		}
	}
	return raw
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
