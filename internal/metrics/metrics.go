// Пакет metrics регистрирует Prometheus-метрики движка: HTTP-метрики
// админ-поверхности плюс метрики допуска, writeback-очередей,
// replay-guard'ов и цикла коммита (spec §5 "engine exposes metrics for
// admission occupancy, writeback backlog, replay-guard skips, and
// commit-cycle duration"). Грунтуется на teacher'овском
// internal/api/middleware/metrics.go (promauto-паттерн CounterVec/
// HistogramVec/GaugeVec), обобщённом с HTTP на весь движок.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP-метрики админ-поверхности.
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstore_http_requests_total",
			Help: "Total admin HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xstore_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Движковые метрики — обновляются из соответствующих пакетов, а не
// собираются здесь.
var (
	// AdmissionOps/AdmissionBytes — occupancy of the admission throttle
	// (spec §4.4), sampled periodically by whoever polls Throttle.InFlight.
	AdmissionOps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xstore_admission_ops_inflight",
		Help: "Operations currently reserved against the admission throttle",
	})
	AdmissionBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xstore_admission_bytes_inflight",
		Help: "Bytes currently reserved against the admission throttle",
	})

	// WritebackQueueDepth — per-shard dirty-range backlog (spec §5
	// writeback throttling), labeled by shard so a single stuck shard is
	// visible.
	WritebackQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xstore_writeback_queue_depth_bytes",
			Help: "Bytes of dirty ranges queued per writeback shard",
		},
		[]string{"shard"},
	)

	// ReplayGuardSkipsTotal — ops that a replay-guard check determined
	// were already applied and were skipped (spec §4.5).
	ReplayGuardSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstore_replay_guard_skips_total",
			Help: "Operations skipped by a replay guard during journal replay",
		},
		[]string{"scope"}, // "object", "collection", or "global"
	)

	// CommitCycleDuration/CommitCycleFailuresTotal — the periodic sync
	// thread's cost and failure count (spec §4.6).
	CommitCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xstore_commit_cycle_duration_seconds",
		Help:    "Duration of one commit cycle (pause, commit-start-safe, persist)",
		Buckets: prometheus.DefBuckets,
	})
	CommitCycleFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xstore_commit_cycle_failures_total",
		Help: "Commit cycles that failed to persist and triggered a fault",
	})

	// QueueDepth — apply-queue depth summed across all sequencers,
	// sampled by whoever owns the sequencer registry (internal/engine).
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xstore_queue_depth",
		Help: "Total ops queued across every sequencer's apply-queue",
	})
)

// Middleware wraps an http.Handler with request-count and latency
// instrumentation, keyed by a normalized path to bound label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// normalizePath collapses the admin surface's small, fixed route set;
// there are no path parameters to strip beyond the routes themselves,
// and any other path is reported as "other".
func normalizePath(path string) string {
	switch path {
	case "/healthz", "/metrics", "/admin/flush", "/admin/sync", "/admin/snapshot":
		return path
	default:
		return "other"
	}
}
