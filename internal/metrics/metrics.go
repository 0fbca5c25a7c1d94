package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showtime_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "showtime_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showtime_notifications_scheduled_total",
			Help: "Total notifications accepted for future delivery",
		},
	)

	notificationsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showtime_notifications_finalized_total",
			Help: "Total notifications reaching a terminal status",
		},
		[]string{"status"},
	)

	reminderJobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showtime_reminder_jobs_enqueued_total",
			Help: "Total reminder jobs enqueued by the daily sweep",
		},
	)

	reminderJobsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showtime_reminder_jobs_deduplicated_total",
			Help: "Reminder jobs skipped because the job key already existed",
		},
	)

	pushSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showtime_push_sends_total",
			Help: "Per-token push attempts by outcome",
		},
		[]string{"outcome"},
	)

	tokensInvalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showtime_tokens_invalidated_total",
			Help: "Push tokens purged after the transport rejected them",
		},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "showtime_dispatch_duration_seconds",
			Help:    "Fan-out duration per fired job",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showtime_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"user_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "showtime_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "showtime_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationScheduled records an accepted scheduled notification
func RecordNotificationScheduled() {
	notificationsScheduled.Inc()
}

// RecordNotificationFinalized records a terminal status transition
func RecordNotificationFinalized(status string) {
	notificationsFinalized.WithLabelValues(status).Inc()
}

// RecordReminderJobsEnqueued adds to the sweep enqueue counter
func RecordReminderJobsEnqueued(n int) {
	reminderJobsEnqueued.Add(float64(n))
}

// RecordReminderJobsDeduplicated adds to the sweep dedup counter
func RecordReminderJobsDeduplicated(n int) {
	reminderJobsDeduplicated.Add(float64(n))
}

// RecordPushSend records one per-token push attempt.
// outcome is "ok", "invalid_token", or "error".
func RecordPushSend(outcome string) {
	pushSends.WithLabelValues(outcome).Inc()
}

// RecordTokensInvalidated adds purged token count
func RecordTokensInvalidated(n int) {
	tokensInvalidated.Add(float64(n))
}

// RecordDispatchDuration records fan-out time for one job
func RecordDispatchDuration(kind string, d time.Duration) {
	dispatchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(userID string) {
	rateLimitRejections.WithLabelValues(userID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
