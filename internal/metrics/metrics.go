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
			Name: "mailburst_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailburst_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	emailsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailburst_emails_queued_total",
			Help: "Recipient send jobs enqueued, by priority",
		},
		[]string{"priority"},
	)

	emailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailburst_emails_sent_total",
			Help: "Email send attempts by outcome (sent, retried, failed, skipped)",
		},
		[]string{"outcome"},
	)

	sendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailburst_send_latency_seconds",
			Help:    "Duration of a single send attempt including transport",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailburst_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome (delivered, retried, failed)",
		},
		[]string{"outcome"},
	)

	webhookEventsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailburst_webhook_events_fired_total",
			Help: "Events fanned out to subscribed webhooks",
		},
		[]string{"event"},
	)

	trackingHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailburst_tracking_hits_total",
			Help: "Tracking endpoint hits (open, click, unsubscribe)",
		},
		[]string{"kind"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailburst_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter, per limiter name",
		},
		[]string{"limiter"},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailburst_jobs_in_flight",
			Help: "Jobs currently claimed by workers",
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

// RecordEmailQueued records a send job enqueue event
func RecordEmailQueued(priority string) {
	emailsQueued.WithLabelValues(priority).Inc()
}

// RecordEmailOutcome records the terminal outcome of a send attempt
func RecordEmailOutcome(outcome string) {
	emailsSent.WithLabelValues(outcome).Inc()
}

// RecordSendLatency records the duration of one transport send
func RecordSendLatency(d time.Duration) {
	sendLatency.Observe(d.Seconds())
}

// RecordWebhookDelivery records a webhook delivery attempt outcome
func RecordWebhookDelivery(outcome string) {
	webhookDeliveries.WithLabelValues(outcome).Inc()
}

// RecordEventFired records an event fan-out
func RecordEventFired(event string) {
	webhookEventsFired.WithLabelValues(event).Inc()
}

// RecordTrackingHit records an open/click/unsubscribe hit
func RecordTrackingHit(kind string) {
	trackingHits.WithLabelValues(kind).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(limiter string) {
	rateLimitRejections.WithLabelValues(limiter).Inc()
}

// AddJobsInFlight adjusts the in-flight job gauge
func AddJobsInFlight(delta int) {
	jobsInFlight.Add(float64(delta))
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
