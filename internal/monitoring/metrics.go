package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Image provider metrics
	ProviderLatency  *prometheus.HistogramVec
	ProviderRequests *prometheus.CounterVec

	// Generation metrics
	GenerationsTotal   *prometheus.CounterVec
	CreditsSpentTotal  prometheus.Counter
	CreditsIssuedTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Webhook metrics
	WebhookEvents *prometheus.CounterVec

	// Pairing metrics
	PairingSessions *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		ProviderLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "image_provider_latency_seconds",
				Help:    "Image provider response latency in seconds",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"model", "quality_tier"},
		),
		ProviderRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_provider_requests_total",
				Help: "Total number of requests to the image provider",
			},
			[]string{"model", "status"},
		),

		GenerationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "generations_total",
				Help: "Total number of image generations",
			},
			[]string{"quality_tier", "status"},
		),
		CreditsSpentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_spent_total",
				Help: "Total credits debited for completed generations",
			},
		),
		CreditsIssuedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_issued_total",
				Help: "Total credits granted, by source",
			},
			[]string{"source"},
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Total number of rate limit rejections",
			},
			[]string{"scope"},
		),

		WebhookEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Total Stripe webhook deliveries",
			},
			[]string{"type", "outcome"},
		),

		PairingSessions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairing_sessions_total",
				Help: "Total plugin pairing sessions, by terminal state",
			},
			[]string{"outcome"},
		),

		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"provider"},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordProviderCall records one image provider round trip.
func RecordProviderCall(model, tier, status string, duration time.Duration) {
	m := Get()
	m.ProviderLatency.WithLabelValues(model, tier).Observe(duration.Seconds())
	m.ProviderRequests.WithLabelValues(model, status).Inc()
}

// RecordGeneration records a finished generation and, when completed, the
// credits it consumed.
func RecordGeneration(tier, status string, creditsCost int) {
	Get().GenerationsTotal.WithLabelValues(tier, status).Inc()
	if status == "completed" {
		Get().CreditsSpentTotal.Add(float64(creditsCost))
	}
}

// RecordCreditsIssued records a credit grant by source (purchase, invite,
// starter, subscription).
func RecordCreditsIssued(source string, amount int) {
	Get().CreditsIssuedTotal.WithLabelValues(source).Add(float64(amount))
}

// RecordRateLimitHit records a rate limit rejection
func RecordRateLimitHit(scope string) {
	Get().RateLimitHits.WithLabelValues(scope).Inc()
}

// RecordWebhookEvent records a Stripe webhook delivery outcome
func RecordWebhookEvent(eventType, outcome string) {
	Get().WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordPairingSession records a pairing session outcome
func RecordPairingSession(outcome string) {
	Get().PairingSessions.WithLabelValues(outcome).Inc()
}

// SetDBConnections sets database connection metrics
func SetDBConnections(active, idle int) {
	Get().DBConnectionsActive.Set(float64(active))
	Get().DBConnectionsIdle.Set(float64(idle))
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(provider string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(provider).Set(state)
}
