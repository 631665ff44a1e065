package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_jobs_submitted_total",
			Help: "Total number of jobs accepted by ingress",
		},
		[]string{"service_type"},
	)
	JobsMatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_jobs_matched_total",
			Help: "Total number of jobs claimed by workers",
		},
		[]string{"service_type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"service_type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_jobs_failed_total",
			Help: "Total number of job failures, by retry outcome",
		},
		[]string{"service_type", "will_retry"},
	)
	MatchIdlePolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_match_idle_polls_total",
			Help: "Worker polls that found no eligible job within the scan window",
		},
	)
	PendingDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_pending_depth",
			Help: "Jobs currently in the pending index",
		},
	)
	ActiveLeases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_active_leases",
			Help: "Jobs currently leased to workers",
		},
	)
	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_leases_reclaimed_total",
			Help: "Expired leases reclaimed by the janitor",
		},
	)
	WorkersLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_workers_lost_total",
			Help: "Workers declared dead after heartbeat silence",
		},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_events_published_total",
			Help: "Events appended to the persistent log",
		},
		[]string{"type"},
	)
	EventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_event_publish_failures_total",
			Help: "Event publishes that failed at the persistent tier",
		},
	)
	ConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_consumer_lag",
			Help: "Unacked entries per durable consumer group",
		},
		[]string{"group"},
	)
)

// InitMetrics registers all broker metrics once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsMatchedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(MatchIdlePolls)
	prometheus.MustRegister(PendingDepth)
	prometheus.MustRegister(ActiveLeases)
	prometheus.MustRegister(LeasesReclaimedTotal)
	prometheus.MustRegister(WorkersLostTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventPublishFailures)
	prometheus.MustRegister(ConsumerLag)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
