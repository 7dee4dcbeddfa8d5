package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the controller's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	WebhookRequestsTotal *prometheus.CounterVec
	ReviewsTotal         *prometheus.CounterVec
	ReviewsDuration      *prometheus.HistogramVec
	CodingTasksTotal     *prometheus.CounterVec
	CodingTasksDuration  *prometheus.HistogramVec
	PollCyclesTotal      *prometheus.CounterVec
	WorkerJobsTotal      *prometheus.CounterVec
	TasksInFlight        prometheus.Gauge
}

// NewMetrics creates and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total webhook deliveries by result",
		},
		[]string{"result"},
	)

	m.ReviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviews_total",
			Help: "Total review pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	m.ReviewsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviews_duration_seconds",
			Help:    "Review pipeline duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"outcome"},
	)

	m.CodingTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coding_tasks_total",
			Help: "Total coding pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	m.CodingTasksDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coding_tasks_duration_seconds",
			Help:    "Coding pipeline duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"outcome"},
	)

	m.PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total poll cycles by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	m.WorkerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_total",
			Help: "Total isolated worker launches by executor and outcome",
		},
		[]string{"executor", "outcome"},
	)

	m.TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_in_flight",
			Help: "Pipeline runs currently executing",
		},
	)

	m.registry.MustRegister(
		m.WebhookRequestsTotal,
		m.ReviewsTotal,
		m.ReviewsDuration,
		m.CodingTasksTotal,
		m.CodingTasksDuration,
		m.PollCyclesTotal,
		m.WorkerJobsTotal,
		m.TasksInFlight,
	)

	return m
}

// ObserveReview records one review pipeline run.
func (m *Metrics) ObserveReview(outcome string, d time.Duration) {
	m.ReviewsTotal.WithLabelValues(outcome).Inc()
	m.ReviewsDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveCodingTask records one coding pipeline run.
func (m *Metrics) ObserveCodingTask(outcome string, d time.Duration) {
	m.CodingTasksTotal.WithLabelValues(outcome).Inc()
	m.CodingTasksDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
