package server

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	connections       prometheus.Counter
	activeConnections prometheus.Gauge
	acceptErrors      prometheus.Counter
	malformedRequests prometheus.Counter
	requests          *prometheus.CounterVec
	requestErrors     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.connections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connections_total",
		Help: "Total number of accepted connections.",
	})

	m.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_connections",
		Help: "Number of connections currently being served.",
	})

	m.acceptErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accept_errors_total",
		Help: "Total number of failed accepts that were retried.",
	})

	m.malformedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "malformed_requests_total",
		Help: "Total number of connections closed because a request could not be decoded.",
	})

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total number of requests by op.",
	}, []string{"op"})

	m.requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "request_errors_total",
		Help: "Total number of requests answered with an error, by op.",
	}, []string{"op"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "Time spent applying a request to the engine.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
	}, []string{"op"})

	registerer.MustRegister(
		m.connections,
		m.activeConnections,
		m.acceptErrors,
		m.malformedRequests,
		m.requests,
		m.requestErrors,
		m.requestDuration,
	)

	return m
}
