package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credman_requests_total",
			Help: "Total number of client requests by response code",
		},
		[]string{"code"},
	)

	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credman_auth_failures_total",
			Help: "Total number of failed client authentications",
		},
	)

	RequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credman_request_duration_seconds",
			Help:    "Request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rotation metrics
	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credman_rotations_total",
			Help: "Total number of rotations by outcome",
		},
		[]string{"outcome"},
	)

	// HSM metrics
	HSMOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credman_hsm_operations_total",
			Help: "Total number of HSM wrap/unwrap operations by result",
		},
		[]string{"op", "result"},
	)
)

// Register registers all metrics with the default registry.
func Register() {
	prometheus.MustRegister(
		RequestsTotal,
		AuthFailuresTotal,
		RequestDuration,
		RotationsTotal,
		HSMOperationsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts the metrics HTTP server on the given address.
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = server.ListenAndServe()
	}()

	return server
}

// Timer measures operation duration for a histogram.
type Timer struct {
	start time.Time
	hist  prometheus.Histogram
}

// NewTimer starts a timer against the given histogram.
func NewTimer(hist prometheus.Histogram) *Timer {
	return &Timer{start: time.Now(), hist: hist}
}

// ObserveDuration records the elapsed time.
func (t *Timer) ObserveDuration() {
	t.hist.Observe(time.Since(t.start).Seconds())
}
