package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Assignment outcomes recorded per call.
const (
	AssignmentAssigned   = "assigned"
	AssignmentExcluded   = "excluded"
	AssignmentNotRunning = "not_running"
	AssignmentDegraded   = "degraded"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "experiment_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "experiment_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "assignment",
			Name:      "requests_total",
			Help:      "Total number of assignment requests by outcome.",
		},
		[]string{"outcome"},
	)

	exposures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "events",
			Name:      "exposures_total",
			Help:      "Total number of exposure events recorded.",
		},
	)

	conversions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "events",
			Name:      "conversions_total",
			Help:      "Total number of conversion events recorded.",
		},
	)

	evaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "experiment_layer",
			Subsystem: "evaluator",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of statistical evaluations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	promotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "promotion",
			Name:      "promotions_total",
			Help:      "Total number of experiments auto-concluded with a winner.",
		},
	)

	promotionCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experiment_layer",
			Subsystem: "promotion",
			Name:      "cycles_total",
			Help:      "Total number of promotion cycles by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		assignments,
		exposures,
		conversions,
		evaluationDuration,
		promotions,
		promotionCycles,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordAssignment records an assignment request outcome.
func RecordAssignment(outcome string) {
	assignments.WithLabelValues(outcome).Inc()
}

// RecordExposure records a newly created exposure event.
func RecordExposure() {
	exposures.Inc()
}

// RecordConversion records a conversion event.
func RecordConversion() {
	conversions.Inc()
}

// RecordEvaluation records the duration of a statistical evaluation.
func RecordEvaluation(duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	evaluationDuration.Observe(duration.Seconds())
}

// RecordPromotion records an experiment concluded by the controller.
func RecordPromotion() {
	promotions.Inc()
}

// RecordPromotionCycle records the result of one promotion cycle.
func RecordPromotionCycle(success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	promotionCycles.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "experiments":
		if len(parts) == 1 {
			return "/experiments"
		}
		if parts[1] == "auto-promote" {
			return "/experiments/auto-promote"
		}
		if len(parts) == 2 {
			return "/experiments/:id"
		}
		return "/experiments/:id/" + parts[2]
	case "users":
		if len(parts) >= 3 {
			return "/users/:id/" + parts[2]
		}
		return "/users/:id"
	case "defaults":
		return "/defaults/:key"
	default:
		return "/" + parts[0]
	}
}
