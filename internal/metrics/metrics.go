// v1
// internal/metrics/metrics.go
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nrgchamp/optimizer/internal/circuitbreaker"
)

const namespace = "optimizer"

// Metrics owns its registry so tests can build several instances.
type Metrics struct {
	reg *prometheus.Registry

	readings          prometheus.Counter
	breaches          prometheus.Counter
	decisions         *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_aggregated_total",
			Help: "Readings folded into daily usage.",
		}),
		breaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaches_signaled_total",
			Help: "Optimization requests emitted after a daily threshold breach.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decisions_total",
			Help: "Decisions produced by source and action.",
		}, []string{"source", "action"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "optimization_transitions_total",
			Help: "Persisted optimization states by status.",
		}, []string{"status"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "executions_total",
			Help: "Executions by outcome.",
		}, []string{"outcome"}),
		executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "execution_duration_seconds",
			Help:    "Actuation duration.",
			Buckets: prometheus.DefBuckets,
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readings,
		m.breaches,
		m.decisions,
		m.transitions,
		m.executions,
		m.executionDuration,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) ReadingAggregated() {
	if m == nil {
		return
	}
	m.readings.Inc()
}

func (m *Metrics) BreachSignaled() {
	if m == nil {
		return
	}
	m.breaches.Inc()
}

func (m *Metrics) DecisionMade(source, action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(source, action).Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Executed(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.executionDuration.Observe(took.Seconds())
}

// WatchBreaker exports b's state as optimizer_cb_state{target=name}
// (0 closed, 1 open, 2 half-open). A nil breaker is ignored.
func (m *Metrics) WatchBreaker(b *circuitbreaker.Breaker) {
	if m == nil || b == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "cb_state",
		Help:        "Circuit breaker state gauge (0 closed, 1 open, 2 half-open).",
		ConstLabels: prometheus.Labels{"target": b.Name()},
	}, func() float64 { return float64(b.State()) }))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// WrapHandler records request count and latency under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
