package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "judge"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	// supervisor
	backendStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "backend", Name: "starts_total",
		Help: "Number of backend starts that reached Ready.",
	})
	backendRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "backend", Name: "restarts_total",
		Help: "Number of restarts scheduled after an unexpected exit.",
	})
	backendExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "backend", Name: "exits_total",
		Help: "Backend exits by kind (expected, clean, crash).",
	}, []string{"kind"})
	backendStartDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "backend", Name: "start_duration_seconds",
		Help:    "Time from launch until the first successful health probe.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})
	backendHealthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "backend", Name: "health_failures_total",
		Help: "Failed periodic health probes while Ready.",
	})
	backendState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "backend", Name: "state",
		Help: "Current supervisor state (1 = active state, 0 = inactive).",
	}, []string{"state"})
	backendTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "backend", Name: "state_transitions_total",
		Help: "Supervisor state transitions.",
	}, []string{"from", "to"})
	backendCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "backend", Name: "cpu_percent",
		Help: "Last sampled backend CPU usage.",
	})
	backendRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "backend", Name: "memory_rss_bytes",
		Help: "Last sampled backend resident memory.",
	})

	// client
	clientRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "client", Name: "requests_total",
		Help: "Logical requests by method and outcome.",
	}, []string{"method", "outcome"})
	clientRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "client", Name: "retries_total",
		Help: "Request attempts beyond the first.",
	})
	clientRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "client", Name: "request_duration_seconds",
		Help:    "Duration of logical requests including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	clientReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "client", Name: "reconnects_total",
		Help: "Scheduled event channel reconnect attempts.",
	})
	clientMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "client", Name: "messages_total",
		Help: "Inbound event channel messages by type.",
	}, []string{"type"})
	clientConnState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "client", Name: "connection_state",
		Help: "Current event channel state (1 = active state, 0 = inactive).",
	}, []string{"state"})

	// debouncer
	debounceChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "debounce", Name: "changes_total",
		Help: "File change events by kind.",
	}, []string{"kind"})
	debounceTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "debounce", Name: "triggers_total",
		Help: "Verification triggers, labelled by bulk mode.",
	}, []string{"bulk"})
	debounceBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "debounce", Name: "batch_files",
		Help:    "Dirty files per trigger.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendStarts, backendRestarts, backendExits, backendStartDuration,
		backendHealthFailures, backendState, backendTransitions, backendCPU, backendRSS,
		clientRequests, clientRetries, clientRequestDuration, clientReconnects,
		clientMessages, clientConnState,
		debounceChanges, debounceTriggers, debounceBatchSize,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncBackendStart() {
	if regOK.Load() {
		backendStarts.Inc()
	}
}

func IncBackendRestart() {
	if regOK.Load() {
		backendRestarts.Inc()
	}
}

// IncBackendExit records an exit; kind is expected, clean or crash.
func IncBackendExit(kind string) {
	if regOK.Load() {
		backendExits.WithLabelValues(kind).Inc()
	}
}

func ObserveBackendStartDuration(seconds float64) {
	if regOK.Load() {
		backendStartDuration.Observe(seconds)
	}
}

func IncHealthFailure() {
	if regOK.Load() {
		backendHealthFailures.Inc()
	}
}

// RecordBackendTransition moves the state gauge from one state to another.
func RecordBackendTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	backendTransitions.WithLabelValues(from, to).Inc()
	backendState.WithLabelValues(from).Set(0)
	backendState.WithLabelValues(to).Set(1)
}

func SetBackendUsage(cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		backendCPU.Set(cpuPercent)
		backendRSS.Set(float64(rssBytes))
	}
}

// ObserveRequest records one logical request; outcome is ok, timeout or failed.
func ObserveRequest(method, outcome string, seconds float64) {
	if regOK.Load() {
		clientRequests.WithLabelValues(method, outcome).Inc()
		clientRequestDuration.WithLabelValues(method).Observe(seconds)
	}
}

func IncRetry() {
	if regOK.Load() {
		clientRetries.Inc()
	}
}

func IncReconnect() {
	if regOK.Load() {
		clientReconnects.Inc()
	}
}

func IncMessage(typ string) {
	if regOK.Load() {
		clientMessages.WithLabelValues(typ).Inc()
	}
}

// RecordConnectionTransition moves the connection gauge between states.
func RecordConnectionTransition(from, to string) {
	if regOK.Load() {
		clientConnState.WithLabelValues(from).Set(0)
		clientConnState.WithLabelValues(to).Set(1)
	}
}

func IncChange(kind string) {
	if regOK.Load() {
		debounceChanges.WithLabelValues(kind).Inc()
	}
}

func ObserveTrigger(bulk bool, files int) {
	if regOK.Load() {
		debounceTriggers.WithLabelValues(strconv.FormatBool(bulk)).Inc()
		debounceBatchSize.Observe(float64(files))
	}
}
