package offlinecache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects worker counters. A nil *Metrics records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	installs       *prometheus.CounterVec
	bucketsDeleted prometheus.Counter
	notifications  *prometheus.CounterVec
	storeErrors    prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_requests_total",
		Help: "Total requests handled by the worker",
	}, []string{"category", "strategy", "outcome"})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_installs_total",
		Help: "Total worker installs",
	}, []string{"result"})

	bucketsDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_buckets_deleted_total",
		Help: "Total stale buckets deleted on activation",
	})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_notifications_total",
		Help: "Total inactivity notifications",
	}, []string{"result"})

	storeErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_store_errors_total",
		Help: "Total failed cache writes",
	})

	registry.MustRegister(requests, installs, bucketsDeleted, notifications, storeErrors)

	return &Metrics{
		registry:       registry,
		requests:       requests,
		installs:       installs,
		bucketsDeleted: bucketsDeleted,
		notifications:  notifications,
		storeErrors:    storeErrors,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRequest(category Category, strategy Strategy, outcome string) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "none"
	}
	m.requests.WithLabelValues(string(category), string(strategy), outcome).Inc()
}

func (m *Metrics) RecordInstall(err error) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordBucketDeleted() {
	if m == nil {
		return
	}
	m.bucketsDeleted.Inc()
}

func (m *Metrics) RecordNotification(err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordStoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
