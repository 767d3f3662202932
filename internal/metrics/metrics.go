// Package metrics exposes the client's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"SwarmSync/internal/config"
)

const namespace = "swarmsync"

// Metrics holds every collector on a private registry. It implements the
// metrics interfaces of swarm, poller, sender and receiver.
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.HistogramVec
	nodeErrors *prometheus.CounterVec
	evictions  prometheus.Counter
	polls      *prometheus.HistogramVec
	pollErrors *prometheus.CounterVec
	sends      *prometheus.CounterVec
	sendTime   prometheus.Histogram
	received   *prometheus.CounterVec
	merges     *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_request_seconds",
			Help:      "Storage node request latency by method.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"method"}),
		nodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_errors_total",
			Help:      "Rejected storage node requests by status code.",
		}, []string{"code"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_evictions_total",
			Help:      "Nodes dropped from the pool after repeated failures.",
		}),
		polls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_seconds",
			Help:      "Poll pass duration by target kind.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"target"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Failed poll passes by target kind.",
		}, []string{"target"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Sent messages by destination and result.",
		}, []string{"destination", "result"}),
		sendTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_seconds",
			Help:      "Send duration including fan-out.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_total",
			Help:      "Received items by outcome.",
		}, []string{"result"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_merges_total",
			Help:      "Config changes merged from the network by owner.",
		}, []string{"owner"}),
	}

	m.registry.MustRegister(
		m.requests, m.nodeErrors, m.evictions,
		m.polls, m.pollErrors,
		m.sends, m.sendTime, m.received, m.merges,
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a storage node request.
func (m *Metrics) ObserveRequest(method string, d time.Duration) {
	m.requests.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveNodeError records a rejected request.
func (m *Metrics) ObserveNodeError(code int) {
	m.nodeErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveEviction records a node dropped from the pool.
func (m *Metrics) ObserveEviction() { m.evictions.Inc() }

// ObservePoll records a poll pass. Only the part of target before a colon
// is used as label.
func (m *Metrics) ObservePoll(target string, d time.Duration, err error) {
	kind := targetKind(target)

	m.polls.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.pollErrors.WithLabelValues(kind).Inc()
	}
}

func targetKind(target string) string {
	kind, _, _ := strings.Cut(target, ":")
	return kind
}

// ObserveSend records a send.
func (m *Metrics) ObserveSend(destination string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	m.sends.WithLabelValues(destination, result).Inc()
	m.sendTime.Observe(d.Seconds())
}

// ObserveReceive records a handled receive batch.
func (m *Metrics) ObserveReceive(handled, failed int) {
	m.received.WithLabelValues("handled").Add(float64(handled))
	m.received.WithLabelValues("failed").Add(float64(failed))
}

// ConfigListener counts config changes merged from the network. Register
// it with config.Engine.Subscribe.
func (m *Metrics) ConfigListener() config.Listener {
	return func(ev config.Event) {
		switch e := ev.(type) {
		case config.UserConfigsModified:
			if e.FromMerge {
				m.merges.WithLabelValues("user").Inc()
			}
		case config.GroupConfigsUpdated:
			if e.FromMerge {
				m.merges.WithLabelValues("group").Inc()
			}
		}
	}
}
