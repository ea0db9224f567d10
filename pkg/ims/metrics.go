package ims

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the core's prometheus instrumentation. A nil *Metrics
// is valid and records nothing, so tests and embedded deployments can
// skip registration.
type Metrics struct {
	sessionsActive   *prometheus.GaugeVec
	sessionsTotal    *prometheus.CounterVec
	invitesTotal     *prometheus.CounterVec
	dispatchedTotal  *prometheus.CounterVec
	dispatchQueueLen prometheus.Gauge
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rcs",
			Subsystem: "ims",
			Name:      "sessions_active",
			Help:      "Currently active sessions per service.",
		}, []string{"service"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcs",
			Subsystem: "ims",
			Name:      "sessions_total",
			Help:      "Terminated sessions per service and outcome.",
		}, []string{"service", "outcome"}),
		invitesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcs",
			Subsystem: "ims",
			Name:      "invites_total",
			Help:      "Outbound INVITE results.",
		}, []string{"result"}),
		dispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcs",
			Subsystem: "ims",
			Name:      "dispatched_requests_total",
			Help:      "Inbound requests routed by the dispatcher.",
		}, []string{"method", "outcome"}),
		dispatchQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcs",
			Subsystem: "ims",
			Name:      "dispatch_queue_depth",
			Help:      "Requests waiting in the dispatcher FIFO.",
		}),
	}
	reg.MustRegister(m.sessionsActive, m.sessionsTotal, m.invitesTotal, m.dispatchedTotal, m.dispatchQueueLen)
	return m
}

func (m *Metrics) sessionStarted(service string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(service).Inc()
}

func (m *Metrics) sessionEnded(service, outcome string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(service).Dec()
	m.sessionsTotal.WithLabelValues(service, outcome).Inc()
}

func (m *Metrics) inviteResult(result string) {
	if m == nil {
		return
	}
	m.invitesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) dispatched(method, outcome string) {
	if m == nil {
		return
	}
	m.dispatchedTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) queueDepth(n int) {
	if m == nil {
		return
	}
	m.dispatchQueueLen.Set(float64(n))
}
