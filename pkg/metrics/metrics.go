// Package metrics exports balancer counters to Prometheus. A Metrics value
// is both an lb.Observer and a dispatch.Observer.
package metrics

import (
	"errors"
	"strconv"
	"sync"

	"github.com/easzlab/pktlb/pkg/dispatch"
	"github.com/easzlab/pktlb/pkg/lb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pktlb"

// Metrics holds every collector of one daemon.
type Metrics struct {
	registry *prometheus.Registry

	frames          *prometheus.CounterVec
	sessionsOpened  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	admissionFailed *prometheus.CounterVec

	mu    sync.RWMutex
	names map[int]string
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		names:    make(map[int]string),
	}

	m.frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Frames received, by interface and outcome",
	}, []string{"interface", "outcome"})

	m.sessionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "opened_total",
		Help:      "Sessions created, by server mode",
	}, []string{"mode"})

	m.sessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "closed_total",
		Help:      "Sessions destroyed, by server mode and reason",
	}, []string{"mode", "reason"})

	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Sessions currently tracked",
	})

	m.admissionFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "admission_failures_total",
		Help:      "New flows that matched a service but got no session",
	}, []string{"reason"})

	m.registry.MustRegister(
		m.frames,
		m.sessionsOpened,
		m.sessionsClosed,
		m.sessionsActive,
		m.admissionFailed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry to serve.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// NameInterface sets the label used for frames of a NIC index.
func (m *Metrics) NameInterface(index int, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[index] = name
}

func (m *Metrics) interfaceLabel(index int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name, ok := m.names[index]; ok {
		return name
	}
	return strconv.Itoa(index)
}

// WatchARP exports the request counters of an interface's neighbor cache.
// requests must be safe to call from any goroutine.
func (m *Metrics) WatchARP(iface string, requests func() (sent, limited uint64)) {
	labels := prometheus.Labels{"interface": iface}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "arp",
			Name:        "requests_total",
			Help:        "ARP requests sent",
			ConstLabels: labels,
		}, func() float64 {
			sent, _ := requests()
			return float64(sent)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "arp",
			Name:        "requests_limited_total",
			Help:        "ARP requests suppressed by the rate limiter",
			ConstLabels: labels,
		}, func() float64 {
			_, limited := requests()
			return float64(limited)
		}),
	)
}

// WatchHealth exports the number of backends failing their health check.
func (m *Metrics) WatchHealth(unhealthy func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backends",
		Name:      "unhealthy",
		Help:      "Backends currently failing their health check",
	}, func() float64 {
		return float64(unhealthy())
	}))
}

// FrameProcessed counts one received frame by interface and outcome.
func (m *Metrics) FrameProcessed(nic int, outcome dispatch.Outcome) {
	m.frames.WithLabelValues(m.interfaceLabel(nic), string(outcome)).Inc()
}

func (m *Metrics) SessionOpened(mode lb.Mode) {
	m.sessionsOpened.WithLabelValues(mode.String()).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(mode lb.Mode, reason lb.CloseReason) {
	m.sessionsClosed.WithLabelValues(mode.String(), string(reason)).Inc()
	m.sessionsActive.Dec()
}

// AdmissionFailed counts a new flow that could not get a session.
func (m *Metrics) AdmissionFailed(err error) {
	m.admissionFailed.WithLabelValues(admissionReason(err)).Inc()
}

func admissionReason(err error) string {
	switch {
	case errors.Is(err, lb.ErrNoServer):
		return "no_server"
	case errors.Is(err, lb.ErrDeactive):
		return "deactive"
	case errors.Is(err, lb.ErrPortExhausted):
		return "port_exhausted"
	case errors.Is(err, lb.ErrIndexConflict):
		return "index_conflict"
	default:
		return "other"
	}
}
