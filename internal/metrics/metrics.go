// Package metrics is serverboxd's ambient Prometheus registry: a struct of
// collectors built with prometheus.NewRegistry, namespaced per subsystem.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/histogram serverboxd exposes on
// GET /admin/metrics.
type Metrics struct {
	Registry *prometheus.Registry

	TransitionsTotal    *prometheus.CounterVec
	CreateSeconds       prometheus.Histogram
	ResumeSeconds       prometheus.Histogram
	ResumeJoinsTotal    *prometheus.CounterVec
	ProxyRequestTotal   *prometheus.CounterVec
	ProxyLatencySeconds *prometheus.HistogramVec
}

var operationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// New builds and registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serverbox",
			Subsystem: "instance",
			Name:      "transitions_total",
			Help:      "Count of lifecycle state transitions, labeled by from/to state.",
		}, []string{"from", "to"}),
		CreateSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "serverbox",
			Subsystem: "instance",
			Name:      "create_seconds",
			Help:      "Time to complete create(), from request to running.",
			Buckets:   operationBuckets,
		}),
		ResumeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "serverbox",
			Subsystem: "instance",
			Name:      "resume_seconds",
			Help:      "Time to complete resume(), from request to running.",
			Buckets:   operationBuckets,
		}),
		ResumeJoinsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serverbox",
			Subsystem: "resume",
			Name:      "joins_total",
			Help:      "Count of ensureRunning calls that waited on a resume, labeled joined when the resume result was shared by more than one caller and created otherwise.",
		}, []string{"outcome"}),
		ProxyRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "serverbox",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Count of proxied requests, labeled by status class.",
		}, []string{"status_class"}),
		ProxyLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "serverbox",
			Subsystem: "proxy",
			Name:      "request_seconds",
			Help:      "Total proxied-request duration, from admission to response completion; long-lived streams (SSE) show as long observations by design.",
			Buckets:   operationBuckets,
		}, []string{"status_class"}),
	}

	reg.MustRegister(m.TransitionsTotal, m.CreateSeconds, m.ResumeSeconds, m.ResumeJoinsTotal, m.ProxyRequestTotal, m.ProxyLatencySeconds)
	return m
}
