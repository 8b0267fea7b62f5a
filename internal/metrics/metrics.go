// Package metrics defines the Prometheus collectors exposed at
// /metrics/prom, separate from the spec's plain JSON /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the process-wide Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	PoolActiveSize   *prometheus.GaugeVec
	PoolStandbySize  *prometheus.GaugeVec
	RequestsTotal    *prometheus.CounterVec
	NoProxyTotal     *prometheus.CounterVec
	HealthCheckPassSeconds *prometheus.HistogramVec
	InstanceRunning  *prometheus.GaugeVec
}

// New builds a fresh registry and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		PoolActiveSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxypool_active_size",
			Help: "Current number of proxies in the active buffer.",
		}, []string{"market", "mode"}),
		PoolStandbySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxypool_standby_size",
			Help: "Current number of proxies in the standby buffer.",
		}, []string{"market", "mode"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxypool_requests_total",
			Help: "Total GetProxy requests served.",
		}, []string{"market", "mode"}),
		NoProxyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxypool_no_proxy_total",
			Help: "Total GetProxy requests that found no healthy proxy available.",
		}, []string{"market", "mode"}),
		HealthCheckPassSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxypool_health_check_pass_seconds",
			Help:    "Duration of a full health-check batch pass.",
			Buckets: prometheus.DefBuckets,
		}, []string{"market", "mode"}),
		InstanceRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxypool_instance_running",
			Help: "1 if the instance is running, 0 otherwise.",
		}, []string{"market", "mode"}),
	}

	reg.MustRegister(m.PoolActiveSize, m.PoolStandbySize, m.RequestsTotal, m.NoProxyTotal,
		m.HealthCheckPassSeconds, m.InstanceRunning)
	return m
}
