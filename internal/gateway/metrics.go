package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "meblog_gateway"

// metrics はgatewayのPrometheusメトリクス。Serverごとにレジストリを持つ。
type metrics struct {
	registry *prometheus.Registry

	storeErrors   *prometheus.CounterVec
	logins        *prometheus.CounterVec
	proxyErrors   *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "store_errors_total",
				Help:      "Session store operations that failed to reach the backend",
			},
			[]string{"op"},
		),
		logins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "login_total",
				Help:      "Login callback outcomes",
			},
			[]string{"outcome", "reason"},
		),
		proxyErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "proxy_errors_total",
				Help:      "Forwarding failures by kind",
			},
			[]string{"kind"},
		),
		proxyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "proxy_request_duration_seconds",
				Help:      "Time spent forwarding a request to the content service",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}
