// Package metrics provides Prometheus instrumentation for the CoAP engine.
package metrics

import (
	"context"
	"time"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Metrics holds the collectors of one server. They are registered on their
// own registry so several servers can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PayloadSize     *prometheus.HistogramVec

	DuplicatesTotal      prometheus.Counter
	RetransmissionsTotal prometheus.Counter
	TimeoutsTotal        prometheus.Counter
	NotificationsTotal   *prometheus.CounterVec
	PendingExchanges     prometheus.Gauge
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coap"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"direction", "method", "code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"direction", "method"},
		),
		PayloadSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payload_size_bytes",
				Help:      "Size of reassembled request and response payloads in bytes",
				Buckets:   []float64{16, 64, 256, 1024, 4096, 65536, 1048576},
			},
			[]string{"direction"},
		),
		DuplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Total number of received duplicate messages",
		}),
		RetransmissionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Total number of retransmitted confirmable messages",
		}),
		TimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Total number of exchanges that timed out",
		}),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of observation notifications sent",
			},
			[]string{"delivered"},
		),
		PendingExchanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_exchanges",
			Help:      "Number of exchanges waiting for a response",
		}),
	}
}

// Filter counts and times every request passing through it.
func (m *Metrics) Filter(direction string) pipeline.RouteFilter {
	return func(ctx context.Context, req message.Request, next pipeline.Route) (message.Response, error) {
		start := time.Now()
		method := req.Method().String()
		m.PayloadSize.WithLabelValues(direction).Observe(float64(len(req.Payload())))
		resp, err := next(ctx, req)
		m.RequestDuration.WithLabelValues(direction, method).Observe(time.Since(start).Seconds())
		if err != nil {
			m.RequestsTotal.WithLabelValues(direction, method, "error").Inc()
			return resp, err
		}
		m.RequestsTotal.WithLabelValues(direction, method, resp.Code().String()).Inc()
		m.PayloadSize.WithLabelValues(direction).Observe(float64(len(resp.Payload())))
		return resp, nil
	}
}
