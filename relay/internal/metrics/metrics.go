// Package metrics exposes relay counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every relay collector
type Metrics struct {
	FeedLines        *prometheus.CounterVec
	FeedState        prometheus.Gauge
	FeedConnects     prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	MirrorErrors     *prometheus.CounterVec
	Subscribers      prometheus.Gauge
	Deliveries       prometheus.Counter
	DeliveryFailures prometheus.Counter
	PipelineLatency  prometheus.Histogram
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auction_relay",
			Name:      "feed_lines_total",
			Help:      "Feed lines received, by parsed kind.",
		}, []string{"kind"}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "auction_relay",
			Name:      "feed_state",
			Help:      "Feed connection state: 0 disconnected, 1 connecting, 2 handshaking, 3 streaming.",
		}),
		FeedConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auction_relay",
			Name:      "feed_connect_attempts_total",
			Help:      "Connection attempts to the auction server.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auction_relay",
			Name:      "events_dropped_total",
			Help:      "Bid events dropped before persistence, by reason.",
		}, []string{"reason"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auction_relay",
			Name:      "store_errors_total",
			Help:      "Failed store operations, by store and operation.",
		}, []string{"store", "op"}),
		MirrorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auction_relay",
			Name:      "mirror_errors_total",
			Help:      "Failed mirror publishes, by mirror.",
		}, []string{"mirror"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "auction_relay",
			Name:      "subscribers",
			Help:      "Live subscriber connections.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auction_relay",
			Name:      "deliveries_total",
			Help:      "Messages delivered to subscribers.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auction_relay",
			Name:      "delivery_failures_total",
			Help:      "Subscribers dropped after a failed delivery.",
		}),
		PipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "auction_relay",
			Name:      "pipeline_seconds",
			Help:      "Time from feed line to broadcast.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		m.FeedLines,
		m.FeedState,
		m.FeedConnects,
		m.EventsDropped,
		m.StoreErrors,
		m.MirrorErrors,
		m.Subscribers,
		m.Deliveries,
		m.DeliveryFailures,
		m.PipelineLatency,
	)
	return m
}

// SubscriberCount implements websocket.Observer
func (m *Metrics) SubscriberCount(n int) { m.Subscribers.Set(float64(n)) }

// Delivered implements websocket.Observer
func (m *Metrics) Delivered(n int) { m.Deliveries.Add(float64(n)) }

// DeliveryFailed implements websocket.Observer
func (m *Metrics) DeliveryFailed(n int) { m.DeliveryFailures.Add(float64(n)) }
