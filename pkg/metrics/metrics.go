package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the feed layer's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	QuotesBroadcast    *prometheus.CounterVec
	Subscribers        *prometheus.GaugeVec
	DroppedSubscribers *prometheus.CounterVec
	BarsStepped        *prometheus.CounterVec
	FeedsAllocated     *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WSSent             *prometheus.CounterVec
	WSDropped          *prometheus.CounterVec
	WSConnErrors       *prometheus.CounterVec
	WSReconnects       *prometheus.CounterVec
	WSHandleSeconds    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QuotesBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piker",
			Name:      "quotes_broadcast_total",
			Help:      "Quotes delivered to feed bus subscribers.",
		}, []string{"broker", "symbol"}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "piker",
			Name:      "feed_subscribers",
			Help:      "Active quote subscribers per symbol.",
		}, []string{"broker", "symbol"}),
		DroppedSubscribers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piker",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers removed after a failed delivery.",
		}, []string{"broker", "symbol"}),
		BarsStepped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piker",
			Name:      "bars_stepped_total",
			Help:      "Bars pushed by the sampler.",
		}, []string{"period"}),
		FeedsAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piker",
			Name:      "feeds_allocated_total",
			Help:      "Persistent real-time feeds started.",
		}, []string{"broker"}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piker",
			Name:      "ws_messages_total",
			Help:      "Websocket messages received from brokers.",
		}, []string{"broker"}),
		WSSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piker",
			Name:      "ws_messages_sent_total",
			Help:      "Websocket messages sent to brokers.",
		}, []string{"broker"}),
		WSDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piker",
			Name:      "ws_messages_dropped_total",
			Help:      "Broker frames dropped by rate limiting or validation.",
		}, []string{"broker"}),
		WSConnErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piker",
			Name:      "ws_connection_errors_total",
			Help:      "Broker websocket dial and read failures.",
		}, []string{"broker"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piker",
			Name:      "ws_reconnects_total",
			Help:      "Successful broker websocket reconnects.",
		}, []string{"broker"}),
		WSHandleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "piker",
			Name:      "ws_handle_seconds",
			Help:      "Time spent routing one broker frame.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"broker"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.QuotesBroadcast,
			m.Subscribers,
			m.DroppedSubscribers,
			m.BarsStepped,
			m.FeedsAllocated,
			m.WSMessages,
			m.WSSent,
			m.WSDropped,
			m.WSConnErrors,
			m.WSReconnects,
			m.WSHandleSeconds,
		)
	}
	return m
}

func (m *Metrics) QuoteBroadcast(broker, symbol string) {
	if m == nil {
		return
	}
	m.QuotesBroadcast.WithLabelValues(broker, symbol).Inc()
}

func (m *Metrics) SubscriberAdded(broker, symbol string) {
	if m == nil {
		return
	}
	m.Subscribers.WithLabelValues(broker, symbol).Inc()
}

func (m *Metrics) SubscriberRemoved(broker, symbol string) {
	if m == nil {
		return
	}
	m.Subscribers.WithLabelValues(broker, symbol).Dec()
}

func (m *Metrics) SubscriberDropped(broker, symbol string) {
	if m == nil {
		return
	}
	m.DroppedSubscribers.WithLabelValues(broker, symbol).Inc()
}

func (m *Metrics) BarStepped(period string) {
	if m == nil {
		return
	}
	m.BarsStepped.WithLabelValues(period).Inc()
}

func (m *Metrics) FeedAllocated(broker string) {
	if m == nil {
		return
	}
	m.FeedsAllocated.WithLabelValues(broker).Inc()
}

func (m *Metrics) WSMessage(broker string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(broker).Inc()
}

func (m *Metrics) WSMessageSent(broker string) {
	if m == nil {
		return
	}
	m.WSSent.WithLabelValues(broker).Inc()
}

func (m *Metrics) WSMessageDropped(broker string) {
	if m == nil {
		return
	}
	m.WSDropped.WithLabelValues(broker).Inc()
}

func (m *Metrics) WSConnectionError(broker string) {
	if m == nil {
		return
	}
	m.WSConnErrors.WithLabelValues(broker).Inc()
}

func (m *Metrics) WSReconnect(broker string) {
	if m == nil {
		return
	}
	m.WSReconnects.WithLabelValues(broker).Inc()
}

// WSHandled observes how long routing one frame took.
func (m *Metrics) WSHandled(broker string, took time.Duration) {
	if m == nil {
		return
	}
	m.WSHandleSeconds.WithLabelValues(broker).Observe(took.Seconds())
}
