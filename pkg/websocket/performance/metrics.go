package performance

import (
	"sync"
	"time"

	"github.com/backtesting-org/pikerd/pkg/metrics"
)

// connMetrics keeps running totals for one broker stream and mirrors
// every event into the daemon's prometheus collectors.
type connMetrics struct {
	broker string
	sink   *metrics.Metrics

	mu          sync.RWMutex
	received    int64
	sent        int64
	processed   int64
	dropped     int64
	connErrors  int64
	reconnects  int64
	lastMessage time.Time
	lastLatency time.Duration
}

// NewMetrics counts traffic of broker's websocket streams. sink may be
// nil, in which case only the in-process totals are kept.
func NewMetrics(broker string, sink *metrics.Metrics) Metrics {
	return &connMetrics{broker: broker, sink: sink}
}

func (m *connMetrics) IncrementReceived() {
	m.mu.Lock()
	m.received++
	m.lastMessage = time.Now()
	m.mu.Unlock()
	m.sink.WSMessage(m.broker)
}

func (m *connMetrics) IncrementSent() {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	m.sink.WSMessageSent(m.broker)
}

func (m *connMetrics) IncrementProcessed(latency time.Duration) {
	m.mu.Lock()
	m.processed++
	m.lastLatency = latency
	m.mu.Unlock()
	m.sink.WSHandled(m.broker, latency)
}

func (m *connMetrics) IncrementDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
	m.sink.WSMessageDropped(m.broker)
}

func (m *connMetrics) IncrementConnectionError() {
	m.mu.Lock()
	m.connErrors++
	m.mu.Unlock()
	m.sink.WSConnectionError(m.broker)
}

func (m *connMetrics) IncrementReconnection() {
	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()
	m.sink.WSReconnect(m.broker)
}

func (m *connMetrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"broker":                m.broker,
		"messages_received":     m.received,
		"messages_sent":         m.sent,
		"messages_processed":    m.processed,
		"messages_dropped":      m.dropped,
		"connection_errors":     m.connErrors,
		"reconnection_count":    m.reconnects,
		"last_message_time":     m.lastMessage,
		"processing_latency_ms": m.lastLatency.Milliseconds(),
	}
}
