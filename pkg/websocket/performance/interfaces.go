package performance

import "time"

// Metrics counts frames and connection events of a single websocket.
// GetStats feeds ConnectionManager.GetConnectionStats.
type Metrics interface {
	IncrementReceived()
	IncrementSent()
	// IncrementProcessed records a handled frame and how long its
	// OnMessage callback took.
	IncrementProcessed(latency time.Duration)
	IncrementDropped()
	IncrementConnectionError()
	IncrementReconnection()
	GetStats() map[string]interface{}
}

// CircuitBreaker fails fast while an endpoint keeps failing and lets a
// single trial call through after the reset timeout.
type CircuitBreaker interface {
	Call(fn func() error) error
	Execute(fn func() error) error
	GetState() string
}
