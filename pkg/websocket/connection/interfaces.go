package connection

import (
	"context"
	"time"
)

// ConnectionManager owns one websocket to a broker feed or to pikerd.
// Sessions drive it; broker fixtures use Send and SendJSON to
// (re)subscribe after every connect.
type ConnectionManager interface {
	Connect(ctx context.Context) error
	Disconnect() error

	Send(data []byte) error
	SendMessage(data []byte) error
	SendJSON(v interface{}) error
	SendPing() error

	// SetCallbacks must be called before Connect. onMessage errors are
	// reported through onError and do not drop the connection.
	SetCallbacks(onConnect func() error, onDisconnect func() error, onMessage func([]byte) error, onError func(error))

	GetState() ConnectionState
	GetConnectionStats() map[string]interface{}
	IsHealthy() bool
}

// ReconnectManager redials a dropped ConnectionManager in the background.
type ReconnectManager interface {
	StartReconnection(ctx context.Context) error
	StopReconnection()
	SetCallbacks(onStart func(attempt int), onFail func(attempt int, err error), onSuccess func(attempt int))
}

// ReconnectionStrategy paces reconnect attempts. The session ends once
// MaxAttempts consecutive attempts have failed.
type ReconnectionStrategy interface {
	NextDelay(attempt int) time.Duration
	MaxAttempts() int
}
