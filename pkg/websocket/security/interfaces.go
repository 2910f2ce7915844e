package security

import (
	"context"
	"net/http"
	"time"
)

// AuthProvider supplies handshake headers for an endpoint. Public market
// data feeds use a provider that returns none.
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (http.Header, error)
	IsAuthenticated() bool
	Refresh(ctx context.Context) error
	GetTokenExpiry() time.Time
}

// AuthManager wraps a provider with refresh handling.
type AuthManager interface {
	GetSecureHeaders(ctx context.Context) (http.Header, error)
	ValidateConnection(ctx context.Context) error
	PeriodicRefresh(ctx context.Context, interval time.Duration)
}

// RateLimiter caps outbound frames, e.g. subscription bursts on
// reconnect.
type RateLimiter interface {
	Allow() bool
	Reset()
}

// MessageValidator rejects inbound frames before they reach a broker's
// decoder.
type MessageValidator interface {
	ValidateMessage(message []byte) error
}
