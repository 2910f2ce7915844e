package security

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/backtesting-org/pikerd/pkg/logging"
)

// UserAgent is sent on every websocket handshake.
const UserAgent = "pikerd-websocket/1.0"

// authManager handles authentication for WebSocket connections
type authManager struct {
	provider     AuthProvider
	refreshMutex sync.Mutex
	logger       logging.ApplicationLogger
}

func NewAuthManager(provider AuthProvider, logger logging.ApplicationLogger) AuthManager {
	return &authManager{
		provider: provider,
		logger:   logger,
	}
}

func (am *authManager) GetSecureHeaders(ctx context.Context) (http.Header, error) {
	if !am.provider.IsAuthenticated() {
		if err := am.refreshAuth(ctx); err != nil {
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}

	if time.Until(am.provider.GetTokenExpiry()) < 5*time.Minute {
		am.logger.Debug("Token expiring soon, refreshing authentication")
		if err := am.refreshAuth(ctx); err != nil {
			am.logger.Warn("Failed to refresh expiring token: %v", err)
		}
	}

	headers, err := am.provider.GetAuthHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth headers: %w", err)
	}

	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set("User-Agent", UserAgent)

	return headers, nil
}

func (am *authManager) refreshAuth(ctx context.Context) error {
	am.refreshMutex.Lock()
	defer am.refreshMutex.Unlock()

	if am.provider.IsAuthenticated() && time.Until(am.provider.GetTokenExpiry()) >= 5*time.Minute {
		return nil
	}

	am.logger.Debug("Refreshing authentication")
	if err := am.provider.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh authentication: %w", err)
	}

	am.logger.Debug("Authentication refreshed successfully")
	return nil
}

func (am *authManager) ValidateConnection(_ context.Context) error {
	if !am.provider.IsAuthenticated() {
		return fmt.Errorf("not authenticated")
	}

	if time.Now().After(am.provider.GetTokenExpiry()) {
		return fmt.Errorf("authentication token expired")
	}

	return nil
}

// PeriodicRefresh starts a goroutine that periodically refreshes authentication
func (am *authManager) PeriodicRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := am.refreshAuth(ctx); err != nil {
				am.logger.Error("Periodic auth refresh failed: %v", err)
			}
		}
	}
}

// publicProvider serves feeds that need no credentials on the handshake.
type publicProvider struct {
	headers http.Header
}

// NewPublicAuthProvider returns a provider that is always authenticated
// and only contributes the given static headers.
func NewPublicAuthProvider(headers http.Header) AuthProvider {
	return &publicProvider{headers: headers}
}

func (p *publicProvider) GetAuthHeaders(context.Context) (http.Header, error) {
	return p.headers.Clone(), nil
}

func (p *publicProvider) IsAuthenticated() bool { return true }

func (p *publicProvider) Refresh(context.Context) error { return nil }

func (p *publicProvider) GetTokenExpiry() time.Time {
	return time.Now().Add(24 * time.Hour)
}
