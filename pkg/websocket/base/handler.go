package base

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/backtesting-org/pikerd/pkg/logging"
)

// MessageHandler defines the interface for processing WebSocket messages
type MessageHandler interface {
	// Handle processes a raw WebSocket message
	Handle(ctx context.Context, message []byte) error

	// GetChannels returns the routing keys this handler is responsible for
	GetChannels() []string
}

// RouteKeyFunc extracts the routing key from a raw frame. An empty key
// means the frame is not routable.
type RouteKeyFunc func(message []byte) (string, error)

// HandlerRegistry dispatches frames to handlers by routing key. Brokers
// supply the key extraction since kraken and deribit frame shapes differ.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
	routeKey RouteKeyFunc
	fallback MessageHandler
	logger   logging.ApplicationLogger
}

func NewHandlerRegistry(routeKey RouteKeyFunc, logger logging.ApplicationLogger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]MessageHandler),
		routeKey: routeKey,
		logger:   logger,
	}
}

// RegisterHandler registers a handler for each of its channels
func (hr *HandlerRegistry) RegisterHandler(handler MessageHandler) error {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	for _, channel := range handler.GetChannels() {
		if existing, exists := hr.handlers[channel]; exists {
			return fmt.Errorf("handler already registered for channel '%s': %T", channel, existing)
		}
	}
	for _, channel := range handler.GetChannels() {
		hr.handlers[channel] = handler
		hr.logger.Debug("Registered handler for channel: %s", channel)
	}
	return nil
}

// SetFallback installs the handler for frames no channel claims.
func (hr *HandlerRegistry) SetFallback(handler MessageHandler) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.fallback = handler
}

// RouteMessage routes a message to the appropriate handler
func (hr *HandlerRegistry) RouteMessage(ctx context.Context, message []byte) error {
	key, err := hr.routeKey(message)
	if err != nil {
		return fmt.Errorf("failed to route message: %w", err)
	}

	hr.mu.RLock()
	handler, exists := hr.handlers[key]
	fallback := hr.fallback
	hr.mu.RUnlock()

	if exists {
		return handler.Handle(ctx, message)
	}
	if fallback != nil {
		return fallback.Handle(ctx, message)
	}

	hr.logger.Debug("No handler found for message with key %q", key)
	return nil
}

// GetRegisteredChannels returns all registered channels, sorted
func (hr *HandlerRegistry) GetRegisteredChannels() []string {
	hr.mu.RLock()
	defer hr.mu.RUnlock()

	channels := make([]string, 0, len(hr.handlers))
	for channel := range hr.handlers {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// HandlerFunc adapts a function to MessageHandler for a fixed channel set.
type HandlerFunc struct {
	channels []string
	fn       func(ctx context.Context, message []byte) error
}

func NewHandlerFunc(fn func(ctx context.Context, message []byte) error, channels ...string) *HandlerFunc {
	return &HandlerFunc{channels: channels, fn: fn}
}

func (h *HandlerFunc) Handle(ctx context.Context, message []byte) error {
	return h.fn(ctx, message)
}

func (h *HandlerFunc) GetChannels() []string {
	return h.channels
}
