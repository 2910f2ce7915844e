package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/websocket/performance"
	"github.com/backtesting-org/pikerd/pkg/websocket/security"
)

// SessionOptions configures a reconnecting websocket session.
type SessionOptions struct {
	Config  Config
	Auth    security.AuthManager
	Metrics performance.Metrics
	Dialer  WebSocketDialer
	Logger  logging.ApplicationLogger

	// Fixture runs after every successful (re)connect, before any frame is
	// read. Brokers use it to (re)send their subscriptions.
	Fixture func(ConnectionManager) error

	// OnMessage receives every data frame.
	OnMessage func([]byte) error

	// MaxBackoff caps the reconnect delay. Defaults to one minute.
	MaxBackoff time.Duration
}

// Session is a websocket connection that transparently reconnects and
// re-runs its fixture until it is closed or reconnection gives up.
type Session struct {
	manager   ConnectionManager
	reconnect ReconnectManager
	logger    logging.ApplicationLogger

	errs chan error
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// OpenSession dials the configured endpoint and returns once the first
// connection and its fixture succeed.
func OpenSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	opts.Config.ApplyDefaults()
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid websocket config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = performance.NewMetrics(opts.Config.URL, nil)
	}
	if opts.Auth == nil {
		opts.Auth = security.NewAuthManager(security.NewPublicAuthProvider(nil), opts.Logger)
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = time.Minute
	}

	manager := NewConnectionManager(opts.Config, opts.Auth, opts.Metrics, opts.Logger, opts.Dialer)
	strategy := NewExponentialBackoffStrategy(opts.Config.ReconnectDelay, opts.MaxBackoff, opts.Config.MaxReconnects)

	s := &Session{
		manager:   manager,
		reconnect: NewReconnectManager(manager, strategy, opts.Logger),
		logger:    opts.Logger,
		errs:      make(chan error, 16),
		done:      make(chan struct{}),
	}

	var onConnect func() error
	if opts.Fixture != nil {
		onConnect = func() error { return opts.Fixture(manager) }
	}

	onDisconnect := func() error {
		if !opts.Config.EnableReconnect {
			s.finish(fmt.Errorf("websocket %s disconnected", opts.Config.URL))
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("Reconnecting to %s", opts.Config.URL)
		return s.reconnect.StartReconnection(ctx)
	}

	manager.SetCallbacks(onConnect, onDisconnect, opts.OnMessage, s.pushError)
	s.reconnect.SetCallbacks(nil, func(attempt int, err error) {
		if errors.Is(err, ErrMaxReconnects) {
			s.finish(fmt.Errorf("websocket %s: %w after %d attempts", opts.Config.URL, err, attempt))
		}
	}, func(attempt int) {
		opts.Metrics.IncrementReconnection()
		s.logger.Info("Reconnected to %s after %d attempts", opts.Config.URL, attempt)
	})

	if err := manager.Connect(ctx); err != nil {
		_ = manager.Disconnect()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			s.finish(ctx.Err())
		case <-s.done:
		}
	}()

	return s, nil
}

func (s *Session) pushError(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("Dropping websocket error: %v", err)
	}
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()

	s.reconnect.StopReconnection()
	if derr := s.manager.Disconnect(); derr != nil {
		s.logger.Debug("Disconnect failed: %v", derr)
	}
	close(s.done)
}

// Send writes a text frame on the current connection.
func (s *Session) Send(data []byte) error {
	return s.manager.Send(data)
}

// SendJSON encodes v and writes it on the current connection.
func (s *Session) SendJSON(v interface{}) error {
	return s.manager.SendJSON(v)
}

// Errors delivers non-fatal errors such as handler failures.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended. It is nil for an explicit Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Healthy reports whether the current connection has seen recent traffic.
func (s *Session) Healthy() bool {
	return s.manager.IsHealthy()
}

func (s *Session) Stats() map[string]interface{} {
	return s.manager.GetConnectionStats()
}

// Close stops reconnection and closes the connection.
func (s *Session) Close() error {
	s.finish(nil)
	return nil
}
