package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/websocket/performance"
	"github.com/backtesting-org/pikerd/pkg/websocket/security"
	"github.com/gorilla/websocket"
)

// ErrStopped is returned by Connect once Disconnect has been called.
var ErrStopped = errors.New("connection manager stopped")

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	// StateStopped is terminal: the owner asked for the connection to go away.
	StateStopped
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// connectionManager handles WebSocket connection lifecycle with standard ping/pong
type connectionManager struct {
	config         Config
	authManager    security.AuthManager
	metrics        performance.Metrics
	circuitBreaker performance.CircuitBreaker
	dialer         WebSocketDialer
	logger         logging.ApplicationLogger

	conn       WebSocketConn
	state      ConnectionState
	stateMutex sync.RWMutex
	writeMutex sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	lastActivity  time.Time
	activityMutex sync.RWMutex

	callbackMutex sync.RWMutex
	onConnect     func() error
	onDisconnect  func() error
	onMessage     func([]byte) error
	onError       func(error)
}

// NewConnectionManager creates a new connection manager. A nil dialer
// uses gorilla/websocket.
func NewConnectionManager(
	config Config,
	authManager security.AuthManager,
	metrics performance.Metrics,
	logger logging.ApplicationLogger,
	dialer WebSocketDialer,
) ConnectionManager {
	config.ApplyDefaults()
	if dialer == nil {
		dialer = NewGorillaDialer(config)
	}
	return &connectionManager{
		config:         config,
		authManager:    authManager,
		metrics:        metrics,
		circuitBreaker: performance.NewCircuitBreaker(3, 30*time.Second),
		dialer:         dialer,
		logger:         logger,
		state:          StateDisconnected,
	}
}

func (cm *connectionManager) SetCallbacks(
	onConnect func() error,
	onDisconnect func() error,
	onMessage func([]byte) error,
	onError func(error),
) {
	cm.callbackMutex.Lock()
	defer cm.callbackMutex.Unlock()
	cm.onConnect = onConnect
	cm.onDisconnect = onDisconnect
	cm.onMessage = onMessage
	cm.onError = onError
}

func (cm *connectionManager) callbacks() (func() error, func() error, func([]byte) error, func(error)) {
	cm.callbackMutex.RLock()
	defer cm.callbackMutex.RUnlock()
	return cm.onConnect, cm.onDisconnect, cm.onMessage, cm.onError
}

func (cm *connectionManager) Connect(ctx context.Context) error {
	cm.stateMutex.Lock()
	switch cm.state {
	case StateConnected, StateConnecting:
		cm.stateMutex.Unlock()
		return fmt.Errorf("already connected or connecting")
	case StateStopped:
		cm.stateMutex.Unlock()
		return ErrStopped
	}
	cm.setState(StateConnecting)
	connCtx, cancel := context.WithCancel(ctx)
	cm.ctx, cm.cancel = connCtx, cancel
	cm.stateMutex.Unlock()

	conn, err := cm.dial(connCtx)
	if err != nil {
		cancel()
		cm.stateMutex.Lock()
		if cm.state == StateConnecting {
			cm.setState(StateFailed)
		}
		cm.stateMutex.Unlock()
		if cm.metrics != nil {
			cm.metrics.IncrementConnectionError()
		}
		return err
	}

	cm.stateMutex.Lock()
	if cm.state != StateConnecting {
		// stopped while dialing
		cm.stateMutex.Unlock()
		cancel()
		_ = conn.Close()
		return ErrStopped
	}
	cm.conn = conn
	cm.setState(StateConnected)
	cm.stateMutex.Unlock()
	cm.updateLastActivity()

	// Subscriptions are sent before the reader starts so the first frames
	// a fixture expects are not raced by the read loop.
	onConnect, _, _, _ := cm.callbacks()
	if onConnect != nil {
		if err := onConnect(); err != nil {
			cm.logger.Error("Connect callback failed: %v", err)
			cm.closeConn(conn, StateFailed)
			return err
		}
	}

	go cm.readMessages(connCtx, conn)

	if cm.config.EnableHealthMonitoring {
		go cm.simpleHealthMonitor(connCtx)
	}

	cm.logger.Info("WebSocket connected successfully to %s", cm.config.URL)
	return nil
}

func (cm *connectionManager) dial(ctx context.Context) (WebSocketConn, error) {
	u, err := url.Parse(cm.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL: %w", err)
	}

	if cm.config.RequireSSL && u.Scheme != "wss" {
		return nil, fmt.Errorf("insecure WebSocket scheme: %s (must be wss)", u.Scheme)
	}

	headers, err := cm.authManager.GetSecureHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth headers: %w", err)
	}

	var conn WebSocketConn
	err = cm.circuitBreaker.Call(func() error {
		connectCtx, cancel := context.WithTimeout(ctx, cm.config.ConnectTimeout)
		defer cancel()

		c, _, dialErr := cm.dialer.DialContext(connectCtx, u.String(), headers)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if tc, ok := conn.(tunableConn); ok {
		tc.SetReadLimit(cm.config.MaxMessageSize)
		tc.SetPongHandler(func(string) error {
			cm.updateLastActivity()
			return conn.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))
		})
	}

	return conn, nil
}

// Disconnect stops the manager for good. onDisconnect is not called since
// the owner initiated the shutdown.
func (cm *connectionManager) Disconnect() error {
	cm.stateMutex.Lock()
	defer cm.stateMutex.Unlock()

	if cm.state == StateStopped {
		return nil
	}

	cm.setState(StateStopped)

	if cm.cancel != nil {
		cm.cancel()
	}

	var err error
	if cm.conn != nil {
		cm.writeMutex.Lock()
		_ = cm.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		cm.writeMutex.Unlock()
		err = cm.conn.Close()
		cm.conn = nil
	}

	cm.logger.Info("WebSocket disconnected from %s", cm.config.URL)
	return err
}

func (cm *connectionManager) write(messageType int, message []byte) error {
	cm.stateMutex.RLock()
	defer cm.stateMutex.RUnlock()

	if cm.state != StateConnected || cm.conn == nil {
		return fmt.Errorf("WebSocket not connected")
	}

	cm.writeMutex.Lock()
	defer cm.writeMutex.Unlock()

	if err := cm.conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := cm.conn.WriteMessage(messageType, message); err != nil {
		return err
	}

	if cm.metrics != nil && messageType == websocket.TextMessage {
		cm.metrics.IncrementSent()
	}
	return nil
}

func (cm *connectionManager) SendMessage(message []byte) error {
	return cm.write(websocket.TextMessage, message)
}

// Send is an alias for SendMessage
func (cm *connectionManager) Send(data []byte) error {
	return cm.SendMessage(data)
}

func (cm *connectionManager) SendJSON(v interface{}) error {
	data, err := performance.MarshalFrame(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	cm.logger.Debug("Sending WebSocket message: %s", string(data))
	return cm.write(websocket.TextMessage, data)
}

func (cm *connectionManager) SendPing() error {
	cm.logger.Debug("Sending WebSocket ping control frame")
	return cm.write(websocket.PingMessage, nil)
}

func (cm *connectionManager) GetState() ConnectionState {
	cm.stateMutex.RLock()
	defer cm.stateMutex.RUnlock()
	return cm.state
}

func (cm *connectionManager) GetConnectionStats() map[string]interface{} {
	cm.stateMutex.RLock()
	state := cm.state
	cm.stateMutex.RUnlock()

	cm.activityMutex.RLock()
	lastActivity := cm.lastActivity
	cm.activityMutex.RUnlock()

	stats := map[string]interface{}{
		"state":         state.String(),
		"connected":     state == StateConnected,
		"last_activity": lastActivity,
		"url":           cm.config.URL,
	}

	if cm.metrics != nil {
		for k, v := range cm.metrics.GetStats() {
			stats[k] = v
		}
	}

	return stats
}

func (cm *connectionManager) IsHealthy() bool {
	if cm.GetState() != StateConnected {
		return false
	}

	cm.activityMutex.RLock()
	lastActivity := cm.lastActivity
	cm.activityMutex.RUnlock()

	return time.Since(lastActivity) <= cm.config.HealthCheckTimeout
}

// setState must be called with stateMutex held.
func (cm *connectionManager) setState(state ConnectionState) {
	cm.state = state
	cm.logger.Debug("Connection state changed to: %s", state.String())
}

func (cm *connectionManager) updateLastActivity() {
	cm.activityMutex.Lock()
	defer cm.activityMutex.Unlock()
	cm.lastActivity = time.Now()
}

func (cm *connectionManager) readMessages(ctx context.Context, conn WebSocketConn) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("WebSocket read panic: %v", r)
			cm.handleConnectionError(conn, fmt.Errorf("read panic: %v", r))
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout)); err != nil {
			cm.handleConnectionError(conn, fmt.Errorf("failed to set read deadline: %w", err))
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cm.logger.Info("WebSocket closed by server %s", cm.config.URL)
			} else {
				cm.logger.Warn("WebSocket read error on %s: %v", cm.config.URL, err)
			}
			cm.handleConnectionError(conn, err)
			return
		}

		cm.updateLastActivity()

		if cm.metrics != nil {
			cm.metrics.IncrementReceived()
		}

		_, _, onMessage, onError := cm.callbacks()
		if onMessage == nil {
			continue
		}
		if err := onMessage(message); err != nil {
			cm.logger.Debug("Message handler error: %v", err)
			if onError != nil {
				onError(fmt.Errorf("message processing error: %w", err))
			}
		}
	}
}

func (cm *connectionManager) simpleHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(cm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cm.GetState() != StateConnected {
				return
			}

			cm.activityMutex.RLock()
			timeSinceActivity := time.Since(cm.lastActivity)
			cm.activityMutex.RUnlock()

			if timeSinceActivity <= cm.config.HealthCheckTimeout {
				continue
			}
			cm.logger.Warn("No activity for %v, connection may be stale", timeSinceActivity)

			if cm.config.EnableHealthPings {
				if err := cm.SendPing(); err != nil {
					cm.logger.Debug("Health ping failed: %v", err)
					cm.stateMutex.RLock()
					conn := cm.conn
					cm.stateMutex.RUnlock()
					if conn != nil {
						cm.handleConnectionError(conn, err)
					}
					return
				}
			}
		}
	}
}

// closeConn tears down conn if it is still the active connection.
func (cm *connectionManager) closeConn(conn WebSocketConn, next ConnectionState) bool {
	cm.stateMutex.Lock()
	defer cm.stateMutex.Unlock()

	if cm.conn != conn || cm.state == StateStopped {
		return false
	}
	cm.setState(next)
	if cm.cancel != nil {
		cm.cancel()
	}
	_ = conn.Close()
	cm.conn = nil
	return true
}

func (cm *connectionManager) handleConnectionError(conn WebSocketConn, cause error) {
	if !cm.closeConn(conn, StateDisconnected) {
		return
	}

	cm.logger.Error("WebSocket connection to %s lost: %v", cm.config.URL, cause)

	if cm.metrics != nil {
		cm.metrics.IncrementConnectionError()
	}

	_, onDisconnect, _, onError := cm.callbacks()
	if onDisconnect != nil {
		if err := onDisconnect(); err != nil {
			cm.logger.Warn("Disconnect callback failed: %v", err)
		}
	}

	if onError != nil {
		onError(fmt.Errorf("WebSocket connection lost: %w", cause))
	}
}
