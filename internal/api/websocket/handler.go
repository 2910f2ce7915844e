package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/clearing"
	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/sampling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced by the router
		return true
	},
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 << 10

	incomingQueueSize = 16
)

// Handler serves the daemon's websocket streams: quote feeds, sampler
// index steps and broker trade dialogues.
type Handler struct {
	svc    *feed.Service
	logger logging.ApplicationLogger
}

// NewHandler creates a new WebSocket handler
func NewHandler(svc *feed.Service, logger logging.ApplicationLogger) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger,
	}
}

// Client is one upgraded connection. Only the owning handler goroutine
// writes to it.
type Client struct {
	conn     *websocket.Conn
	incoming chan []byte
	done     chan struct{}
	logger   logging.ApplicationLogger
}

func newClient(conn *websocket.Conn, logger logging.ApplicationLogger) *Client {
	c := &Client{
		conn:     conn,
		incoming: make(chan []byte, incomingQueueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go c.readPump()
	return c
}

// readPump pumps messages from the WebSocket connection to the handler
func (c *Client) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error: %v", err)
			}
			return
		}
		select {
		case c.incoming <- message:
		default:
			c.logger.Warn("Dropping client message, queue full")
		}
	}
}

func (c *Client) send(frame feed.Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// fail sends an error frame and closes with code.
func (c *Client) fail(code int, err error) {
	_ = c.send(feed.Frame{Type: feed.FrameError, Error: err.Error()})
	c.close(code, "")
}

func (c *Client) close(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = c.conn.Close()
}

func (h *Handler) upgrade(c *gin.Context) (*Client, bool) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection: %v", err)
		return nil, false
	}
	h.logger.Debug("New WebSocket client connected from %s", conn.RemoteAddr())
	return newClient(conn, h.logger), true
}

// HandleFeed streams quotes for one symbol.
// GET /ws/feed?broker=&symbol=&tick_throttle=&start_stream=
func (h *Handler) HandleFeed(c *gin.Context) {
	broker, symbol := c.Query("broker"), c.Query("symbol")
	if broker == "" || symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "broker and symbol are required"})
		return
	}
	opts := feed.BusOptions{StartStream: true}
	if v := c.Query("tick_throttle"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 || rate > sampling.MaxTickRate {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tick_throttle"})
			return
		}
		opts.TickThrottle = rate
	}
	if v := c.Query("start_stream"); v != "" {
		start, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_stream"})
			return
		}
		opts.StartStream = start
	}
	if _, err := h.svc.Brokers().Get(broker); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	client, ok := h.upgrade(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-client.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	sub, err := h.svc.OpenFeedBus(ctx, broker, symbol, opts)
	if err != nil {
		h.logger.Error("Failed to open %s.%s feed: %v", symbol, broker, err)
		client.fail(websocket.CloseInternalServerErr, err)
		return
	}
	defer sub.Close()

	if err := client.send(feed.Frame{
		Type:        feed.FrameStarted,
		InitMsg:     sub.Init,
		FirstQuotes: sub.FirstQuotes,
	}); err != nil {
		client.close(websocket.CloseNormalClosure, "")
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case quotes := <-sub.Quotes():
			if err := client.send(feed.Frame{Type: feed.FrameQuotes, Quotes: quotes}); err != nil {
				client.close(websocket.CloseNormalClosure, "")
				return
			}
		case msg := <-client.incoming:
			if err := sub.Control(strings.TrimSpace(string(msg))); err != nil {
				client.fail(websocket.ClosePolicyViolation, err)
				return
			}
		case <-ticker.C:
			if err := client.ping(); err != nil {
				client.close(websocket.CloseNormalClosure, "")
				return
			}
		case <-sub.Done():
			client.close(websocket.CloseNormalClosure, "")
			return
		case <-client.done:
			_ = client.conn.Close()
			return
		case <-h.svc.Done():
			client.close(websocket.CloseGoingAway, "pikerd shutting down")
			return
		}
	}
}

// HandleIndex streams the sampler's newest row index after each step.
// GET /ws/index?period=1
func (h *Handler) HandleIndex(c *gin.Context) {
	period := int64(1)
	if v := c.Query("period"); v != "" {
		p, err := strconv.ParseInt(v, 10, 64)
		if err != nil || p <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid period"})
			return
		}
		period = p
	}

	client, ok := h.upgrade(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	steps, release, err := h.svc.IndexStream(ctx, period)
	if err != nil {
		client.fail(websocket.CloseInternalServerErr, err)
		return
	}
	defer func() { _ = release() }()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case idx, ok := <-steps.C():
			if !ok {
				client.close(websocket.CloseGoingAway, "index stream closed")
				return
			}
			if err := client.send(feed.Frame{Type: feed.FrameIndex, Index: &idx}); err != nil {
				_ = client.conn.Close()
				return
			}
		case <-client.incoming:
		case <-ticker.C:
			if err := client.ping(); err != nil {
				_ = client.conn.Close()
				return
			}
		case <-client.done:
			_ = client.conn.Close()
			return
		case <-h.svc.Done():
			client.close(websocket.CloseGoingAway, "pikerd shutting down")
			return
		}
	}
}

// HandleTrades relays a broker's order dialogue. The first frame carries
// the broker's positions and accounts, after which client frames are
// order requests and server frames are broker events.
// GET /ws/trades/:broker
func (h *Handler) HandleTrades(c *gin.Context) {
	name := c.Param("broker")
	backend, err := h.svc.Brokers().Get(name)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	trader, ok := backend.(brokers.Trader)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": name + " does not support order entry"})
		return
	}

	client, ok := h.upgrade(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialogue, err := trader.OpenTradesDialogue(ctx)
	if err != nil {
		h.logger.Error("Failed to open %s trades dialogue: %v", name, err)
		client.fail(websocket.CloseInternalServerErr, err)
		return
	}

	if err := client.send(feed.Frame{
		Type:      feed.FrameDialogue,
		Positions: dialogue.Positions,
		Accounts:  dialogue.Accounts,
	}); err != nil {
		_ = client.conn.Close()
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-dialogue.Events():
			raw, err := clearing.Encode(msg)
			if err != nil {
				h.logger.Error("Failed to encode %s message: %v", msg.MsgName(), err)
				continue
			}
			if err := client.send(feed.Frame{Type: feed.FrameEvent, Msg: raw}); err != nil {
				_ = client.conn.Close()
				return
			}
		case raw := <-client.incoming:
			req, err := clearing.ParseRequest(raw)
			if err != nil {
				_ = client.send(feed.Frame{Type: feed.FrameError, Error: err.Error()})
				continue
			}
			if err := dialogue.Send(ctx, req); err != nil {
				client.fail(websocket.CloseInternalServerErr, err)
				return
			}
		case <-ticker.C:
			if err := client.ping(); err != nil {
				_ = client.conn.Close()
				return
			}
		case <-dialogue.Done():
			if err := dialogue.Err(); err != nil {
				client.fail(websocket.CloseInternalServerErr, err)
			} else {
				client.close(websocket.CloseNormalClosure, "")
			}
			return
		case <-client.done:
			_ = client.conn.Close()
			return
		case <-h.svc.Done():
			client.close(websocket.CloseGoingAway, "pikerd shutting down")
			return
		}
	}
}

func statusFor(err error) int {
	if errors.Is(err, brokers.ErrUnknownBroker) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
