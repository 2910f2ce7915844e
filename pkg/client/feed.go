package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/websocket/connection"
)

var ErrFeedClosed = errors.New("remote feed closed")

const quoteQueueSize = 128

// FeedOptions mirror the daemon's feed query parameters.
type FeedOptions struct {
	TickThrottle float64
	// NoStream attaches to an existing feed without streaming quotes.
	NoStream bool
}

// RemoteFeed is a quote stream served by pikerd. The underlying
// websocket reconnects on failure; a reconnect replaces the init messages
// and restores a paused stream.
type RemoteFeed struct {
	Broker string
	Symbol string

	session *connection.Session
	quotes  chan data.Quotes
	started chan struct{}
	closing chan struct{}

	mu        sync.Mutex
	init      data.InitMsgs
	first     data.Quotes
	paused    bool
	err       error
	gotStart  bool
	closeOnce sync.Once
}

// OpenFeed dials the daemon's feed stream for symbol on broker and
// returns once the started frame arrives.
func (c *Client) OpenFeed(ctx context.Context, broker, symbol string, opts FeedOptions) (*RemoteFeed, error) {
	params := url.Values{
		"broker": {broker},
		"symbol": {strings.ToLower(symbol)},
	}
	if opts.TickThrottle > 0 {
		params.Set("tick_throttle", strconv.FormatFloat(opts.TickThrottle, 'f', -1, 64))
	}
	if opts.NoStream {
		params.Set("start_stream", "false")
	}

	f := &RemoteFeed{
		Broker:  broker,
		Symbol:  strings.ToLower(symbol),
		quotes:  make(chan data.Quotes, quoteQueueSize),
		started: make(chan struct{}),
		closing: make(chan struct{}),
	}

	cfg := connection.DefaultConfig()
	cfg.URL = c.wsURL("/ws/feed", params)
	cfg.RequireSSL = strings.HasPrefix(cfg.URL, "wss://")
	cfg.ReconnectDelay = time.Second

	session, err := connection.OpenSession(context.Background(), connection.SessionOptions{
		Config:    cfg,
		Dialer:    c.dialer,
		Logger:    c.logger,
		Fixture:   f.fixture,
		OnMessage: f.onMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s.%s feed: %w", f.Symbol, broker, err)
	}
	f.mu.Lock()
	f.session = session
	f.mu.Unlock()

	select {
	case <-f.started:
		return f, nil
	case <-f.closing:
		err := f.Err()
		_ = session.Close()
		return nil, err
	case <-session.Done():
		if err := session.Err(); err != nil {
			return nil, err
		}
		return nil, ErrFeedClosed
	case <-ctx.Done():
		_ = session.Close()
		return nil, ctx.Err()
	}
}

func (f *RemoteFeed) fixture(cm connection.ConnectionManager) error {
	f.mu.Lock()
	paused := f.paused
	f.mu.Unlock()
	if paused {
		return cm.Send([]byte(feed.ControlPause))
	}
	return nil
}

func (f *RemoteFeed) onMessage(raw []byte) error {
	var frame feed.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("decode feed frame: %w", err)
	}

	switch frame.Type {
	case feed.FrameStarted:
		f.mu.Lock()
		f.init, f.first = frame.InitMsg, frame.FirstQuotes
		first := !f.gotStart
		f.gotStart = true
		f.mu.Unlock()
		if first {
			close(f.started)
		}
	case feed.FrameQuotes:
		select {
		case f.quotes <- frame.Quotes:
		case <-f.closing:
		}
	case feed.FrameError:
		f.fail(errors.New(frame.Error))
	default:
		return fmt.Errorf("unexpected feed frame %q", frame.Type)
	}
	return nil
}

func (f *RemoteFeed) fail(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		session := f.session
		f.mu.Unlock()
		close(f.closing)
		if session != nil {
			go session.Close()
		}
	})
}

// Init returns the latest init messages.
func (f *RemoteFeed) Init() data.InitMsgs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.init
}

// FirstQuotes returns the quotes sent with the latest started frame.
func (f *RemoteFeed) FirstQuotes() data.Quotes {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first
}

// Receive blocks for the next quote batch.
func (f *RemoteFeed) Receive(ctx context.Context) (data.Quotes, error) {
	select {
	case q := <-f.quotes:
		return q, nil
	case <-f.closing:
		if err := f.Err(); err != nil {
			return nil, err
		}
		return nil, ErrFeedClosed
	case <-f.session.Done():
		if err := f.session.Err(); err != nil {
			return nil, err
		}
		return nil, ErrFeedClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause stops quote delivery until Resume.
func (f *RemoteFeed) Pause() error {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
	return f.session.Send([]byte(feed.ControlPause))
}

// Resume restarts quote delivery.
func (f *RemoteFeed) Resume() error {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	return f.session.Send([]byte(feed.ControlResume))
}

// Err is the error the daemon closed the feed with, if any.
func (f *RemoteFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close ends the stream.
func (f *RemoteFeed) Close() error {
	f.closeOnce.Do(func() {
		close(f.closing)
	})
	return f.session.Close()
}
