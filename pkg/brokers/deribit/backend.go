package deribit

import (
	"context"
	"strings"
	"time"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/search"
	"github.com/backtesting-org/pikerd/pkg/temporal"
	"github.com/backtesting-org/pikerd/pkg/websocket/connection"
)

const (
	Name = "deribit"

	DefaultWSURL = "wss://www.deribit.com/ws/api/v2"

	// heartbeatInterval is the server side test_request period in seconds.
	heartbeatInterval = 30
)

type Options struct {
	WSURL   string
	Dialer  connection.WebSocketDialer
	Metrics *metrics.Metrics
	Logger  logging.ApplicationLogger
	Time    temporal.TimeProvider

	// AllowInsecure permits ws:// endpoints.
	AllowInsecure bool
}

// Backend streams deribit options quotes.
type Backend struct {
	client *Client
	opts   Options
	logger logging.ApplicationLogger
	tp     temporal.TimeProvider
}

var _ brokers.Backend = (*Backend)(nil)

// New builds a deribit backend from the "deribit" broker config section.
func New(deps brokers.Deps) (brokers.Backend, error) {
	section := deps.Config.Section(Name)
	if len(section) == 0 {
		deps.Logger.Warn("No config section found for deribit")
	}
	client := NewClient(section["api_url"], deps.HTTPClient, deps.Logger, deps.Time)
	return NewBackend(client, Options{
		WSURL:   section["ws_url"],
		Metrics: deps.Metrics,
		Logger:  deps.Logger,
		Time:    deps.Time,
	}), nil
}

// NewBackend creates a new deribit backend around client
func NewBackend(client *Client, opts Options) *Backend {
	if opts.WSURL == "" {
		opts.WSURL = DefaultWSURL
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Time == nil {
		opts.Time = temporal.NewLiveTimeProvider()
	}
	return &Backend{client: client, opts: opts, logger: opts.Logger, tp: opts.Time}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Client() *Client {
	return b.client
}

func (b *Backend) BackfillBars(ctx context.Context, symbol string, buf *ohlc.Buffer) error {
	inst, err := ToInstrument(symbol)
	if err != nil {
		return err
	}
	bars, err := b.client.Bars(ctx, inst, time.Time{}, time.Time{}, 0)
	if err != nil {
		return err
	}
	_, err = buf.Push(bars...)
	return err
}

func (b *Backend) SearchSymbols(ctx context.Context, pattern string) (search.Results, error) {
	matches, err := b.client.SearchSymbols(ctx, pattern, 0)
	if err != nil {
		return nil, err
	}
	out := make(search.Results, len(matches))
	for name, inst := range matches {
		out[name] = inst.AsMap()
	}
	return out, nil
}

func (b *Backend) SearchPausePeriod() time.Duration {
	return 0
}

func (b *Backend) wsConfig() connection.Config {
	cfg := connection.FeedConfig(b.opts.WSURL)
	if b.opts.AllowInsecure && strings.HasPrefix(b.opts.WSURL, "ws://") {
		cfg.RequireSSL = false
	}
	return cfg
}
