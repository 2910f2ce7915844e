package kraken

import (
	"context"
	"strings"
	"time"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/pp"
	"github.com/backtesting-org/pikerd/pkg/search"
	"github.com/backtesting-org/pikerd/pkg/temporal"
	"github.com/backtesting-org/pikerd/pkg/websocket/connection"
)

const (
	Name = "kraken"

	DefaultWSURL     = "wss://ws.kraken.com"
	DefaultAuthWSURL = "wss://ws-auth.kraken.com/"
)

// Options configures a Backend. Zero values use kraken's public endpoints.
type Options struct {
	WSURL     string
	AuthWSURL string
	Dialer    connection.WebSocketDialer
	Ledger    pp.LedgerStore
	Metrics   *metrics.Metrics
	Logger    logging.ApplicationLogger
	Time      temporal.TimeProvider

	// AllowInsecure permits ws:// endpoints.
	AllowInsecure bool
}

// Backend is the kraken spot integration.
type Backend struct {
	client *Client
	opts   Options
	logger logging.ApplicationLogger
	ledger pp.LedgerStore
	tp     temporal.TimeProvider
}

var (
	_ brokers.Backend = (*Backend)(nil)
	_ brokers.Trader  = (*Backend)(nil)
)

// New builds a kraken backend from the "kraken" broker config section.
func New(deps brokers.Deps) (brokers.Backend, error) {
	section := deps.Config.Section(Name)
	client, err := NewClient(ClientConfig{
		APIURL: section["api_url"],
		Name:   section["key_descr"],
		APIKey: section["api_key"],
		Secret: section["secret"],
	}, deps.HTTPClient, deps.Logger, deps.Time)
	if err != nil {
		return nil, err
	}
	return NewBackend(client, Options{
		WSURL:     section["ws_url"],
		AuthWSURL: section["ws_auth_url"],
		Ledger:    deps.Ledger,
		Metrics:   deps.Metrics,
		Logger:    deps.Logger,
		Time:      deps.Time,
	}), nil
}

// NewBackend creates a new kraken backend around client
func NewBackend(client *Client, opts Options) *Backend {
	if opts.WSURL == "" {
		opts.WSURL = DefaultWSURL
	}
	if opts.AuthWSURL == "" {
		opts.AuthWSURL = DefaultAuthWSURL
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Time == nil {
		opts.Time = temporal.NewLiveTimeProvider()
	}
	if opts.Ledger == nil {
		opts.Ledger = pp.NewMemoryLedger()
	}
	return &Backend{
		client: client,
		opts:   opts,
		logger: opts.Logger,
		ledger: opts.Ledger,
		tp:     opts.Time,
	}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Client() *Client {
	return b.client
}

// BackfillBars loads the latest 720 1m bars.
func (b *Backend) BackfillBars(ctx context.Context, symbol string, buf *ohlc.Buffer) error {
	bars, err := b.client.Bars(ctx, symbol, 0)
	if err != nil {
		return err
	}
	_, err = buf.Push(bars...)
	return err
}

func (b *Backend) SearchSymbols(ctx context.Context, pattern string) (search.Results, error) {
	pairs, err := b.client.SearchSymbols(ctx, pattern, 0)
	if err != nil {
		return nil, err
	}
	out := make(search.Results, len(pairs))
	for name, p := range pairs {
		out[name] = p.AsInfo().AsMap()
	}
	return out, nil
}

func (b *Backend) SearchPausePeriod() time.Duration {
	return 0
}

func (b *Backend) wsConfig(url string) connection.Config {
	cfg := connection.FeedConfig(url)
	if b.opts.AllowInsecure && strings.HasPrefix(url, "ws://") {
		cfg.RequireSSL = false
	}
	return cfg
}
