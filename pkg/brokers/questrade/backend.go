package questrade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
	"github.com/backtesting-org/pikerd/pkg/search"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

const (
	// DefaultPollRate is quote requests per second.
	DefaultPollRate = 3.0

	backfillBars = 720
)

// Options configures a Backend.
type Options struct {
	ClientOptions
	PollRate float64
}

// Backend polls questrade for stock quotes. The client, and with it the
// token refresh, is set up on first use so that registering the backend
// never prompts.
type Backend struct {
	conf   brokers.ConfigStore
	opts   Options
	logger logging.ApplicationLogger
	tp     temporal.TimeProvider

	mu     sync.Mutex
	client *Client
}

var _ brokers.Backend = (*Backend)(nil)

// New builds a questrade backend over the broker config's "questrade"
// section.
func New(deps brokers.Deps) (brokers.Backend, error) {
	section := deps.Config.Section(Name)
	rateHz := DefaultPollRate
	if v := section["poll_rate"]; v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("invalid questrade poll_rate %q", v)
		}
		rateHz = r
	}
	return NewBackend(deps.Config, Options{
		ClientOptions: ClientOptions{
			RefreshURL: section["refresh_url"],
			HTTPClient: deps.HTTPClient,
			Prompt:     deps.Prompt,
			Logger:     deps.Logger,
			Time:       deps.Time,
		},
		PollRate: rateHz,
	}), nil
}

// NewBackend creates a new questrade backend
func NewBackend(conf brokers.ConfigStore, opts Options) *Backend {
	if opts.PollRate <= 0 {
		opts.PollRate = DefaultPollRate
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Time == nil {
		opts.Time = temporal.NewLiveTimeProvider()
	}
	return &Backend{conf: conf, opts: opts, logger: opts.Logger, tp: opts.Time}
}

func (b *Backend) Name() string {
	return Name
}

// Client returns the shared api client, logging in on first call.
func (b *Backend) Client(ctx context.Context) (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	c, err := GetClient(ctx, b.conf, b.opts.ClientOptions)
	if err != nil {
		return nil, err
	}
	b.client = c
	return c, nil
}

func (b *Backend) BackfillBars(ctx context.Context, symbol string, buf *ohlc.Buffer) error {
	c, err := b.Client(ctx)
	if err != nil {
		return err
	}
	t2ids, err := c.Tickers2IDs(ctx, []string{strings.ToUpper(symbol)})
	if err != nil {
		return err
	}
	id, ok := t2ids[strings.ToUpper(symbol)]
	if !ok {
		return fmt.Errorf("%w: questrade %s", brokers.ErrSymbolNotFound, symbol)
	}

	end := b.tp.Now().UTC().Truncate(time.Minute)
	candles, err := c.API().Candles(ctx, id, end.Add(-backfillBars*time.Minute), end, "OneMinute")
	if err != nil {
		return err
	}
	bars := make([]data.Bar, 0, len(candles))
	for _, cd := range candles {
		start, err := time.Parse(time.RFC3339, cd.Start)
		if err != nil {
			return fmt.Errorf("bad candle start %q: %w", cd.Start, err)
		}
		bars = append(bars, data.Bar{
			Time:   float64(start.Unix()),
			Open:   cd.Open,
			High:   cd.High,
			Low:    cd.Low,
			Close:  cd.Close,
			Volume: cd.Volume,
		})
	}
	_, err = buf.Push(bars...)
	return err
}

func (b *Backend) SearchSymbols(ctx context.Context, pattern string) (search.Results, error) {
	c, err := b.Client(ctx)
	if err != nil {
		return nil, err
	}
	syms, err := c.API().Search(ctx, pattern)
	if err != nil {
		return nil, err
	}
	out := make(search.Results, len(syms))
	for _, s := range syms {
		out[s.Symbol] = s.AsMap()
	}
	return out, nil
}

func (b *Backend) SearchPausePeriod() time.Duration {
	return 0
}

// normQuote converts a snapshot and derives ticks against the previous
// snapshot of the same symbol.
func normQuote(q Quote, prev *Quote) data.Quote {
	topic := strings.ToLower(q.Symbol)
	out := data.Quote{
		Symbol:  topic,
		Last:    q.LastTradePrice,
		Bid:     q.BidPrice,
		Ask:     q.AskPrice,
		BidSize: q.BidSize,
		AskSize: q.AskSize,
		Volume:  q.Volume,
		Open:    q.OpenPrice,
		High:    q.HighPrice,
		Low:     q.LowPrice,
	}
	var ts float64
	if t, err := time.Parse(time.RFC3339Nano, q.LastTradeTime); err == nil {
		ts = temporal.Epoch(t)
		out.BrokerdTS = ts
	}
	if prev == nil {
		return out
	}

	if q.Volume > prev.Volume {
		out.Ticks = append(out.Ticks, data.Tick{
			Type: data.TickTrade, Price: q.LastTradePrice, Size: q.Volume - prev.Volume, BrokerTS: ts,
		})
	}
	if q.BidPrice != prev.BidPrice || q.BidSize != prev.BidSize {
		out.Ticks = append(out.Ticks, data.Tick{Type: data.TickBid, Price: q.BidPrice, Size: q.BidSize, BrokerTS: ts})
	}
	if q.AskPrice != prev.AskPrice || q.AskSize != prev.AskSize {
		out.Ticks = append(out.Ticks, data.Tick{Type: data.TickAsk, Price: q.AskPrice, Size: q.AskSize, BrokerTS: ts})
	}
	return out
}

// StreamQuotes polls markets/quotes at the configured rate and pushes
// every quote that changed since the last poll.
func (b *Backend) StreamQuotes(ctx context.Context, symbols []string, out chan<- data.Quotes, status *brokers.StreamStatus) error {
	c, err := b.Client(ctx)
	if err != nil {
		return err
	}
	tickers := make([]string, len(symbols))
	for i, s := range symbols {
		tickers[i] = strings.ToUpper(s)
	}

	syms, err := c.Symbols(ctx, tickers)
	if err != nil {
		return err
	}
	poll, err := Quoter(ctx, c, tickers)
	if err != nil {
		return err
	}
	snap, err := poll(ctx)
	if err != nil {
		return err
	}

	last := make(map[string]Quote, len(snap))
	init := make(data.InitMsgs, len(symbols))
	first := make(data.Quotes, len(snap))
	for _, q := range snap {
		topic := strings.ToLower(q.Symbol)
		s, ok := syms[q.Symbol]
		if !ok {
			return fmt.Errorf("%w: questrade %s", brokers.ErrSymbolNotFound, q.Symbol)
		}
		init[topic] = data.InitMsg{
			SymbolInfo: data.SymbolInfo{
				AssetType:     "stock",
				PriceTickSize: s.TickSize(q.LastTradePrice),
				LotTickSize:   1,
				Extra:         s.AsMap(),
			},
			Fqsn: data.MkFqsn(Name, topic),
		}
		first[topic] = normQuote(q, nil)
		last[q.Symbol] = q
	}
	for _, t := range tickers {
		if _, ok := last[t]; !ok {
			return fmt.Errorf("%w: questrade %s", brokers.ErrSymbolNotFound, t)
		}
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go func() {
		if err := TokenRefresher(refreshCtx, c); err != nil {
			b.logger.Error("Questrade token refresh failed: %v", err)
		}
	}()

	status.Started(init, first)
	status.SetLive()

	limiter := rate.NewLimiter(rate.Limit(b.opts.PollRate), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		quotes, err := poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		changed := make(data.Quotes)
		for _, q := range quotes {
			prev, seen := last[q.Symbol]
			if seen && prev == q {
				continue
			}
			changed[strings.ToLower(q.Symbol)] = normQuote(q, &prev)
			last[q.Symbol] = q
		}
		if len(changed) == 0 {
			continue
		}
		select {
		case out <- changed:
		case <-ctx.Done():
			return nil
		}
	}
}
