package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/temporal"
	"github.com/backtesting-org/pikerd/pkg/websocket/base"
)

const (
	DefaultAPIURL = "https://www.deribit.com"

	// historyRate paces chart and trade history requests.
	historyRate = 3
)

// Instrument is one entry of public/get_instruments.
type Instrument struct {
	InstrumentName      string  `json:"instrument_name"`
	Kind                string  `json:"kind"`
	BaseCurrency        string  `json:"base_currency"`
	QuoteCurrency       string  `json:"quote_currency"`
	SettlementPeriod    string  `json:"settlement_period"`
	OptionType          string  `json:"option_type"`
	Strike              float64 `json:"strike"`
	TickSize            float64 `json:"tick_size"`
	MinTradeAmount      float64 `json:"min_trade_amount"`
	ContractSize        float64 `json:"contract_size"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
	IsActive            bool    `json:"is_active"`
}

// AsMap flattens the instrument for search results and symbol info.
func (i Instrument) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"instrument_name":      i.InstrumentName,
		"kind":                 i.Kind,
		"base_currency":        i.BaseCurrency,
		"quote_currency":       i.QuoteCurrency,
		"option_type":          i.OptionType,
		"strike":               i.Strike,
		"tick_size":            i.TickSize,
		"min_trade_amount":     i.MinTradeAmount,
		"expiration_timestamp": i.ExpirationTimestamp,
	}
}

// Trade is one entry of get_last_trades_by_instrument and the trades
// channel.
type Trade struct {
	TradeSeq       int64   `json:"trade_seq"`
	TradeID        string  `json:"trade_id"`
	Timestamp      int64   `json:"timestamp"`
	TickDirection  int     `json:"tick_direction"`
	Price          float64 `json:"price"`
	MarkPrice      float64 `json:"mark_price"`
	IV             float64 `json:"iv"`
	InstrumentName string  `json:"instrument_name"`
	IndexPrice     float64 `json:"index_price"`
	Direction      string  `json:"direction"`
	Amount         float64 `json:"amount"`
}

type LastTrades struct {
	Trades  []Trade `json:"trades"`
	HasMore bool    `json:"has_more"`
}

// KLines is public/get_tradingview_chart_data's column layout.
type KLines struct {
	Close  []float64 `json:"close"`
	Cost   []float64 `json:"cost"`
	High   []float64 `json:"high"`
	Low    []float64 `json:"low"`
	Open   []float64 `json:"open"`
	Status string    `json:"status"`
	Ticks  []int64   `json:"ticks"`
	Volume []float64 `json:"volume"`
}

type rpcResult struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *base.RPCError  `json:"error,omitempty"`
	UsIn    int64           `json:"usIn"`
	UsOut   int64           `json:"usOut"`
	UsDiff  int64           `json:"usDiff"`
	Testnet bool            `json:"testnet"`
}

// Client is a deribit public REST API client.
type Client struct {
	http    *http.Client
	apiURL  string
	logger  logging.ApplicationLogger
	tp      temporal.TimeProvider
	history *rate.Limiter

	mu    sync.RWMutex
	pairs map[string]Instrument
}

// NewClient creates a new deribit REST client
func NewClient(apiURL string, httpClient *http.Client, logger logging.ApplicationLogger, tp temporal.TimeProvider) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if tp == nil {
		tp = temporal.NewLiveTimeProvider()
	}
	return &Client{
		http:    httpClient,
		apiURL:  strings.TrimRight(apiURL, "/"),
		logger:  logger,
		tp:      tp,
		history: rate.NewLimiter(rate.Limit(historyRate), historyRate),
	}
}

func (c *Client) api(ctx context.Context, method string, params url.Values, out interface{}) error {
	u := fmt.Sprintf("%s/api/v2/public/%s", c.apiURL, method)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deribit %s: %w", method, err)
	}

	var r rpcResult
	if err := brokers.DecodeJSON(resp, c.logger, &r); err != nil {
		return err
	}
	if r.Error != nil {
		return &brokers.BrokerError{Msg: r.Error.Error()}
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decode deribit %s: %w", method, err)
	}
	return nil
}

// SymbolInfo lists instruments of kind for currency keyed by name.
func (c *Client) SymbolInfo(ctx context.Context, currency, kind string, expired bool) (map[string]Instrument, error) {
	if currency == "" {
		currency = "btc"
	}
	if kind == "" {
		kind = "option"
	}
	params := url.Values{
		"currency": {strings.ToUpper(currency)},
		"kind":     {kind},
		"expired":  {strconv.FormatBool(expired)},
	}
	var results []Instrument
	if err := c.api(ctx, "get_instruments", params, &results); err != nil {
		return nil, err
	}
	out := make(map[string]Instrument, len(results))
	for _, inst := range results {
		out[inst.InstrumentName] = inst
	}
	return out, nil
}

// CacheSymbols loads the active btc options once.
func (c *Client) CacheSymbols(ctx context.Context) (map[string]Instrument, error) {
	c.mu.RLock()
	pairs := c.pairs
	c.mu.RUnlock()
	if pairs != nil {
		return pairs, nil
	}

	pairs, err := c.SymbolInfo(ctx, "", "", false)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.pairs = pairs
	c.mu.Unlock()
	return pairs, nil
}

// Instrument looks up a single instrument by any supported option name.
func (c *Client) Instrument(ctx context.Context, name string) (Instrument, error) {
	inst, err := ToInstrument(name)
	if err != nil {
		return Instrument{}, err
	}
	pairs, err := c.CacheSymbols(ctx)
	if err != nil {
		return Instrument{}, err
	}
	i, ok := pairs[inst]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: deribit %s", brokers.ErrSymbolNotFound, inst)
	}
	return i, nil
}

// SearchSymbols fuzzy matches pattern against instrument names.
func (c *Client) SearchSymbols(ctx context.Context, pattern string, limit int) (map[string]Instrument, error) {
	pairs, err := c.CacheSymbols(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	out := make(map[string]Instrument)
	for _, m := range brokers.ExtractBests(pattern, names, 50, limit) {
		out[m.Choice] = pairs[m.Choice]
	}
	return out, nil
}

// Bars fetches 1m bars between start and end. A zero end is now and a zero
// start is limit minutes before the minute end falls in.
func (c *Client) Bars(ctx context.Context, symbol string, start, end time.Time, limit int) ([]data.Bar, error) {
	if limit <= 0 {
		limit = 1000
	}
	if end.IsZero() {
		end = c.tp.Now().UTC()
	}
	if start.IsZero() {
		start = end.Truncate(time.Minute).Add(-time.Duration(limit) * time.Minute)
	}
	if err := c.history.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{
		"instrument_name": {strings.ToUpper(symbol)},
		"start_timestamp": {strconv.FormatInt(start.UnixMilli(), 10)},
		"end_timestamp":   {strconv.FormatInt(end.UnixMilli(), 10)},
		"resolution":      {"1"},
	}
	var k KLines
	if err := c.api(ctx, "get_tradingview_chart_data", params, &k); err != nil {
		return nil, err
	}

	n := len(k.Close)
	if len(k.Open) < n || len(k.High) < n || len(k.Low) < n || len(k.Volume) < n {
		return nil, fmt.Errorf("ragged chart data for %s", symbol)
	}
	bars := make([]data.Bar, 0, n)
	for i := 0; i < n; i++ {
		ts := float64(start.UnixMilli()+int64(i)*60*1000) / 1000
		if i < len(k.Ticks) {
			ts = float64(k.Ticks[i]) / 1000
		}
		bars = append(bars, data.Bar{
			Time:   ts,
			Open:   k.Open[i],
			High:   k.High[i],
			Low:    k.Low[i],
			Close:  k.Close[i],
			Volume: k.Volume[i],
		})
	}
	return bars, nil
}

// LastTrades fetches the most recent count trades of instrument.
func (c *Client) LastTrades(ctx context.Context, instrument string, count int) (LastTrades, error) {
	if count <= 0 {
		count = 10
	}
	if err := c.history.Wait(ctx); err != nil {
		return LastTrades{}, err
	}
	var lt LastTrades
	err := c.api(ctx, "get_last_trades_by_instrument", url.Values{
		"instrument_name": {instrument},
		"count":           {strconv.Itoa(count)},
	}, &lt)
	return lt, err
}
