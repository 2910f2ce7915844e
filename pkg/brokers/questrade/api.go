package questrade

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Symbol is questrade's symbol record.
type Symbol struct {
	Symbol          string    `json:"symbol"`
	SymbolID        int64     `json:"symbolId"`
	Description     string    `json:"description"`
	SecurityType    string    `json:"securityType"`
	ListingExchange string    `json:"listingExchange"`
	Currency        string    `json:"currency"`
	IsTradable      bool      `json:"isTradable"`
	IsQuotable      bool      `json:"isQuotable"`
	PrevDayClose    float64   `json:"prevDayClosePrice"`
	MinTicks        []MinTick `json:"minTicks,omitempty"`
}

type MinTick struct {
	Pivot   float64 `json:"pivot"`
	MinTick float64 `json:"minTick"`
}

// TickSize is the smallest tick at or below price, 0.01 when unknown.
func (s Symbol) TickSize(price float64) float64 {
	tick := 0.0
	for _, mt := range s.MinTicks {
		if price >= mt.Pivot {
			tick = mt.MinTick
		}
	}
	if tick == 0 {
		return 0.01
	}
	return tick
}

// AsMap flattens the symbol for search results and symbol info.
func (s Symbol) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"symbol":          s.Symbol,
		"symbolId":        s.SymbolID,
		"description":     s.Description,
		"securityType":    s.SecurityType,
		"listingExchange": s.ListingExchange,
		"currency":        s.Currency,
	}
}

// Quote is one level 1 snapshot from markets/quotes.
type Quote struct {
	Symbol         string  `json:"symbol"`
	SymbolID       int64   `json:"symbolId"`
	BidPrice       float64 `json:"bidPrice"`
	BidSize        float64 `json:"bidSize"`
	AskPrice       float64 `json:"askPrice"`
	AskSize        float64 `json:"askSize"`
	LastTradePrice float64 `json:"lastTradePrice"`
	LastTradeSize  float64 `json:"lastTradeSize"`
	LastTradeTime  string  `json:"lastTradeTime"`
	Volume         float64 `json:"volume"`
	OpenPrice      float64 `json:"openPrice"`
	HighPrice      float64 `json:"highPrice"`
	LowPrice       float64 `json:"lowPrice"`
	Delay          int     `json:"delay"`
	IsHalted       bool    `json:"isHalted"`
}

// Candle is one bar from markets/candles.
type Candle struct {
	Start  string  `json:"start"`
	End    string  `json:"end"`
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type Account struct {
	Type              string `json:"type"`
	Number            string `json:"number"`
	Status            string `json:"status"`
	IsPrimary         bool   `json:"isPrimary"`
	IsBilling         bool   `json:"isBilling"`
	ClientAccountType string `json:"clientAccountType"`
}

type Accounts struct {
	Accounts []Account `json:"accounts"`
	UserID   int64     `json:"userId"`
}

type Position struct {
	Symbol             string  `json:"symbol"`
	SymbolID           int64   `json:"symbolId"`
	OpenQuantity       float64 `json:"openQuantity"`
	CurrentMarketValue float64 `json:"currentMarketValue"`
	CurrentPrice       float64 `json:"currentPrice"`
	AverageEntryPrice  float64 `json:"averageEntryPrice"`
	TotalCost          float64 `json:"totalCost"`
}

type Balance struct {
	Currency          string  `json:"currency"`
	Cash              float64 `json:"cash"`
	MarketValue       float64 `json:"marketValue"`
	TotalEquity       float64 `json:"totalEquity"`
	BuyingPower       float64 `json:"buyingPower"`
	MaintenanceExcess float64 `json:"maintenanceExcess"`
}

type Balances struct {
	PerCurrencyBalances    []Balance `json:"perCurrencyBalances"`
	CombinedBalances       []Balance `json:"combinedBalances"`
	SODPerCurrencyBalances []Balance `json:"sodPerCurrencyBalances"`
	SODCombinedBalances    []Balance `json:"sodCombinedBalances"`
}

type Market struct {
	Name                 string   `json:"name"`
	TradingVenues        []string `json:"tradingVenues"`
	DefaultTradingVenue  string   `json:"defaultTradingVenue"`
	PrimaryOrderRoutes   []string `json:"primaryOrderRoutes"`
	SecondaryOrderRoutes []string `json:"secondaryOrderRoutes"`
	Level1Feeds          []string `json:"level1Feeds"`
	ExtendedStartTime    string   `json:"extendedStartTime"`
	StartTime            string   `json:"startTime"`
	EndTime              string   `json:"endTime"`
	ExtendedEndTime      string   `json:"extendedEndTime"`
	SnapQuotesLimit      int      `json:"snapQuotesLimit"`
}

// API maps questrade's REST endpoints one to one.
type API struct {
	c *Client
}

func (a *API) Accounts(ctx context.Context) (Accounts, error) {
	var out Accounts
	return out, a.c.request(ctx, "accounts", nil, &out)
}

func (a *API) Time(ctx context.Context) (time.Time, error) {
	var out struct {
		Time time.Time `json:"time"`
	}
	err := a.c.request(ctx, "time", nil, &out)
	return out.Time, err
}

func (a *API) Markets(ctx context.Context) ([]Market, error) {
	var out struct {
		Markets []Market `json:"markets"`
	}
	err := a.c.request(ctx, "markets", nil, &out)
	return out.Markets, err
}

func (a *API) Search(ctx context.Context, prefix string) ([]Symbol, error) {
	var out struct {
		Symbols []Symbol `json:"symbols"`
	}
	err := a.c.request(ctx, "symbols/search", url.Values{"prefix": {prefix}}, &out)
	return out.Symbols, err
}

// Symbols looks symbols up by comma separated ids or names.
func (a *API) Symbols(ctx context.Context, ids, names string) ([]Symbol, error) {
	a.c.logger.Debug("Symbol lookup for %s%s", ids, names)
	var out struct {
		Symbols []Symbol `json:"symbols"`
	}
	err := a.c.request(ctx, "symbols", url.Values{"ids": {ids}, "names": {names}}, &out)
	return out.Symbols, err
}

func (a *API) Quotes(ctx context.Context, ids string) ([]Quote, error) {
	var out struct {
		Quotes []Quote `json:"quotes"`
	}
	err := a.c.request(ctx, "markets/quotes", url.Values{"ids": {ids}}, &out)
	return out.Quotes, err
}

// Candles fetches bars for symbol id between start and end at interval
// (OneMinute, FiveMinutes, OneHour, OneDay, ...).
func (a *API) Candles(ctx context.Context, id int64, start, end time.Time, interval string) ([]Candle, error) {
	var out struct {
		Candles []Candle `json:"candles"`
	}
	params := url.Values{
		"startTime": {start.Format(time.RFC3339)},
		"endTime":   {end.Format(time.RFC3339)},
		"interval":  {interval},
	}
	err := a.c.request(ctx, fmt.Sprintf("markets/candles/%d", id), params, &out)
	return out.Candles, err
}

func (a *API) Balances(ctx context.Context, account string) (Balances, error) {
	var out Balances
	return out, a.c.request(ctx, "accounts/"+account+"/balances", nil, &out)
}

func (a *API) Positions(ctx context.Context, account string) ([]Position, error) {
	var out struct {
		Positions []Position `json:"positions"`
	}
	err := a.c.request(ctx, "accounts/"+account+"/positions", nil, &out)
	return out.Positions, err
}

// Tickers2IDs resolves ticker symbols to questrade symbol ids.
func (c *Client) Tickers2IDs(ctx context.Context, tickers []string) (map[string]int64, error) {
	syms, err := c.api.Symbols(ctx, "", strings.Join(tickers, ","))
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(syms))
	for i := 0; i < len(syms) && i < len(tickers); i++ {
		out[syms[i].Symbol] = syms[i].SymbolID
	}
	return out, nil
}

func joinIDs(t2ids map[string]int64) string {
	ids := make([]string, 0, len(t2ids))
	for _, id := range t2ids {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return strings.Join(ids, ",")
}

// Quote returns a quote per ticker. Tickers questrade doesn't know map to
// nil.
func (c *Client) Quote(ctx context.Context, tickers []string) (map[string]*Quote, error) {
	t2ids, err := c.Tickers2IDs(ctx, tickers)
	if err != nil {
		return nil, err
	}
	results, err := c.api.Quotes(ctx, joinIDs(t2ids))
	if err != nil {
		return nil, err
	}
	quotes := make(map[string]*Quote, len(tickers))
	for i := range results {
		quotes[results[i].Symbol] = &results[i]
	}
	if len(t2ids) < len(tickers) {
		for _, t := range tickers {
			if _, ok := quotes[t]; !ok {
				quotes[t] = nil
			}
		}
	}
	return quotes, nil
}

// Symbols returns the full symbol records for tickers keyed by symbol.
func (c *Client) Symbols(ctx context.Context, tickers []string) (map[string]Symbol, error) {
	t2ids, err := c.Tickers2IDs(ctx, tickers)
	if err != nil {
		return nil, err
	}
	syms, err := c.api.Symbols(ctx, joinIDs(t2ids), "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]Symbol, len(syms))
	for _, s := range syms {
		out[s.Symbol] = s
	}
	return out, nil
}

// QuoteFunc polls the latest quotes for a fixed set of symbols.
type QuoteFunc func(ctx context.Context) ([]Quote, error)

// Quoter resolves tickers to ids once and returns a poller over them. A
// rejected token triggers one config reload, since another process may
// already have refreshed it.
func Quoter(ctx context.Context, c *Client, tickers []string) (QuoteFunc, error) {
	t2ids, err := c.Tickers2IDs(ctx, tickers)
	if err != nil {
		return nil, err
	}
	ids := joinIDs(t2ids)

	return func(ctx context.Context) ([]Quote, error) {
		quotes, err := c.api.Quotes(ctx, ids)
		if IsInvalidToken(err) {
			if err := c.ReloadConfig(false); err != nil {
				return nil, err
			}
			c.prepSession()
			quotes, err = c.api.Quotes(ctx, ids)
		}
		return quotes, err
	}, nil
}
