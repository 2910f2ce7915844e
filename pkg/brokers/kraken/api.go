package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

const (
	DefaultAPIURL = "https://api.kraken.com"
	apiVersion    = "0"
)

// Pair is one entry of the AssetPairs endpoint.
type Pair struct {
	Altname           string          `json:"altname"`
	WSName            string          `json:"wsname"`
	AclassBase        string          `json:"aclass_base"`
	Base              string          `json:"base"`
	AclassQuote       string          `json:"aclass_quote"`
	Quote             string          `json:"quote"`
	PairDecimals      int             `json:"pair_decimals"`
	LotDecimals       int             `json:"lot_decimals"`
	LotMultiplier     float64         `json:"lot_multiplier"`
	CostDecimals      int             `json:"cost_decimals"`
	OrderMin          string          `json:"ordermin"`
	TickSize          string          `json:"tick_size"`
	Status            string          `json:"status"`
	LeverageBuy       []float64       `json:"leverage_buy"`
	LeverageSell      []float64       `json:"leverage_sell"`
	Fees              json.RawMessage `json:"fees,omitempty"`
	FeeVolumeCurrency string          `json:"fee_volume_currency,omitempty"`
}

// PriceTick is the smallest price increment.
func (p Pair) PriceTick() float64 {
	if p.TickSize != "" {
		if v, err := strconv.ParseFloat(p.TickSize, 64); err == nil && v > 0 {
			return v
		}
	}
	return decimal.New(1, int32(-p.PairDecimals)).InexactFloat64()
}

// LotTick is the smallest size increment.
func (p Pair) LotTick() float64 {
	return decimal.New(1, int32(-p.LotDecimals)).InexactFloat64()
}

// AsInfo converts the pair into an init message symbol description.
func (p Pair) AsInfo() data.SymbolInfo {
	return data.SymbolInfo{
		AssetType:     "crypto",
		PriceTickSize: p.PriceTick(),
		LotTickSize:   p.LotTick(),
		Extra: map[string]interface{}{
			"altname": p.Altname,
			"wsname":  p.WSName,
			"base":    p.Base,
			"quote":   p.Quote,
		},
	}
}

// NormalizeSymbol turns "XBT/USD" into "xbtusd".
func NormalizeSymbol(ticker string) string {
	return strings.ToLower(strings.ReplaceAll(ticker, "/", ""))
}

type response struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// ClientConfig holds the REST credentials from the kraken section of the
// broker config.
type ClientConfig struct {
	APIURL string
	Name   string
	APIKey string
	Secret string
}

// Client is a kraken REST API client.
type Client struct {
	http   *http.Client
	apiURL string
	name   string
	apiKey string
	secret []byte
	logger logging.ApplicationLogger
	tp     temporal.TimeProvider

	nonceMu   sync.Mutex
	lastNonce int64

	pairsMu sync.RWMutex
	pairs   map[string]Pair
}

// NewClient creates a new kraken REST client
func NewClient(cfg ClientConfig, httpClient *http.Client, logger logging.ApplicationLogger, tp temporal.TimeProvider) (*Client, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
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

	var secret []byte
	if cfg.Secret != "" {
		var err error
		secret, err = base64.StdEncoding.DecodeString(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("kraken secret is not valid base64: %w", err)
		}
	}

	return &Client{
		http:   httpClient,
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		name:   cfg.Name,
		apiKey: cfg.APIKey,
		secret: secret,
		logger: logger,
		tp:     tp,
	}, nil
}

// Name is the account description from the config.
func (c *Client) Name() string {
	return c.name
}

func (c *Client) HasCredentials() bool {
	return c.apiKey != "" && len(c.secret) > 0
}

// publicEndpoint calls /0/public/{method} and returns the raw result.
func (c *Client) publicEndpoint(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/%s/public/%s", c.apiURL, apiVersion, method)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "krakenex/2.1.0")
	return c.do(req)
}

// Endpoint calls the private /0/private/{method}, signing the request.
// Kraken level errors are returned in the result map's "error" key rather
// than as a Go error so order handlers can relay them.
func (c *Client) Endpoint(ctx context.Context, method string, params url.Values) (map[string]interface{}, error) {
	raw, err := c.privateRaw(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, brokers.NewBrokerError("%s", string(raw))
	}
	return out, nil
}

func (c *Client) privateRaw(ctx context.Context, method string, params url.Values) ([]byte, error) {
	if !c.HasCredentials() {
		return nil, fmt.Errorf("kraken %s requires api credentials", method)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("nonce", strconv.FormatInt(c.nonce(), 10))

	path := fmt.Sprintf("/%s/private/%s", apiVersion, method)
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", Sign(path, params.Get("nonce"), body, c.secret))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kraken %s: %w", method, err)
	}
	return brokers.Resproc(resp, c.logger)
}

// Sign computes the API-Sign header: HMAC-SHA512 of the uri path followed
// by SHA256(nonce + post data), keyed with the decoded secret.
func Sign(path, nonce, body string, secret []byte) string {
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// nonce is strictly increasing even across calls within the same ms.
func (c *Client) nonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := c.tp.Now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kraken request %s: %w", req.URL.Path, err)
	}
	var r response
	if err := brokers.DecodeJSON(resp, c.logger, &r); err != nil {
		return nil, err
	}
	if len(r.Error) > 0 {
		return nil, brokers.NewBrokerError("%s", strings.Join(r.Error, ", "))
	}
	return r.Result, nil
}

// SymbolInfo fetches asset pair info, all pairs when pair is empty.
func (c *Client) SymbolInfo(ctx context.Context, pair string) (map[string]Pair, error) {
	params := url.Values{}
	if pair != "" {
		params.Set("pair", pair)
	}
	raw, err := c.publicEndpoint(ctx, "AssetPairs", params)
	if err != nil {
		return nil, err
	}
	var pairs map[string]Pair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("decode asset pairs: %w", err)
	}
	return pairs, nil
}

// CacheSymbols loads every pair once, keyed by altname.
func (c *Client) CacheSymbols(ctx context.Context) (map[string]Pair, error) {
	c.pairsMu.RLock()
	cached := c.pairs
	c.pairsMu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	all, err := c.SymbolInfo(ctx, "")
	if err != nil {
		return nil, err
	}
	byAlt := make(map[string]Pair, len(all))
	for _, p := range all {
		byAlt[p.Altname] = p
	}

	c.pairsMu.Lock()
	c.pairs = byAlt
	c.pairsMu.Unlock()
	return byAlt, nil
}

// Pair resolves a normalized symbol like "xbtusd" to its pair info.
func (c *Client) Pair(ctx context.Context, symbol string) (Pair, error) {
	pairs, err := c.CacheSymbols(ctx)
	if err != nil {
		return Pair{}, err
	}
	if p, ok := pairs[strings.ToUpper(symbol)]; ok {
		return p, nil
	}
	for _, p := range pairs {
		if NormalizeSymbol(p.WSName) == strings.ToLower(symbol) {
			return p, nil
		}
	}
	return Pair{}, fmt.Errorf("%w: kraken %s", brokers.ErrSymbolNotFound, symbol)
}

// SearchSymbols fuzzy matches pattern against every pair's altname.
func (c *Client) SearchSymbols(ctx context.Context, pattern string, limit int) (map[string]Pair, error) {
	pairs, err := c.CacheSymbols(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	out := make(map[string]Pair)
	for _, m := range brokers.ExtractBests(pattern, names, 50, limit) {
		out[m.Choice] = pairs[m.Choice]
	}
	return out, nil
}

// Bars fetches 1m OHLC bars since the given unix time. Zero returns the
// most recent 720 bars.
func (c *Client) Bars(ctx context.Context, symbol string, since int64) ([]data.Bar, error) {
	params := url.Values{
		"pair":     {strings.ToUpper(symbol)},
		"interval": {"1"},
	}
	if since > 0 {
		params.Set("since", strconv.FormatInt(since, 10))
	}
	raw, err := c.publicEndpoint(ctx, "OHLC", params)
	if err != nil {
		return nil, err
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode ohlc: %w", err)
	}
	for key, rows := range result {
		if key == "last" {
			continue
		}
		var table [][]interface{}
		if err := json.Unmarshal(rows, &table); err != nil {
			return nil, fmt.Errorf("decode ohlc rows: %w", err)
		}
		bars := make([]data.Bar, 0, len(table))
		for _, row := range table {
			bar, err := parseOHLCRow(row)
			if err != nil {
				return nil, err
			}
			bars = append(bars, bar)
		}
		return bars, nil
	}
	return nil, fmt.Errorf("%w: no ohlc for kraken %s", brokers.ErrSymbolNotFound, symbol)
}

// parseOHLCRow reads [time, open, high, low, close, vwap, volume, count].
func parseOHLCRow(row []interface{}) (data.Bar, error) {
	if len(row) < 7 {
		return data.Bar{}, fmt.Errorf("short ohlc row: %v", row)
	}
	vals := make([]float64, 7)
	for i := 0; i < 7; i++ {
		v, err := toFloat(row[i])
		if err != nil {
			return data.Bar{}, fmt.Errorf("ohlc field %d: %w", i, err)
		}
		vals[i] = v
	}
	return data.Bar{
		Time:   vals[0],
		Open:   vals[1],
		High:   vals[2],
		Low:    vals[3],
		Close:  vals[4],
		BarWAP: vals[5],
		Volume: vals[6],
	}, nil
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	case json.Number:
		return x.Float64()
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

// GetTrades pages through TradesHistory and returns every trade keyed by
// trade id.
func (c *Client) GetTrades(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	for ofs := 0; ; {
		raw, err := c.privateRaw(ctx, "TradesHistory", url.Values{"ofs": {strconv.Itoa(ofs)}})
		if err != nil {
			return nil, err
		}
		var r struct {
			Error  []string `json:"error"`
			Result struct {
				Trades map[string]json.RawMessage `json:"trades"`
				Count  int                        `json:"count"`
			} `json:"result"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode trades: %w", err)
		}
		if len(r.Error) > 0 {
			return nil, brokers.NewBrokerError("%s", strings.Join(r.Error, ", "))
		}
		for tid, t := range r.Result.Trades {
			out[tid] = t
		}
		ofs += len(r.Result.Trades)
		if len(r.Result.Trades) == 0 || ofs >= r.Result.Count {
			return out, nil
		}
	}
}

// SubmitLimit places a limit order, or edits the order reqid when given.
func (c *Client) SubmitLimit(ctx context.Context, symbol string, price, size decimal.Decimal, action string, reqid *string) (map[string]interface{}, error) {
	params := url.Values{
		"pair":      {strings.ToUpper(symbol)},
		"price":     {price.String()},
		"volume":    {size.String()},
		"type":      {action},
		"ordertype": {"limit"},
	}
	if reqid == nil {
		return c.Endpoint(ctx, "AddOrder", params)
	}
	params.Set("txid", *reqid)
	return c.Endpoint(ctx, "EditOrder", params)
}

// SubmitCancel cancels the order reqid.
func (c *Client) SubmitCancel(ctx context.Context, reqid string) (map[string]interface{}, error) {
	return c.Endpoint(ctx, "CancelOrder", url.Values{"txid": {reqid}})
}

// WebSocketsToken fetches a token for the authenticated ws endpoint.
func (c *Client) WebSocketsToken(ctx context.Context) (string, error) {
	resp, err := c.Endpoint(ctx, "GetWebSocketsToken", nil)
	if err != nil {
		return "", err
	}
	if errs, ok := resp["error"].([]interface{}); ok && len(errs) > 0 {
		return "", brokers.NewBrokerError("%v", errs)
	}
	result, _ := resp["result"].(map[string]interface{})
	token, _ := result["token"].(string)
	if token == "" {
		return "", brokers.NewBrokerError("no websocket token in %v", resp)
	}
	return token, nil
}
