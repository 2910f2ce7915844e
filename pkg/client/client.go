package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/data"
	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/search"
	"github.com/backtesting-org/pikerd/pkg/websocket/connection"
)

// Options overrides a Client's collaborators.
type Options struct {
	HTTPClient *http.Client
	Dialer     connection.WebSocketDialer
	Logger     logging.ApplicationLogger
}

// Client talks to a running pikerd over its http and websocket API.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  connection.WebSocketDialer
	logger  logging.ApplicationLogger
}

// New creates a new pikerd client for baseURL, e.g. http://127.0.0.1:6116
func New(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    opts.HTTPClient,
		dialer:  opts.Dialer,
		logger:  opts.Logger,
	}
}

func (c *Client) wsURL(path string, params url.Values) string {
	u := c.baseURL + path
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pikerd %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return &brokers.BrokerError{Status: resp.StatusCode, Msg: body.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Brokers lists the daemon's enabled brokers.
func (c *Client) Brokers(ctx context.Context) ([]string, error) {
	var out struct {
		Brokers []string `json:"brokers"`
	}
	return out.Brokers, c.get(ctx, "/api/v1/brokers", nil, &out)
}

// Feeds lists the daemon's running feeds.
func (c *Client) Feeds(ctx context.Context) ([]feed.FeedInfo, error) {
	var out struct {
		Feeds []feed.FeedInfo `json:"feeds"`
	}
	return out.Feeds, c.get(ctx, "/api/v1/feeds", nil, &out)
}

// Search runs a symbol search on broker, or on every broker for "all".
func (c *Client) Search(ctx context.Context, broker, pattern string) (map[string]search.Results, error) {
	var out struct {
		Results map[string]search.Results `json:"results"`
	}
	err := c.get(ctx, "/api/v1/search/"+url.PathEscape(broker), url.Values{"pattern": {pattern}}, &out)
	return out.Results, err
}

// Bars returns the newest count bars of a running feed, all of them when
// count is zero.
func (c *Client) Bars(ctx context.Context, broker, symbol string, count int) ([]data.Bar, error) {
	var out struct {
		Bars []data.Bar `json:"bars"`
	}
	params := url.Values{}
	if count > 0 {
		params.Set("count", strconv.Itoa(count))
	}
	path := "/api/v1/bars/" + url.PathEscape(broker) + "/" + url.PathEscape(strings.ToLower(symbol))
	return out.Bars, c.get(ctx, path, params, &out)
}
