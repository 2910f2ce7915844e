package questrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

const (
	Name = "questrade"

	DefaultRefreshURL = "https://login.questrade.com/oauth2/"
	apiVersion        = "v1"

	tokenPrompt = "Please provide your Questrade access token: "
)

// QuestradeError is a questrade specific API failure.
type QuestradeError struct {
	Msg string
}

func (e *QuestradeError) Error() string {
	return "questrade: " + e.Msg
}

// IsInvalidToken reports whether err is questrade rejecting the current
// access token.
func IsInvalidToken(err error) bool {
	var qerr *QuestradeError
	return errors.As(err, &qerr) && strings.Contains(qerr.Msg, "Access token is invalid")
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    json.Number `json:"expires_in"`
	RefreshToken string      `json:"refresh_token"`
	APIServer    string      `json:"api_server"`
}

// Client talks to questrade's REST api. Access data mirrors the
// "questrade" section of the broker config and is written back whenever
// a token is refreshed.
type Client struct {
	http       *http.Client
	conf       brokers.ConfigStore
	prompt     func(string) (string, error)
	logger     logging.ApplicationLogger
	tp         temporal.TimeProvider
	refreshURL string

	mu      sync.RWMutex
	access  map[string]string
	authHdr string
	baseURL string

	api *API
}

// ClientOptions overrides the client's collaborators. Zero values use the
// production endpoint and the live clock.
type ClientOptions struct {
	RefreshURL string
	HTTPClient *http.Client
	Prompt     func(string) (string, error)
	Logger     logging.ApplicationLogger
	Time       temporal.TimeProvider
}

// NewClient creates a new questrade client from the config store. A
// missing refresh token is requested from the user.
func NewClient(conf brokers.ConfigStore, opts ClientOptions) (*Client, error) {
	if opts.RefreshURL == "" {
		opts.RefreshURL = DefaultRefreshURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Prompt == nil {
		opts.Prompt = brokers.StdinPrompt
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Time == nil {
		opts.Time = temporal.NewLiveTimeProvider()
	}
	c := &Client{
		http:       opts.HTTPClient,
		conf:       conf,
		prompt:     opts.Prompt,
		logger:     opts.Logger,
		tp:         opts.Time,
		refreshURL: strings.TrimRight(opts.RefreshURL, "/") + "/",
	}
	c.api = &API{c: c}
	if err := c.ReloadConfig(false); err != nil {
		return nil, err
	}
	return c, nil
}

// API exposes the raw endpoints.
func (c *Client) API() *API {
	return c.api
}

// ReloadConfig rereads access data from the config store. Another process
// may have refreshed the tokens in the meantime. With forceFromUser, or
// when no refresh token is stored, the user is asked for one.
func (c *Client) ReloadConfig(forceFromUser bool) error {
	if err := c.conf.Reload(); err != nil {
		return fmt.Errorf("reload broker config: %w", err)
	}
	section := c.conf.Section(Name)
	if forceFromUser || section["refresh_token"] == "" {
		c.logger.Warn("No valid refresh token could be found in broker config")
		token, err := c.prompt(tokenPrompt)
		if err != nil {
			return fmt.Errorf("read refresh token: %w", err)
		}
		section = map[string]string{"refresh_token": strings.TrimSpace(token)}
	}
	c.mu.Lock()
	c.access = section
	c.mu.Unlock()
	return nil
}

// AccessData returns a copy of the current credentials.
func (c *Client) AccessData() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.access))
	for k, v := range c.access {
		out[k] = v
	}
	return out
}

// ExpiresAt is the absolute expiry of the access token.
func (c *Client) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expiry(c.access)
}

func expiry(access map[string]string) time.Time {
	s, _ := strconv.ParseFloat(access["expires_at"], 64)
	return temporal.FromEpoch(s)
}

func (c *Client) newAuthToken(ctx context.Context) (tokenResponse, error) {
	c.mu.RLock()
	refresh := c.access["refresh_token"]
	c.mu.RUnlock()

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.refreshURL+"token?"+params.Encode(), nil)
	if err != nil {
		return tokenResponse{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("questrade token refresh: %w", err)
	}
	var tr tokenResponse
	if err := brokers.DecodeJSON(resp, c.logger, &tr); err != nil {
		return tokenResponse{}, err
	}

	c.mu.Lock()
	c.access["access_token"] = tr.AccessToken
	c.access["token_type"] = tr.TokenType
	c.access["expires_in"] = tr.ExpiresIn.String()
	c.access["api_server"] = tr.APIServer
	if tr.RefreshToken != "" {
		c.access["refresh_token"] = tr.RefreshToken
	}
	c.mu.Unlock()
	return tr, nil
}

// RevokeAuthToken revokes the current refresh token.
func (c *Client) RevokeAuthToken(ctx context.Context) error {
	c.mu.RLock()
	token := c.access["refresh_token"]
	c.mu.RUnlock()

	c.logger.Debug("Revoking token %s", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL+"revoke", nil)
	if err != nil {
		return err
	}
	req.Header.Set("token", token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("questrade revoke: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &brokers.BrokerError{Status: resp.StatusCode, Msg: resp.Status}
	}
	return nil
}

func isBadRequest(err error) bool {
	var berr *brokers.BrokerError
	return errors.As(err, &berr) && (berr.Msg == "Bad Request" || berr.Status == http.StatusBadRequest)
}

// EnsureAccess refreshes the access token when it is missing, expired or
// forceRefresh is set, then prepares request auth. A rejected refresh
// token is retried once from a reloaded config before asking the user.
func (c *Client) EnsureAccess(ctx context.Context, forceRefresh bool) (map[string]string, error) {
	c.mu.RLock()
	token := c.access["access_token"]
	expires := expiry(c.access)
	c.mu.RUnlock()

	stamp := expires.Local().Format("2006-01-02 15:04:05")
	if token == "" || expires.Before(c.tp.Now()) || forceRefresh {
		c.logger.Debug("Refreshing access token %s which expired at %s", token, stamp)

		tr, err := c.newAuthToken(ctx)
		if err != nil {
			var berr *brokers.BrokerError
			switch {
			case errors.As(err, &berr) && strings.Contains(berr.Msg, "We're making some changes"):
				return nil, &QuestradeError{Msg: "API is down for maintenance"}
			case isBadRequest(err):
				// the refresh token may have been rotated by another process
				if err := c.ReloadConfig(false); err != nil {
					return nil, err
				}
				tr, err = c.newAuthToken(ctx)
				if isBadRequest(err) {
					if err := c.ReloadConfig(true); err != nil {
						return nil, err
					}
					tr, err = c.newAuthToken(ctx)
				}
				if err != nil {
					return nil, &QuestradeError{Msg: err.Error()}
				}
			default:
				return nil, err
			}
		}

		expiresIn, _ := tr.ExpiresIn.Float64()
		at := temporal.Epoch(c.tp.Now()) + expiresIn
		c.mu.Lock()
		c.access["expires_at"] = strconv.FormatFloat(at, 'f', 3, 64)
		c.mu.Unlock()
		if err := c.WriteConf(); err != nil {
			return nil, err
		}
	} else {
		c.logger.Debug("Current access token %s expires at %s", token, stamp)
	}

	c.prepSession()
	return c.AccessData(), nil
}

func (c *Client) prepSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authHdr = c.access["token_type"] + " " + c.access["access_token"]
	c.baseURL = strings.TrimRight(c.access["api_server"], "/") + "/" + apiVersion
}

// WriteConf saves the access data back to the broker config.
func (c *Client) WriteConf() error {
	if err := c.conf.Write(Name, c.AccessData()); err != nil {
		return fmt.Errorf("write questrade config: %w", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, path string, params url.Values, out interface{}) error {
	c.mu.RLock()
	base, auth := c.baseURL, c.authHdr
	c.mu.RUnlock()
	if base == "" {
		return &QuestradeError{Msg: "no api session, call EnsureAccess first"}
	}

	u := base + "/" + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("questrade %s: %w", path, err)
	}

	err = brokers.DecodeJSON(resp, c.logger, out)
	var berr *brokers.BrokerError
	if errors.As(err, &berr) && berr.Status == http.StatusUnauthorized {
		return &QuestradeError{Msg: berr.Msg}
	}
	return err
}

// TokenRefresher refreshes the access token 100ms before it expires until
// ctx ends.
func TokenRefresher(ctx context.Context, c *Client) error {
	for {
		wait := c.ExpiresAt().Sub(c.tp.Now()) - 100*time.Millisecond
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.tp.After(wait):
		}
		if _, err := c.EnsureAccess(ctx, true); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// GetClient builds a client with working access. The token is checked
// against the time endpoint and force refreshed if rejected.
func GetClient(ctx context.Context, conf brokers.ConfigStore, opts ClientOptions) (*Client, error) {
	c, err := NewClient(conf, opts)
	if err != nil {
		return nil, err
	}
	if _, err := c.EnsureAccess(ctx, false); err != nil {
		return nil, err
	}

	c.logger.Debug("Check time to ensure access token is valid")
	if _, err := c.api.Time(ctx); err != nil {
		c.logger.Warn("Access token %s seems expired, forcing refresh", c.AccessData()["access_token"])
		if _, err := c.EnsureAccess(ctx, true); err != nil {
			return nil, err
		}
		if _, err := c.api.Time(ctx); err != nil {
			return nil, err
		}
	}

	accounts, err := c.api.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Available accounts: %v", accounts)
	return c, nil
}
