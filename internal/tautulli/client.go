// Package tautulli is a thin client for the Tautulli api.v2 endpoint.
// Every command is a GET against /api/v2 with apikey and cmd query
// parameters; responses arrive wrapped in a result/message/data envelope.
//
// The client does transport concerns only (pooling, timeouts, envelope
// decoding, status mapping). Rate limiting, caching and retries live in the
// fetch layer above it.
package tautulli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"tgraph/pkg/logx"
)

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxIdlePerHost int
}

// Client talks to one Tautulli server. Safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	log     logx.Logger

	requests atomic.Uint64
	failures atomic.Uint64
}

// New builds a client with a pooled transport.
func New(opt Options, log logx.Logger) (*Client, error) {
	if opt.BaseURL == "" {
		return nil, fmt.Errorf("tautulli: base URL required")
	}
	if opt.APIKey == "" {
		return nil, fmt.Errorf("tautulli: api key required")
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 15 * time.Second
	}
	if opt.MaxIdlePerHost <= 0 {
		opt.MaxIdlePerHost = 4
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	tr := &http.Transport{
		MaxIdleConns:        opt.MaxIdlePerHost * 2,
		MaxIdleConnsPerHost: opt.MaxIdlePerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http:    &http.Client{Transport: tr, Timeout: opt.Timeout},
		baseURL: opt.BaseURL,
		apiKey:  opt.APIKey,
		log:     log,
	}, nil
}

// Counters returns total requests sent and how many of them failed.
func (c *Client) Counters() (requests, failures uint64) {
	return c.requests.Load(), c.failures.Load()
}

// getJSON runs one api.v2 command and decodes its data payload.
// Package-level because methods cannot be generic.
func getJSON[T any](ctx context.Context, c *Client, cmd string, params url.Values) (T, error) {
	var zero T

	q := url.Values{}
	q.Set("apikey", c.apiKey)
	q.Set("cmd", cmd)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u := c.baseURL + "/api/v2?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return zero, fmt.Errorf("tautulli: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.requests.Add(1)
	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.failures.Add(1)
		return zero, fmt.Errorf("tautulli: %s: %w", cmd, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.failures.Add(1)
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return zero, &StatusError{Code: resp.StatusCode}
	}

	var env envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		c.failures.Add(1)
		return zero, fmt.Errorf("tautulli: %s: decode: %w", cmd, err)
	}
	if env.Response.Result != "success" {
		c.failures.Add(1)
		return zero, &APIError{Cmd: cmd, Message: env.Response.Message}
	}

	c.log.Debug("api call",
		logx.String("cmd", cmd),
		logx.Duration("took", time.Since(started)),
	)
	return env.Response.Data, nil
}

// Activity fetches the currently active streams.
func (c *Client) Activity(ctx context.Context) (Activity, error) {
	return getJSON[Activity](ctx, c, "get_activity", nil)
}

// History fetches one page of playback history.
func (c *Client) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	params := url.Values{}
	if q.UserID > 0 {
		params.Set("user_id", strconv.Itoa(q.UserID))
	}
	if q.Length > 0 {
		params.Set("length", strconv.Itoa(q.Length))
	}
	if q.Start > 0 {
		params.Set("start", strconv.Itoa(q.Start))
	}
	if q.After != "" {
		params.Set("after", q.After)
	}
	return getJSON[HistoryPage](ctx, c, "get_history", params)
}

// Users fetches every user Tautulli knows about.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	return getJSON[[]User](ctx, c, "get_users", nil)
}

// Libraries fetches the configured library sections.
func (c *Client) Libraries(ctx context.Context) ([]Library, error) {
	return getJSON[[]Library](ctx, c, "get_libraries", nil)
}

// ServerInfo fetches media server identity details.
func (c *Client) ServerInfo(ctx context.Context) (ServerInfo, error) {
	return getJSON[ServerInfo](ctx, c, "get_server_identity", nil)
}

// Ping checks connectivity and API key validity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ServerInfo(ctx)
	return err
}
