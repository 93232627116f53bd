// Package reputation integrates the external IP reputation scoring service.
// The service is consulted for a score on every check and told about
// offending IPs when a block fires. It sits off the critical path: every
// call carries a short timeout and failures degrade to "no signal".
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Config holds the connection and threshold settings for the service.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	BlockBelow   int
	SuspectBelow int
}

// Client talks to the reputation service over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches the reputation score for an IP. A nil score means no signal:
// unknown IP, service disabled, or service failure.
func (c *Client) Get(ctx context.Context, ip string) (*int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/ip/%s", c.cfg.BaseURL, url.PathEscape(ip)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reputation service returned %d", resp.StatusCode)
	}

	var body struct {
		Reputation int `json:"reputation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &body.Reputation, nil
}

// Report tells the reputation service about a violation. Best-effort: a
// failed report is logged and forgotten.
func (c *Client) Report(ctx context.Context, ip, reason string) {
	payload, err := json.Marshal(map[string]string{
		"ip":        ip,
		"violation": reason,
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.cfg.BaseURL+"/violations/"+url.PathEscape(ip), bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "reputation report failed", "ip", ip, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.WarnContext(ctx, "reputation report rejected", "ip", ip, "status", resp.StatusCode)
	}
}

// IsBlockBelow reports whether the score is bad enough to force a block.
func (c *Client) IsBlockBelow(score *int) bool {
	return score != nil && *score < c.cfg.BlockBelow
}

// IsSuspectBelow reports whether the score warrants the suspect flag.
func (c *Client) IsSuspectBelow(score *int) bool {
	return score != nil && *score < c.cfg.SuspectBelow
}

// Disabled is the no-signal implementation used when the service is not
// configured.
type Disabled struct{}

func (Disabled) Get(ctx context.Context, ip string) (*int, error) { return nil, nil }
func (Disabled) Report(ctx context.Context, ip, reason string)    {}
func (Disabled) IsBlockBelow(score *int) bool                     { return false }
func (Disabled) IsSuspectBelow(score *int) bool                   { return false }
