// Package client talks to a running nodekeeper daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client provides HTTP client functionality to communicate with the nodekeeper daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	token   string
	user    string
	pass    string
	poll    time.Duration
}

// Config holds client configuration
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	Logger       *slog.Logger // Optional logger for client operations
	TLS          *TLSClientConfig
	// Token is sent as a bearer token. Username and Password use basic auth.
	Token        string
	Username     string
	Password     string
	// PollInterval paces WaitInstall. Zero means half a second.
	PollInterval time.Duration
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string
	SkipVerify bool
}

// ErrInstallFailed is returned by WaitInstall when the pipeline ends in error.
var ErrInstallFailed = errors.New("install failed")

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsConflict reports whether err is a 409 from the daemon, such as starting
// a node that already runs.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8420/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client. A bad TLS setup is returned as an error
// rather than silently falling back to plain verification.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(*config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		token:   config.Token,
		user:    config.Username,
		pass:    config.Password,
		poll:    config.PollInterval,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.State(ctx)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) State(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	return s, c.do(ctx, http.MethodGet, "/state", nil, nil, &s)
}

// Install starts the install pipeline on the daemon. With wait the call
// polls /state until the pipeline completes or fails, so no single request
// has to outlast the download.
func (c *Client) Install(ctx context.Context, wait bool) (*InstallResult, error) {
	if err := c.do(ctx, http.MethodPost, "/install", nil, nil, nil); err != nil {
		return nil, err
	}
	if !wait {
		return nil, nil
	}
	return c.WaitInstall(ctx, nil)
}

// WaitInstall polls /state until the install pipeline reaches completed or
// error. onState, when set, sees every polled state.
func (c *Client) WaitInstall(ctx context.Context, onState func(State)) (*InstallResult, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		s, err := c.State(ctx)
		if err != nil {
			return nil, err
		}
		if onState != nil {
			onState(s.State)
		}
		switch s.State.Kind {
		case "completed":
			return &InstallResult{Version: s.Version, BinaryPath: s.BinaryPath}, nil
		case "error":
			return nil, fmt.Errorf("%w: %s", ErrInstallFailed, s.State.Message)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) Reset(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	return s, c.do(ctx, http.MethodPost, "/reset", nil, nil, &s)
}

func (c *Client) StartNode(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	return s, c.do(ctx, http.MethodPost, "/node/start", nil, nil, &s)
}

func (c *Client) StopNode(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	return s, c.do(ctx, http.MethodPost, "/node/stop", nil, nil, &s)
}

// Logs returns the newest tail lines, or the whole buffer when tail <= 0.
func (c *Client) Logs(ctx context.Context, tail int) ([]LogLine, error) {
	var q url.Values
	if tail > 0 {
		q = url.Values{"tail": {strconv.Itoa(tail)}}
	}
	var lines []LogLine
	return lines, c.do(ctx, http.MethodGet, "/logs", q, nil, &lines)
}

func (c *Client) Series(ctx context.Context) ([]Series, error) {
	var s []Series
	return s, c.do(ctx, http.MethodGet, "/series", nil, nil, &s)
}

func (c *Client) AvailableMetrics(ctx context.Context) ([]string, error) {
	var names []string
	return names, c.do(ctx, http.MethodGet, "/series/available", nil, nil, &names)
}

func (c *Client) AddCustomMetric(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/series/custom", nil, map[string]string{"name": name}, nil)
}

func (c *Client) RemoveCustomMetric(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/series/custom/"+url.PathEscape(name), nil, nil, nil)
}

func (c *Client) CheckUpdate(ctx context.Context) (UpdateInfo, error) {
	var u UpdateInfo
	return u, c.do(ctx, http.MethodGet, "/update", nil, nil, &u)
}

func (c *Client) Requirements(ctx context.Context) (Requirements, error) {
	var r Requirements
	return r, c.do(ctx, http.MethodGet, "/requirements", nil, nil, &r)
}

// History returns up to limit events, newest first. limit <= 0 uses the
// daemon's default.
func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var events []Event
	return events, c.do(ctx, http.MethodGet, "/history", q, nil, &events)
}

func (c *Client) Detect(ctx context.Context) (DetectResult, error) {
	var r DetectResult
	return r, c.do(ctx, http.MethodGet, "/detect", nil, nil, &r)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(cfg TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 SkipVerify is an explicit opt-in for self-signed daemons
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.SkipVerify,
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// do sends body as JSON when non-nil and decodes a 2xx answer into out.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.user != "":
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: errorResp.Error}
}
