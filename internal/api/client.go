// Package api is the HTTP client for the tracker's data API.
//
// All methods are safe for concurrent use. The client implements field.Writer
// so edit sessions can send their writes through it directly.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
)

// ErrNotFound matches any *Error with status 404.
var ErrNotFound = errors.New("not found")

// RequestIDHeader carries the per-request id.
const RequestIDHeader = "X-Request-Id"

// Error is a non-2xx response from the data API.
type Error struct {
	Method    string
	Path      string
	Status    int
	Body      string
	RequestID string
}

func (e *Error) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, body)
}

// Is reports whether target is ErrNotFound and the response was a 404.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// NotFound reports whether the response was a 404.
func (e *Error) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// Retryable reports whether repeating the request may succeed.
func (e *Error) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds each request; zero leaves it to the caller's context.
	Timeout time.Duration
	// LatencyWindow is how long request latencies are kept for Latency().
	LatencyWindow time.Duration
	// HTTPClient overrides the underlying client. When nil a dedicated
	// client is created so tests can intercept it without touching
	// http.DefaultClient.
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8000",
		Timeout:       10 * time.Second,
		LatencyWindow: 5 * time.Minute,
		Logger:        zap.NewNop().Sugar(),
	}
}

// Client talks to the data API.
type Client struct {
	config    Config
	base      *url.URL
	http      *http.Client
	logger    *zap.SugaredLogger
	latencies *expiremap.ExpireMap[time.Time, time.Duration]
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = DefaultConfig().LatencyWindow
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport}
	}
	return &Client{
		config:    cfg,
		base:      base,
		http:      hc,
		logger:    cfg.Logger.Named("api"),
		latencies: expiremap.NewEx[time.Time, time.Duration](cfg.LatencyWindow, cfg.LatencyWindow),
	}, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// endpoint joins the base URL with path, which must already be escaped.
func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	raw := c.base.EscapedPath() + path
	if p, err := url.PathUnescape(raw); err == nil {
		u.Path, u.RawPath = p, raw
	} else {
		u.Path, u.RawPath = raw, ""
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends one request and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.latencies.Set(time.Now(), time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debugw("request failed", "method", method, "path", path, "status", resp.StatusCode, "request_id", requestID)
		return &Error{Method: method, Path: path, Status: resp.StatusCode, Body: string(data), RequestID: requestID}
	}
	c.logger.Debugw("request", "method", method, "path", path, "status", resp.StatusCode, "request_id", requestID)

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
