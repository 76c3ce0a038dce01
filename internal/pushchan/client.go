// Package pushchan subscribes to the server's change feed over WebSocket.
//
// The client keeps one connection open for the lifetime of the application
// session. When the connection drops it reconnects with exponential backoff,
// reports itself stale while disconnected, and asks for a resync once it is
// back, because events sent during the gap are lost.
package pushchan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/model"
)

// Status is the connection state of the client.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler receives what the client reads. Methods are called from the
// client's goroutine, one at a time.
type Handler interface {
	// HandleEvent is called for every decoded change event.
	HandleEvent(ev model.ChangeEvent)
	// HandleStatus is called on every status change.
	HandleStatus(s Status)
	// Resync is called after a reconnect; cached data may have missed events.
	Resync()
}

// HandlerFuncs adapts optional functions to Handler.
type HandlerFuncs struct {
	OnEvent  func(ev model.ChangeEvent)
	OnStatus func(s Status)
	OnResync func()
}

func (h HandlerFuncs) HandleEvent(ev model.ChangeEvent) {
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func (h HandlerFuncs) HandleStatus(s Status) {
	if h.OnStatus != nil {
		h.OnStatus(s)
	}
}

func (h HandlerFuncs) Resync() {
	if h.OnResync != nil {
		h.OnResync()
	}
}

// Config holds client configuration.
type Config struct {
	// URL is the base WebSocket URL; the client dials URL + "/subscribe"
	URL string

	// ReconnectInitial is the first reconnect delay
	ReconnectInitial time.Duration

	// ReconnectMax caps the reconnect delay
	ReconnectMax time.Duration

	// DialTimeout bounds a single connection attempt
	DialTimeout time.Duration

	// Logger for client activity
	Logger *zap.SugaredLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:              "ws://localhost:8000",
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		DialTimeout:      10 * time.Second,
		Logger:           zap.NewNop().Sugar(),
	}
}

// Stats counts client activity.
type Stats struct {
	Connects     int
	Events       int
	DecodeErrors int
	LastError    string
}

// Client is the push-channel subscriber.
type Client struct {
	config  *Config
	handler Handler

	mu      sync.Mutex
	status  Status
	stats   Stats
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client. Use Start to connect.
func NewClient(config *Config, handler Handler) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.URL == "" {
		return nil, fmt.Errorf("push URL cannot be empty")
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	defaults := DefaultConfig()
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = defaults.ReconnectInitial
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = defaults.ReconnectMax
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Client{
		config:  config,
		handler: handler,
		status:  StatusDisconnected,
	}, nil
}

// Endpoint returns the URL the client dials.
func (c *Client) Endpoint() string {
	return strings.TrimSuffix(c.config.URL, "/") + "/subscribe"
}

// Start launches the connection goroutine. It returns immediately; the
// first connection attempt happens in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("push client already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop closes the connection and waits for the client goroutine to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.setStatus(StatusStopped)
}

// Status returns the connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stale reports whether cached data may be missing changes because the
// client is not connected.
func (c *Client) Stale() bool {
	return c.Status() != StatusConnected
}

// GetStats returns a copy of the client's counters.
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) run() {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectInitial
	b.MaxInterval = c.config.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	resync := false
	for {
		c.setStatus(StatusConnecting)
		conn, err := c.dial()
		if err == nil {
			b.Reset()
			c.setStatus(StatusConnected)
			if resync {
				c.config.Logger.Infow("Push channel reconnected, resyncing")
				c.handler.Resync()
			}

			err = c.readLoop(conn)
			if c.ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "client shutting down")
				return
			}
			_ = conn.CloseNow()
		}
		if c.ctx.Err() != nil {
			return
		}

		resync = true
		c.recordError(err)
		c.setStatus(StatusDisconnected)

		wait := b.NextBackOff()
		c.config.Logger.Warnw("Push channel unavailable", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.Endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.Endpoint(), err)
	}

	c.mu.Lock()
	c.stats.Connects++
	c.mu.Unlock()
	c.config.Logger.Infow("Push channel connected", "url", c.Endpoint())
	return conn, nil
}

// readLoop delivers events until the connection fails.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("server closed push channel: %w", err)
			}
			return fmt.Errorf("failed to read push message: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := Decode(data)
		if err != nil {
			c.mu.Lock()
			c.stats.DecodeErrors++
			c.mu.Unlock()
			c.config.Logger.Warnw("Skipping undecodable push message", "error", err)
			continue
		}

		c.mu.Lock()
		c.stats.Events++
		c.mu.Unlock()
		c.handler.HandleEvent(ev)
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	c.handler.HandleStatus(s)
}

func (c *Client) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.stats.LastError = err.Error()
	c.mu.Unlock()
}
