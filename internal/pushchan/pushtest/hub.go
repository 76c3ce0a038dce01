// Package pushtest provides an in-process change feed for tests.
//
// Hub speaks the same wire format as the real server: every mutation is sent
// as a JSON text message {kind, entity_type, entity_id} to every subscriber
// of /subscribe.
package pushtest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/model"
)

// Config holds hub configuration.
type Config struct {
	// Port to listen on; 0 picks a free port
	Port int

	// Logger for hub activity
	Logger *zap.SugaredLogger
}

// Hub is a WebSocket broadcast server.
type Hub struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	accepted  int

	broadcast chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

// NewHub creates a hub. Use Start to listen.
func NewHub(config *Config) *Hub {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start listens and serves /subscribe.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/subscribe", h.handleSubscribe)
	mux.HandleFunc("/health", h.handleHealth)

	h.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go h.broadcastLoop()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Errorw("Hub server error", "error", err)
		}
	}()
	return nil
}

// Stop closes every subscriber and shuts the server down.
func (h *Hub) Stop() error {
	h.cancel()
	h.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown error: %w", err)
	}

	h.wg.Wait()
	return nil
}

// URL is the base URL subscribers should use.
func (h *Hub) URL() string {
	return "ws://" + h.listener.Addr().String()
}

// Publish sends ev to every subscriber in the server's wire format.
func (h *Hub) Publish(ev model.ChangeEvent) {
	data, err := json.Marshal(map[string]string{
		"kind":        wireKind(ev.Kind),
		"entity_type": ev.EntityType.Label(),
		"entity_id":   ev.EntityID,
	})
	if err != nil {
		h.logger.Errorw("Failed to encode event", "error", err)
		return
	}
	h.PublishRaw(data)
}

// PublishRaw sends data verbatim to every subscriber.
func (h *Hub) PublishRaw(data []byte) {
	select {
	case h.broadcast <- data:
	case <-h.ctx.Done():
	}
}

// DisconnectAll drops every subscriber, as a server restart would.
func (h *Hub) DisconnectAll() {
	h.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "hub restarting")
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Accepted returns how many subscriptions the hub has accepted in total.
func (h *Hub) Accepted() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return h.accepted
}

// WaitForClients blocks until at least n subscribers are connected.
func (h *Hub) WaitForClients(ctx context.Context, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for h.ClientCount() < n {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d clients (have %d): %w", n, h.ClientCount(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case data := <-h.broadcast:
			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.logger.Debugw("Failed to send to subscriber", "error", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *Hub) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	h.accepted++
	h.clientsMu.Unlock()

	h.readLoop(conn)
}

// readLoop holds the subscription open until the subscriber leaves.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.clientsMu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": h.ClientCount(),
	})
}

// wireKind capitalizes a change kind the way the server sends it.
func wireKind(k model.ChangeKind) string {
	s := string(k)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
