// Package websocket pushes compile results to connected editors.
//
// A single hub goroutine owns registration and broadcasting. Every client has
// a buffered send channel drained by its own write pump; a client whose buffer
// is full is dropped instead of stalling the hub.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/strata/internal/build"
	"github.com/conneroisu/strata/internal/logging"
	"github.com/conneroisu/strata/internal/validation"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// Hub manages event subscribers.
//
// Invariants:
//   - clients is only touched with clientsMutex held
//   - channels are never closed; goroutines exit through ctx
type Hub struct {
	clients      map[*websocket.Conn]*Client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *websocket.Conn

	allowedOrigins []string
	originPatterns []string
	logger         logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	isShutdown   atomic.Bool
	sent         atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a hub and starts its goroutine. allowedOrigins holds full
// origins ("https://cms.example.com"), bare hosts, or "*".
func NewHub(allowedOrigins []string, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		clients:        make(map[*websocket.Conn]*Client),
		broadcast:      make(chan []byte, 256),
		register:       make(chan *Client, 32),
		unregister:     make(chan *websocket.Conn, 32),
		allowedOrigins: allowedOrigins,
		originPatterns: originPatterns(allowedOrigins),
		logger:         logger.WithComponent("websocket"),
		ctx:            ctx,
		cancel:         cancel,
	}
	go h.run()
	return h
}

// originPatterns converts configured origins to the host patterns matched by
// websocket.Accept.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// HandleWebSocket upgrades the request and subscribes the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.isShutdown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" {
		if err := validation.ValidateOrigin(origin, h.allowedOrigins); err != nil {
			h.logger.Warn(r.Context(), err, "WebSocket connection rejected", "origin", origin)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.originPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		remoteAddr:  r.RemoteAddr,
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusServiceRestart, "server shutting down")
		return
	default:
		_ = conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}

	h.handleClient(client)
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clientsMutex.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.clientsMutex.Unlock()
			h.logger.Debug(h.ctx, "WebSocket client connected", "remote", client.remoteAddr, "clients", total)

		case conn := <-h.unregister:
			h.remove(conn, websocket.StatusNormalClosure, "")

		case message := <-h.broadcast:
			h.fanOut(message)

		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	h.clientsMutex.Lock()
	client, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
	}
	total := len(h.clients)
	h.clientsMutex.Unlock()

	if ok {
		client.closeOnce.Do(func() { close(client.done) })
		go func() { _ = conn.Close(code, reason) }()
		h.logger.Debug(h.ctx, "WebSocket client disconnected", "remote", client.remoteAddr, "clients", total)
	}
}

func (h *Hub) fanOut(message []byte) {
	h.clientsMutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMutex.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- message:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
			h.remove(c.conn, websocket.StatusPolicyViolation, "client too slow")
		}
	}
}

// handleClient runs the write pump and blocks in the read loop until the
// client goes away.
func (h *Hub) handleClient(c *Client) {
	go h.writePump(c)
	h.readLoop(c)

	select {
	case h.unregister <- c.conn:
	case <-h.ctx.Done():
	}
}

// readLoop discards inbound frames. It keeps the connection's control frames
// flowing and notices closes.
func (h *Hub) readLoop(c *Client) {
	for {
		_, _, err := c.conn.Read(h.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && h.ctx.Err() == nil {
				h.logger.Debug(h.ctx, "WebSocket read ended", "remote", c.remoteAddr, "error", err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}

		case <-c.done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// PublishCompile broadcasts a finished compile pass to every client.
func (h *Hub) PublishCompile(result build.Result) {
	h.Broadcast(NewCompileMessage(result))
}

// Broadcast queues a message for every client. It never blocks; the message
// is dropped when the hub is saturated or shut down.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(h.ctx, err, "Failed to encode broadcast message", "type", msg.Type)
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.ctx.Done():
	default:
		h.dropped.Add(1)
		h.logger.Warn(h.ctx, nil, "Broadcast channel full, dropping message", "type", msg.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

// Shutdown closes every client and stops the hub. It is safe to call more
// than once.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.isShutdown.Store(true)
		h.cancel()

		h.clientsMutex.Lock()
		clients := h.clients
		h.clients = make(map[*websocket.Conn]*Client)
		h.clientsMutex.Unlock()

		var wg sync.WaitGroup
		for conn, c := range clients {
			c.closeOnce.Do(func() { close(c.done) })
			wg.Add(1)
			go func(conn *websocket.Conn) {
				defer wg.Done()
				_ = conn.Close(websocket.StatusGoingAway, "server shutdown")
			}(conn)
		}

		closed := make(chan struct{})
		go func() {
			wg.Wait()
			close(closed)
		}()
		select {
		case <-closed:
		case <-ctx.Done():
			for conn := range clients {
				_ = conn.CloseNow()
			}
		}
		h.logger.Info(ctx, "WebSocket hub shut down", "clients", len(clients))
	})
	return nil
}
