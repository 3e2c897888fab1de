// Package alertstream exposes the live RiskAlert feed over WebSocket: a
// connection hub that subscribes to the alert publisher and fans each
// alert out to every connected client, evicting slow clients instead of
// blocking the feed.
package alertstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/payment-risk-engine/internal/alertpublish"
	"github.com/mbd888/payment-risk-engine/internal/metrics"
	"github.com/mbd888/payment-risk-engine/internal/riskevents"
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// subscriberName identifies this hub's subscription to the alert publisher.
const subscriberName = "alertstream"

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// clientSend is the per-client outbound buffer depth.
const clientSend = 256

// Client is a single WebSocket connection subscribed to the live feed.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	filter string // optional entityId filter; empty means all entities
}

// Hub manages WebSocket connections and fans out RiskAlerts received from
// a Publisher.
type Hub struct {
	publisher *alertpublish.Publisher
	clients   map[*Client]bool
	mu        sync.RWMutex
	logger    *slog.Logger
	done      chan struct{}

	totalAlerts  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a Hub that will draw alerts from publisher once Run starts.
func NewHub(publisher *alertpublish.Publisher, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		publisher: publisher,
		clients:   make(map[*Client]bool),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Run subscribes to the publisher and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("alertstream hub started")
	defer close(h.done)

	alerts, unsubscribe := h.publisher.Subscribe(subscriberName)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("alertstream hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("alertstream hub stopped")
			return

		case alert, ok := <-alerts:
			if !ok {
				return
			}
			h.broadcast(alert)
		}
	}
}

func (h *Hub) broadcast(alert *riskevents.RiskAlert) {
	h.totalAlerts.Add(1)
	payload := h.serialize(alert)

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.matches(alert) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

func (c *Client) matches(alert *riskevents.RiskAlert) bool {
	c.mu.RLock()
	filter := c.filter
	c.mu.RUnlock()
	return filter == "" || filter == alert.EntityID
}

func (h *Hub) serialize(alert *riskevents.RiskAlert) []byte {
	data, _ := json.Marshal(alert)
	return data
}

// Stats reports hub-level counters for diagnostics.
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	n := int64(len(h.clients))
	h.mu.RUnlock()
	return map[string]int64{
		"connectedClients": n,
		"totalAlerts":      h.totalAlerts.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades an HTTP request to a WebSocket connection and
// registers the resulting client. The optional "entityId" query parameter
// restricts the feed to alerts for that entity.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= MaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientSend),
		filter: r.URL.Query().Get("entityId"),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.totalClients.Add(1)
	if current := int64(len(h.clients)); current > h.peakClients.Load() {
		h.peakClients.Store(current)
	}
	n = len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "total", n)

	go client.writePump()
	go client.readPump()
}

func (c *Client) unregister() {
	c.hub.mu.Lock()
	if _, ok := c.hub.clients[c]; ok {
		delete(c.hub.clients, c)
		close(c.send)
	}
	n := len(c.hub.clients)
	c.hub.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	c.hub.logger.Info("client disconnected", "total", n)
}

func (c *Client) readPump() {
	defer func() {
		c.unregister()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		// Inbound messages are not part of the feed's contract; the
		// connection only exists to receive. Reads here serve pings
		// and close handshakes.
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
