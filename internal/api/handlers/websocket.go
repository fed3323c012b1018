// Package handlers provides HTTP request handlers for the portsim API.
// This file implements the WebSocket hub that streams scan progress to
// connected clients. The hub is a scanning.Observer.
package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/portsim/internal/logging"
	"github.com/anstrom/portsim/internal/metrics"
	"github.com/anstrom/portsim/internal/scanning"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	bufferSize      = 256                                                // Size of the broadcast channel buffer
	clientQueueSize = 64                                                 // Messages queued per client before it is dropped
)

// Message types sent to clients.
const (
	MessageScanProgress = "scan_progress"
	MessageScanFinished = "scan_finished"
)

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Hub fans scan events out to WebSocket clients.
type Hub struct {
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
	upgrader websocket.Upgrader

	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	shutdown   chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	requestID string
}

// NewHub creates a hub and starts its dispatch loop. Close stops it.
func NewHub(logger *logging.Logger, m *metrics.PrometheusMetrics, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Hub{
		logger:  logger.WithFields("handler", "websocket"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, bufferSize),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	go h.run()

	return h
}

// originChecker allows requests without an Origin header, and any origin
// when the list is empty or contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set["*"] || set[origin]
	}
}

// ScanWebSocket handles GET /api/v1/ws/scans.
func (h *Hub) ScanWebSocket(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientQueueSize), requestID: requestID}
	select {
	case h.register <- c:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}

	h.logger.Debug("WebSocket client connected", "request_id", requestID, "remote_addr", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// run manages client registration and broadcasts.
func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.shutdown:
			h.mutex.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mutex.Unlock()
			h.setClientGauge()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = struct{}{}
			h.mutex.Unlock()
			h.setClientGauge()

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			h.setClientGauge()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.logger.Warn("WebSocket client too slow, dropping", "request_id", c.requestID)
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// readPump drains incoming messages until the peer goes away.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "request_id", c.requestID, "error", err)
			}
			return
		}
	}
}

// writePump sends queued messages and keepalive pings.
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", c.requestID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// OnProgress implements scanning.Observer.
func (h *Hub) OnProgress(e scanning.ProgressEvent) {
	h.publish(MessageScanProgress, e)
}

// OnFinish implements scanning.Observer.
func (h *Hub) OnFinish(s scanning.Summary) {
	h.publish(MessageScanFinished, s)
}

// publish queues a message without blocking the scan goroutine. Messages
// are dropped when the hub is saturated or closed.
func (h *Hub) publish(messageType string, data interface{}) {
	payload, err := json.Marshal(WebSocketMessage{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", "type", messageType, "error", err)
		return
	}

	select {
	case <-h.shutdown:
		return
	default:
	}

	select {
	case h.broadcast <- payload:
		if h.metrics != nil {
			h.metrics.IncrementWebSocketMessages(messageType)
		}
	default:
		h.logger.Warn("Broadcast channel full, dropping message", "type", messageType)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.shutdown)
		<-h.done
		h.logger.Debug("WebSocket hub closed")
	})
}

func (h *Hub) setClientGauge() {
	if h.metrics != nil {
		h.metrics.SetWebSocketClients(h.Clients())
	}
}
