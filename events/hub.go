package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HubConfig tunes connection keepalive and buffering.
type HubConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// MaxMessageSize bounds what a client may send; clients only ever
	// send control frames.
	MaxMessageSize int64
	BufferSize     int
}

// DefaultHubConfig returns the keepalive and buffer defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512,
		BufferSize:     256,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	addr string
}

// Hub fans messages out to every connected websocket client. Publish never
// blocks; a client whose buffer fills up is disconnected.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	broadcast chan Message
	now       func() time.Time

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewHub creates a Hub. Call Run to start delivering messages.
func NewHub(config HubConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultHubConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongWait <= 0 {
		config.PongWait = def.PongWait
	}
	if config.WriteWait <= 0 {
		config.WriteWait = def.WriteWait
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:    logger.Named("events"),
		broadcast: make(chan Message, config.BufferSize),
		now:       time.Now,
		clients:   make(map[*websocket.Conn]*client),
		done:      make(chan struct{}),
	}
}

// Run delivers published messages and pings clients until ctx is done or
// Close is called.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(h.config.PingInterval)
	defer ping.Stop()
	defer h.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		case <-ping.C:
			h.pingAll()
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.config.BufferSize), addr: r.RemoteAddr}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.config.WriteWait))
		conn.Close()
		return
	}
	h.clients[conn] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("events client connected", zap.String("remote", c.addr), zap.Int("clients", total))

	go h.writePump(c)
	go h.readPump(c)
}

// Publish queues a message for every client. It drops the message when the
// queue is full or the hub is closed.
func (h *Hub) Publish(msgType string, data any) {
	msg := Message{Type: msgType, Timestamp: h.now().UTC(), Data: data}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("event buffer full, dropping message", zap.String("type", msgType))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops Run. It is safe to call more
// than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		h.closed = true
		clients := h.clients
		h.clients = make(map[*websocket.Conn]*client)
		h.mu.Unlock()

		for _, c := range clients {
			close(c.send)
		}
		if len(clients) > 0 {
			h.logger.Info("events clients disconnected", zap.Int("clients", len(clients)))
		}
	})
}

func (h *Hub) deliver(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	var slow []*client
	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("events client too slow, disconnecting", zap.String("remote", c.addr))
		h.remove(c)
	}
}

func (h *Hub) pingAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deadline := time.Now().Add(h.config.WriteWait)
	for _, c := range h.clients {
		// WriteControl is safe alongside the write pump.
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.logger.Debug("events ping failed", zap.String("remote", c.addr), zap.Error(err))
		}
	}
}

// remove unregisters c and closes its send queue, which ends its write pump.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.conn]
	if ok {
		delete(h.clients, c.conn)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
		h.logger.Info("events client disconnected", zap.String("remote", c.addr), zap.Int("clients", total))
	}
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(h.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("events client read error", zap.String("remote", c.addr), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("events write failed", zap.String("remote", c.addr), zap.Error(err))
			h.remove(c)
			// Drain until remove's close ends the loop.
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(h.config.WriteWait))
}
