package marketdata

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pincex_ws_connections",
		Help: "Current number of active market data WebSocket connections",
	})
	wsMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pincex_ws_messages_total",
		Help: "Total market data messages broadcast to WebSocket clients",
	})
	wsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pincex_ws_dropped_clients_total",
		Help: "Clients disconnected for not keeping up with the feed",
	})
)

func init() {
	prometheus.MustRegister(wsConnections, wsMessages, wsDropped)
}

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Client is one WebSocket subscriber. Clients are read-only consumers;
// inbound frames are drained and discarded.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans encoded market-data frames out to every connected client.
// Slow clients are dropped rather than allowed to stall the feed.
type Hub struct {
	log        *zap.Logger
	clients    map[*Client]struct{}
	mu         sync.Mutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:        log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 1024),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			wsConnections.Inc()
		case c := <-h.unregister:
			h.drop(c)
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Backpressure: the client is not draining its buffer.
					close(c.send)
					delete(h.clients, c)
					wsConnections.Dec()
					wsDropped.Inc()
				}
			}
			h.mu.Unlock()
			wsMessages.Inc()
		}
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
		wsConnections.Dec()
	}
	h.mu.Unlock()
}

// Broadcast queues one encoded frame for every client. Non-blocking: if
// the hub itself is saturated the frame is dropped, never the event
// loop's time.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades one HTTP request into a feed subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.register <- c
	go c.writePump(h)
	go c.readPump(h)
}

func (c *Client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
