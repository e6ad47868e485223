package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/logger"
)

const (
	statusInterval = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			return true
		}
		logger.WarnCF("ws", "Rejected WebSocket from disallowed origin", map[string]interface{}{"origin": origin})
		return false
	},
}

// WSClient is one connected dashboard.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub owns the client set. Only Run touches the map; mu guards reads from
// other goroutines.
type WSHub struct {
	server     *Server
	clients    map[*WSClient]bool
	broadcast  chan events.Event
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex
}

func NewWSHub(server *Server) *WSHub {
	return &WSHub{
		server:     server,
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It pushes a status snapshot every few seconds
// while clients are connected.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.DebugC("ws", "Client connected")
			h.sendTo(client, events.New("initial_state", "api", h.server.statusSnapshot()))

		case client := <-h.unregister:
			h.drop(client)
			logger.DebugC("ws", "Client disconnected")

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				logger.DebugCF("ws", "Event encode failed", map[string]interface{}{
					"type":  ev.Type,
					"error": err.Error(),
				})
				continue
			}
			h.mu.RLock()
			var slow []*WSClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.drop(client)
			}

		case <-statusTicker.C:
			if h.ClientCount() > 0 {
				h.Broadcast(events.New("status_update", "api", h.server.statusSnapshot()))
			}
		}
	}
}

func (h *WSHub) drop(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		close(client.send)
		delete(h.clients, client)
	}
}

// Broadcast queues an event for every client. It never blocks; when the
// queue is full the event is dropped.
func (h *WSHub) Broadcast(ev events.Event) {
	select {
	case h.broadcast <- ev:
	default:
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request. The upgrade itself passes through
// authMiddleware, so no per-message auth is needed.
func (h *WSHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("ws", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *WSHub) sendTo(client *WSClient, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// --- Client methods ---

// readPump discards client messages; it only keeps the read deadline moving
// and notices when the client goes away.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends one JSON event per text frame.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
