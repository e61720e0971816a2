package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Clients only send pongs and close frames.
	maxMessageSize = 4 * 1024
)

// hub fans telemetry frames out to websocket clients. A client that
// cannot keep up is dropped.
type hub struct {
	log        *slog.Logger
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// run owns the client set until ctx is done.
func (h *hub) run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
		}
		h.setCount(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			h.log.Debug("Client connected", "clients", len(h.clients))
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.setCount(len(h.clients))
			h.log.Debug("Client disconnected", "clients", len(h.clients))
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
					h.log.Warn("Dropped slow client")
				}
			}
			h.setCount(len(h.clients))
		}
	}
}

func (h *hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// clientCount returns the number of registered clients.
func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// publish queues msg for every client, dropping it when the hub is
// backed up.
func (h *hub) publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Debug("Broadcast channel full, dropping frame")
	}
}

type client struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

// serve registers conn and pumps frames to it until either side closes.
func (h *hub) serve(conn *websocket.Conn, first []byte) {
	c := &client{hub: h, conn: conn, send: make(chan []byte, 8)}
	if first != nil {
		c.send <- first
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
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
