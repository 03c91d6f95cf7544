package devserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/assetpipe/internal/logging"
)

// Hub fans update messages out to every connected browser.
//
// A single goroutine owns registration and broadcast. Each client has a
// buffered send channel drained by its own write pump; a client that falls
// behind is dropped rather than slowing the others down.
type Hub struct {
	clients      map[*websocket.Conn]*client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *client
	unregister chan *websocket.Conn

	// The latest update and any later error are replayed to new clients so
	// they learn the current hash and see a broken build.
	lastUpdate []byte
	lastError  []byte
	lastMutex  sync.Mutex

	logger       logging.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub starts a hub.
func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client, 16),
		unregister: make(chan *websocket.Conn, 16),
		logger:     logger.WithComponent("hub"),
		ctx:        ctx,
		cancel:     cancel,
	}
	go h.run()
	return h
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	if !sameOrigin(r) {
		h.logger.Info(r.Context(), "websocket rejected", "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origins are checked above, loopback aliases included.
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 32)}
	h.lastMutex.Lock()
	for _, msg := range [][]byte{h.lastUpdate, h.lastError} {
		if msg != nil {
			c.send <- msg
		}
	}
	h.lastMutex.Unlock()

	select {
	case h.register <- c:
	case <-h.ctx.Done():
		conn.Close(websocket.StatusServiceRestart, "server shutting down")
		return
	}
	go h.handleClient(c)
}

// sameOrigin accepts requests without an Origin header, from the served
// host, or from any loopback host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clientsMutex.Lock()
			h.clients[c.conn] = c
			n := len(h.clients)
			h.clientsMutex.Unlock()
			h.logger.Debug(h.ctx, "client connected", "clients", n)

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			h.clientsMutex.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					go func(conn *websocket.Conn) {
						select {
						case h.unregister <- conn:
						case <-h.ctx.Done():
						}
					}(c.conn)
				}
			}
			h.clientsMutex.RUnlock()

		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.clientsMutex.Lock()
	c, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(c.send)
	}
	n := len(h.clients)
	h.clientsMutex.Unlock()
	if ok {
		conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug(h.ctx, "client disconnected", "clients", n)
	}
}

func (h *Hub) handleClient(c *client) {
	defer func() {
		select {
		case h.unregister <- c.conn:
		case <-h.ctx.Done():
		}
	}()
	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client frames; it exists to notice disconnects.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && h.ctx.Err() == nil {
				h.logger.Debug(h.ctx, "websocket read ended", "error", err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		case <-h.ctx.Done():
			return
		}
	}
}

// Broadcast sends msg to every client.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(h.ctx, err, "cannot encode message", "type", msg.Type)
		return
	}

	h.lastMutex.Lock()
	if msg.Type == MessageError {
		h.lastError = data
	} else {
		h.lastUpdate = data
		h.lastError = nil
	}
	h.lastMutex.Unlock()

	select {
	case h.broadcast <- data:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.cancel()
		h.clientsMutex.Lock()
		for conn, c := range h.clients {
			close(c.send)
			conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
		h.clients = make(map[*websocket.Conn]*client)
		h.clientsMutex.Unlock()
	})
}
