package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/scribe/internal/transcript"
)

const (
	// HubPath is where Register mounts the websocket endpoint.
	HubPath = "/ws/transcripts"

	clientBuffer = 16
	writeTimeout = 5 * time.Second
)

// Hub broadcasts transcripts as JSON text messages to websocket clients. A
// client that falls more than a few messages behind is disconnected.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	gone chan struct{}
}

func (c *client) drop() { c.once.Do(func() { close(c.gone) }) }

// NewHub returns an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// Register mounts the hub on mux at HubPath.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.Handle("GET "+HubPath, h)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams transcripts until the client
// goes away, falls behind or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("hub: accept failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer), gone: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("hub: client connected", "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// Clients only listen; CloseRead discards anything they send and cancels
	// ctx when they disconnect.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			conn.Close(websocket.StatusPolicyViolation, "too slow or shutting down")
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.log.Debug("hub: write failed", "err", err)
				return
			}
		}
	}
}

// Name implements Sink.
func (h *Hub) Name() string { return "websocket" }

// Deliver implements Sink. It never blocks on slow clients.
func (h *Hub) Deliver(_ context.Context, t transcript.Transcript) error {
	msg, err := json.Marshal(t)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("hub: dropping slow client")
			c.drop()
			delete(h.clients, c)
		}
	}
	return nil
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.drop()
		delete(h.clients, c)
	}
}
