package stream

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Options tunes heartbeats and per-client buffering.
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	Logger         *log.Logger
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
}

// Hub tracks live websocket clients and fans board events out to them.
// Delivery is best effort: a client whose send queue is full misses the
// frame, and nobody else waits for it.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool

	dropped atomic.Int64
}

func NewHub(opts Options) *Hub {
	opts.setDefaults()
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*Client]struct{}{},
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
// The optional boardId query parameter scopes the session to one board.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.Logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := newClient(h, conn, uuid.NewString(), r.URL.Query().Get("boardId"))
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(h.opts.WriteWait))
		conn.Close()
		return
	}
	c.enqueue(encodeServer(serverMessage{Type: MsgConnectionEstablished, ClientID: c.id}))
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateEstablished))
	c.logger.Debug("client connected")

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.logger.Debug("client disconnected")
	}
}

// Emit broadcasts ev. It lets the hub be used as a board event emitter.
func (h *Hub) Emit(_ context.Context, ev domain.Event) {
	h.Broadcast(ev)
}

// Broadcast pushes ev to every interested client and returns how many
// accepted it.
func (h *Hub) Broadcast(ev domain.Event) int {
	frame, err := encodeEvent(ev)
	if err != nil {
		h.opts.Logger.WithError(err).WithField("event", ev.Type).Error("encode event frame")
		return 0
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(ev) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered++
			continue
		}
		h.dropped.Add(1)
		c.logger.WithField("event", ev.Type).Debug("send queue full, frame dropped")
	}
	return delivered
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many frames were discarded for slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	return nil
}
