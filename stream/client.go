package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// State is the lifecycle position of a client connection.
type State int32

const (
	StateConnecting State = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client is one websocket connection registered with a Hub.
type Client struct {
	id      string
	boardID string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	logger  *log.Entry

	state     atomic.Int32
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, id, boardID string) *Client {
	c := &Client{
		id:      id,
		boardID: boardID,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
		done:    make(chan struct{}),
		subs:    map[string]struct{}{},
		logger:  h.opts.Logger.WithFields(log.Fields{"client": id, "board": boardID}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State { return State(c.state.Load()) }

// Subscribed reports whether the client holds at least one subscription.
func (c *Client) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) > 0
}

func (c *Client) subscribe(event string) {
	c.mu.Lock()
	c.subs[event] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(event string) {
	c.mu.Lock()
	delete(c.subs, event)
	c.mu.Unlock()
}

// wants filters by event subscription first, then by board scope.
func (c *Client) wants(ev domain.Event) bool {
	c.mu.Lock()
	_, all := c.subs[domain.AllEvents]
	_, one := c.subs[ev.Type]
	c.mu.Unlock()
	if !all && !one {
		return false
	}
	return c.boardID == "" || c.boardID == ev.BoardID
}

// enqueue queues frame without blocking. It returns false when the send
// queue is full or the client is shutting down.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close moves a live client to closing and stops its pumps. A client that
// already reached closed stays there.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		for {
			cur := c.state.Load()
			if State(cur) == StateClosed || c.state.CompareAndSwap(cur, int32(StateClosing)) {
				break
			}
		}
		close(c.done)
	})
}

// finished marks the client closed once its write side has shut down.
func (c *Client) finished() {
	c.close()
	c.state.Store(int32(StateClosed))
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()
	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	extend := func() { c.conn.SetReadDeadline(time.Now().Add(opts.PongWait)) }
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}
		extend()
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	msg, err := decodeControl(data)
	if err != nil || msg.Type == "" {
		c.enqueue(encodeServer(serverMessage{Type: MsgError, Message: "malformed message"}))
		return
	}
	switch msg.Type {
	case MsgSubscribe:
		if !knownEvent(msg.Event) {
			c.enqueue(encodeServer(serverMessage{Type: MsgError, Message: "unknown event " + msg.Event}))
			return
		}
		c.subscribe(msg.Event)
		c.enqueue(encodeServer(serverMessage{Type: MsgSubscribed, Event: msg.Event}))
	case MsgUnsubscribe:
		c.unsubscribe(msg.Event)
		c.enqueue(encodeServer(serverMessage{Type: MsgUnsubscribed, Event: msg.Event}))
	case MsgPing:
		c.enqueue(encodeServer(serverMessage{Type: MsgPong}))
	case MsgPong:
	default:
		c.enqueue(encodeServer(serverMessage{Type: MsgError, Message: "unknown message type " + msg.Type}))
	}
}

func (c *Client) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.finished()
	}()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteWait)); err != nil {
				c.logger.WithError(err).Debug("websocket ping failed")
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(opts.WriteWait))
			return
		}
	}
}
