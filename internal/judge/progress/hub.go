package progress

import (
	"context"
	"sync"
	"time"

	"contestjudge/internal/judge/metrics"
	"contestjudge/pkg/utils/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 50 * time.Second
	defaultQueueSize = 64
)

// Conn is the write side of a push connection. *websocket.Conn implements it.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// HubOptions configures a Hub.
type HubOptions struct {
	// QueueSize is the per-connection outbound buffer. Default: 64
	QueueSize int
	// PingPeriod between keepalive pings. Default: 50s
	PingPeriod time.Duration
	Metrics    *metrics.Recorder
}

// Hub is the userID -> connection directory. At most one connection per user
// is live; the latest registration wins.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	queueSize  int
	pingPeriod time.Duration
	metrics    *metrics.Recorder
}

type client struct {
	userID string
	conn   Conn
	send   chan Envelope
	done   chan struct{}
	once   sync.Once
}

// NewHub creates an empty directory.
func NewHub(opts HubOptions) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = pingPeriod
	}
	return &Hub{
		clients:    make(map[string]*client),
		queueSize:  opts.QueueSize,
		pingPeriod: opts.PingPeriod,
		metrics:    opts.Metrics,
	}
}

// Register binds conn to userID, closing any connection it replaces.
func (h *Hub) Register(userID string, conn Conn) {
	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan Envelope, h.queueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	old, replaced := h.clients[userID]
	h.clients[userID] = c
	h.mu.Unlock()

	if replaced {
		old.close()
		logger.Debug(context.Background(), "progress connection replaced", zap.String("user_id", userID))
	} else {
		h.metrics.ConnectionsChanged(1)
	}
	go c.writeLoop(h.pingPeriod)
}

// Unregister drops the connection of userID, if any.
func (h *Hub) Unregister(userID string) {
	h.mu.Lock()
	c, ok := h.clients[userID]
	if ok {
		delete(h.clients, userID)
	}
	h.mu.Unlock()
	if ok {
		c.close()
		h.metrics.ConnectionsChanged(-1)
	}
}

// release unregisters userID only while conn is still its live connection,
// so a replaced socket cannot evict its successor.
func (h *Hub) release(userID string, conn Conn) {
	h.mu.Lock()
	c, ok := h.clients[userID]
	if ok && c.conn == conn {
		delete(h.clients, userID)
	} else {
		ok = false
	}
	h.mu.Unlock()
	if ok {
		c.close()
		h.metrics.ConnectionsChanged(-1)
	}
}

// Send enqueues the event for userID without blocking. A full queue drops the event.
func (h *Hub) Send(userID, event string, payload any) {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- Envelope{Event: event, Data: payload}:
	default:
		h.metrics.EventDropped()
		logger.Warn(context.Background(), "progress queue full, event dropped",
			zap.String("user_id", userID),
			zap.String("event", event),
		)
	}
}

// Connected reports whether userID has a live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// Close drops every connection. Later registrations are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.closed = true
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	h.metrics.ConnectionsChanged(-len(clients))
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writeLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				logger.Warn(context.Background(), "progress write failed",
					zap.String("user_id", c.userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
