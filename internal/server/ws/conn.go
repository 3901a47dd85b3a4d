package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/hedgecoord/internal/protocol"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// maxMessageSize is the maximum size of an incoming frame.
	maxMessageSize = 64 * 1024

	// sendBufferSize is the channel buffer for outgoing messages per terminal.
	sendBufferSize = 256
)

// State is the lifecycle state of a terminal connection.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Quality grades a connection by its last heartbeat round trip.
type Quality string

const (
	QualityUnknown   Quality = "UNKNOWN"
	QualityExcellent Quality = "EXCELLENT"
	QualityGood      Quality = "GOOD"
	QualityPoor      Quality = "POOR"
)

func qualityFor(rtt time.Duration) Quality {
	switch {
	case rtt <= 0:
		return QualityUnknown
	case rtt < 50*time.Millisecond:
		return QualityExcellent
	case rtt < 100*time.Millisecond:
		return QualityGood
	}
	return QualityPoor
}

// ConnInfo is a snapshot of one connection for the admin API.
type ConnInfo struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	RemoteAddr   string          `json:"remote_addr"`
	State        string          `json:"state"`
	Quality      Quality         `json:"quality"`
	Latency      time.Duration   `json:"latency_ns"`
	EAInfo       protocol.EAInfo `json:"ea_info"`
	ConnectedAt  time.Time       `json:"connected_at"`
	LastActivity time.Time       `json:"last_activity"`
	Sent         int64           `json:"sent"`
	Received     int64           `json:"received"`
}

// Conn is a single terminal connection.
type Conn struct {
	id          string
	srv         *Server
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	remoteAddr  string
	connectedAt time.Time

	state     atomic.Int32
	closeOnce sync.Once

	mu           sync.RWMutex
	accountID    string
	sessionID    string
	ea           protocol.EAInfo
	lastActivity time.Time
	pingSentAt   time.Time
	latency      time.Duration

	sent     atomic.Int64
	received atomic.Int64
}

func newConn(srv *Server, id string, conn *websocket.Conn, remoteAddr string, now time.Time) *Conn {
	c := &Conn{
		id:           id,
		srv:          srv,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		remoteAddr:   remoteAddr,
		connectedAt:  now,
		lastActivity: now,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// AccountID returns the bound trading account, or "".
func (c *Conn) AccountID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID
}

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) touch(at time.Time) {
	c.mu.Lock()
	c.lastActivity = at
	c.mu.Unlock()
}

func (c *Conn) idleSince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// enqueue queues a frame without blocking. It reports false when the buffer
// is full or the connection is closed.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeWith sends a close frame carrying code and tears the connection down.
// Only the first call has any effect.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(c.done)
		_ = c.conn.Close()
		c.srv.unregister(c, code, reason)
	})
}

// readPump reads frames from the terminal and hands them to the server.
func (c *Conn) readPump() {
	defer c.closeWith(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMessageSize)
	deadline := c.srv.cfg.ConnectionTimeout + c.srv.cfg.HeartbeatInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		c.touch(c.srv.now())
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("ws: unexpected close error",
					slog.String("conn_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.touch(c.srv.now())
		c.received.Add(1)
		c.srv.handleFrame(c, data)
	}
}

// writePump is the only writer of data frames on the connection.
func (c *Conn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.srv.logger.Debug("ws: write failed",
					slog.String("conn_id", c.id),
					slog.String("error", err.Error()),
				)
				c.closeWith(websocket.CloseInternalServerErr, "write failed")
				return
			}
			c.sent.Add(1)
		}
	}
}

func (c *Conn) info() ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnInfo{
		ID:           c.id,
		AccountID:    c.accountID,
		RemoteAddr:   c.remoteAddr,
		State:        c.State().String(),
		Quality:      qualityFor(c.latency),
		Latency:      c.latency,
		EAInfo:       c.ea,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		Sent:         c.sent.Load(),
		Received:     c.received.Load(),
	}
}
