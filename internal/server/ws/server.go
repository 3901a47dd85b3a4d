// Package ws implements the terminal-facing WebSocket protocol server: the
// handshake and authentication, per-connection pumps, heartbeats and routing
// of commands to the terminal serving an account.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/metrics"
	"github.com/alanyoungcy/hedgecoord/internal/protocol"
)

const eventBufferSize = 1024

// Config holds protocol server parameters.
type Config struct {
	AuthToken          string
	AuthTokenHash      string
	MaxConnections     int
	HeartbeatInterval  time.Duration
	ConnectionTimeout  time.Duration
	AuthTimeout        time.Duration
	SendTimeout        time.Duration
	HandshakeRateLimit int // per remote IP per minute; 0 disables
}

// InboundEvent is a validated terminal message together with its origin.
type InboundEvent struct {
	ConnID     string
	AccountID  string
	Message    protocol.Message
	ReceivedAt time.Time
}

// Stats is a point-in-time view of the server counters.
type Stats struct {
	Active            int   `json:"active"`
	Authenticated     int   `json:"authenticated"`
	Total             int64 `json:"total"`
	Peak              int   `json:"peak"`
	MaxConnections    int   `json:"max_connections"`
	MessagesSent      int64 `json:"messages_sent"`
	MessagesReceived  int64 `json:"messages_received"`
	ProtocolErrors    int64 `json:"protocol_errors"`
	RejectedCapacity  int64 `json:"rejected_capacity"`
	RejectedAuth      int64 `json:"rejected_auth"`
	RejectedRateLimit int64 `json:"rejected_rate_limit"`
	AuthTimeouts      int64 `json:"auth_timeouts"`
	HeartbeatTimeouts int64 `json:"heartbeat_timeouts"`
	DroppedEvents     int64 `json:"dropped_events"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Terminals are not browsers; authentication is by token.
		return true
	},
}

// Server accepts terminal connections and routes messages in both
// directions. Inbound messages are published on Events().
type Server struct {
	cfg      Config
	registry *Registry
	auth     *TokenValidator
	limiter  domain.RateLimiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	events    chan InboundEvent
	closed    chan struct{}
	closeOnce sync.Once

	sent              atomic.Int64
	received          atomic.Int64
	protocolErrors    atomic.Int64
	rejectedCapacity  atomic.Int64
	rejectedAuth      atomic.Int64
	rejectedRateLimit atomic.Int64
	authTimeouts      atomic.Int64
	heartbeatTimeouts atomic.Int64
	droppedEvents     atomic.Int64
}

// NewServer creates a protocol server. m may be nil.
func NewServer(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(cfg.MaxConnections),
		auth:     NewTokenValidator(cfg.AuthToken, cfg.AuthTokenHash),
		metrics:  m,
		logger:   logger.With(slog.String("component", "ws")),
		now:      time.Now,
		events:   make(chan InboundEvent, eventBufferSize),
		closed:   make(chan struct{}),
	}
}

// SetRateLimiter enables handshake rate limiting per remote IP.
func (s *Server) SetRateLimiter(l domain.RateLimiter) { s.limiter = l }

// Events returns the channel of validated inbound terminal messages.
func (s *Server) Events() <-chan InboundEvent { return s.events }

// Registry exposes the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// HandleWS upgrades a terminal connection and runs the handshake.
// GET /ws
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	if s.limiter != nil && s.cfg.HandshakeRateLimit > 0 {
		ok, err := s.limiter.Allow(r.Context(), "ws:handshake:"+ip, s.cfg.HandshakeRateLimit, time.Minute)
		if err != nil {
			s.logger.Warn("ws: rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			s.rejectedRateLimit.Add(1)
			s.metrics.ConnectionRejected("rate_limit")
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	hs := readHandshake(r)

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConn(s, uuid.NewString(), wsConn, ip, s.now())
	log := s.logger.With(slog.String("conn_id", c.id), slog.String("remote", ip))

	if err := s.registry.Add(c); err != nil {
		s.rejectedCapacity.Add(1)
		s.metrics.ConnectionRejected("capacity")
		log.Warn("ws: connection rejected, limit reached", slog.Int("max", s.registry.Max()))
		rejectConn(wsConn, protocol.CloseMaxConnections, "maximum connections reached")
		return
	}
	s.metrics.ConnectionOpened()

	c.mu.Lock()
	c.ea = hs.ea
	c.mu.Unlock()

	if hs.token == "" {
		c.setState(StateAwaitingAuth)
		log.Info("ws: awaiting AUTH message")
		time.AfterFunc(s.cfg.AuthTimeout, func() {
			if c.State() == StateAwaitingAuth {
				s.authTimeouts.Add(1)
				s.metrics.ConnectionRejected("auth_timeout")
				log.Warn("ws: authentication timed out")
				c.closeWith(protocol.CloseAuthTimeout, "authentication timeout")
			}
		})
	} else {
		if !s.auth.Valid(hs.token) {
			s.rejectAuth(c)
			return
		}
		if !s.authenticate(c, hs.accountID, nil) {
			return
		}
	}

	go c.writePump()
	go c.readPump()
}

func rejectConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

func (s *Server) rejectAuth(c *Conn) {
	s.rejectedAuth.Add(1)
	s.metrics.ConnectionRejected("auth")
	s.logger.Warn("ws: authentication failed", slog.String("conn_id", c.id), slog.String("remote", c.remoteAddr))
	c.closeWith(protocol.CloseAuthFailed, "authentication failed")
}

// authenticate promotes c, binds its account and sends ACCEPT. A terminal
// that names no account is closed with CloseAccountRequired, since commands
// could never be routed to it.
func (s *Server) authenticate(c *Conn, accountID string, ea *protocol.EAInfo) bool {
	if accountID == "" && ea != nil {
		accountID = ea.Account
	}
	if accountID == "" {
		s.rejectedAuth.Add(1)
		s.metrics.ConnectionRejected("account")
		s.logger.Warn("ws: handshake without account identifier",
			slog.String("conn_id", c.id),
			slog.String("remote", c.remoteAddr),
		)
		c.closeWith(protocol.CloseAccountRequired, "account identifier required")
		return false
	}

	session := uuid.NewString()
	c.mu.Lock()
	c.sessionID = session
	if ea != nil {
		c.ea = *ea
	}
	c.mu.Unlock()
	c.setState(StateAuthenticated)
	s.bindAccount(c, accountID)

	s.sendTo(c, &protocol.Accept{
		Header:    protocol.NewHeader(protocol.TypeAccept, s.now()),
		SessionID: session,
	})
	s.logger.Info("ws: terminal authenticated",
		slog.String("conn_id", c.id),
		slog.String("account_id", accountID),
		slog.String("session_id", session),
	)
	return true
}

func (s *Server) bindAccount(c *Conn, accountID string) {
	c.mu.Lock()
	c.accountID = accountID
	c.mu.Unlock()
	if prev := s.registry.Bind(c, accountID); prev != nil {
		s.logger.Info("ws: account reconnected, closing previous connection",
			slog.String("account_id", accountID),
			slog.String("previous_conn_id", prev.id),
		)
		prev.closeWith(websocket.CloseNormalClosure, "replaced by new connection")
	}
}

// unregister is called exactly once per admitted connection when it closes.
func (s *Server) unregister(c *Conn, code int, reason string) {
	if !s.registry.Remove(c) {
		return
	}
	s.metrics.ConnectionClosed()
	s.logger.Info("ws: terminal disconnected",
		slog.String("conn_id", c.id),
		slog.String("account_id", c.AccountID()),
		slog.Int("code", code),
		slog.String("reason", reason),
		slog.Int("active", s.registry.Len()),
	)
}

// handleFrame decodes one inbound frame and applies the state rules:
// unauthenticated connections may only send AUTH and INFO.
func (s *Server) handleFrame(c *Conn, data []byte) {
	s.received.Add(1)

	msg, err := protocol.Decode(data)
	if err != nil {
		s.protocolErrors.Add(1)
		s.metrics.ProtocolError("invalid")
		s.logger.Warn("ws: invalid message dropped",
			slog.String("conn_id", c.id),
			slog.String("error", err.Error()),
		)
		s.replyError(c, "", err.Error(), "INVALID_MESSAGE")
		return
	}
	s.metrics.MessageReceived(string(msg.MessageType()))

	switch c.State() {
	case StateAwaitingAuth:
		switch m := msg.(type) {
		case *protocol.Auth:
			if !s.auth.Valid(m.Token) {
				s.rejectAuth(c)
				return
			}
			s.authenticate(c, m.AccountID, m.EAInfo)
		case *protocol.Info:
			s.applyInfo(c, m)
		default:
			s.protocolErrors.Add(1)
			s.metrics.ProtocolError("unauthenticated")
			s.replyError(c, protocol.PositionID(msg), "not authenticated", "UNAUTHENTICATED")
		}
		return

	case StateAuthenticated:
	default:
		return
	}

	switch m := msg.(type) {
	case *protocol.Pong:
		s.recordPong(c)
		return
	case *protocol.Ping:
		s.sendTo(c, &protocol.Pong{Header: protocol.NewHeader(protocol.TypePong, s.now())})
		return
	case *protocol.Auth:
		return
	case *protocol.Info:
		s.applyInfo(c, m)
	case *protocol.Open, *protocol.Close, *protocol.Accept:
		s.protocolErrors.Add(1)
		s.metrics.ProtocolError("direction")
		s.replyError(c, protocol.PositionID(msg), fmt.Sprintf("%s is a server message", msg.MessageType()), "INVALID_DIRECTION")
		return
	}

	s.publish(InboundEvent{
		ConnID:     c.id,
		AccountID:  c.AccountID(),
		Message:    msg,
		ReceivedAt: s.now(),
	})
}

func (s *Server) applyInfo(c *Conn, m *protocol.Info) {
	if m.EAInfo == nil {
		return
	}
	c.mu.Lock()
	c.ea = *m.EAInfo
	c.mu.Unlock()
}

// publish hands an event to the router. The reader blocks while the router
// is behind so terminal events are never dropped while the server runs.
func (s *Server) publish(ev InboundEvent) {
	select {
	case s.events <- ev:
	case <-s.closed:
		s.droppedEvents.Add(1)
	}
}

func (s *Server) replyError(c *Conn, positionID, message, code string) {
	s.sendTo(c, &protocol.Error{
		Header:     protocol.NewHeader(protocol.TypeError, s.now()),
		PositionID: positionID,
		Message:    message,
		ErrorCode:  code,
	})
}

// sendTo encodes and queues msg without blocking.
func (s *Server) sendTo(c *Conn, msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("ws: encode failed", slog.String("type", string(msg.MessageType())), slog.String("error", err.Error()))
		return false
	}
	if !c.enqueue(data) {
		return false
	}
	s.sent.Add(1)
	s.metrics.MessageSent(string(msg.MessageType()))
	return true
}

// Send routes msg to the authenticated terminal serving accountID, waiting up
// to the configured send timeout for buffer space.
func (s *Server) Send(ctx context.Context, accountID string, msg protocol.Message) error {
	c, ok := s.registry.ByAccount(accountID)
	if !ok || c.State() != StateAuthenticated {
		return fmt.Errorf("ws: send %s to %s: %w", msg.MessageType(), accountID, domain.ErrNoConnection)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("ws: send %s: %w", msg.MessageType(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	select {
	case c.send <- data:
		s.sent.Add(1)
		s.metrics.MessageSent(string(msg.MessageType()))
		return nil
	case <-c.done:
		return fmt.Errorf("ws: send %s to %s: %w", msg.MessageType(), accountID, domain.ErrNoConnection)
	case <-ctx.Done():
		return fmt.Errorf("ws: send %s to %s: %w", msg.MessageType(), accountID, errors.Join(domain.ErrSendTimeout, ctx.Err()))
	}
}

// Broadcast queues msg to every authenticated terminal and returns how many
// accepted it.
func (s *Server) Broadcast(msg protocol.Message) int {
	n := 0
	for _, c := range s.registry.Snapshot() {
		if c.State() != StateAuthenticated {
			continue
		}
		if s.sendTo(c, msg) {
			n++
		}
	}
	return n
}

// Disconnect closes the connection with the given ID.
func (s *Server) Disconnect(connID string) bool {
	c, ok := s.registry.Get(connID)
	if !ok {
		return false
	}
	c.closeWith(websocket.CloseNormalClosure, "disconnected by operator")
	return true
}

// Connections lists the registered connections.
func (s *Server) Connections() []ConnInfo {
	conns := s.registry.Snapshot()
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	return out
}

// Stats returns current counters.
func (s *Server) Stats() Stats {
	authed := 0
	conns := s.registry.Snapshot()
	for _, c := range conns {
		if c.State() == StateAuthenticated {
			authed++
		}
	}
	return Stats{
		Active:            len(conns),
		Authenticated:     authed,
		Total:             s.registry.Total(),
		Peak:              s.registry.Peak(),
		MaxConnections:    s.registry.Max(),
		MessagesSent:      s.sent.Load(),
		MessagesReceived:  s.received.Load(),
		ProtocolErrors:    s.protocolErrors.Load(),
		RejectedCapacity:  s.rejectedCapacity.Load(),
		RejectedAuth:      s.rejectedAuth.Load(),
		RejectedRateLimit: s.rejectedRateLimit.Load(),
		AuthTimeouts:      s.authTimeouts.Load(),
		HeartbeatTimeouts: s.heartbeatTimeouts.Load(),
		DroppedEvents:     s.droppedEvents.Load(),
	}
}

// Close disconnects every terminal and stops event publication.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, c := range s.registry.Snapshot() {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		}
	})
}
