package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/protocol"
)

// Run drives the heartbeat until ctx is cancelled, then closes every
// connection. Each tick sends PING to every live connection without blocking
// and closes those silent for longer than the connection timeout.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("ws: heartbeat started",
		slog.Duration("interval", s.cfg.HeartbeatInterval),
		slog.Duration("timeout", s.cfg.ConnectionTimeout),
	)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

func (s *Server) heartbeat() {
	now := s.now()
	for _, c := range s.registry.Snapshot() {
		st := c.State()
		if st != StateAuthenticated && st != StateAwaitingAuth {
			continue
		}
		if idle := now.Sub(c.idleSince()); idle > s.cfg.ConnectionTimeout {
			s.heartbeatTimeouts.Add(1)
			s.metrics.ConnectionRejected("heartbeat_timeout")
			s.logger.Warn("ws: heartbeat timeout",
				slog.String("conn_id", c.id),
				slog.String("account_id", c.AccountID()),
				slog.Duration("idle", idle),
			)
			c.closeWith(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
			continue
		}
		if st != StateAuthenticated {
			continue
		}
		if s.sendTo(c, &protocol.Ping{Header: protocol.NewHeader(protocol.TypePing, now)}) {
			c.mu.Lock()
			c.pingSentAt = now
			c.mu.Unlock()
		}
	}
}

// recordPong updates the connection latency from the outstanding PING.
func (s *Server) recordPong(c *Conn) {
	now := s.now()
	c.mu.Lock()
	sent := c.pingSentAt
	if !sent.IsZero() {
		c.latency = now.Sub(sent)
		c.pingSentAt = time.Time{}
	}
	rtt := c.latency
	c.mu.Unlock()

	if !sent.IsZero() {
		s.metrics.ObserveHeartbeat(rtt.Seconds())
	}
}
