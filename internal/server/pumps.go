package server

import (
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/beamsock/beamd/internal/metrics"
	"github.com/beamsock/beamd/internal/protocol"
)

// readPump is the single reader for one connection. Every inbound frame
// passes the size gate and the flood limiter before the state machine sees
// it. Read errors tear the connection down.
func (s *Server) readPump(c *Connection) {
	defer s.teardown(c)

	maxBytes := s.cfg.MaxRequestSizeKB * 1024

	for {
		c.conn.SetReadDeadline(time.Now().Add(staleAfter + sweepInterval))
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}

		switch op {
		case ws.OpClose:
			return
		case ws.OpPing, ws.OpPong:
			c.touch()
			continue
		case ws.OpText:
		default:
			continue
		}

		c.touch()
		metrics.MessagesReceived.Inc()
		if c.app.StatisticsEnabled {
			s.sink.WebSocketMessage(c.app.ID)
		}

		if len(msg) > maxBytes {
			c.Send(protocol.ErrorFrame("The payload size is too big", 4301))
			continue
		}

		// Protocol pings bypass the limiter and the decoder; a throttled
		// client must still be able to keep its connection alive.
		if protocol.IsPing(msg) {
			c.Send(protocol.PongFrame)
			continue
		}

		if !s.limiter.Allow(c.socketID) {
			metrics.RateLimitedMessages.Inc()
			c.Send(protocol.ErrorFrame("Too many messages", 4301))
			continue
		}

		s.handleMessage(c, msg)
	}
}

// writePump is the single writer for one connection. It drains the send
// queue, keeps WebSocket-level pings flowing and closes the socket when the
// queue is closed.
func (s *Server) writePump(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				// Queue closed by teardown; say goodbye properly.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, frame); err != nil {
				s.logger.Debug().
					Str("socket_id", c.socketID).
					Err(err).
					Msg("write failed")
				return
			}
			metrics.MessagesSent.Inc()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// closeWithError queues a final error frame, then tears the connection down.
// The frame still drains through the write pump before the socket closes.
func (s *Server) closeWithError(c *Connection, message string, code int) {
	c.Send(protocol.ErrorFrame(message, code))
	s.teardown(c)
}

// teardown runs the close sequence exactly once: channel memberships first
// (emitting presence member_removed where due), then the connection table,
// stats and limiter state, finally the send queue so the write pump exits.
func (s *Server) teardown(c *Connection) {
	if _, present := s.conns.LoadAndDelete(c.socketID); !present {
		return
	}

	s.registry.UnsubscribeFromAll(c.app.ID, c)
	s.registry.Unregister(c.app.ID, c.socketID)

	current := atomic.AddInt64(&s.currentConns, -1)
	metrics.ConnectionsCurrent.WithLabelValues(c.app.ID).Dec()
	if c.app.StatisticsEnabled {
		s.sink.ConnectionClosed(c.app.ID, s.registry.GlobalConnectionsCount(c.app.ID))
	}
	s.limiter.Forget(c.socketID)

	c.close()

	s.logger.Info().
		Str("socket_id", c.socketID).
		Str("app", c.app.ID).
		Dur("connected_for", time.Since(c.connectedAt)).
		Int64("current_connections", current).
		Msg("connection closed")
}
