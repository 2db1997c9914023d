package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/beamsock/beamd/internal/apps"
	"github.com/beamsock/beamd/internal/metrics"
	"github.com/beamsock/beamd/internal/protocol"
)

// handleWebSocket upgrades /app/:appKey requests and runs admission on the
// raw socket. Overload rejections happen before the upgrade; protocol
// rejections (unknown key, origin, capacity) after it, as error frames with
// their Pusher close codes.
func (s *Server) handleWebSocket(c *gin.Context) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 || !s.registry.AcceptsNewConnections() {
		metrics.ConnectionsRejected.WithLabelValues("shutting_down").Inc()
		c.String(http.StatusServiceUnavailable, "Server is shutting down")
		return
	}

	if accept, reason := s.guard.ShouldAcceptConnection(); !accept {
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		s.logger.Debug().
			Str("reason", reason).
			Int64("current_connections", atomic.LoadInt64(&s.currentConns)).
			Msg("connection rejected by resource guard")
		c.String(http.StatusServiceUnavailable, "Server overloaded")
		return
	}

	appKey := c.Param("appKey")
	origin := c.GetHeader("Origin")
	remoteAddr := clientAddr(c.Request)

	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Debug().Err(err).Str("remote_addr", remoteAddr).Msg("upgrade failed")
		return
	}

	go s.admit(conn, appKey, origin, remoteAddr)
}

// admit runs the post-upgrade admission sequence under a deadline: resolve
// the app, check origin and capacity, then establish the connection and start
// its pumps. Failures send one error frame and close.
func (s *Server) admit(conn net.Conn, appKey, origin, remoteAddr string) {
	conn.SetDeadline(time.Now().Add(s.cfg.AdmissionDeadline))
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AdmissionDeadline)
	defer cancel()

	app, err := s.apps.FindByKey(ctx, appKey)
	if err != nil {
		if !errors.Is(err, apps.ErrNotFound) {
			s.logger.Error().Err(err).Str("app_key", appKey).Msg("app lookup failed")
		}
		s.rejectSocket(conn, "Could not find app key `"+appKey+"`.", protocol.CodeUnknownAppKey, "unknown_app_key")
		return
	}

	if !app.OriginAllowed(origin) {
		s.rejectSocket(conn, "The origin is not allowed to connect.", protocol.CodeOriginNotAllowed, "origin_not_allowed")
		return
	}

	if app.Capacity != nil && s.registry.GlobalConnectionsCount(app.ID) >= *app.Capacity {
		s.rejectSocket(conn, "Over capacity", protocol.CodeOverCapacity, "over_capacity")
		return
	}

	socketID := newSocketID()
	for i := 0; i < 3; i++ {
		if _, taken := s.conns.Load(socketID); !taken {
			break
		}
		socketID = newSocketID()
	}

	if err := wsutil.WriteServerMessage(conn, ws.OpText, protocol.ConnectionEstablished(socketID)); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	client := newConnection(conn, app, socketID, remoteAddr)
	s.conns.Store(socketID, client)
	s.registry.Register(app.ID, client)

	current := atomic.AddInt64(&s.currentConns, 1)
	metrics.ConnectionsTotal.WithLabelValues(app.ID).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(app.ID).Inc()
	if app.StatisticsEnabled {
		s.sink.ConnectionOpened(app.ID, s.registry.GlobalConnectionsCount(app.ID))
	}

	s.logger.Info().
		Str("socket_id", socketID).
		Str("app", app.ID).
		Str("remote_addr", remoteAddr).
		Int64("current_connections", current).
		Msg("connection established")

	go s.writePump(client)
	go s.readPump(client)
}

// rejectSocket sends one error frame on the raw socket and closes it. The
// connection never reaches the registry.
func (s *Server) rejectSocket(conn net.Conn, message string, code int, reason string) {
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	wsutil.WriteServerMessage(conn, ws.OpText, protocol.ErrorFrame(message, code))
	body := ws.NewCloseFrameBody(ws.StatusCode(code), message)
	ws.WriteFrame(conn, ws.NewCloseFrame(body))
	conn.Close()
}

// clientAddr returns the peer address, preferring the first X-Forwarded-For
// entry when the broker sits behind a proxy.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
