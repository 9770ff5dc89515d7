package wsock

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/kestrel-rt/syncore/internal/logging"
	"github.com/kestrel-rt/syncore/internal/obsmetrics"
	"github.com/kestrel-rt/syncore/internal/protocol"
	"github.com/kestrel-rt/syncore/internal/ratelimit"
)

// Server upgrades incoming HTTP requests to WebSocket connections and
// drives each one's read/write pumps against a shared
// protocol.Dispatcher, mirroring the teacher's handleWebSocket /
// readPump / writePump trio generalized from one fixed message
// schema to whatever the dispatcher is configured to handle.
type Server struct {
	Hub        *Hub
	Dispatcher *protocol.Dispatcher
	Guard      *ratelimit.Guard
	Limiter    *ratelimit.MessageLimiter
	Logger     zerolog.Logger

	clientCount int64
	nextID      int64
}

// NewServer constructs a Server. Guard and Limiter may be nil, in
// which case connection admission and inbound rate limiting are
// skipped (useful for tests).
func NewServer(hub *Hub, dispatcher *protocol.Dispatcher, guard *ratelimit.Guard, limiter *ratelimit.MessageLimiter, logger zerolog.Logger) *Server {
	return &Server{Hub: hub, Dispatcher: dispatcher, Guard: guard, Limiter: limiter, Logger: logger}
}

// ServeHTTP upgrades the request to a WebSocket connection, admits it
// through the resource guard, and starts its read/write pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if s.Guard != nil {
		if accept, reason := s.Guard.ShouldAcceptConnection(); !accept {
			s.Logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("connection rejected")
			obsmetrics.ConnectionsRejected.WithLabelValues(reason).Inc()
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		obsmetrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.Logger.Error().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	id := atomic.AddInt64(&s.nextID, 1)
	clientID := formatClientID(id)
	client := newClient(clientID, conn, s.Logger)

	s.Hub.Register(client)
	atomic.AddInt64(&s.clientCount, 1)
	obsmetrics.ConnectionsTotal.Inc()
	obsmetrics.ConnectionsActive.Inc()

	s.Logger.Info().Str("client_id", clientID).Str("client_ip", clientIP).Msg("client connected")

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) readPump(c *Client) {
	defer logging.RecoverPanic(s.Logger, "wsock.readPump", map[string]any{"client_id": c.id})
	defer s.disconnect(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			obsmetrics.MessagesReceived.Inc()

			if s.Limiter != nil && !s.Limiter.Allow(c.id) {
				obsmetrics.RateLimitedMessages.Inc()
				c.Send(protocol.NewErrorResponse("", protocol.ErrValidation, "rate limit exceeded"))
				continue
			}

			s.Dispatcher.Dispatch(context.Background(), c.id, c, msg)
			obsmetrics.MessagesSent.Inc()

		case ws.OpClose:
			return
		}
	}
}

func (s *Server) writePump(c *Client) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) disconnect(c *Client) {
	s.Dispatcher.Disconnect(c.id)
	s.Hub.Unregister(c.id)
	atomic.AddInt64(&s.clientCount, -1)
	obsmetrics.ConnectionsActive.Dec()
	c.Close()
}

func formatClientID(id int64) string {
	return fmt.Sprintf("c%d", id)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
