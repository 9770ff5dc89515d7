// Package wsock is the gobwas/ws adapter that lets
// internal/protocol.Dispatcher and internal/fanout.Engine talk to a
// real network connection without either of those packages importing
// a websocket library directly — the "framework adapter at the
// interface" boundary SPEC_FULL.md calls for.
package wsock

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// errSendBufferFull is returned by Client.Send when a client's egress
// buffer is full; callers treat it as a dropped, not fatal, send.
var errSendBufferFull = errors.New("wsock: send buffer full")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxSendAttempts mirrors the teacher's three-strike slow-client
	// policy: one failed non-blocking send could be a network hiccup,
	// three in a row means the client is genuinely behind.
	maxSendAttempts = 3
)

// Client implements protocol.Conn over one gobwas/ws connection: Send
// marshals a frame to JSON and enqueues it on a buffered channel that
// writePump drains, never blocking the caller (broadcast fan-out, in
// particular, must not stall on one slow subscriber).
type Client struct {
	id     string
	conn   net.Conn
	send   chan []byte
	logger zerolog.Logger

	sendAttempts int32
	slowWarned   int32
	closeOnce    sync.Once
	connectedAt  time.Time
}

// newClient wraps conn as id's Client with a 1024-slot send buffer,
// the same capacity the teacher sizes for a broadcast-heavy workload.
func newClient(id string, conn net.Conn, logger zerolog.Logger) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, 1024),
		logger:      logger,
		connectedAt: time.Now(),
	}
}

// ID returns the client identifier used as the dispatcher/fan-out
// engine's clientID.
func (c *Client) ID() string { return c.id }

// Send implements protocol.Conn. It never blocks: a full send buffer
// increments the consecutive-failure counter, and once that counter
// reaches maxSendAttempts Send itself closes the connection through
// disconnectSlow.
func (c *Client) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return nil
	default:
		attempts := atomic.AddInt32(&c.sendAttempts, 1)
		if attempts == 1 && atomic.CompareAndSwapInt32(&c.slowWarned, 0, 1) {
			c.logger.Warn().Str("client_id", c.id).Msg("client is slow, send buffer full")
		}
		if attempts >= maxSendAttempts {
			c.disconnectSlow(attempts)
		}
		return errSendBufferFull
	}
}

// disconnectSlow closes the underlying connection with a policy
// violation close frame, the same close code and reasoning the
// teacher's broadcast path uses for a client that has fallen behind
// three times in a row.
func (c *Client) disconnectSlow(attempts int32) {
	c.logger.Warn().
		Str("client_id", c.id).
		Int32("consecutive_failures", attempts).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("disconnecting slow client")

	c.closeOnce.Do(func() {
		closeMsg := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "client too slow to process messages")
		ws.WriteFrame(c.conn, ws.NewCloseFrame(closeMsg))
		c.conn.Close()
	})
}

// Close closes the underlying connection exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
