package wsock

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// bufferConn is a net.Conn whose Write never blocks, unlike net.Pipe,
// so tests that trigger Client.disconnectSlow (which itself writes a
// close frame) don't need a reader on the other end.
type bufferConn struct {
	net.Conn
	buf    bytes.Buffer
	closed bool
}

func (c *bufferConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.buf.Write(p)
}
func (c *bufferConn) Close() error {
	c.closed = true
	return nil
}

func TestSendQueuesFrameOnBuffer(t *testing.T) {
	server, _ := net.Pipe()
	defer server.Close()

	c := newClient("c1", server, zerolog.Nop())
	if err := c.Send(map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case data := <-c.send:
		if len(data) == 0 {
			t.Fatal("expected non-empty encoded frame")
		}
	case <-time.After(time.Second):
		t.Fatal("expected frame to be queued")
	}
}

func TestSendDisconnectsAfterThreeFullBufferAttempts(t *testing.T) {
	conn := &bufferConn{}
	c := newClient("c1", conn, zerolog.Nop())
	c.send = make(chan []byte) // unbuffered: every send blocks immediately

	for i := 0; i < maxSendAttempts; i++ {
		if err := c.Send("frame"); err == nil {
			t.Fatalf("attempt %d: expected errSendBufferFull", i)
		}
	}

	if !conn.closed {
		t.Fatal("expected connection to be closed after repeated slow sends")
	}
}
