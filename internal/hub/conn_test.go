package hub_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soundmesh/relay"
)

// fakeConn is an in-memory hub.Conn. Frames pushed through receive show
// up on ReadMessage; data frames written by the session are captured for
// inspection.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

// receive makes data available to the session's read pump.
func (c *fakeConn) receive(data string) {
	c.inbound <- []byte(data)
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if messageType == websocket.TextMessage {
		c.mu.Lock()
		c.frames = append(c.frames, append([]byte(nil), data...))
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(limit int64)           {}
func (c *fakeConn) SetPongHandler(h func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// envelopes decodes every data frame written so far.
func (c *fakeConn) envelopes(t *testing.T) []*relay.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*relay.Envelope, 0, len(c.frames))
	for _, frame := range c.frames {
		env, err := relay.Decode(frame)
		if err != nil {
			t.Fatalf("written frame is not a valid envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

// waitForEnvelope polls until a written envelope satisfies match.
func (c *fakeConn) waitForEnvelope(t *testing.T, match func(*relay.Envelope) bool) *relay.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range c.envelopes(t) {
			if match(env) {
				return env
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for envelope")
	return nil
}

// waitFor polls until cond holds.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
