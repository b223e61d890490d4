package hub_test

import (
	"context"
	"testing"

	"github.com/soundmesh/relay"
	"github.com/soundmesh/relay/internal/hub"
)

// startSession registers a session on a fresh hub and starts its pumps.
func startSession(t *testing.T, cfg hub.Config) (*hub.Hub, *hub.Session, *fakeConn) {
	t.Helper()

	h := newTestHub(cfg)
	t.Cleanup(func() { h.Stop(context.Background()) })

	conn := newFakeConn()
	s := hub.NewSession(h, conn, "alice", "10.0.0.1:1")
	if err := h.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	go s.Run()
	return h, s, conn
}

// TestSessionIdentity verifies the accessors set at construction.
func TestSessionIdentity(t *testing.T) {
	t.Parallel()

	h := newTestHub(hub.Config{})
	defer h.Stop(context.Background())

	s := hub.NewSession(h, newFakeConn(), "alice", "10.0.0.1:1")
	if s.ID() == "" {
		t.Error("ID() should be assigned at construction")
	}
	if s.UserID() != "alice" {
		t.Errorf("UserID() = %q, want alice", s.UserID())
	}
	if s.RemoteAddr() != "10.0.0.1:1" {
		t.Errorf("RemoteAddr() = %q", s.RemoteAddr())
	}
	if !s.IsAlive() {
		t.Error("new session should be alive")
	}
	select {
	case <-s.Context().Done():
		t.Error("context should not be done before Close")
	default:
	}
}

// TestSessionCloseIdempotent verifies Close is safe to repeat and that
// sends afterwards fail.
func TestSessionCloseIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHub(hub.Config{})
	defer h.Stop(context.Background())

	s := hub.NewSession(h, newFakeConn(), "alice", "10.0.0.1:1")
	s.Close()
	s.Close()

	if s.IsAlive() {
		t.Error("session should be closed")
	}
	select {
	case <-s.Context().Done():
	default:
		t.Error("context should be cancelled on Close")
	}
	if err := s.Send(relay.MustEnvelope(relay.TypeSystem, nil)); err != relay.ErrSessionClosed {
		t.Errorf("Send() after Close error = %v, want ErrSessionClosed", err)
	}
}

// TestSessionQueueFull verifies the non-blocking send contract.
func TestSessionQueueFull(t *testing.T) {
	t.Parallel()

	h := newTestHub(hub.Config{SendQueueDepth: 2})
	defer h.Stop(context.Background())

	// Pumps never start, so nothing drains the queue.
	s := hub.NewSession(h, newFakeConn(), "alice", "10.0.0.1:1")

	env := relay.MustEnvelope(relay.TypeSystem, nil)
	if err := s.Send(env); err != nil {
		t.Fatalf("Send() #1 error = %v", err)
	}
	if err := s.Send(env); err != nil {
		t.Fatalf("Send() #2 error = %v", err)
	}
	if err := s.Send(env); err != relay.ErrQueueFull {
		t.Errorf("Send() #3 error = %v, want ErrQueueFull", err)
	}
}

// TestDispatchMalformedEnvelope verifies undecodable data gets an error
// envelope without dropping the connection.
func TestDispatchMalformedEnvelope(t *testing.T) {
	t.Parallel()

	_, s, conn := startSession(t, hub.Config{})

	conn.receive(`this is not json`)

	errEnv := conn.waitForEnvelope(t, func(e *relay.Envelope) bool { return e.Type == relay.TypeError })
	var payload relay.ErrorPayload
	if err := errEnv.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Code != relay.CodeInvalidEnvelope {
		t.Errorf("Code = %q, want %q", payload.Code, relay.CodeInvalidEnvelope)
	}
	if !s.IsAlive() {
		t.Error("malformed input must not kill the session")
	}
}

// TestInboundRateLimit verifies over-rate senders get error envelopes
// instead of a disconnect.
func TestInboundRateLimit(t *testing.T) {
	t.Parallel()

	_, s, conn := startSession(t, hub.Config{MessagesPerSecond: 1, MessageBurst: 1})

	for i := 0; i < 5; i++ {
		conn.receive(`{"type":"ping"}`)
	}

	errEnv := conn.waitForEnvelope(t, func(e *relay.Envelope) bool { return e.Type == relay.TypeError })
	var payload relay.ErrorPayload
	if err := errEnv.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Code != relay.CodeRateLimited {
		t.Errorf("Code = %q, want %q", payload.Code, relay.CodeRateLimited)
	}
	if !s.IsAlive() {
		t.Error("rate limiting must not kill the session")
	}
}

// TestReadErrorUnregisters verifies a transport failure tears the session
// down through the hub.
func TestReadErrorUnregisters(t *testing.T) {
	t.Parallel()

	h, s, conn := startSession(t, hub.Config{})

	conn.Close()

	waitFor(t, func() bool { return !s.IsAlive() }, "session should close on read error")
	waitFor(t, func() bool { return h.Sessions() == 0 }, "hub should drop the session")
}
