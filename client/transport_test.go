package client

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soundmesh/relay"
	"github.com/soundmesh/relay/internal/auth"
	"github.com/soundmesh/relay/ws"
)

// deadEndpoint returns a ws URL nothing is listening on.
func deadEndpoint(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return "ws://" + addr
}

// liveServer starts a relay server and returns it with its ws URL.
func liveServer(t *testing.T) (*ws.Server, string) {
	t.Helper()

	srv := ws.New(ws.Config{
		CheckOrigin: ws.AllOrigins(),
		Verifier:    auth.StaticVerifier{"alice-token": "alice"},
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close(context.Background())
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitForState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", tr.State(), want)
}

// TestStateString covers the state names used in logs and errors.
func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{Connecting, "connecting"},
		{Open, "open"},
		{Closing, "closing"},
		{Reconnecting, "reconnecting"},
		{Failed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// TestSendNotConnected verifies sends outside Open fail fast.
func TestSendNotConnected(t *testing.T) {
	t.Parallel()

	tr := New(Config{URL: "ws://127.0.0.1:1"})
	if err := tr.Send(relay.TypePing, nil); err != relay.ErrNotConnected {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

// TestConnectTwice verifies Connect is only legal from Idle and Failed.
func TestConnectTwice(t *testing.T) {
	t.Parallel()

	tr := New(Config{
		URL:         deadEndpoint(t),
		BackoffBase: time.Hour, // keep the transport parked in Reconnecting
	})
	defer tr.Disconnect()

	if err := tr.Connect(""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := tr.Connect(""); err == nil {
		t.Error("second Connect() should fail while the first is in progress")
	}
}

// TestReconnectExhaustion verifies the attempt budget: the transport ends
// in Failed and emits the terminal error exactly once.
func TestReconnectExhaustion(t *testing.T) {
	t.Parallel()

	tr := New(Config{
		URL:           deadEndpoint(t),
		MaxAttempts:   3,
		BackoffBase:   10 * time.Millisecond,
		BackoffCap:    20 * time.Millisecond,
		BackoffJitter: 0,
		DialTimeout:   500 * time.Millisecond,
	})

	var exhausted atomic.Int64
	tr.OnError(func(err error) {
		if err == relay.ErrAttemptsExhausted {
			exhausted.Add(1)
		}
	})

	if err := tr.Connect(""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitForState(t, tr, Failed)
	time.Sleep(100 * time.Millisecond) // no stray retries after Failed

	if got := exhausted.Load(); got != 1 {
		t.Errorf("terminal error emitted %d times, want exactly 1", got)
	}

	stats := tr.Stats()
	if stats.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4 (three retries plus the terminal one)", stats.Attempts)
	}
	if stats.TimersScheduled != 3 {
		t.Errorf("TimersScheduled = %d, want 3", stats.TimersScheduled)
	}
	if tr.State() != Failed {
		t.Errorf("state = %v, want Failed", tr.State())
	}

	// Failed is recoverable through an explicit Connect.
	if err := tr.Connect(""); err != nil {
		t.Errorf("Connect() from Failed error = %v", err)
	}
	tr.Disconnect()
}

// TestDisconnectCancelsPendingTimer verifies Disconnect is synchronous:
// the armed reconnect timer is cancelled and nothing fires afterwards.
func TestDisconnectCancelsPendingTimer(t *testing.T) {
	t.Parallel()

	tr := New(Config{
		URL:           deadEndpoint(t),
		BackoffBase:   5 * time.Second,
		BackoffJitter: 0,
	})

	if err := tr.Connect(""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, tr, Reconnecting)

	tr.Disconnect()

	if got := tr.State(); got != Idle {
		t.Errorf("state after Disconnect = %v, want Idle", got)
	}
	stats := tr.Stats()
	if stats.TimersScheduled != stats.TimersCancelled {
		t.Errorf("timers scheduled = %d, cancelled = %d; every pending timer must be cancelled",
			stats.TimersScheduled, stats.TimersCancelled)
	}

	// The cancelled timer stays dead.
	time.Sleep(100 * time.Millisecond)
	if got := tr.State(); got != Idle {
		t.Errorf("state = %v, want Idle to persist", got)
	}
}

// TestTransportLifecycle connects to a live server, exchanges envelopes,
// and disconnects cleanly.
func TestTransportLifecycle(t *testing.T) {
	t.Parallel()

	srv, url := liveServer(t)

	tr := New(Config{URL: url})
	defer tr.Disconnect()

	connected := make(chan struct{}, 1)
	tr.OnConnect(func() { connected <- struct{}{} })

	pongs := make(chan *relay.Envelope, 1)
	tr.On(relay.TypePong, func(env *relay.Envelope) { pongs <- env })

	welcomes := make(chan *relay.Envelope, 1)
	tr.On(relay.TypeSystem, func(env *relay.Envelope) { welcomes <- env })

	if err := tr.Connect("alice-token"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect was not invoked")
	}
	waitForState(t, tr, Open)

	select {
	case env := <-welcomes:
		var payload relay.SystemPayload
		if err := env.DecodePayload(&payload); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if payload.Event != "connected" {
			t.Errorf("welcome event = %q, want connected", payload.Event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("welcome envelope never arrived")
	}

	if err := tr.Send(relay.TypePing, relay.PingPayload{ClientTime: 7}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case env := <-pongs:
		var payload relay.PongPayload
		if err := env.DecodePayload(&payload); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if payload.ClientTime != 7 {
			t.Errorf("ClientTime = %d, want 7", payload.ClientTime)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pong never arrived")
	}

	if got := tr.Stats().MessagesSent; got < 1 {
		t.Errorf("MessagesSent = %d, want at least 1", got)
	}

	tr.Disconnect()
	if got := tr.State(); got != Idle {
		t.Errorf("state after Disconnect = %v, want Idle", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && srv.Hub().Sessions() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := srv.Hub().Sessions(); got != 0 {
		t.Errorf("server Sessions() = %d, want 0 after Disconnect", got)
	}
}

// TestListenerUnsubscribe verifies unsubscribe is idempotent and safe to
// call from inside the callback being removed.
func TestListenerUnsubscribe(t *testing.T) {
	t.Parallel()

	srv, url := liveServer(t)

	tr := New(Config{URL: url})
	defer tr.Disconnect()

	var calls atomic.Int64
	var off func()
	off = tr.On(relay.TypeSystem, func(env *relay.Envelope) {
		calls.Add(1)
		off() // remove self on first delivery
		off() // and again, which must be harmless
	})

	if err := tr.Connect("alice-token"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, tr, Open)

	// The welcome notice triggers the callback once.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("callback calls = %d, want 1", got)
	}

	// Further system envelopes no longer reach the removed listener.
	note := relay.MustEnvelope(relay.TypeSystem, relay.SystemPayload{Event: "ping-round"})
	if err := srv.Hub().Broadcast(note); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("callback calls = %d after unsubscribe, want still 1", got)
	}
}
