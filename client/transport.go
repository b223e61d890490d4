// Package client implements the reconnecting transport used by
// applications to talk to a relay server: connect, heartbeat,
// exponential-backoff reconnect, and typed pub/sub fan-out of envelopes
// to application listeners.
package client

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/soundmesh/relay"
)

// State is the transport's connection state.
type State int

const (
	// Idle: constructed or explicitly disconnected.
	Idle State = iota
	// Connecting: a dial is in flight.
	Connecting
	// Open: connected; envelopes flow.
	Open
	// Closing: an explicit Disconnect is tearing the socket down.
	Closing
	// Reconnecting: waiting out a backoff delay before the next dial.
	Reconnecting
	// Failed: the attempt budget is exhausted; only an explicit Connect
	// leaves this state.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Config configures the transport.
type Config struct {
	// URL is the full socket endpoint, e.g. "ws://host:8080/ws".
	URL string

	// DialTimeout bounds one handshake attempt. Default 15s.
	DialTimeout time.Duration

	// HeartbeatInterval is the cadence of ping envelopes while Open.
	// Default 30s. Liveness is detected through the socket's close
	// event; the client keeps no pong timeout of its own.
	HeartbeatInterval time.Duration

	// Backoff schedule: delays grow from Base by doubling plus jitter,
	// capped at Cap, and reset to Base after a successful connection.
	// Defaults: 2s base, 30s cap, 1s jitter.
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter time.Duration

	// MaxAttempts bounds consecutive failed attempts before the
	// transport gives up and enters Failed. Zero or negative means
	// retry forever.
	MaxAttempts int

	// Logger receives structured logs. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
}

// Stats is a snapshot of transport counters. TimersScheduled and
// TimersCancelled exist so tests can assert the single-pending-timer
// invariant.
type Stats struct {
	MessagesReceived int64
	MessagesSent     int64
	Reconnects       int64
	Attempts         int
	TimersScheduled  int64
	TimersCancelled  int64
	LastError        string
	ConnectedAt      time.Time
	DisconnectedAt   time.Time
}

// Transport is the client-side reconnecting state machine. All failures
// surface as events through the listener API; nothing escapes the
// transport's boundary as a panic or a stray callback after Disconnect.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	token   string
	gen     uint64 // invalidates timers and loops from older connections
	attempt int
	bo      *backoff
	timer   *time.Timer
	hbStop  chan struct{}

	listeners     map[string]map[int]func(*relay.Envelope)
	connectFns    map[int]func()
	disconnectFns map[int]func(error)
	errorFns      map[int]func(error)
	nextID        int

	stats Stats
}

// New creates a transport in the Idle state.
func New(cfg Config) *Transport {
	cfg.applyDefaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &Transport{
		cfg:           cfg,
		dialer:        &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		log:           log.With().Str("component", "transport").Logger(),
		state:         Idle,
		bo:            newBackoff(cfg.BackoffBase, cfg.BackoffCap, cfg.BackoffJitter),
		listeners:     make(map[string]map[int]func(*relay.Envelope)),
		connectFns:    make(map[int]func()),
		disconnectFns: make(map[int]func(error)),
		errorFns:      make(map[int]func(error)),
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stats returns a snapshot of transport counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Connect starts the transport with the given bearer credential. Legal
// from Idle and Failed only. The dial runs asynchronously; outcomes are
// observable through OnConnect/OnDisconnect/OnError.
func (t *Transport) Connect(token string) error {
	t.mu.Lock()
	if t.state != Idle && t.state != Failed {
		t.mu.Unlock()
		return fmt.Errorf("connect: transport is %s", t.state)
	}
	t.token = token
	t.gen++
	g := t.gen
	t.attempt = 0
	t.stats.Attempts = 0
	t.bo.reset()
	t.state = Connecting
	t.mu.Unlock()

	go t.dial(g)
	return nil
}

// Disconnect tears the transport down deterministically: the pending
// reconnect timer and heartbeat ticker are cancelled, the socket is
// closed, and all listeners are cleared. No timer fires after it
// returns. Safe from any state.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.gen++
	t.state = Closing

	t.cancelTimerLocked()
	t.stopHeartbeatLocked()

	conn := t.conn
	t.conn = nil
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}

	t.listeners = make(map[string]map[int]func(*relay.Envelope))
	t.connectFns = make(map[int]func())
	t.disconnectFns = make(map[int]func(error))
	t.errorFns = make(map[int]func(error))

	t.attempt = 0
	t.bo.reset()
	t.stats.DisconnectedAt = time.Now()
	t.state = Idle
	t.mu.Unlock()

	t.log.Debug().Msg("disconnected")
}

// Send marshals a typed envelope and writes it. Only legal while Open.
func (t *Transport) Send(msgType string, payload any) error {
	env, err := relay.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return t.sendEnvelope(env)
}

func (t *Transport) sendEnvelope(env *relay.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open || t.conn == nil {
		return relay.ErrNotConnected
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	t.stats.MessagesSent++
	return nil
}

// On subscribes a callback to a message type and returns an unsubscribe
// function that is idempotent and safe to call from within a callback.
func (t *Transport) On(msgType string, cb func(*relay.Envelope)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.listeners[msgType] == nil {
		t.listeners[msgType] = make(map[int]func(*relay.Envelope))
	}
	t.listeners[msgType][id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		if set := t.listeners[msgType]; set != nil {
			delete(set, id)
		}
		t.mu.Unlock()
	}
}

// OnConnect subscribes to successful connections (initial and after
// reconnects).
func (t *Transport) OnConnect(cb func()) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.connectFns[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.connectFns, id)
		t.mu.Unlock()
	}
}

// OnDisconnect subscribes to involuntary connection losses.
func (t *Transport) OnDisconnect(cb func(error)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.disconnectFns[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.disconnectFns, id)
		t.mu.Unlock()
	}
}

// OnError subscribes to transport errors: failed attempts, undecodable
// envelopes, and the single terminal ErrAttemptsExhausted.
func (t *Transport) OnError(cb func(error)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.errorFns[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.errorFns, id)
		t.mu.Unlock()
	}
}

// dial performs one connection attempt for generation g.
func (t *Transport) dial(g uint64) {
	endpoint, err := t.endpoint()
	if err != nil {
		t.handleFailure(g, err)
		return
	}

	conn, resp, err := t.dialer.Dial(endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	if t.gen != g || t.state != Connecting {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		t.mu.Unlock()
		t.handleFailure(g, err)
		return
	}

	t.conn = conn
	t.state = Open
	wasReconnect := t.attempt > 0
	t.attempt = 0
	t.stats.Attempts = 0
	t.bo.reset()
	t.stats.ConnectedAt = time.Now()
	if wasReconnect {
		t.stats.Reconnects++
	}
	t.hbStop = make(chan struct{})
	hbStop := t.hbStop
	cbs := snapshot(t.connectFns)
	t.mu.Unlock()

	t.log.Debug().Str("url", t.cfg.URL).Msg("connected")
	for _, cb := range cbs {
		cb()
	}

	go t.readLoop(g, conn)
	go t.heartbeat(hbStop)
}

// endpoint attaches the credential to the URL as a token query param.
func (t *Transport) endpoint() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	t.mu.Lock()
	token := t.token
	t.mu.Unlock()
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// readLoop decodes inbound envelopes and fans them out to listeners.
func (t *Transport) readLoop(g uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(g, err)
			return
		}

		env, derr := relay.Decode(data)
		if derr != nil {
			t.emitError(derr)
			continue
		}

		t.mu.Lock()
		t.stats.MessagesReceived++
		cbs := snapshot(t.listeners[env.Type])
		t.mu.Unlock()

		for _, cb := range cbs {
			cb(env)
		}
	}
}

// heartbeat sends ping envelopes at a fixed cadence while Open.
func (t *Transport) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			env := relay.MustEnvelope(relay.TypePing, relay.PingPayload{
				ClientTime: time.Now().UnixMilli(),
			})
			if err := t.sendEnvelope(env); err != nil {
				return
			}
		}
	}
}

// handleDisconnect reacts to a connection loss while Open.
func (t *Transport) handleDisconnect(g uint64, cause error) {
	t.mu.Lock()
	if t.gen != g || t.state != Open {
		// Explicit Disconnect or a newer connection owns the socket.
		t.mu.Unlock()
		return
	}

	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.stopHeartbeatLocked()
	t.stats.DisconnectedAt = time.Now()
	t.stats.LastError = cause.Error()

	disconnectCbs := snapshot(t.disconnectFns)
	terminal := t.scheduleReconnectLocked(g)
	var errorCbs []func(error)
	if terminal {
		errorCbs = snapshot(t.errorFns)
	}
	t.mu.Unlock()

	t.log.Debug().Err(cause).Msg("connection lost")
	for _, cb := range disconnectCbs {
		cb(cause)
	}
	if terminal {
		for _, cb := range errorCbs {
			cb(relay.ErrAttemptsExhausted)
		}
	}
}

// handleFailure reacts to a failed dial attempt.
func (t *Transport) handleFailure(g uint64, cause error) {
	t.mu.Lock()
	if t.gen != g {
		t.mu.Unlock()
		return
	}
	t.stats.LastError = cause.Error()

	errorCbs := snapshot(t.errorFns)
	terminal := t.scheduleReconnectLocked(g)
	t.mu.Unlock()

	t.log.Debug().Err(cause).Int("attempt", t.Stats().Attempts).Msg("connect attempt failed")
	for _, cb := range errorCbs {
		cb(cause)
	}
	if terminal {
		for _, cb := range errorCbs {
			cb(relay.ErrAttemptsExhausted)
		}
	}
}

// scheduleReconnectLocked advances the attempt counter and either arms
// the single reconnect timer or declares the transport Failed. The
// previous timer, if any, is cancelled first: at most one timer is
// outstanding at any moment. Caller holds t.mu.
func (t *Transport) scheduleReconnectLocked(g uint64) (terminal bool) {
	t.cancelTimerLocked()

	t.attempt++
	t.stats.Attempts = t.attempt

	if t.cfg.MaxAttempts > 0 && t.attempt > t.cfg.MaxAttempts {
		t.state = Failed
		t.log.Warn().Int("max_attempts", t.cfg.MaxAttempts).Msg("reconnect attempts exhausted")
		return true
	}

	t.state = Reconnecting
	delay := t.bo.next()
	t.stats.TimersScheduled++
	t.timer = time.AfterFunc(delay, func() {
		t.retry(g)
	})
	return false
}

// retry fires from the reconnect timer.
func (t *Transport) retry(g uint64) {
	t.mu.Lock()
	if t.gen != g || t.state != Reconnecting {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.state = Connecting
	t.mu.Unlock()

	t.dial(g)
}

func (t *Transport) cancelTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
		t.stats.TimersCancelled++
	}
}

func (t *Transport) stopHeartbeatLocked() {
	if t.hbStop != nil {
		close(t.hbStop)
		t.hbStop = nil
	}
}

func (t *Transport) emitError(err error) {
	t.mu.Lock()
	cbs := snapshot(t.errorFns)
	t.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

// snapshot copies a callback set so it can be invoked without the lock,
// making unsubscribe-during-callback safe.
func snapshot[T any](m map[int]T) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
