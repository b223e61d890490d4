package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/soundmesh/relay"
)

// Conn is the subset of *websocket.Conn the session needs. Tests swap in
// a fake; production always passes a gorilla connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one live connection: identity, outbound queue, pump state.
type Session struct {
	id         string
	userID     string
	remoteAddr string

	hub  *Hub
	conn Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	lastPong time.Time

	// Limits inbound message rate per connection. Excess messages are
	// answered with an error envelope, not a disconnect.
	limiter *rate.Limiter

	log zerolog.Logger
}

// NewSession creates a session for an upgraded connection. Pumps do not
// start until Run is called.
func NewSession(h *Hub, conn Conn, userID, remoteAddr string) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if h.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(h.cfg.MessagesPerSecond, h.cfg.MessageBurst)
	}

	s := &Session{
		id:         uuid.New().String(),
		userID:     userID,
		remoteAddr: remoteAddr,
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, h.cfg.SendQueueDepth),
		ctx:        ctx,
		cancel:     cancel,
		lastPong:   time.Now(),
		limiter:    limiter,
	}
	s.log = h.log.With().Str("session", s.id).Str("user", userID).Logger()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user this session belongs to.
func (s *Session) UserID() string { return s.userID }

// RemoteAddr returns the peer's network address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Context is cancelled when the session is torn down.
func (s *Session) Context() context.Context { return s.ctx }

// IsAlive reports whether the connection is still active.
func (s *Session) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// LastPong returns the time the peer last answered a heartbeat.
func (s *Session) LastPong() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPong
}

// Send encodes the envelope and enqueues it without blocking.
func (s *Session) Send(env *relay.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// enqueue places pre-encoded bytes on the outbound queue. The read lock
// is held across the channel send so Close cannot close the channel
// concurrently.
func (s *Session) enqueue(data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return relay.ErrSessionClosed
	}
	select {
	case s.send <- data:
		s.hub.metrics.messagesSent.Inc()
		return nil
	default:
		return relay.ErrQueueFull
	}
}

// Close tears the session down. Idempotent and safe to call from both
// pumps and the hub concurrently.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cancel()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	close(s.send)
	_ = s.conn.Close()
}

// Run starts the write pump and blocks in the read pump until the
// connection ends. The caller must have registered the session first.
func (s *Session) Run() {
	go s.writePump()
	s.readPump()
}

// readPump reads envelopes off the socket and hands them to the router.
// Malformed or over-rate messages get an error envelope reply; only
// transport-level failures end the connection.
func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
	}()

	s.conn.SetReadLimit(relay.MaxEnvelopeSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPong = time.Now()
		s.mu.Unlock()
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Warn().Msg("inbound rate limit exceeded")
			_ = s.Send(relay.NewError(relay.CodeRateLimited, "too many messages, slow down"))
			continue
		}

		s.hub.metrics.messagesReceived.Inc()

		env, err := relay.Decode(data)
		if err != nil {
			s.log.Debug().Err(err).Msg("malformed envelope")
			_ = s.Send(relay.NewError(relay.CodeInvalidEnvelope, "failed to parse message"))
			continue
		}

		s.hub.router.Dispatch(s, env)
	}
}

// writePump is the only goroutine that writes data frames to the socket.
// It drains the outbound queue in FIFO order and probes the peer with
// pings; a peer that stops answering trips the read deadline in readPump.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug().Err(err).Msg("write error")
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}
