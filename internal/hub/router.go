package hub

import (
	"sync"
	"time"

	"github.com/soundmesh/relay"
)

// Router is the dispatch table from message type to handler. Control
// messages (ping, auth) are handled in-line; everything else goes through
// registered handlers. An unknown type is answered with an error envelope
// and has no hub-wide effect.
type Router struct {
	hub      *Hub
	mu       sync.RWMutex
	handlers map[string]relay.Handler
}

// NewRouter creates an empty dispatch table.
func NewRouter(h *Hub) *Router {
	return &Router{
		hub:      h,
		handlers: make(map[string]relay.Handler),
	}
}

// Register installs a handler for a message type, replacing any previous
// one. Call at startup, before the server accepts connections.
func (r *Router) Register(msgType string, handler relay.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handler
	r.hub.log.Debug().Str("type", msgType).Msg("handler registered")
}

// Dispatch routes one inbound envelope. Handler errors are reported back
// to the sender and never affect other sessions.
func (r *Router) Dispatch(s *Session, env *relay.Envelope) {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	switch env.Type {
	case relay.TypePing:
		r.handlePing(s, env)
		return
	case relay.TypePong:
		// Application-level pong, nothing to do; liveness is tracked by
		// the protocol-level pong handler.
		return
	case relay.TypeAuth:
		// Authentication happens at handshake time; acknowledge so
		// re-auth attempts don't look like failures to the client.
		_ = s.Send(relay.MustEnvelope(relay.TypeAuth, relay.AuthPayload{
			UserID: s.UserID(),
			Status: "authenticated",
		}))
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		s.log.Debug().Str("type", env.Type).Msg("unknown message type")
		_ = s.Send(relay.NewError(relay.CodeUnknownType, "unknown message type"))
		return
	}

	if err := handler(s, env); err != nil {
		s.log.Error().Err(err).Str("type", env.Type).Msg("handler error")
		_ = s.Send(relay.NewError(relay.CodeHandlerError, "failed to process "+env.Type))
	}
}

// handlePing answers with a pong that echoes the client clock so the
// peer can measure round-trip latency.
func (r *Router) handlePing(s *Session, env *relay.Envelope) {
	var ping relay.PingPayload
	if err := env.DecodePayload(&ping); err != nil {
		ping.ClientTime = 0
	}

	serverTime := time.Now().UnixMilli()
	pong := relay.MustEnvelope(relay.TypePong, relay.PongPayload{
		ClientTime: ping.ClientTime,
		ServerTime: serverTime,
		Latency:    serverTime - ping.ClientTime,
	})
	pong.ReplyTo = env.ID
	_ = s.Send(pong)
}
