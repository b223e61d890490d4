// Package hub implements the server side of the realtime connection
// layer: the session registry, the per-connection read/write pumps, the
// message router, and derived presence.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/soundmesh/relay"
)

// Config holds the hub's tuning parameters. Zero values fall back to the
// defaults below.
type Config struct {
	// SendQueueDepth bounds each session's outbound queue. A session
	// whose queue fills up is evicted (slow consumer policy).
	SendQueueDepth int

	// PongWait is how long a peer may go without answering a heartbeat
	// before it is considered dead. Pings go out at 9/10 of this, so the
	// timeout always exceeds one heartbeat interval.
	PongWait time.Duration

	// WriteWait bounds a single socket write.
	WriteWait time.Duration

	// MessagesPerSecond limits inbound messages per session. Zero
	// disables the limiter.
	MessagesPerSecond rate.Limit
	MessageBurst      int

	// PresenceDebounce is how long a user's session set must stay empty
	// before an offline event is emitted. A reconnect inside the window
	// emits nothing.
	PresenceDebounce time.Duration
}

// DefaultConfig returns the defaults used across the test suite and the
// daemon: queue depth 256, 60s pong wait, 2s presence debounce, 10 msg/s
// with burst 20 per session.
func DefaultConfig() Config {
	return Config{
		SendQueueDepth:    256,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		MessagesPerSecond: 10,
		MessageBurst:      20,
		PresenceDebounce:  2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = d.SendQueueDepth
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PresenceDebounce <= 0 {
		c.PresenceDebounce = d.PresenceDebounce
	}
	if c.MessageBurst <= 0 && c.MessagesPerSecond > 0 {
		c.MessageBurst = int(c.MessagesPerSecond) * 2
	}
}

func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Hub is the concurrency-safe registry of live sessions, keyed by both
// session id and user id (one user may hold several sessions). It is an
// explicitly constructed instance with a Stop lifecycle; nothing in this
// package is a package-level singleton.
type Hub struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session            // session id -> session
	users    map[string]map[string]*Session // user id -> session id -> session
	closed   bool

	router   *Router
	presence *Presence
	metrics  *metrics
}

// New constructs a hub with its router and presence tracker wired in.
// Pass a dedicated prometheus.Registerer per hub instance; nil gets a
// private registry so independent hubs never collide.
func New(cfg Config, log zerolog.Logger, reg prometheus.Registerer) *Hub {
	cfg.applyDefaults()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	h := &Hub{
		cfg:      cfg,
		log:      log.With().Str("component", "hub").Logger(),
		sessions: make(map[string]*Session),
		users:    make(map[string]map[string]*Session),
		metrics:  newMetrics(reg),
	}
	h.router = NewRouter(h)
	h.presence = newPresence(h, cfg.PresenceDebounce)
	h.presence.registerHandlers(h.router)
	return h
}

// Router returns the hub's dispatch table.
func (h *Hub) Router() *Router { return h.router }

// Presence returns the hub's presence tracker.
func (h *Hub) Presence() *Presence { return h.presence }

// Register inserts the session into the registry. A closed session or a
// duplicate id is rejected and closed.
func (h *Hub) Register(s *Session) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Close()
		return relay.ErrHubClosed
	}
	if !s.IsAlive() {
		h.mu.Unlock()
		return relay.ErrSessionClosed
	}
	if _, dup := h.sessions[s.id]; dup {
		h.mu.Unlock()
		s.Close()
		return relay.ErrSessionExists
	}

	h.sessions[s.id] = s
	if h.users[s.userID] == nil {
		h.users[s.userID] = make(map[string]*Session)
	}
	h.users[s.userID][s.id] = s
	first := len(h.users[s.userID]) == 1

	h.metrics.activeSessions.Inc()
	h.metrics.totalConnections.Inc()
	if first {
		h.metrics.onlineUsers.Inc()
	}
	h.mu.Unlock()

	h.log.Info().Str("session", s.id).Str("user", s.userID).Msg("session registered")
	h.presence.sessionAdded(s.userID, first)
	return nil
}

// Unregister removes the session and closes it. Idempotent: safe to call
// from error paths in both pumps and from eviction concurrently.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		s.Close()
		return
	}

	delete(h.sessions, s.id)
	delete(h.users[s.userID], s.id)
	last := len(h.users[s.userID]) == 0
	if last {
		delete(h.users, s.userID)
		h.metrics.onlineUsers.Dec()
	}
	h.metrics.activeSessions.Dec()
	h.mu.Unlock()

	s.Close()
	h.log.Info().Str("session", s.id).Str("user", s.userID).Msg("session unregistered")
	h.presence.sessionRemoved(s.userID, last)
}

// SendToSession enqueues the envelope for one session without blocking.
// A full queue evicts the session instead of stalling the caller.
func (h *Hub) SendToSession(id string, env *relay.Envelope) error {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return relay.ErrSessionClosed
	}

	err := s.Send(env)
	if err == relay.ErrQueueFull {
		h.evict(s)
	}
	return err
}

// SendToUser fans the envelope out to every session of the user.
func (h *Hub) SendToUser(userID string, env *relay.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.users[userID]))
	for _, s := range h.users[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.deliver(targets, data)
	return nil
}

// Broadcast enqueues the envelope to every live session. The registry
// lock is held only to snapshot the session set; per-session delivery
// happens after release so a slow peer cannot starve writers.
func (h *Hub) Broadcast(env *relay.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.deliver(targets, data)
	return nil
}

func (h *Hub) deliver(targets []*Session, data []byte) {
	var stalled []*Session
	for _, s := range targets {
		if err := s.enqueue(data); err == relay.ErrQueueFull {
			stalled = append(stalled, s)
		}
	}
	for _, s := range stalled {
		h.evict(s)
	}
}

// evict removes a session that cannot drain its queue.
func (h *Hub) evict(s *Session) {
	h.log.Warn().Str("session", s.id).Str("user", s.userID).Msg("evicting slow consumer")
	h.metrics.evictions.Inc()
	h.Unregister(s)
}

// IsUserOnline reports whether the user has at least one live session.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// SessionCount returns the number of live sessions for the user.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Sessions returns the total number of live sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// OnlineUsers returns the ids of all users with at least one session.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.users))
	for id := range h.users {
		users = append(users, id)
	}
	return users
}

// Stop notifies peers, closes every session, and marks the hub closed.
// Further Register calls fail with ErrHubClosed.
func (h *Hub) Stop(ctx context.Context) error {
	notice := relay.MustEnvelope(relay.TypeSystem, relay.SystemPayload{
		Event:   "server_shutdown",
		Message: "server is shutting down",
	})
	_ = h.Broadcast(notice)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.users = make(map[string]map[string]*Session)
	h.mu.Unlock()

	h.presence.stop()
	for _, s := range sessions {
		s.Close()
	}

	h.log.Info().Int("sessions", len(sessions)).Msg("hub stopped")
	return ctx.Err()
}
