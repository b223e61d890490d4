package hub

import (
	"sync"
	"time"

	"github.com/soundmesh/relay"
)

// State is a user's derived presence state.
type State string

const (
	StateOffline State = "offline"
	StateOnline  State = "online"
	StateActive  State = "active"
)

// Observer is notified of presence transitions.
type Observer func(userID string, state State)

// Presence derives per-user state from hub registry transitions. It is
// never settable directly: online/offline follow the session set becoming
// non-empty/empty, and the active state is raised by an explicit context
// signal from a connected client.
//
// Offline transitions are debounced: a user whose last session drops and
// who reconnects inside the window produces no events at all.
type Presence struct {
	hub      *Hub
	debounce time.Duration

	mu        sync.Mutex
	states    map[string]State
	contexts  map[string]string // user id -> activity context while active
	pending   map[string]*time.Timer
	observers map[int]Observer
	nextObs   int
	stopped   bool
}

func newPresence(h *Hub, debounce time.Duration) *Presence {
	return &Presence{
		hub:       h,
		debounce:  debounce,
		states:    make(map[string]State),
		contexts:  make(map[string]string),
		pending:   make(map[string]*time.Timer),
		observers: make(map[int]Observer),
	}
}

// Subscribe registers an observer and returns an unsubscribe function
// that is safe to call more than once.
func (p *Presence) Subscribe(obs Observer) func() {
	p.mu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = obs
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

// State returns the user's current presence state.
func (p *Presence) State(userID string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[userID]; ok {
		return s
	}
	return StateOffline
}

// Context returns the activity context for an active user.
func (p *Presence) Context(userID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contexts[userID]
}

// SetActive raises the user's state to active with the given context.
// Ignored for users without a live session; presence never contradicts
// the registry.
func (p *Presence) SetActive(userID, context string) {
	if !p.hub.IsUserOnline(userID) {
		return
	}

	p.mu.Lock()
	if p.states[userID] == StateActive && p.contexts[userID] == context {
		p.mu.Unlock()
		return
	}
	p.states[userID] = StateActive
	p.contexts[userID] = context
	p.mu.Unlock()

	p.emit(userID, StateActive, relay.TypeUserActive, context)
}

// ClearActive drops the user back from active to plain online.
func (p *Presence) ClearActive(userID string) {
	p.mu.Lock()
	if p.states[userID] != StateActive {
		p.mu.Unlock()
		return
	}
	p.states[userID] = StateOnline
	delete(p.contexts, userID)
	p.mu.Unlock()

	p.emit(userID, StateOnline, relay.TypePresence, "")
}

// sessionAdded is called by the hub after a session joins the registry.
func (p *Presence) sessionAdded(userID string, first bool) {
	p.mu.Lock()
	if t, ok := p.pending[userID]; ok {
		// Reconnected inside the debounce window: cancel the offline
		// emission and stay silent.
		t.Stop()
		delete(p.pending, userID)
		p.mu.Unlock()
		return
	}
	if !first {
		p.mu.Unlock()
		return
	}
	p.states[userID] = StateOnline
	p.mu.Unlock()

	p.emit(userID, StateOnline, relay.TypeUserOnline, "")
}

// sessionRemoved is called by the hub after a session leaves. Only the
// last session of a user arms the offline timer.
func (p *Presence) sessionRemoved(userID string, last bool) {
	if !last {
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if t, ok := p.pending[userID]; ok {
		t.Stop()
	}
	p.pending[userID] = time.AfterFunc(p.debounce, func() {
		p.offlineFire(userID)
	})
	p.mu.Unlock()
}

func (p *Presence) offlineFire(userID string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if _, ok := p.pending[userID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, userID)

	if p.hub.IsUserOnline(userID) {
		// Raced with a reconnect; the registry wins.
		p.mu.Unlock()
		return
	}

	delete(p.states, userID)
	delete(p.contexts, userID)
	p.mu.Unlock()

	p.emit(userID, StateOffline, relay.TypeUserOffline, "")
}

// emit notifies observers and fans a presence-change envelope out to all
// connected peers. Called without the mutex held.
func (p *Presence) emit(userID string, state State, msgType, context string) {
	p.mu.Lock()
	observers := make([]Observer, 0, len(p.observers))
	for _, obs := range p.observers {
		observers = append(observers, obs)
	}
	p.mu.Unlock()

	for _, obs := range observers {
		obs(userID, state)
	}

	p.hub.metrics.presenceEvents.WithLabelValues(string(state)).Inc()
	p.hub.log.Debug().Str("user", userID).Str("state", string(state)).Msg("presence change")

	env := relay.MustEnvelope(msgType, relay.PresencePayload{
		UserID:    userID,
		Status:    string(state),
		Context:   context,
		Timestamp: time.Now().UnixMilli(),
	})
	_ = p.hub.Broadcast(env)
}

// registerHandlers installs the presence message handler: clients raise
// or clear their active context by sending a presence envelope.
func (p *Presence) registerHandlers(r *Router) {
	r.Register(relay.TypePresence, func(s relay.Session, env *relay.Envelope) error {
		var payload relay.PresencePayload
		if err := env.DecodePayload(&payload); err != nil {
			return err
		}

		switch payload.Status {
		case string(StateActive):
			p.SetActive(s.UserID(), payload.Context)
		case string(StateOnline):
			p.ClearActive(s.UserID())
		}
		return nil
	})
}

// stop cancels pending offline timers; no events fire afterwards.
func (p *Presence) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for id, t := range p.pending {
		t.Stop()
		delete(p.pending, id)
	}
}
