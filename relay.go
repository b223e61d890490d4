package relay

import "context"

// Session is one authenticated socket connection held by the hub. The
// session owns its socket exclusively: writes happen only through the
// bounded outbound queue drained by its write pump.
type Session interface {
	// ID returns the session's unique identifier, constant for the
	// lifetime of the connection.
	ID() string

	// UserID returns the authenticated user this session belongs to.
	// A user may hold several concurrent sessions (multi-device).
	UserID() string

	// RemoteAddr returns the peer's network address.
	RemoteAddr() string

	// Context is cancelled when the session is torn down.
	Context() context.Context

	// Send enqueues an envelope onto the session's outbound queue
	// without blocking. It returns ErrQueueFull when the peer cannot
	// keep up and ErrSessionClosed after teardown.
	Send(env *Envelope) error

	// Close tears the session down. Safe to call more than once.
	Close()

	// IsAlive reports whether the connection is still active.
	IsAlive() bool
}

// Handler processes one inbound envelope for a session. Handlers reply
// only through Session.Send or hub send primitives and must not block
// the read pump with long-running work; dispatch slow calls to a
// goroutine and reply later.
type Handler func(s Session, env *Envelope) error

// Verifier validates the bearer credential presented during the
// handshake and resolves it to a user identity. A non-nil error rejects
// the upgrade before any session is created.
type Verifier interface {
	Verify(token string) (userID string, err error)
}
