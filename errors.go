package relay

import "errors"

var (
	// ErrSessionClosed is returned when sending on a torn-down session.
	ErrSessionClosed = errors.New("relay: session closed")

	// ErrQueueFull is returned when a session's outbound queue is full.
	// The hub reacts by evicting the session (slow consumer policy).
	ErrQueueFull = errors.New("relay: outbound queue full")

	// ErrSessionExists is returned when registering a session id twice.
	ErrSessionExists = errors.New("relay: session already registered")

	// ErrHubClosed is returned when registering on a stopped hub.
	ErrHubClosed = errors.New("relay: hub closed")

	// ErrUnauthorized rejects a handshake with a bad credential.
	ErrUnauthorized = errors.New("relay: unauthorized")

	// ErrNotConnected is returned by the client transport when sending
	// in any state other than Open.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrAttemptsExhausted is the terminal error emitted by the client
	// transport when the reconnect attempt budget runs out.
	ErrAttemptsExhausted = errors.New("relay: reconnect attempts exhausted")

	// ErrServerRunning is returned when starting a server twice.
	ErrServerRunning = errors.New("relay: server already running")
)

// Error codes carried in error envelope payloads.
const (
	CodeUnknownType     = "unknown_type"
	CodeInvalidEnvelope = "invalid_envelope"
	CodeRateLimited     = "rate_limited"
	CodeHandlerError    = "handler_error"
)
