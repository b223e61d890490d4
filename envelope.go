package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MaxEnvelopeSize is the maximum size of a single envelope on the wire.
const MaxEnvelopeSize = 512 * 1024 // 512KB

// Message types recognized by both ends of the connection. The set is
// closed: an envelope with a type outside it is answered with an error
// envelope and otherwise ignored.
const (
	// Connection / control
	TypePing   = "ping"
	TypePong   = "pong"
	TypeError  = "error"
	TypeAuth   = "auth"
	TypeSystem = "system"

	// Presence
	TypePresence    = "presence"
	TypeUserOnline  = "user_online"
	TypeUserOffline = "user_offline"
	TypeUserActive  = "user_active"

	// Domain fan-out events produced by external collaborators. The hub
	// treats these payloads as opaque and only delivers them.
	TypeNewPost      = "new_post"
	TypeNotification = "notification"
)

var knownTypes = map[string]struct{}{
	TypePing:         {},
	TypePong:         {},
	TypeError:        {},
	TypeAuth:         {},
	TypeSystem:       {},
	TypePresence:     {},
	TypeUserOnline:   {},
	TypeUserOffline:  {},
	TypeUserActive:   {},
	TypeNewPost:      {},
	TypeNotification: {},
}

// KnownType reports whether t belongs to the recognized type set.
func KnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// Envelope is the typed JSON wrapper exchanged over the socket. Payload
// stays raw until a handler decodes it against the schema for its type.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	// ID and ReplyTo pair requests with responses (pong carries the
	// ping's ID in ReplyTo). Both optional.
	ID      string `json:"id,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// NewEnvelope builds an envelope of the given type, marshaling payload.
// A nil payload produces an envelope with no payload field.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to
// marshal (the package's own payload structs).
func MustEnvelope(msgType string, payload any) *Envelope {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// NewError builds an error envelope.
func NewError(code, message string) *Envelope {
	return MustEnvelope(TypeError, ErrorPayload{Code: code, Message: message})
}

// Decode parses raw wire data into an envelope. It validates shape only;
// type membership and payload schemas are checked at dispatch time.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope size %d exceeds maximum %d bytes", len(data), MaxEnvelopeSize)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// Encode serializes the envelope for the wire, stamping the timestamp if
// the caller left it unset.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(e)
}

// DecodePayload unmarshals the payload into target, rejecting unknown
// fields. Control and presence handlers use this to validate against the
// per-type schema instead of passing arbitrary maps through.
func (e *Envelope) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PingPayload carries the client's clock for latency measurement.
type PingPayload struct {
	ClientTime int64 `json:"client_time,omitempty"`
}

// PongPayload echoes the client clock alongside the server's.
type PongPayload struct {
	ClientTime int64 `json:"client_time,omitempty"`
	ServerTime int64 `json:"server_time"`
	Latency    int64 `json:"latency_ms,omitempty"`
}

// AuthPayload acknowledges authentication state over the socket.
type AuthPayload struct {
	UserID string `json:"user_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PresencePayload describes a user's presence state. Context names the
// activity behind the "active" status (e.g. which surface the user is in).
type PresencePayload struct {
	UserID    string `json:"user_id,omitempty"`
	Status    string `json:"status"`
	Context   string `json:"context,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// SystemPayload carries server lifecycle events such as the welcome
// message after registration and the shutdown notice.
type SystemPayload struct {
	Event   string         `json:"event"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
