// Package relay provides the realtime connection layer for soundmesh:
// a server-side hub that manages many concurrent authenticated WebSocket
// sessions, routes typed messages, tracks presence, and broadcasts; plus
// a client-side transport that survives flaky networks with a disciplined
// reconnect/heartbeat state machine.
//
// All traffic is exchanged as JSON envelopes with a closed, versioned
// type set:
//
//	{"type": "<string>", "payload": {...}, "timestamp": <unix-ms>}
//
// # Server Quick Start
//
//	import (
//	    "github.com/soundmesh/relay"
//	    "github.com/soundmesh/relay/ws"
//	)
//
//	srv := ws.New(ws.Config{
//	    Addr:     ":8080",
//	    Verifier: verifier, // validates the bearer credential on handshake
//	})
//
//	// Register a handler for a message type. Handlers reply only through
//	// hub send primitives; they never touch the socket directly.
//	srv.Router().Register(relay.TypeNotification, func(s relay.Session, env *relay.Envelope) error {
//	    return srv.Hub().SendToUser(s.UserID(), env)
//	})
//
//	srv.Start(ctx)
//
// # Client Quick Start
//
//	import "github.com/soundmesh/relay/client"
//
//	t := client.New(client.Config{URL: "ws://localhost:8080/ws"})
//	off := t.On(relay.TypeNewPost, func(env *relay.Envelope) { ... })
//	defer off()
//	t.Connect(token)
//
// The transport reconnects with exponential backoff and jitter, resets
// the schedule after a successful connection, and transitions to a
// terminal Failed state once the attempt budget is exhausted.
//
// # Architecture
//
// One connection is served by two goroutines: a read pump that decodes
// envelopes and hands them to the router, and a write pump that is the
// sole writer on the socket, draining a bounded outbound queue. A session
// whose queue cannot be drained is evicted rather than allowed to stall
// broadcasts to everyone else.
//
// Presence (offline, online, active) is derived from hub membership
// transitions, never settable independently, and offline transitions are
// debounced so a quick reconnect does not emit an offline/online pair.
package relay
