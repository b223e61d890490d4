// Package ws exposes the realtime server: an HTTP endpoint that
// authenticates the handshake, upgrades to WebSocket, and hands the
// connection to the hub.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/soundmesh/relay"
	"github.com/soundmesh/relay/internal/auth"
	"github.com/soundmesh/relay/internal/hub"
	"github.com/soundmesh/relay/internal/ratelimit"
)

// Config configures the server.
type Config struct {
	// Addr is the listen address for standalone Start (e.g. ":8080").
	Addr string

	// Path is the socket endpoint path. Defaults to "/ws".
	Path string

	// CheckOrigin validates the connection origin. Use AllOrigins in
	// development only.
	CheckOrigin func(r *http.Request) bool

	// Verifier validates the bearer credential before the upgrade.
	// Required: a failed or missing credential rejects the handshake
	// with 401 and no session is created.
	Verifier relay.Verifier

	// Hub tunes queue depth, heartbeat cadence, presence debounce and
	// per-session rate limits.
	Hub hub.Config

	// Logger receives structured logs. Defaults to a no-op logger.
	Logger *zerolog.Logger

	// Registerer receives the hub's prometheus metrics. Nil keeps them
	// on a private registry.
	Registerer prometheus.Registerer
}

// AllOrigins returns a CheckOrigin that accepts every origin.
func AllOrigins() func(r *http.Request) bool {
	return func(r *http.Request) bool { return true }
}

// Server is the realtime endpoint. It implements http.Handler so it can
// be mounted on an existing router, or run standalone via Start.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	httpSrv *http.Server
}

// New creates a server and its hub.
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &Server{
		cfg: cfg,
		hub: hub.New(cfg.Hub, log, cfg.Registerer),
		log: log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Hub returns the server's connection hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Router returns the hub's message router for handler registration.
func (s *Server) Router() *hub.Router { return s.hub.Router() }

// Presence returns the hub's presence tracker.
func (s *Server) Presence() *hub.Presence { return s.hub.Presence() }

// ServeHTTP authenticates the request, upgrades it, registers a session
// and starts its pumps. The credential travels as a token query
// parameter or an Authorization: Bearer header.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Verifier == nil {
		http.Error(w, `{"error":"server_misconfigured"}`, http.StatusInternalServerError)
		return
	}

	userID, err := s.cfg.Verifier.Verify(auth.BearerToken(r))
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, `{"error":"authentication_failed"}`, http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	sess := hub.NewSession(s.hub, conn, userID, ratelimit.ClientIP(r))
	if err := s.hub.Register(sess); err != nil {
		s.log.Warn().Err(err).Str("user", userID).Msg("registration rejected")
		return
	}

	_ = sess.Send(relay.MustEnvelope(relay.TypeSystem, relay.SystemPayload{
		Event: "connected",
		Data: map[string]any{
			"user_id":     userID,
			"session_id":  sess.ID(),
			"server_time": time.Now().UnixMilli(),
		},
	}))

	go sess.Run()
}

// Start runs a standalone HTTP server with the socket endpoint mounted
// at the configured path. It returns once the listener is up; a startup
// failure inside the first moments is reported directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return relay.ErrServerRunning
	}
	s.running = true

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: mux}
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("start server: %w", err)
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.Path).Msg("server started")
		return nil
	}
}

// Stop closes every session and shuts the standalone listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpSrv := s.httpSrv
	s.running = false
	s.mu.Unlock()

	_ = s.hub.Stop(ctx)

	if httpSrv != nil {
		return httpSrv.Shutdown(ctx)
	}
	return nil
}

// Close stops the hub only; for embedded use where the caller owns the
// HTTP server.
func (s *Server) Close(ctx context.Context) error {
	return s.hub.Stop(ctx)
}
