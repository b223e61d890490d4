package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/soundmesh/relay"
	"github.com/soundmesh/relay/internal/auth"
	"github.com/soundmesh/relay/internal/config"
	"github.com/soundmesh/relay/internal/hub"
	"github.com/soundmesh/relay/internal/ratelimit"
	"github.com/soundmesh/relay/ws"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "relayd",
		Short:         "Realtime message relay daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relayd %s (%s)\n", version, commit)
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				cfg, err = config.Load(configPath)
				if err != nil {
					return err
				}
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	return cmd
}

func serve(cfg config.Config) error {
	log := newLogger(cfg.Log)

	verifier, err := buildVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := ws.New(ws.Config{
		Path:        cfg.Server.WSPath,
		CheckOrigin: ws.AllOrigins(),
		Verifier:    verifier,
		Logger:      &log,
		Registerer:  reg,
		Hub: hub.Config{
			SendQueueDepth:    cfg.Server.SendQueueDepth,
			PongWait:          time.Duration(cfg.Server.PongWaitSeconds) * time.Second,
			WriteWait:         time.Duration(cfg.Server.WriteWaitSeconds) * time.Second,
			PresenceDebounce:  time.Duration(cfg.Server.PresenceDebounceMs) * time.Millisecond,
			MessagesPerSecond: rate.Limit(cfg.Server.SessionMessagesPerSecond),
			MessageBurst:      cfg.Server.SessionMessageBurst,
		},
	})

	apiLimiter := ratelimit.New(ratelimit.Config{
		Limit:  cfg.RateLimit.APILimit,
		Window: time.Duration(cfg.RateLimit.APIWindowSeconds) * time.Second,
	}, ratelimit.ClientIP, log)
	defer apiLimiter.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle(cfg.Server.WSPath, srv)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": srv.Hub().Sessions(),
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiLimiter.Handler)
		r.Post("/broadcast", broadcastHandler(srv.Hub(), log))
		r.Post("/users/{userID}/notify", notifyHandler(srv.Hub(), log))
		r.Get("/presence", presenceHandler(srv.Hub()))
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("ws_path", cfg.Server.WSPath).Msg("relayd listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("hub shutdown")
	}
	return httpSrv.Shutdown(ctx)
}

// broadcastHandler fans a domain envelope out to every connected
// session. The message type must be one the protocol knows.
func broadcastHandler(h *hub.Hub, log zerolog.Logger) http.HandlerFunc {
	type request struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_body"})
			return
		}
		if !relay.KnownType(req.Type) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown_type"})
			return
		}

		env, err := relay.NewEnvelope(req.Type, req.Payload)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_payload"})
			return
		}
		if err := h.Broadcast(env); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "hub_closed"})
			return
		}

		log.Debug().Str("type", req.Type).Msg("broadcast accepted")
		writeJSON(w, http.StatusAccepted, map[string]any{"recipients": h.Sessions()})
	}
}

// notifyHandler delivers a notification envelope to one user's sessions.
func notifyHandler(h *hub.Hub, log zerolog.Logger) http.HandlerFunc {
	type request struct {
		Payload json.RawMessage `json:"payload"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if !h.IsUserOnline(userID) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "user_offline"})
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_body"})
			return
		}

		env, err := relay.NewEnvelope(relay.TypeNotification, req.Payload)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_payload"})
			return
		}
		if err := h.SendToUser(userID, env); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "delivery_failed"})
			return
		}

		log.Debug().Str("user", userID).Msg("notification queued")
		writeJSON(w, http.StatusAccepted, map[string]any{"sessions": h.SessionCount(userID)})
	}
}

func presenceHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"online": h.OnlineUsers(),
			"total":  h.Sessions(),
		})
	}
}

func buildVerifier(cfg config.AuthConfig) (relay.Verifier, error) {
	if cfg.JWTSecret != "" {
		return auth.NewHMACVerifier([]byte(cfg.JWTSecret)), nil
	}
	if len(cfg.StaticTokens) > 0 {
		return auth.StaticVerifier(cfg.StaticTokens), nil
	}
	return nil, fmt.Errorf("auth: no verifier configured")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
