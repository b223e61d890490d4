// Package config loads the relayd daemon configuration from TOML.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig tunes the socket endpoint and the hub. Durations are
// plain integers to keep the file format obvious.
type ServerConfig struct {
	Addr   string `toml:"addr"`
	WSPath string `toml:"ws_path"`

	PongWaitSeconds    int `toml:"pong_wait_seconds"`
	WriteWaitSeconds   int `toml:"write_wait_seconds"`
	SendQueueDepth     int `toml:"send_queue_depth"`
	PresenceDebounceMs int `toml:"presence_debounce_ms"`

	SessionMessagesPerSecond int `toml:"session_messages_per_second"`
	SessionMessageBurst      int `toml:"session_message_burst"`
}

// AuthConfig selects the handshake verifier. JWTSecret takes precedence;
// StaticTokens maps fixed tokens to user ids for development setups.
type AuthConfig struct {
	JWTSecret    string            `toml:"jwt_secret"`
	StaticTokens map[string]string `toml:"static_tokens"`
}

// RateLimitConfig budgets the HTTP side-channel API.
type RateLimitConfig struct {
	APILimit         int `toml:"api_limit"`
	APIWindowSeconds int `toml:"api_window_seconds"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Default returns the configuration relayd runs with when no file is
// given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:                     ":8080",
			WSPath:                   "/ws",
			PongWaitSeconds:          60,
			WriteWaitSeconds:         10,
			SendQueueDepth:           256,
			PresenceDebounceMs:       2000,
			SessionMessagesPerSecond: 10,
			SessionMessageBurst:      20,
		},
		RateLimit: RateLimitConfig{
			APILimit:         100,
			APIWindowSeconds: 60,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path and fills in defaults for anything left unset.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = d.Server.WSPath
	}
	if c.Server.PongWaitSeconds <= 0 {
		c.Server.PongWaitSeconds = d.Server.PongWaitSeconds
	}
	if c.Server.WriteWaitSeconds <= 0 {
		c.Server.WriteWaitSeconds = d.Server.WriteWaitSeconds
	}
	if c.Server.SendQueueDepth <= 0 {
		c.Server.SendQueueDepth = d.Server.SendQueueDepth
	}
	if c.Server.PresenceDebounceMs <= 0 {
		c.Server.PresenceDebounceMs = d.Server.PresenceDebounceMs
	}
	if c.RateLimit.APILimit <= 0 {
		c.RateLimit.APILimit = d.RateLimit.APILimit
	}
	if c.RateLimit.APIWindowSeconds <= 0 {
		c.RateLimit.APIWindowSeconds = d.RateLimit.APIWindowSeconds
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Auth.JWTSecret == "" && len(c.Auth.StaticTokens) == 0 {
		return fmt.Errorf("config: auth requires jwt_secret or static_tokens")
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
