// Package ratelimit guards privileged HTTP endpoints with per-identity
// token buckets. It shares the failure-signaling contract with the
// realtime client: a throttled response carries a decimal Retry-After in
// seconds, which clients honor with the same backoff discipline they use
// for socket reconnects.
package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config defines a request budget per identity.
type Config struct {
	// Limit is the number of requests allowed per Window.
	Limit int
	// Window is the accounting period.
	Window time.Duration
	// IdleTTL is how long an idle identity's bucket is kept before the
	// janitor drops it.
	IdleTTL time.Duration
}

// DefaultConfig allows 100 requests per minute per identity.
func DefaultConfig() Config {
	return Config{Limit: 100, Window: time.Minute, IdleTTL: 10 * time.Minute}
}

// AuthConfig is the stricter budget for credential endpoints.
func AuthConfig() Config {
	return Config{Limit: 10, Window: time.Minute, IdleTTL: 10 * time.Minute}
}

// KeyFunc derives the identity a request is accounted against.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by client address, honoring the forwarding
// headers set by the edge proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-identity token-bucket rate limiter usable as net/http
// middleware.
type Limiter struct {
	cfg   Config
	keyFn KeyFunc
	log   zerolog.Logger

	mu       sync.Mutex
	visitors map[string]*visitor

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter. A nil keyFn defaults to ClientIP. The janitor
// goroutine runs until Stop is called.
func New(cfg Config, keyFn KeyFunc, log zerolog.Logger) *Limiter {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if keyFn == nil {
		keyFn = ClientIP
	}

	l := &Limiter{
		cfg:      cfg,
		keyFn:    keyFn,
		log:      log.With().Str("component", "ratelimit").Logger(),
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Stop terminates the janitor goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Handler wraps next, rejecting over-budget requests with 429 and a
// Retry-After header holding a plain decimal count of seconds.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.keyFn(r)
		lim := l.bucket(key)

		if !lim.Allow() {
			retryAfter := l.retryAfter(lim)
			l.log.Warn().Str("key", key).Int("retry_after", retryAfter).Msg("request throttled")

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":       "too_many_requests",
				"retry_after": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bucket returns the identity's limiter, creating it on first sight.
func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		limit := rate.Every(l.cfg.Window / time.Duration(l.cfg.Limit))
		v = &visitor{limiter: rate.NewLimiter(limit, l.cfg.Limit)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// retryAfter computes whole seconds until the next token, at least 1.
func (l *Limiter) retryAfter(lim *rate.Limiter) int {
	res := lim.Reserve()
	if !res.OK() {
		return int(l.cfg.Window / time.Second)
	}
	delay := res.Delay()
	res.Cancel()

	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// janitor drops buckets for identities that have gone quiet.
func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.cfg.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cfg.IdleTTL)
			l.mu.Lock()
			for key, v := range l.visitors {
				if v.lastSeen.Before(cutoff) {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
