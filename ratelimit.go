package paygate

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client key with a token bucket per
// key. Idle keys are dropped by a background janitor.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry

	rps   rate.Limit
	burst int

	// IdleTTL is how long an unused key is remembered (default 15m).
	IdleTTL time.Duration

	stop func()
	now  func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// key with the given burst, and starts its janitor.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		IdleTTL: 15 * time.Minute,
		now:     time.Now,
	}
	rl.stop = startJanitor(2*time.Minute, rl.Cleanup)
	return rl
}

// Allow reports whether a request for key is permitted now. Keys that
// look like host:port are reduced to the host.
func (rl *RateLimiter) Allow(key string) bool {
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}
	return rl.limiter(key).Allow()
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if e, ok := rl.entries[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

// AllowHTTP checks the limit for r's client address and writes a 429 if
// it is exceeded.
func (rl *RateLimiter) AllowHTTP(w http.ResponseWriter, r *http.Request) bool {
	if rl.Allow(r.RemoteAddr) {
		return true
	}
	w.Header().Set("Retry-After", "1")
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// Cleanup drops keys idle for longer than IdleTTL.
func (rl *RateLimiter) Cleanup() {
	cutoff := rl.now().Add(-rl.IdleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for k, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, k)
		}
	}
}

// ClientCount returns the number of tracked keys.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Close stops the janitor.
func (rl *RateLimiter) Close() {
	rl.stop()
}
