package paygate

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a reviewer verdict is reused for the
// same host and path.
const DefaultCacheTTL = 2 * time.Minute

// DecisionCache stores recent verdicts keyed by host and path. Backends
// never return errors: an unavailable store reads as a miss and drops
// writes, so a flow can always proceed to the authority.
type DecisionCache interface {
	// Get returns the cached decision, or false if absent or expired.
	Get(ctx context.Context, host, path string) (Decision, bool)

	// Put stores d with expiry now+ttl, replacing any existing entry.
	Put(ctx context.Context, host, path string, d Decision, ttl time.Duration)
}

// cacheKey normalizes host and path into the shared key format.
func cacheKey(host, path string) string {
	path, _, _ = strings.Cut(path, "?")
	if path == "" {
		path = "/"
	}
	return "decision:" + strings.ToLower(host) + ":" + path
}

// NopCache never stores anything.
type NopCache struct{}

// Get implements DecisionCache.
func (NopCache) Get(context.Context, string, string) (Decision, bool) { return "", false }

// Put implements DecisionCache.
func (NopCache) Put(context.Context, string, string, Decision, time.Duration) {}

// MemoryCache is an in-process DecisionCache. Expired entries are dropped
// lazily on Get and periodically by the janitor.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	decision Decision
	expires  time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get implements DecisionCache.
func (c *MemoryCache) Get(_ context.Context, host, path string) (Decision, bool) {
	key := cacheKey(host, path)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.decision, true
}

// Put implements DecisionCache. A non-positive ttl removes the entry.
func (c *MemoryCache) Put(_ context.Context, host, path string, d Decision, ttl time.Duration) {
	key := cacheKey(host, path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 || !d.Valid() {
		delete(c.entries, key)
		return
	}
	c.entries[key] = cacheEntry{decision: d, expires: c.now().Add(ttl)}
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// StartJanitor sweeps every interval until the returned stop function is called.
func (c *MemoryCache) StartJanitor(interval time.Duration) (stop func()) {
	return startJanitor(interval, func() { c.Sweep() })
}

// startJanitor runs fn on a ticker in a background goroutine.
func startJanitor(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}
