package gateway

import (
	"sync"
	"time"
)

// TokenCache holds short-lived bearer tokens keyed by gateway name.
// Expiry is passive: an expired entry is simply a miss. Redundant
// refreshes by concurrent callers are harmless since token generation
// is idempotent on the provider side; the mutex only protects the map.
type TokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
	now    func() time.Time
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		tokens: make(map[string]cachedToken),
		now:    time.Now,
	}
}

// NewTokenCacheWithClock creates a cache with an injectable clock.
func NewTokenCacheWithClock(now func() time.Time) *TokenCache {
	return &TokenCache{
		tokens: make(map[string]cachedToken),
		now:    now,
	}
}

// Get returns the cached token for key if present and unexpired.
func (c *TokenCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tokens[key]
	if !ok || !c.now().Before(t.expiresAt) {
		delete(c.tokens, key)
		return "", false
	}
	return t.value, true
}

// Set stores a token with the given time-to-live.
func (c *TokenCache) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens[key] = cachedToken{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
}

// Invalidate removes the cached token for key, forcing regeneration on
// the next Get miss.
func (c *TokenCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, key)
}
