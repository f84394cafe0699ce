package health

import (
	"context"
	"sync"
	"time"
)

// CacheTTLs holds the per-status freshness windows of a cached check. A zero
// duration means results with that status are never cached.
type CacheTTLs struct {
	Healthy   time.Duration
	Degraded  time.Duration
	Unhealthy time.Duration
}

// CachedCheck wraps a check so expensive probes are not re-run on every
// endpoint hit. Unhealthy results typically get a shorter TTL than healthy
// ones so recovery is noticed quickly.
type CachedCheck struct {
	inner CheckFunc
	ttls  CacheTTLs
	now   func() time.Time

	mu        sync.Mutex
	last      Result
	cached    bool
	expiresAt time.Time
}

// NewCachedCheck wraps inner with the given TTLs.
func NewCachedCheck(inner CheckFunc, ttls CacheTTLs) *CachedCheck {
	return &CachedCheck{inner: inner, ttls: ttls, now: time.Now}
}

// Run returns the cached result while fresh, re-evaluating otherwise.
func (c *CachedCheck) Run(ctx context.Context) Result {
	c.mu.Lock()
	if c.cached && c.now().Before(c.expiresAt) {
		result := c.last
		c.mu.Unlock()
		return result
	}
	c.mu.Unlock()

	// Evaluate outside the lock; concurrent callers may race to refresh,
	// which is harmless.
	result := c.inner(ctx)

	ttl := c.ttlFor(result.Status)
	c.mu.Lock()
	if ttl > 0 {
		c.last = result
		c.cached = true
		c.expiresAt = c.now().Add(ttl)
	} else {
		c.cached = false
	}
	c.mu.Unlock()
	return result
}

func (c *CachedCheck) ttlFor(status Status) time.Duration {
	switch status {
	case StatusHealthy:
		return c.ttls.Healthy
	case StatusDegraded:
		return c.ttls.Degraded
	default:
		return c.ttls.Unhealthy
	}
}
