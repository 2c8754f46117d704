// Package ratelimit throttles a scraper's requests per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlfleet/internal/metrics"
)

const defaultIdleTTL = 10 * time.Minute

// Config holds rate limiter configuration. A DefaultRPS of zero disables limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// IdleTTL drops a host's bucket after it has gone unused this long.
	IdleTTL time.Duration
}

// Limiter keeps one token bucket per host. A worker's jobs share it, so a
// host dispatched twice in a row is still throttled across both jobs.
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	hosts     map[string]*bucket
	lastPrune time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	return &Limiter{
		limit:   limit,
		burst:   burst,
		idleTTL: ttl,
		now:     time.Now,
		hosts:   make(map[string]*bucket),
	}
}

// Wait blocks until the URL's host has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	lim := l.acquire(host)

	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) acquire(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastPrune) >= l.idleTTL {
		l.pruneLocked(now)
	}
	b, ok := l.hosts[host]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.hosts[host] = b
	}
	b.lastUsed = now
	return b.lim
}

func (l *Limiter) pruneLocked(now time.Time) {
	for host, b := range l.hosts {
		if now.Sub(b.lastUsed) >= l.idleTTL {
			delete(l.hosts, host)
		}
	}
	l.lastPrune = now
}

// Hosts returns how many hosts currently have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
