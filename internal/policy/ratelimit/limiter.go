// Package ratelimit implements token bucket limiters for job admission and
// per-host politeness.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/tiered-scraper/internal/metrics"
)

// Admission caps how many jobs may be dispatched per window regardless of
// worker count. A token bucket with burst=max refilled at max/window
// approximates a sliding window of max dispatches.
type Admission struct {
	limiter *rate.Limiter
}

// NewAdmission builds an admission limiter. A non-positive max disables it.
func NewAdmission(maxPerWindow int, window time.Duration) *Admission {
	if maxPerWindow <= 0 || window <= 0 {
		return &Admission{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	every := window / time.Duration(maxPerWindow)
	return &Admission{limiter: rate.NewLimiter(rate.Every(every), maxPerWindow)}
}

// Wait blocks until a dispatch token is available.
func (a *Admission) Wait(ctx context.Context) error {
	start := time.Now()
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("admission wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveAdmissionWait(waited)
	}
	return nil
}

// HostLimiter manages per-host rate limits for outbound fetches.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewHostLimiter creates a per-host limiter. Non-positive rps disables limiting.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the URL's host.
func (l *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host rate limit wait: %w", err)
	}
	return nil
}
