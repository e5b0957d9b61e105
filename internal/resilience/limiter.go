package resilience

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateConfig bounds the request rate toward the model API.
type RateConfig struct {
	// RequestsPerSecond is the starting rate. Zero or less disables limiting.
	RequestsPerSecond float64

	// Burst is the token bucket size. Default: 1.
	Burst int

	// MinRequestsPerSecond is the floor a run of 429s can push the rate to.
	// Default: RequestsPerSecond/4.
	MinRequestsPerSecond float64

	// MaxRequestsPerSecond is the ceiling successes can raise the rate to.
	// Default: RequestsPerSecond, the provisioned quota.
	MaxRequestsPerSecond float64

	// Recovery multiplies the rate after each success. Default: 1.2.
	Recovery float64

	// Backoff multiplies the rate after each 429. Default: 0.5.
	Backoff float64
}

func (c RateConfig) withDefaults() RateConfig {
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxRequestsPerSecond <= 0 {
		c.MaxRequestsPerSecond = c.RequestsPerSecond
	}
	if c.MinRequestsPerSecond <= 0 {
		c.MinRequestsPerSecond = c.RequestsPerSecond / 4
	}
	if c.MinRequestsPerSecond > c.RequestsPerSecond {
		c.MinRequestsPerSecond = c.RequestsPerSecond
	}
	if c.MaxRequestsPerSecond < c.RequestsPerSecond {
		c.MaxRequestsPerSecond = c.RequestsPerSecond
	}
	if c.Recovery <= 1 {
		c.Recovery = 1.2
	}
	if c.Backoff <= 0 || c.Backoff >= 1 {
		c.Backoff = 0.5
	}
	return c
}

// AdaptiveLimiter is a token bucket whose rate drops on 429 responses and
// recovers on success, staying within the configured floor and ceiling.
// A nil *AdaptiveLimiter is valid and never blocks.
type AdaptiveLimiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	current  rate.Limit
	minRate  rate.Limit
	maxRate  rate.Limit
	recovery float64
	backoff  float64
}

// NewAdaptiveLimiter returns a limiter for cfg, or nil when
// cfg.RequestsPerSecond is not positive.
func NewAdaptiveLimiter(cfg RateConfig) *AdaptiveLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	cfg = cfg.withDefaults()
	start := rate.Limit(cfg.RequestsPerSecond)
	return &AdaptiveLimiter{
		limiter:  rate.NewLimiter(start, cfg.Burst),
		current:  start,
		minRate:  rate.Limit(cfg.MinRequestsPerSecond),
		maxRate:  rate.Limit(cfg.MaxRequestsPerSecond),
		recovery: cfg.Recovery,
		backoff:  cfg.Backoff,
	}
}

// Wait blocks until the limiter allows a call.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by the recovery factor, up to the ceiling.
func (a *AdaptiveLimiter) OnSuccess() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current >= a.maxRate {
		return
	}
	a.set(min(a.current*rate.Limit(a.recovery), a.maxRate))
}

// OnRateLimit lowers the rate by the backoff factor, down to the floor.
func (a *AdaptiveLimiter) OnRateLimit() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(max(a.current*rate.Limit(a.backoff), a.minRate))
	zap.L().Warn("llm: rate limited, lowering request rate",
		zap.Float64("requests_per_second", float64(a.current)),
		zap.Float64("floor", float64(a.minRate)),
	)
}

func (a *AdaptiveLimiter) set(r rate.Limit) {
	a.current = r
	a.limiter.SetLimit(r)
}

// Limit returns the current rate, or rate.Inf for a nil limiter.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	if a == nil {
		return rate.Inf
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

