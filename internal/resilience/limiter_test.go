package resilience

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAdaptiveLimiter_RateLimitThenRecover(t *testing.T) {
	lim := NewAdaptiveLimiter(RateConfig{RequestsPerSecond: 10, Burst: 10})
	require.NotNil(t, lim)

	lim.OnRateLimit()
	assert.InDelta(t, 5.0, float64(lim.Limit()), 0.01)
	lim.OnRateLimit()
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.01)

	lim.OnSuccess()
	assert.InDelta(t, 3.0, float64(lim.Limit()), 0.01)
}

func TestAdaptiveLimiter_DefaultBoundsStayWithinQuota(t *testing.T) {
	lim := NewAdaptiveLimiter(RateConfig{RequestsPerSecond: 10})

	for range 20 {
		lim.OnSuccess()
	}
	assert.InDelta(t, 10.0, float64(lim.Limit()), 0.01, "successes never exceed the configured rate")

	for range 20 {
		lim.OnRateLimit()
	}
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.01, "default floor is a quarter of the rate")
}

func TestAdaptiveLimiter_ConfiguredBounds(t *testing.T) {
	lim := NewAdaptiveLimiter(RateConfig{
		RequestsPerSecond:    4,
		MinRequestsPerSecond: 1,
		MaxRequestsPerSecond: 6,
		Recovery:             1.5,
		Backoff:              0.25,
	})

	lim.OnSuccess()
	assert.InDelta(t, 6.0, float64(lim.Limit()), 0.01)
	lim.OnSuccess()
	assert.InDelta(t, 6.0, float64(lim.Limit()), 0.01)

	lim.OnRateLimit()
	assert.InDelta(t, 1.5, float64(lim.Limit()), 0.01)
	lim.OnRateLimit()
	assert.InDelta(t, 1.0, float64(lim.Limit()), 0.01)
}

func TestRateConfig_Defaults(t *testing.T) {
	tests := []struct {
		name string
		in   RateConfig
		want RateConfig
	}{
		{
			name: "zero bounds",
			in:   RateConfig{RequestsPerSecond: 8},
			want: RateConfig{RequestsPerSecond: 8, Burst: 1, MinRequestsPerSecond: 2, MaxRequestsPerSecond: 8, Recovery: 1.2, Backoff: 0.5},
		},
		{
			name: "floor above start is clamped",
			in:   RateConfig{RequestsPerSecond: 2, Burst: 3, MinRequestsPerSecond: 5, MaxRequestsPerSecond: 1, Recovery: 0.9, Backoff: 2},
			want: RateConfig{RequestsPerSecond: 2, Burst: 3, MinRequestsPerSecond: 2, MaxRequestsPerSecond: 2, Recovery: 1.2, Backoff: 0.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.withDefaults())
		})
	}
}

func TestAdaptiveLimiter_Wait(t *testing.T) {
	lim := NewAdaptiveLimiter(RateConfig{RequestsPerSecond: 1000, Burst: 10})
	assert.NoError(t, lim.Wait(context.Background()))
}

func TestAdaptiveLimiter_Wait_ContextCancelled(t *testing.T) {
	lim := NewAdaptiveLimiter(RateConfig{RequestsPerSecond: 0.001})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, lim.Wait(ctx))
}

func TestAdaptiveLimiter_NilIsUnlimited(t *testing.T) {
	var lim *AdaptiveLimiter
	assert.NoError(t, lim.Wait(context.Background()))
	lim.OnSuccess()
	lim.OnRateLimit()
	assert.Equal(t, rate.Inf, lim.Limit())
}

func TestFromRateConfig(t *testing.T) {
	assert.Nil(t, FromRateConfig(0, 1, 0, 0))
	assert.Nil(t, FromRateConfig(-1, 1, 0, 0))

	lim := FromRateConfig(4, 0, 2, 8)
	require.NotNil(t, lim)
	assert.InDelta(t, 4.0, float64(lim.Limit()), 0.01)
	for range 10 {
		lim.OnSuccess()
	}
	assert.InDelta(t, 8.0, float64(lim.Limit()), 0.01)
	for range 10 {
		lim.OnRateLimit()
	}
	assert.InDelta(t, 2.0, float64(lim.Limit()), 0.01)
}
