package resilience

import "time"

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts, baseDelayMs, maxDelayMs int, jitterFraction float64, maxParseRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if baseDelayMs > 0 {
		cfg.InitialBackoff = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		cfg.MaxBackoff = time.Duration(maxDelayMs) * time.Millisecond
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	if maxParseRetries >= 0 {
		cfg.MaxParseRetries = maxParseRetries
	}
	return cfg
}

// FromRateConfig builds an AdaptiveLimiter from the llm rate settings, or
// nil when rps is not positive. Zero bounds take the limiter defaults.
func FromRateConfig(rps float64, burst int, minRPS, maxRPS float64) *AdaptiveLimiter {
	return NewAdaptiveLimiter(RateConfig{
		RequestsPerSecond:    rps,
		Burst:                burst,
		MinRequestsPerSecond: minRPS,
		MaxRequestsPerSecond: maxRPS,
	})
}
