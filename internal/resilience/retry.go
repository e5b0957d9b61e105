package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 60s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds uniform jitter in [0, JitterFraction*delay].
	// Default: 0.1.
	JitterFraction float64

	// MaxParseRetries bounds retries spent on KindParseFailure. Default: 1.
	MaxParseRetries int

	// Classify optionally overrides the default error classification.
	Classify func(err error) ErrorKind

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, kind ErrorKind, err error)

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the retry configuration used for model calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialBackoff:  time.Second,
		MaxBackoff:      60 * time.Second,
		Multiplier:      2.0,
		JitterFraction:  0.1,
		MaxParseRetries: 1,
	}
}

// AttemptError is returned when a call fails for good.
type AttemptError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// DoVal executes fn with retry logic according to cfg. Rate-limited errors
// are retried until attempts run out, parse failures at most MaxParseRetries
// times, retryable errors until attempts run out, fatal errors never.
// Context cancellation stops retries immediately.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	parseRetries := 0
	for attempt := 0; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}

		kind := cfg.Classify(err)
		fail := &AttemptError{Kind: kind, Attempts: attempt + 1, Err: err}

		if ctx.Err() != nil {
			return zero, fail
		}

		switch kind {
		case KindFatal:
			return zero, fail
		case KindParseFailure:
			if parseRetries >= cfg.MaxParseRetries {
				return zero, fail
			}
			parseRetries++
		}

		// Don't sleep after the last attempt.
		if attempt >= cfg.MaxAttempts-1 {
			return zero, fail
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, kind, err)
		}

		if sleepErr := cfg.Sleep(ctx, computeBackoff(attempt, cfg)); sleepErr != nil {
			return zero, fail
		}
	}
}

// Do is DoVal for functions without a result.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.MaxParseRetries < 0 {
		cfg.MaxParseRetries = 0
	}
	if cfg.Classify == nil {
		cfg.Classify = Classify
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return cfg
}

// computeBackoff returns min(base*mult^attempt + U(0, frac*delay), max).
func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.JitterFraction > 0 {
		delay += rand.Float64() * cfg.JitterFraction * delay
	}
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, ErrorKind, error) {
	return func(attempt int, kind ErrorKind, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
	}
}
