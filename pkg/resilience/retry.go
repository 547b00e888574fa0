package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

// Policy bounds the retry loop around one logical operation.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BackoffFactor is the exponential base: attempt k (0-indexed) sleeps
	// BackoffFactor^k seconds before the next try.
	BackoffFactor float64
}

// DefaultPolicy matches the worker's configuration defaults.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BackoffFactor: 2.0}
}

// delay computes the sleep after a failed attempt: backoff^attempt seconds
// plus uniform jitter in [0, 0.1*base] to spread thundering herds.
func (p Policy) delay(attempt uint) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	base := time.Duration(math.Pow(factor, float64(attempt)) * float64(time.Second))
	if base <= 0 {
		base = time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/10 + 1))
	return base + jitter
}

// Retry runs op until it succeeds, the budget is exhausted, or an error
// without a transient mark surfaces. Permanent and unmarked errors return
// immediately; on budget exhaustion the last transient error is returned
// still carrying its mark, so callers can report it as retryable.
func Retry(ctx context.Context, log *zap.Logger, p Policy, operation string, op func() error) error {
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return p.delay(n)
		}),
		retry.OnRetry(func(n uint, err error) {
			// Invoked after the final attempt too; only log real retries.
			if int(n) >= p.MaxRetries {
				return
			}
			log.Warn("retrying after transient error",
				zap.String("operation", operation),
				zap.Uint("attempt", n+1),
				zap.Int("max_retries", p.MaxRetries),
				zap.Error(err),
			)
		}),
	)
}
