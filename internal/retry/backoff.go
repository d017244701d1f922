package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"channelgate/internal/constants"
	"channelgate/internal/models"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns a short backoff for startup operations such as
// opening the database or the broker.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// DefaultReconnectConfig returns the adapter reconnect policy: 1s doubling to
// a 30s cap, ten attempts, no jitter.
func DefaultReconnectConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: constants.DefaultReconnectInitialDelay,
		MaxDelay:     constants.DefaultReconnectMaxDelay,
		Multiplier:   constants.DefaultReconnectMultiplier,
		MaxAttempts:  constants.DefaultReconnectMaxAttempts,
	}
}

// FromConfig fills zero fields of cfg from DefaultReconnectConfig.
func FromConfig(cfg models.RetryConfig) BackoffConfig {
	out := DefaultReconnectConfig()
	if cfg.InitialDelay > 0 {
		out.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		out.MaxDelay = cfg.MaxDelay
	}
	if cfg.Multiplier >= 1 {
		out.Multiplier = cfg.Multiplier
	}
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	out.Jitter = cfg.Jitter
	return out
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{
		config: config,
	}
}

// Retry executes the operation with exponential backoff retry logic
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate executes the operation with exponential backoff, using a predicate to determine if errors are retryable
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == b.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(b.config.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// GetNextDelay returns the delay that would be used for the given attempt (for testing/monitoring)
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.config.Delay(attempt)
}

// Delay computes the wait before retry number attempt (1-based) with
// exponential growth, the MaxDelay cap and optional ±25% jitter.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.Multiplier
		if delay >= float64(c.MaxDelay) {
			break
		}
	}

	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.Jitter {
		jitter := delay * 0.25
		delay += (secureFloat64() - 0.5) * 2 * jitter

		if delay < 0 {
			delay = float64(c.InitialDelay)
		}
		if delay > float64(c.MaxDelay) {
			delay = float64(c.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// secureFloat64 generates a cryptographically secure float64 between 0 and 1
func secureFloat64() float64 {
	max := big.NewInt(0).SetUint64(math.MaxUint64)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}
	return float64(n.Uint64()) / float64(math.MaxUint64)
}
