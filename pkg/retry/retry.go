package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// JitterStrategy defines the jitter strategy to use
type JitterStrategy int

const (
	// JitterNone disables jitter
	JitterNone JitterStrategy = iota
	// JitterEqual picks a delay uniformly between zero and the backoff
	JitterEqual
	// JitterDecorrelated spreads the delay between the backoff and 1.5x of it
	JitterDecorrelated
)

// Config defines retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first one)
	MaxAttempts int
	// InitialDelay is the delay before the second attempt
	InitialDelay time.Duration
	// MinDelay is the lower bound of every delay (defaults to InitialDelay)
	MinDelay time.Duration
	// MaxDelay is the upper bound of every delay
	MaxDelay time.Duration
	// MaxElapsedTime is the total time budget (0 = no limit)
	MaxElapsedTime time.Duration
	// Multiplier is the exponential backoff multiplier
	Multiplier float64
	// JitterStrategy defines the jitter algorithm to use
	JitterStrategy JitterStrategy
	// Rand is the random source for jitter (optional)
	Rand *rand.Rand
	// OnRetry is called before each wait
	OnRetry func(attempt int, err error, nextDelay time.Duration)
	// Now returns current time (for testing, defaults to time.Now)
	Now func() time.Time
	// After creates a timer channel (for testing, defaults to time.After)
	After func(d time.Duration) <-chan time.Time
}

// DefaultConfig suits lock contention: many short attempts that back off to
// a few hundred milliseconds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    50,
		InitialDelay:   time.Millisecond,
		MaxDelay:       250 * time.Millisecond,
		MaxElapsedTime: 30 * time.Second,
		Multiplier:     2.0,
		JitterStrategy: JitterDecorrelated,
	}
}

// Normalize validates the configuration and fills optional fields.
func (c *Config) Normalize() error {
	if c.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}
	if c.InitialDelay <= 0 {
		return errors.New("retry: InitialDelay must be positive")
	}
	if c.MinDelay <= 0 {
		c.MinDelay = c.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig().MaxDelay
	}
	if c.MinDelay > c.MaxDelay {
		return errors.New("retry: MinDelay cannot be greater than MaxDelay")
	}
	if c.InitialDelay < c.MinDelay || c.InitialDelay > c.MaxDelay {
		return errors.New("retry: InitialDelay must be between MinDelay and MaxDelay")
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.Multiplier < 1.0 {
		return errors.New("retry: Multiplier must be >= 1.0")
	}
	if c.MaxElapsedTime < 0 {
		return errors.New("retry: MaxElapsedTime cannot be negative")
	}

	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.After == nil {
		c.After = time.After
	}
	return nil
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// IsRetryableFunc determines if an error should trigger a retry
type IsRetryableFunc func(err error) bool

// RetriesExceededError is returned when retries are exhausted
type RetriesExceededError struct {
	LastError     error
	Attempts      int
	TotalDuration time.Duration
	Reason        string
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("retry: %s after %s (%d attempts): %v", e.Reason, e.TotalDuration, e.Attempts, e.LastError)
}

func (e *RetriesExceededError) Unwrap() error {
	return e.LastError
}

// DefaultRetryable retries errors that report themselves busy or temporary,
// and timeouts. Cancellation is never retried.
func DefaultRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var busy interface{ Busy() bool }
	if errors.As(err, &busy) && busy.Busy() {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) {
		return temporary.Temporary()
	}
	return false
}

// Do executes fn with exponential backoff while DefaultRetryable allows it.
func Do(ctx context.Context, config Config, fn RetryableFunc) error {
	return DoWithRetryable(ctx, config, fn, DefaultRetryable)
}

// DoWithRetryable executes fn with exponential backoff while isRetryable allows it.
func DoWithRetryable(ctx context.Context, config Config, fn RetryableFunc, isRetryable IsRetryableFunc) error {
	cfg := config
	if err := cfg.Normalize(); err != nil {
		return err
	}

	var lastErr error
	start := cfg.Now()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if !isRetryable(lastErr) {
			return lastErr
		}

		delay := cfg.applyJitter(cfg.calculateDelay(attempt))

		if cfg.MaxElapsedTime > 0 {
			elapsed := cfg.Now().Sub(start)
			if elapsed+delay > cfg.MaxElapsedTime {
				return &RetriesExceededError{
					LastError:     lastErr,
					Attempts:      attempt,
					TotalDuration: elapsed,
					Reason:        "max elapsed time exceeded",
				}
			}
		}

		// The context timer may fire after its deadline has passed, so the
		// deadline itself ends the loop.
		atDeadline := false
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return deadlineError(lastErr)
			}
			if delay >= remaining {
				delay = remaining
				atDeadline = true
			}
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cfg.After(delay):
			if atDeadline {
				return deadlineError(lastErr)
			}
		}
	}

	return &RetriesExceededError{
		LastError:     lastErr,
		Attempts:      cfg.MaxAttempts,
		TotalDuration: cfg.Now().Sub(start),
		Reason:        "max attempts exceeded",
	}
}

func deadlineError(lastErr error) error {
	return fmt.Errorf("%w: %w", context.DeadlineExceeded, lastErr)
}

// calculateDelay returns InitialDelay * Multiplier^(attempt-1) within [MinDelay, MaxDelay].
func (c Config) calculateDelay(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 1; i < attempt; i++ {
		if delay > c.MaxDelay/time.Duration(c.Multiplier) {
			return c.MaxDelay
		}
		delay = time.Duration(float64(delay) * c.Multiplier)
	}
	return clamp(delay, c.MinDelay, c.MaxDelay)
}

func (c Config) applyJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	switch c.JitterStrategy {
	case JitterEqual:
		return clamp(time.Duration(c.Rand.Int63n(int64(base))), c.MinDelay, c.MaxDelay)
	case JitterDecorrelated:
		spread := base / 2
		if spread <= 0 {
			return base
		}
		return clamp(base+time.Duration(c.Rand.Int63n(int64(spread))), c.MinDelay, c.MaxDelay)
	default:
		return base
	}
}

func clamp(value, lo, hi time.Duration) time.Duration {
	return min(max(value, lo), hi)
}

// Retry is a convenience function that uses default configuration
func Retry(ctx context.Context, fn RetryableFunc) error {
	return Do(ctx, DefaultConfig(), fn)
}
