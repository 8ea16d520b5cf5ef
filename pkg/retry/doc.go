// Package retry runs an operation again with exponential backoff and jitter
// until it succeeds, returns a non-retryable error, or runs out of budget.
//
// The default policy targets contention on non-blocking locks: errors that
// report Busy() or Temporary() are retried, cancellation never is.
//
// Basic Usage:
//
//	err := retry.Retry(ctx, func(ctx context.Context) error {
//	    return f.Lock(vfs.LockExclusive)
//	})
//
// Advanced Configuration:
//
//	config := retry.Config{
//	    MaxAttempts:    20,
//	    InitialDelay:   2 * time.Millisecond,
//	    MaxDelay:       100 * time.Millisecond,
//	    MaxElapsedTime: 5 * time.Second,
//	    JitterStrategy: retry.JitterDecorrelated,
//	    OnRetry: func(attempt int, err error, delay time.Duration) {
//	        slog.Debug("retrying", "attempt", attempt, "delay", delay, "error", err)
//	    },
//	}
//	err := retry.Do(ctx, config, fn)
package retry
