package vfs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pagevfs/internal/lock"
	"pagevfs/pkg/retry"
)

// Acquire moves c to target, retrying with backoff while the lock state
// refuses. When it gives up, a connection left parked at Pending steps back
// so it does not keep other readers out: to None if it started at None,
// otherwise to Shared, and then back up to Reserved if it started there.
// Reserved is regained unless another handle claimed it in between.
func Acquire(ctx context.Context, c *Conn, target lock.Level, cfg retry.Config) error {
	from, err := c.CurrentLock()
	if err != nil {
		return err
	}

	logger := c.h.vfs.logger
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Debug("lock busy, retrying",
				slog.String("target", target.String()),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
		}
	}

	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		ok, err := c.Lock(target)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBusy
		}
		return nil
	})
	if err == nil {
		return nil
	}

	if level, lerr := c.CurrentLock(); lerr == nil && level == lock.Pending {
		back := lock.Shared
		if from == lock.None {
			back = lock.None
		}
		_, _ = c.Lock(back)
		if from == lock.Reserved {
			_, _ = c.Lock(lock.Reserved)
		}
	}
	return fmt.Errorf("vfs: acquire %s: %w", target, err)
}
