package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pagevfs/internal/image"
	"pagevfs/internal/vfs"
	"pagevfs/pkg/retry"
)

// CheckpointJobName - имя задачи снимков образа в логах и статусе.
const CheckpointJobName = "checkpoint"

// CheckpointOptions настраивает задачу снимков образа.
type CheckpointOptions struct {
	Dir      string
	Keep     int
	Compress bool
	Retry    retry.Config
	Logger   *slog.Logger
}

// CheckpointJob возвращает задачу, которая сохраняет образ в Dir и
// оставляет только Keep последних снимков. Пустой образ не сохраняется.
func CheckpointJob(v *vfs.VFS, opts CheckpointOptions) JobFunc {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", CheckpointJobName))

	var (
		mu   sync.Mutex
		last image.Manifest
	)
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()

		if v.Stats().LogicalSize == 0 {
			logger.Debug("image is empty, nothing to checkpoint")
			return nil
		}

		start := time.Now()
		m, err := image.Save(ctx, v, opts.Dir, opts.Compress, opts.Retry)
		if err != nil {
			return err
		}

		attrs := []any{
			"id", m.ID,
			"size", humanize.IBytes(uint64(m.Size)),
			"duration", time.Since(start),
		}
		if last.ID != "" {
			attrs = append(attrs, "changed_pages", len(image.Diff(last, m)))
		}
		logger.Info("checkpoint saved", attrs...)
		last = m

		if opts.Keep > 0 {
			removed, err := image.Prune(opts.Dir, opts.Keep)
			if err != nil {
				return err
			}
			if removed > 0 {
				logger.Debug("old checkpoints pruned", "removed", removed)
			}
		}
		return nil
	}
}
