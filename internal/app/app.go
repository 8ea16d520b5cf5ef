package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pagevfs/internal/adapter/httpapi"
	"pagevfs/internal/adapter/scheduler"
	"pagevfs/internal/config"
	"pagevfs/internal/memory"
	"pagevfs/internal/platform/logger"
	"pagevfs/internal/shared"
	"pagevfs/internal/vfs"
	"pagevfs/pkg/retry"
)

// App wires application components around one paged memory resource.
type App struct {
	cfg   config.Config
	log   *slog.Logger
	mem   memory.Memory
	vfs   *vfs.VFS
	retry retry.Config
}

// New opens the configured memory backend and builds the VFS over it.
func New(cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	mem, err := OpenMemory(cfg)
	if err != nil {
		return nil, err
	}
	if err := memory.Reserve(mem, cfg.Memory.InitialPages); err != nil {
		_ = closeMemory(mem)
		return nil, err
	}

	v := vfs.New(mem,
		vfs.WithFileName(cfg.Memory.FileName),
		vfs.WithSleep(SleepFunc(cfg.Memory.Sleep)),
		vfs.WithLogger(log),
	)

	a := &App{cfg: cfg, log: log, mem: mem, vfs: v, retry: retry.DefaultConfig()}
	log.Info("memory ready",
		"backend", cfg.Memory.Backend,
		"pages", mem.Size(),
		logger.Bytes("capacity", memory.Capacity(mem)),
	)
	return a, nil
}

// OpenMemory returns the backend selected by cfg.Memory.Backend.
func OpenMemory(cfg config.Config) (memory.Memory, error) {
	var opts []memory.Option
	if cfg.Memory.MaxPages > 0 {
		opts = append(opts, memory.WithPageLimit(cfg.Memory.MaxPages))
	}

	switch cfg.Memory.Backend {
	case config.BackendVector:
		return memory.NewVector(opts...), nil
	case config.BackendFile:
		return memory.OpenFile(cfg.Memory.File, opts...)
	case config.BackendHost:
		return memory.NewHost()
	default:
		return nil, shared.Wrapf(shared.ErrValidation, "unknown memory backend %q", cfg.Memory.Backend)
	}
}

// SleepFunc maps a config sleep policy to the VFS implementation.
func SleepFunc(name string) vfs.SleepFunc {
	if name == config.SleepBlock {
		return vfs.BlockingSleep
	}
	return vfs.PassThroughSleep
}

// VFS returns the adapter over the opened memory.
func (a *App) VFS() *vfs.VFS { return a.vfs }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Retry returns the lock acquisition policy used by image operations.
func (a *App) Retry() retry.Config { return a.retry }

// CheckpointJob builds the checkpoint job from the configuration.
func (a *App) CheckpointJob() scheduler.JobFunc {
	return scheduler.CheckpointJob(a.vfs, scheduler.CheckpointOptions{
		Dir:      a.cfg.Checkpoint.Dir,
		Keep:     a.cfg.Checkpoint.Keep,
		Compress: a.cfg.Checkpoint.Compress,
		Retry:    a.retry,
		Logger:   a.log,
	})
}

// Serve runs the admin HTTP server and, when scheduled, the checkpoint job
// until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	a.log.Info("starting", "addr", a.cfg.HTTP.Addr)

	sched := scheduler.NewWithContext(ctx, scheduler.Config{Logger: a.log})
	if a.cfg.CheckpointsEnabled() {
		_, err := sched.AddCronJob(a.cfg.Checkpoint.Schedule, a.CheckpointJob(), scheduler.JobOptions{
			Name:    scheduler.CheckpointJobName,
			Timeout: 30 * time.Minute,
		})
		if err != nil {
			return err
		}
	}
	sched.AddTickerJob(time.Minute, func(context.Context) error {
		a.log.Debug("stats", "vfs", a.vfs.Stats().String())
		return nil
	}, scheduler.JobOptions{Name: "stats"})
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sched.StopContext(stopCtx); err != nil {
			a.log.Warn("scheduler stop deadline exceeded", "error", err)
		}
	}()

	acl, err := httpapi.ParseACL(a.cfg.HTTP.AllowedCIDRs)
	if err != nil {
		return shared.MarkKind(fmt.Errorf("HTTP_ALLOWED_CIDRS: %w", err), shared.KindValidation)
	}
	srv := httpapi.New(a.vfs, httpapi.Options{
		Logger:    a.log,
		Retry:     a.retry,
		ImageRate: a.cfg.HTTP.ImageRate,
		ACL:       acl,
		Jobs:      sched,
	})
	return srv.Serve(ctx, a.cfg.HTTP.Addr)
}

// Close syncs and releases the memory backend.
func (a *App) Close() error {
	a.log.Info("stopping", "vfs", a.vfs.Stats().String())
	return closeMemory(a.mem)
}

func closeMemory(m memory.Memory) error {
	type syncCloser interface {
		Sync() error
		Close() error
	}
	if c, ok := m.(syncCloser); ok {
		return errors.Join(c.Sync(), c.Close())
	}
	return nil
}
