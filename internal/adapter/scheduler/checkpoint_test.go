package scheduler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagevfs/internal/image"
	"pagevfs/internal/memory"
	"pagevfs/internal/vfs"
	"pagevfs/pkg/retry"
)

func TestCheckpointJob(t *testing.T) {
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	v := vfs.New(memory.NewVector(), vfs.WithLogger(quiet))
	dir := t.TempDir()

	job := CheckpointJob(v, CheckpointOptions{Dir: dir, Keep: 2, Compress: true, Retry: cfg, Logger: quiet})

	// Пустой образ не сохраняется
	require.NoError(t, job(ctx))
	list, err := image.List(dir)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = image.Import(ctx, v, bytes.NewReader(bytes.Repeat([]byte("page"), memory.PageSize)), cfg)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, job(ctx))
		time.Sleep(5 * time.Millisecond) // разные Created для сортировки
	}

	list, err = image.List(dir)
	require.NoError(t, err)
	require.Len(t, list, 2, "старые снимки удаляются")
	for _, m := range list {
		assert.True(t, m.Compressed)
		assert.Equal(t, int64(4*memory.PageSize), m.Size)
		assert.NoError(t, image.Verify(dir, m))
	}
}

func TestCheckpointJob_Scheduled(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	v := vfs.New(memory.NewVector(), vfs.WithLogger(quiet))
	_, err := image.Import(context.Background(), v, bytes.NewReader([]byte("hello")), cfg)
	require.NoError(t, err)

	s := New(Config{Logger: quiet})
	defer s.Stop()

	dir := t.TempDir()
	_, err = s.AddCronJob("@hourly", CheckpointJob(v, CheckpointOptions{Dir: dir, Keep: 1, Retry: cfg, Logger: quiet}),
		JobOptions{Name: CheckpointJobName})
	require.NoError(t, err)

	require.True(t, s.RunNow(CheckpointJobName))

	list, err := image.List(dir)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Compressed)

	st := s.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, int64(1), st[0].Runs)
	assert.Empty(t, st[0].LastError)
}
