package sqlite

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagevfs/internal/image"
	"pagevfs/internal/lock"
	"pagevfs/internal/memory"
	"pagevfs/internal/vfs"
	"pagevfs/pkg/retry"
)

var imageRetry = retry.Config{
	MaxAttempts:  20,
	InitialDelay: time.Millisecond,
	MaxDelay:     10 * time.Millisecond,
}

// seededVFS собирает БД из миграций и импортирует её в страничную память.
func seededVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	migrations := filepath.Join(dir, "migrations")
	require.NoError(t, os.Mkdir(migrations, 0o755))
	writeMigrations(t, migrations)

	path, _, err := BuildSeed(ctx, dir, migrations)
	require.NoError(t, err)
	defer os.Remove(path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	v := vfs.New(memory.NewVector(), vfs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	_, err = image.Import(ctx, v, f, imageRetry)
	require.NoError(t, err)
	return v
}

func TestOpenImage(t *testing.T) {
	ctx := context.Background()
	v := seededVFS(t)

	db, err := OpenImage(ctx, image.NewFS(ctx, v, imageRetry), v.FileName())
	require.NoError(t, err)
	defer func() { assert.NoError(t, db.Close()) }()

	res, err := Query(ctx, db, "SELECT u.name, p.title FROM posts p JOIN users u ON u.id = p.user_id", 10)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []any{"alice", "hello"}, res.Rows[0])

	_, err = db.ExecContext(ctx, "INSERT INTO users (id, name) VALUES (2, 'bob')")
	assert.Error(t, err, "образ открыт только для чтения")

	assert.Equal(t, lock.IntentNone, v.LockState().Snapshot().Intent)
}
