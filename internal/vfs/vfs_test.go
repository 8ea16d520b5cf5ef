package vfs

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagevfs/internal/lock"
	"pagevfs/internal/memory"
	"pagevfs/internal/shared"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestVFS(t *testing.T, opts ...Option) *VFS {
	t.Helper()
	return New(memory.NewVector(), append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func openMain(t *testing.T, v *VFS) *Conn {
	t.Helper()
	c, err := v.Open(v.FileName(), OpenOptions{Kind: OpenMainDB})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpen(t *testing.T) {
	v := newTestVFS(t)

	tests := []struct {
		name     string
		file     string
		kind     OpenKind
		wantKind shared.Kind
	}{
		{"main database", "main.db", OpenMainDB, shared.KindUnknown},
		{"unknown name", "other.db", OpenMainDB, shared.KindNotFound},
		{"journal", "main.db", OpenMainJournal, shared.KindPermissionDenied},
		{"wal", "main.db", OpenWAL, shared.KindPermissionDenied},
		{"temp", "main.db", OpenTempDB, shared.KindPermissionDenied},
		{"transient", "main.db", OpenTransientDB, shared.KindPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := v.Open(tt.file, OpenOptions{Kind: tt.kind})
			if tt.wantKind == shared.KindUnknown {
				require.NoError(t, err)
				level, err := c.CurrentLock()
				require.NoError(t, err)
				assert.Equal(t, lock.None, level)
				require.NoError(t, c.Close())
				return
			}
			require.Error(t, err)
			assert.Nil(t, c)
			assert.Equal(t, tt.wantKind, shared.KindOf(err))
		})
	}
}

func TestOpen_CustomName(t *testing.T) {
	v := newTestVFS(t, WithFileName("app.sqlite"))

	_, err := v.Open("main.db", OpenOptions{})
	assert.True(t, shared.IsNotFound(err))

	c, err := v.Open("app.sqlite", OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, "app.sqlite", v.TemporaryName())
}

func TestExists(t *testing.T) {
	v := newTestVFS(t)
	c := openMain(t, v)

	ok, err := v.Exists("main.db")
	require.NoError(t, err)
	assert.False(t, ok, "fresh resource is empty")

	require.NoError(t, c.WriteAllAt([]byte{1}, 0))

	ok, err = v.Exists("main.db")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Exists("other.db")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteAndTemporaryName(t *testing.T) {
	v := newTestVFS(t)
	assert.NoError(t, v.Delete("main.db"))
	assert.NoError(t, v.Delete("anything"))
	assert.Equal(t, "main.db", v.TemporaryName())
}

func TestRandom(t *testing.T) {
	t.Run("default source", func(t *testing.T) {
		v := newTestVFS(t)
		buf := make([]byte, 61)
		v.Random(buf)
		assert.False(t, bytes.Equal(buf, make([]byte, len(buf))))
	})

	t.Run("host source topped up", func(t *testing.T) {
		v := newTestVFS(t, WithRandom(strings.NewReader("abc")))
		buf := make([]byte, 4096)
		v.Random(buf)
		assert.Equal(t, "abc", string(buf[:3]))
		assert.False(t, bytes.Equal(buf[3:], make([]byte, len(buf)-3)))
	})
}

func TestSleep(t *testing.T) {
	v := newTestVFS(t)
	start := time.Now()
	assert.Equal(t, time.Hour, v.Sleep(time.Hour))
	assert.Less(t, time.Since(start), time.Second)

	v = newTestVFS(t, WithSleep(BlockingSleep))
	got := v.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, got, 2*time.Millisecond)

	assert.GreaterOrEqual(t, BlockingSleep(0), time.Millisecond)
}

func TestStats(t *testing.T) {
	v := newTestVFS(t)
	a := openMain(t, v)
	b := openMain(t, v)

	require.NoError(t, a.WriteAllAt(make([]byte, 100), 0))
	_, err := a.Lock(lock.Shared)
	require.NoError(t, err)
	_, err = b.Lock(lock.Shared)
	require.NoError(t, err)
	_, err = b.Lock(lock.Reserved)
	require.NoError(t, err)

	s := v.Stats()
	assert.Equal(t, uint64(1), s.Pages)
	assert.Equal(t, uint64(memory.PageSize), s.Capacity)
	assert.Equal(t, uint64(100), s.LogicalSize)
	assert.Equal(t, 1, s.Readers)
	assert.Equal(t, lock.IntentReserved, s.Intent)
	assert.Equal(t, "reserved", s.IntentName)
	assert.Equal(t, int64(2), s.Connections)
	assert.Contains(t, s.String(), "100 B logical")

	require.NoError(t, b.Close())
	assert.Equal(t, int64(1), v.Stats().Connections)
}

func TestErrBusy(t *testing.T) {
	assert.True(t, errors.Is(ErrBusy, shared.ErrConflict))
	assert.Equal(t, shared.KindConflict, shared.KindOf(ErrBusy))
	assert.True(t, shared.IsConflict(ErrBusy))
}
