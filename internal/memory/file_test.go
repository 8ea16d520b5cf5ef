package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagevfs/internal/shared"
)

func TestFile_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.pages")

	f, err := OpenFile(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), f.Grow(2))
	f.Write(PageSize+5, []byte("durable"))
	require.NoError(t, f.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2*PageSize), info.Size())

	f, err = OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, uint64(2), f.Size())
	assert.Equal(t, path, f.Path())
	got := make([]byte, 7)
	f.Read(PageSize+5, got)
	assert.Equal(t, "durable", string(got))
}

func TestFile_SingleOwner(t *testing.T) {
	if !FileLocking {
		t.Skip("no advisory file locks on this platform")
	}
	path := filepath.Join(t.TempDir(), "main.pages")

	a, err := OpenFile(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), a.Grow(1))

	b, err := OpenFile(path)
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, shared.IsConflict(err))

	// A second owner would cache a stale page count; the first keeps working.
	require.Equal(t, int64(1), a.Grow(4))
	a.Write(4*PageSize, []byte("tail"))
	require.NoError(t, a.Close())

	b, err = OpenFile(path)
	require.NoError(t, err, "the lock is released on Close")
	defer b.Close()
	assert.Equal(t, uint64(5), b.Size())
	got := make([]byte, 4)
	b.Read(4*PageSize, got)
	assert.Equal(t, "tail", string(got))
}

func TestFile_RejectsPartialPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pages")
	require.NoError(t, os.WriteFile(path, make([]byte, PageSize+1), 0o644))

	_, err := OpenFile(path)
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
}

func TestFile_Sync(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "main.pages"))
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, int64(0), f.Grow(1))
	f.Write(0, []byte{1, 2, 3})
	assert.NoError(t, f.Sync())
}

func TestNewHost_Unavailable(t *testing.T) {
	if HostAvailable() {
		t.Skip("host primitive present")
	}

	m, err := NewHost()
	require.Error(t, err)
	assert.Nil(t, m)
	assert.True(t, shared.IsNotFound(err))
}
