package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagevfs/internal/shared"
)

var envKeys = []string{
	"ENV", "PAGEVFS_BACKEND", "PAGEVFS_MEMORY_FILE", "PAGEVFS_INITIAL_PAGES", "PAGEVFS_MAX_PAGES",
	"PAGEVFS_FILE_NAME", "PAGEVFS_SLEEP", "HTTP_ADDR", "HTTP_ALLOWED_CIDRS", "HTTP_IMAGE_RATE", "CHECKPOINT_SCHEDULE", "CHECKPOINT_DIR",
	"CHECKPOINT_KEEP", "CHECKPOINT_COMPRESS", "LOG_CONSOLE_LEVEL", "LOG_FILE_LEVEL", "LOG_FILE",
}

// clearEnv resets every known key; t.Setenv restores the previous values after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir()) // no stray .env
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", c.Env)
	assert.Equal(t, BackendFile, c.Memory.Backend)
	assert.Equal(t, "data/main.pages", c.Memory.File)
	assert.Equal(t, uint64(0), c.Memory.InitialPages)
	assert.Equal(t, uint64(0), c.Memory.MaxPages)
	assert.Equal(t, "main.db", c.Memory.FileName)
	assert.Equal(t, SleepPassThrough, c.Memory.Sleep)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Empty(t, c.HTTP.AllowedCIDRs)
	assert.Equal(t, 10*time.Second, c.HTTP.ImageRate)
	assert.Empty(t, c.Checkpoint.Schedule)
	assert.False(t, c.CheckpointsEnabled())
	assert.Equal(t, "data/checkpoints", c.Checkpoint.Dir)
	assert.Equal(t, 5, c.Checkpoint.Keep)
	assert.True(t, c.Checkpoint.Compress)
	assert.Equal(t, "info", c.Log.ConsoleLevel)
	assert.Equal(t, "debug", c.Log.FileLevel)
	assert.Equal(t, "data/logs/pagevfs.log", c.Log.File)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "dev")
	t.Setenv("PAGEVFS_BACKEND", "VECTOR")
	t.Setenv("PAGEVFS_INITIAL_PAGES", "2")
	t.Setenv("PAGEVFS_MAX_PAGES", "16")
	t.Setenv("PAGEVFS_SLEEP", "block")
	t.Setenv("CHECKPOINT_SCHEDULE", "@every 1h")
	t.Setenv("CHECKPOINT_KEEP", "3")
	t.Setenv("CHECKPOINT_COMPRESS", "false")
	t.Setenv("HTTP_ALLOWED_CIDRS", "10.0.0.0/8")
	t.Setenv("HTTP_IMAGE_RATE", "1m")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendVector, c.Memory.Backend)
	assert.Equal(t, uint64(2), c.Memory.InitialPages)
	assert.Equal(t, uint64(16), c.Memory.MaxPages)
	assert.Equal(t, SleepBlock, c.Memory.Sleep)
	assert.True(t, c.CheckpointsEnabled())
	assert.Equal(t, 3, c.Checkpoint.Keep)
	assert.False(t, c.Checkpoint.Compress)
	assert.Equal(t, "10.0.0.0/8", c.HTTP.AllowedCIDRs)
	assert.Equal(t, time.Minute, c.HTTP.ImageRate)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown env", "ENV", "staging"},
		{"unknown backend", "PAGEVFS_BACKEND", "disk"},
		{"unknown sleep", "PAGEVFS_SLEEP", "spin"},
		{"negative pages", "PAGEVFS_INITIAL_PAGES", "-1"},
		{"bad max pages", "PAGEVFS_MAX_PAGES", "many"},
		{"bad schedule", "CHECKPOINT_SCHEDULE", "every now and then"},
		{"zero keep", "CHECKPOINT_KEEP", "0"},
		{"bad compress", "CHECKPOINT_COMPRESS", "maybe"},
		{"bad image rate", "HTTP_IMAGE_RATE", "often"},
		{"negative image rate", "HTTP_IMAGE_RATE", "-1s"},
		{"bad cidr", "HTTP_ALLOWED_CIDRS", "10.0.0.0/8, nope"},
		{"file name with slash", "PAGEVFS_FILE_NAME", "dir/main.db"},
		{"bad log level", "LOG_CONSOLE_LEVEL", "trace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err), "got %v", err)
		})
	}
}

func TestLoad_InitialAboveMax(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAGEVFS_INITIAL_PAGES", "8")
	t.Setenv("PAGEVFS_MAX_PAGES", "4")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
}
