package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"pagevfs/internal/adapter/scheduler"
	"pagevfs/internal/image"
	"pagevfs/internal/lock"
	"pagevfs/internal/memory"
	"pagevfs/internal/platform/sqlite"
	"pagevfs/internal/shared"
	"pagevfs/internal/vfs"
	"pagevfs/pkg/retry"
)

var (
	quiet     = slog.New(slog.NewTextHandler(io.Discard, nil))
	testRetry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newVFS(t *testing.T, data []byte) *vfs.VFS {
	t.Helper()
	v := vfs.New(memory.NewVector(), vfs.WithLogger(quiet))
	if data != nil {
		_, err := image.Import(context.Background(), v, bytes.NewReader(data), testRetry)
		require.NoError(t, err)
	}
	return v
}

// sqliteImage builds a real database file with one table and returns its bytes.
func sqliteImage(t *testing.T) []byte {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "src.db")
	db, err := sqlite.NewDB(ctx, path)
	require.NoError(t, err)
	for _, q := range []string{
		"CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)",
		"INSERT INTO kv VALUES ('a', 'one'), ('b', 'two'), ('c', 'three')",
	} {
		_, err = db.ExecContext(ctx, q)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type fakeJobs []scheduler.JobStatus

func (f fakeJobs) Statuses() []scheduler.JobStatus { return f }

func TestHealth(t *testing.T) {
	s := New(newVFS(t, nil), Options{Logger: quiet})

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStats(t *testing.T) {
	v := newVFS(t, []byte("hello"))
	s := New(v, Options{Logger: quiet, Jobs: fakeJobs{{Name: "checkpoint", Runs: 2}}})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		VFS struct {
			Pages       uint64 `json:"pages"`
			LogicalSize uint64 `json:"logical_size_bytes"`
			Intent      string `json:"intent"`
		} `json:"vfs"`
		Jobs []scheduler.JobStatus `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(1), body.VFS.Pages)
	assert.Equal(t, uint64(5), body.VFS.LogicalSize)
	assert.Equal(t, lock.IntentNone.String(), body.VFS.Intent)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, int64(2), body.Jobs[0].Runs)
}

func TestDownloadImage(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), memory.PageSize/5)
	s := New(newVFS(t, data), Options{Logger: quiet, Retry: testRetry})

	t.Run("plain", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodGet, "/v1/image", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/vnd.sqlite3", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), `attachment; filename="main-`)
		assert.Equal(t, data, rec.Body.Bytes())
	})

	t.Run("xz", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodGet, "/v1/image?compress=xz", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/x-xz", rec.Header().Get("Content-Type"))

		r, err := xz.NewReader(rec.Body)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("unknown compression", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodGet, "/v1/image?compress=zip", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDownloadImage_Empty(t *testing.T) {
	s := New(newVFS(t, nil), Options{Logger: quiet, Retry: testRetry})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/image?compress=xz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	r, err := xz.NewReader(rec.Body)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDownloadImage_Busy(t *testing.T) {
	v := newVFS(t, []byte("payload"))
	s := New(v, Options{Logger: quiet, Retry: testRetry})

	writer, err := v.Open(v.FileName(), vfs.OpenOptions{Kind: vfs.OpenMainDB})
	require.NoError(t, err)
	defer writer.Close()
	for _, l := range []lock.Level{lock.Shared, lock.Reserved, lock.Exclusive} {
		ok, err := writer.Lock(l)
		require.NoError(t, err)
		require.True(t, ok)
	}

	rec := do(t, s.Handler(), http.MethodGet, "/v1/image", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rec.Body.String(), `"kind":"Conflict"`)
}

func TestDownloadImage_RateLimited(t *testing.T) {
	s := New(newVFS(t, []byte("x")), Options{Logger: quiet, Retry: testRetry, ImageRate: time.Hour})

	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/v1/image", nil).Code)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/image", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))

	// Other endpoints are not limited
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/v1/stats", nil).Code)
}

func TestQuery(t *testing.T) {
	v := newVFS(t, sqliteImage(t))
	s := New(v, Options{Logger: quiet, Retry: testRetry})

	tests := []struct {
		name   string
		body   string
		status int
		check  func(t *testing.T, res sqlite.QueryResult)
	}{
		{
			name:   "select",
			body:   `{"sql": "SELECT k, v FROM kv ORDER BY k"}`,
			status: http.StatusOK,
			check: func(t *testing.T, res sqlite.QueryResult) {
				assert.Equal(t, []string{"k", "v"}, res.Columns)
				require.Len(t, res.Rows, 3)
				assert.Equal(t, []any{"a", "one"}, res.Rows[0])
				assert.False(t, res.Truncated)
			},
		},
		{
			name:   "args and limit",
			body:   `{"sql": "SELECT v FROM kv WHERE k >= ? ORDER BY k", "args": ["b"], "limit": 1}`,
			status: http.StatusOK,
			check: func(t *testing.T, res sqlite.QueryResult) {
				require.Len(t, res.Rows, 1)
				assert.Equal(t, []any{"two"}, res.Rows[0])
				assert.True(t, res.Truncated)
			},
		},
		{name: "missing sql", body: `{}`, status: http.StatusBadRequest},
		{name: "bad json", body: `{"sql":`, status: http.StatusBadRequest},
		{name: "negative limit", body: `{"sql": "SELECT 1", "limit": -1}`, status: http.StatusBadRequest},
		{name: "syntax error", body: `{"sql": "SELEC nothing"}`, status: http.StatusBadRequest},
		{name: "write rejected", body: `{"sql": "DELETE FROM kv"}`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/v1/query", strings.NewReader(tt.body))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.check != nil {
				var res sqlite.QueryResult
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
				tt.check(t, res)
			}
		})
	}

	// The image is untouched and no lock is left behind
	snap := v.LockState().Snapshot()
	assert.Equal(t, 0, snap.Readers)
	assert.Equal(t, lock.IntentNone, snap.Intent)
}

func TestACL(t *testing.T) {
	acl, err := ParseACL("10.0.0.0/8, 192.0.2.7")
	require.NoError(t, err)
	s := New(newVFS(t, nil), Options{Logger: quiet, ACL: acl})

	tests := []struct {
		remote string
		status int
	}{
		{"10.1.2.3:5000", http.StatusOK},
		{"192.0.2.7:5000", http.StatusOK},
		{"192.0.2.8:5000", http.StatusForbidden},
		{"[::ffff:10.0.0.1]:5000", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	// Health checks bypass the ACL
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.1:1"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseACL(t *testing.T) {
	acl, err := ParseACL("")
	require.NoError(t, err)
	assert.True(t, acl.IsAllowed("203.0.113.5"), "empty ACL admits everyone")

	var nilACL *ACL
	assert.True(t, nilACL.IsAllowed("203.0.113.5"))

	_, err = ParseACL("10.0.0.0/33")
	assert.Error(t, err)
	_, err = ParseACL("not-an-ip")
	assert.Error(t, err)

	acl, err = ParseACL("2001:db8::/32")
	require.NoError(t, err)
	assert.True(t, acl.IsAllowed("2001:db8::1"))
	assert.False(t, acl.IsAllowed("garbage"))
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewRateLimiter(time.Second)
	r.now = func() time.Time { return now }

	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"))
	assert.True(t, r.Allow("b"), "limits are per key")

	now = now.Add(time.Second)
	assert.True(t, r.Allow("a"))

	assert.True(t, NewRateLimiter(0).Allow("a"))
	assert.True(t, NewRateLimiter(0).Allow("a"), "zero rate disables limiting")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{shared.ErrNotFound, http.StatusNotFound},
		{shared.ErrPermissionDenied, http.StatusForbidden},
		{shared.ErrValidation, http.StatusBadRequest},
		{vfs.ErrBusy, http.StatusServiceUnavailable},
		{shared.ErrOutOfMemory, http.StatusInsufficientStorage},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, 499},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, StatusFor(tt.err))
		})
	}
}
