package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pagevfs/internal/shared"
)

// File is a Memory backed by a regular file that grows in whole pages.
// It plays the role of the host primitive on native builds, so an image
// survives process restarts.
//
// The Memory contract has no error channel: an I/O failure on Read or Write
// panics with a shared.ErrInternal error, the same way a host trap would
// abort the call.
type File struct {
	mu    sync.RWMutex
	f     *os.File
	path  string
	pages uint64
	limit uint64
}

var _ Memory = (*File)(nil)

// OpenFile opens or creates the page file at path. On unix the file is
// locked for the lifetime of the File; a second open, from this process or
// another, fails with a shared.ErrConflict error until Close.
func OpenFile(path string, opts ...Option) (*File, error) {
	o := newOptions(opts)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: create directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return nil, fmt.Errorf("memory: stat %s: %w", path, err)
	}
	if info.Size()%PageSize != 0 {
		_ = unlockFile(f)
		_ = f.Close()
		return nil, shared.MarkKind(
			fmt.Errorf("memory: %s is %d bytes, not a whole number of pages", path, info.Size()),
			shared.KindValidation,
		)
	}

	return &File{
		f:     f,
		path:  path,
		pages: uint64(info.Size()) / PageSize,
		limit: o.pageLimit,
	}, nil
}

// Path returns the location of the page file.
func (m *File) Path() string {
	return m.path
}

// Size implements Memory.
func (m *File) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pages
}

// Grow implements Memory.
func (m *File) Grow(pages uint64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.pages
	next, ok := growTarget(current, pages, m.limit)
	if !ok {
		return GrowFailed
	}
	if next == current {
		return int64(current)
	}
	if err := m.f.Truncate(int64(next * PageSize)); err != nil {
		return GrowFailed
	}
	m.pages = next
	return int64(current)
}

// Read implements Memory.
func (m *File) Read(offset uint64, dst []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checkRange("read", offset, len(dst), m.pages*PageSize)
	if _, err := m.f.ReadAt(dst, int64(offset)); err != nil {
		panic(shared.MarkKind(fmt.Errorf("memory: read %s at %d: %w", m.path, offset, err), shared.KindInternal))
	}
}

// Write implements Memory.
func (m *File) Write(offset uint64, src []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkRange("write", offset, len(src), m.pages*PageSize)
	if _, err := m.f.WriteAt(src, int64(offset)); err != nil {
		panic(shared.MarkKind(fmt.Errorf("memory: write %s at %d: %w", m.path, offset, err), shared.KindInternal))
	}
}

// Sync flushes the page file to stable storage.
func (m *File) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Sync()
}

// Close syncs and closes the page file.
func (m *File) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.f.Sync(); err != nil {
		_ = m.f.Close()
		return fmt.Errorf("memory: sync %s: %w", m.path, err)
	}
	_ = unlockFile(m.f)
	return m.f.Close()
}
