package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"pagevfs/internal/lock"
	"pagevfs/internal/vfs"
	"pagevfs/pkg/retry"
)

// FS is a read-only io/fs view holding the database as its only file.
// Every read takes a Shared lock for its own duration, so writers are held
// off per call, not per open file.
type FS struct {
	ctx context.Context
	v   *vfs.VFS
	cfg retry.Config
}

var _ fs.FS = (*FS)(nil)

// NewFS returns the io/fs view of v. ctx bounds lock waits of every read.
func NewFS(ctx context.Context, v *vfs.VFS, cfg retry.Config) *FS {
	return &FS{ctx: ctx, v: v, cfg: cfg}
}

// Open implements fs.FS.
func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if name != f.v.FileName() {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	c, err := open(f.v)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &file{fs: f, conn: c, name: name}, nil
}

type file struct {
	fs   *FS
	conn *vfs.Conn
	name string
	pos  int64
}

var (
	_ io.ReaderAt = (*file)(nil)
	_ io.Seeker   = (*file)(nil)
)

func (f *file) withShared(fn func() error) error {
	if err := vfs.Acquire(f.fs.ctx, f.conn, lock.Shared, f.fs.cfg); err != nil {
		return err
	}
	defer f.conn.Unlock(lock.None)
	return fn()
}

func (f *file) size() (int64, error) {
	var size uint64
	err := f.withShared(func() error {
		var err error
		size, err = f.conn.Size()
		return err
	})
	return int64(size), err
}

func (f *file) Stat() (fs.FileInfo, error) {
	size, err := f.size()
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: f.name, Err: err}
	}
	return fileInfo{name: f.name, size: size}, nil
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: fs.ErrInvalid}
	}
	var n int
	err := f.withShared(func() error {
		size, err := f.conn.Size()
		if err != nil {
			return err
		}
		if uint64(off) >= size {
			return io.EOF
		}
		n = int(min(uint64(len(p)), size-uint64(off)))
		if err := f.conn.ReadExactAt(p[:n], uint64(off)); err != nil {
			return err
		}
		if n < len(p) {
			return io.EOF
		}
		return nil
	})
	return n, err
}

func (f *file) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		size, err := f.size()
		if err != nil {
			return 0, err
		}
		base = size
	default:
		return 0, fmt.Errorf("image: seek whence %d", whence)
	}
	if base+offset < 0 {
		return 0, &fs.PathError{Op: "seek", Path: f.name, Err: fs.ErrInvalid}
	}
	f.pos = base + offset
	return f.pos, nil
}

func (f *file) Close() error {
	return f.conn.Close()
}

type fileInfo struct {
	name string
	size int64
}

func (i fileInfo) Name() string       { return i.name }
func (i fileInfo) Size() int64        { return i.size }
func (i fileInfo) Mode() fs.FileMode  { return 0o444 }
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return false }
func (i fileInfo) Sys() any           { return nil }
