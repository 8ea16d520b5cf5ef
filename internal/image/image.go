// Package image moves whole database images in and out of a VFS.
//
// Export and Import stream the logical database under the lock protocol, so
// they can run next to live connections. Save, Load and Prune keep
// checkpoint files on disk; NewFS exposes the live image as an io/fs view
// for read-only SQL.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pagevfs/internal/lock"
	"pagevfs/internal/memory"
	"pagevfs/internal/vfs"
	"pagevfs/pkg/retry"
)

// chunkSize is the unit of streaming copies.
const chunkSize = memory.PageSize

func open(v *vfs.VFS) (*vfs.Conn, error) {
	return v.Open(v.FileName(), vfs.OpenOptions{Kind: vfs.OpenMainDB})
}

// Export writes the logical database to w while holding a Shared lock and
// returns the number of bytes written.
func Export(ctx context.Context, v *vfs.VFS, w io.Writer, cfg retry.Config) (int64, error) {
	c, err := open(v)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	if err := vfs.Acquire(ctx, c, lock.Shared, cfg); err != nil {
		return 0, fmt.Errorf("image: export: %w", err)
	}

	size, err := c.Size()
	if err != nil {
		return 0, err
	}

	buf := make([]byte, chunkSize)
	var written int64
	for off := uint64(0); off < size; off += chunkSize {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n := min(uint64(chunkSize), size-off)
		if err := c.ReadExactAt(buf[:n], off); err != nil {
			return written, err
		}
		m, err := w.Write(buf[:n])
		written += int64(m)
		if err != nil {
			return written, fmt.Errorf("image: export: %w", err)
		}
	}
	return written, nil
}

// Import replaces the database with the contents of r. It escalates to
// Exclusive before the first write and returns the new logical size.
func Import(ctx context.Context, v *vfs.VFS, r io.Reader, cfg retry.Config) (int64, error) {
	c, err := open(v)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	for _, l := range []lock.Level{lock.Shared, lock.Reserved, lock.Exclusive} {
		if err := vfs.Acquire(ctx, c, l, cfg); err != nil {
			return 0, fmt.Errorf("image: import: %w", err)
		}
	}

	buf := make([]byte, chunkSize)
	var off uint64
	for {
		if err := ctx.Err(); err != nil {
			return int64(off), err
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := c.WriteAllAt(buf[:n], off); err != nil {
				return int64(off), fmt.Errorf("image: import at %d: %w", off, err)
			}
			off += uint64(n)
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return int64(off), fmt.Errorf("image: import: %w", rerr)
		}
	}

	size, err := c.Size()
	if err != nil {
		return int64(off), err
	}
	if size > off {
		if err := c.Shrink(off); err != nil {
			return int64(off), err
		}
	}
	return int64(off), nil
}
