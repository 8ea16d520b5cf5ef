package vfs

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"pagevfs/internal/lock"
	"pagevfs/internal/memory"
	"pagevfs/internal/shared"
)

// headerSize is the width of the logical size header at the front of the resource.
const headerSize = 8

// maxLogicalSize is the largest database the header can describe.
const maxLogicalSize = memory.MaxPages*memory.PageSize - headerSize

// Conn is one open handle on the database.
//
// Lock refusals are reported as false, never as errors. Close releases the
// handle's lock; a Conn dropped without Close is released when it is
// garbage collected.
type Conn struct {
	h       *handle
	cleanup runtime.Cleanup
}

// handle carries the mutable part of a Conn so the GC cleanup can release
// it without keeping the Conn itself reachable.
type handle struct {
	mu     sync.Mutex
	vfs    *VFS
	level  lock.Level
	closed bool
}

func newConn(v *VFS) *Conn {
	h := &handle{vfs: v}
	c := &Conn{h: h}
	c.cleanup = runtime.AddCleanup(c, func(h *handle) {
		if h.release() {
			h.vfs.logger.Warn("connection collected without Close")
		}
	}, h)
	return c
}

// release forces the handle to None and marks it closed. It reports whether
// the handle was still open.
func (h *handle) release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if h.level != lock.None {
		h.level, _ = h.vfs.state.Transition(h.level, lock.None)
	}
	h.closed = true
	h.vfs.conns.Add(-1)
	return true
}

func (c *Conn) mem() memory.Memory {
	return c.h.vfs.mem
}

func (c *Conn) checkOpen() error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if c.h.closed {
		return ErrClosed
	}
	return nil
}

func readHeader(m memory.Memory) uint64 {
	var hdr [headerSize]byte
	m.Read(0, hdr[:])
	return binary.BigEndian.Uint64(hdr[:])
}

func writeHeader(m memory.Memory, size uint64) {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[:], size)
	m.Write(0, hdr[:])
}

// Size returns the logical database size, 0 for an empty resource.
func (c *Conn) Size() (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if c.mem().Size() == 0 {
		return 0, nil
	}
	return readHeader(c.mem()), nil
}

// ReadExactAt fills buf from logical offset off. An empty resource leaves buf
// untouched, which reads as a never-written database.
func (c *Conn) ReadExactAt(buf []byte, off uint64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if len(buf) == 0 || c.mem().Size() == 0 {
		return nil
	}
	c.mem().Read(off+headerSize, buf)
	return nil
}

// WriteAllAt writes buf at logical offset off. When the write extends the
// database, the resource is grown as needed and the new size is written to
// the header before the payload.
func (c *Conn) WriteAllAt(buf []byte, off uint64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}

	end := off + uint64(len(buf))
	if end < off || end > maxLogicalSize {
		return shared.MarkKind(fmt.Errorf("vfs: write [%d,%d) exceeds the largest database", off, end), shared.KindOutOfMemory)
	}

	size, err := c.Size()
	if err != nil {
		return err
	}
	if end > size {
		if err := c.reserve(end); err != nil {
			return err
		}
		writeHeader(c.mem(), end)
	}

	c.mem().Write(off+headerSize, buf)
	return nil
}

// Sync is a no-op: every write already reached the resource.
func (c *Conn) Sync(dataOnly bool) error {
	return c.checkOpen()
}

// SetLen grows the resource to hold n logical bytes and records n in the
// header. A smaller n leaves both the resource and the header unchanged.
func (c *Conn) SetLen(n uint64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if n > maxLogicalSize {
		return shared.MarkKind(fmt.Errorf("vfs: set length %d exceeds the largest database", n), shared.KindOutOfMemory)
	}

	pages := c.mem().Size()
	var capacity uint64
	if pages > 0 {
		capacity = pages*memory.PageSize - headerSize
	}
	if n <= capacity {
		return nil
	}
	if err := c.reserve(n); err != nil {
		return err
	}
	writeHeader(c.mem(), n)
	return nil
}

// Shrink records a logical size below the current one. SetLen never shrinks,
// so replacing the whole image goes through Shrink; the caller must hold
// Exclusive. Pages stay allocated.
func (c *Conn) Shrink(n uint64) error {
	level, err := c.CurrentLock()
	if err != nil {
		return err
	}
	if level != lock.Exclusive {
		return shared.MarkKind(fmt.Errorf("vfs: shrink at lock level %s", level), shared.KindConflict)
	}
	size, err := c.Size()
	if err != nil {
		return err
	}
	if n > size {
		return shared.MarkKind(fmt.Errorf("vfs: shrink to %d above size %d", n, size), shared.KindValidation)
	}
	if n < size {
		writeHeader(c.mem(), n)
	}
	return nil
}

// reserve grows the resource until it holds the header plus size logical bytes.
func (c *Conn) reserve(size uint64) error {
	m := c.mem()
	before := m.Size()
	want := memory.PagesFor(size + headerSize)
	if want <= before {
		return nil
	}
	if err := memory.Reserve(m, want); err != nil {
		c.h.vfs.logger.Error("grow failed",
			slog.Uint64("pages", before),
			slog.Uint64("want_pages", want),
			slog.Any("error", err),
		)
		return fmt.Errorf("vfs: grow to %d bytes: %w", size, err)
	}
	c.h.vfs.logger.Debug("resource grown",
		slog.Uint64("from_pages", before),
		slog.Uint64("to_pages", m.Size()),
	)
	return nil
}

// Lock moves the connection towards l and reports whether it was granted.
func (c *Conn) Lock(l lock.Level) (bool, error) {
	return c.transition(l)
}

// Unlock moves the connection towards l and reports whether it was granted.
func (c *Conn) Unlock(l lock.Level) (bool, error) {
	return c.transition(l)
}

func (c *Conn) transition(l lock.Level) (bool, error) {
	if !l.Valid() {
		return false, shared.MarkKind(fmt.Errorf("vfs: unknown lock level %d", int(l)), shared.KindValidation)
	}

	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if c.h.closed {
		return false, ErrClosed
	}

	from := c.h.level
	next, ok := c.h.vfs.state.Transition(from, l)
	c.h.level = next
	if !ok {
		c.h.vfs.logger.Debug("lock refused",
			slog.String("from", from.String()),
			slog.String("want", l.String()),
			slog.String("now", next.String()),
		)
	}
	return ok, nil
}

// CurrentLock returns the connection's own level.
func (c *Conn) CurrentLock() (lock.Level, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if c.h.closed {
		return lock.None, ErrClosed
	}
	return c.h.level, nil
}

// Reserved reports whether this connection is past Shared or any connection
// holds writer intent.
func (c *Conn) Reserved() (bool, error) {
	level, err := c.CurrentLock()
	if err != nil {
		return false, err
	}
	return level > lock.Shared || c.h.vfs.state.HasIntent(), nil
}

// WALDisabled is the WAL index of a connection that never runs in WAL mode.
type WALDisabled struct{}

// Enabled always reports false.
func (WALDisabled) Enabled() bool { return false }

// WALIndex returns a disabled index.
func (c *Conn) WALIndex(readOnly bool) (WALDisabled, error) {
	return WALDisabled{}, c.checkOpen()
}

// SetChunkSize is accepted and ignored.
func (c *Conn) SetChunkSize(size int) error {
	return c.checkOpen()
}

// Moved always reports false: the resource cannot be renamed.
func (c *Conn) Moved() (bool, error) {
	return false, c.checkOpen()
}

// Close releases the connection's lock. Closing twice returns ErrClosed.
func (c *Conn) Close() error {
	if !c.h.release() {
		return ErrClosed
	}
	c.cleanup.Stop()
	c.h.vfs.logger.Debug("connection closed", slog.Int64("open_conns", c.h.vfs.conns.Load()))
	return nil
}
