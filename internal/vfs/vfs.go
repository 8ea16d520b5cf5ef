// Package vfs exposes a paged memory resource to SQLite as a single database
// file.
//
// The resource stores an 8-byte big-endian logical size followed by the
// database payload, so logical offset o lives at physical offset o+8. Every
// Conn opened on a VFS shares the same resource and the same lock.State.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"pagevfs/internal/lock"
	"pagevfs/internal/memory"
	"pagevfs/internal/shared"
)

// DefaultFileName is the only database name a VFS accepts unless configured otherwise.
const DefaultFileName = "main.db"

// OpenKind is the kind of file SQLite asks to open.
type OpenKind int

const (
	OpenMainDB OpenKind = iota
	OpenMainJournal
	OpenTempDB
	OpenTempJournal
	OpenTransientDB
	OpenSubJournal
	OpenSuperJournal
	OpenWAL
)

func (k OpenKind) String() string {
	switch k {
	case OpenMainDB:
		return "main-db"
	case OpenMainJournal:
		return "main-journal"
	case OpenTempDB:
		return "temp-db"
	case OpenTempJournal:
		return "temp-journal"
	case OpenTransientDB:
		return "transient-db"
	case OpenSubJournal:
		return "sub-journal"
	case OpenSuperJournal:
		return "super-journal"
	case OpenWAL:
		return "wal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// OpenOptions describes an open request.
type OpenOptions struct {
	Kind     OpenKind
	ReadOnly bool
	Create   bool
}

// SleepFunc waits for roughly d and reports how long it actually waited.
type SleepFunc func(d time.Duration) time.Duration

// PassThroughSleep reports d as elapsed without waiting. Suits cooperative
// hosts where blocking is meaningless.
func PassThroughSleep(d time.Duration) time.Duration {
	return d
}

// BlockingSleep parks the calling goroutine for at least a millisecond and
// returns the measured time.
func BlockingSleep(d time.Duration) time.Duration {
	start := time.Now()
	time.Sleep(max(d, time.Millisecond))
	return time.Since(start)
}

// VFS is the front door: it resolves names to the single database and
// produces connections.
type VFS struct {
	mem    memory.Memory
	state  *lock.State
	name   string
	sleep  SleepFunc
	random io.Reader
	logger *slog.Logger

	conns atomic.Int64
}

// Option configures a VFS.
type Option func(*VFS)

// WithFileName replaces DefaultFileName.
func WithFileName(name string) Option {
	return func(v *VFS) {
		if name != "" {
			v.name = name
		}
	}
}

// WithSleep sets the sleep policy.
func WithSleep(fn SleepFunc) Option {
	return func(v *VFS) {
		if fn != nil {
			v.sleep = fn
		}
	}
}

// WithRandom sets the host randomness source used by Random.
func WithRandom(r io.Reader) Option {
	return func(v *VFS) {
		v.random = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *VFS) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithLockState shares an existing lock state, e.g. between two VFS values
// that front the same resource.
func WithLockState(s *lock.State) Option {
	return func(v *VFS) {
		if s != nil {
			v.state = s
		}
	}
}

// New returns a VFS over mem.
func New(mem memory.Memory, opts ...Option) *VFS {
	v := &VFS{
		mem:    mem,
		state:  lock.NewState(),
		name:   DefaultFileName,
		sleep:  PassThroughSleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(slog.String("component", "vfs"))
	return v
}

// FileName returns the accepted database name.
func (v *VFS) FileName() string {
	return v.name
}

// Memory returns the backing resource.
func (v *VFS) Memory() memory.Memory {
	return v.mem
}

// LockState returns the lock state shared by every connection.
func (v *VFS) LockState() *lock.State {
	return v.state
}

// Open returns a new connection at lock level None.
func (v *VFS) Open(name string, opts OpenOptions) (*Conn, error) {
	if name != v.name {
		v.logger.Warn("open rejected", slog.String("name", name), slog.String("reason", "unknown file"))
		return nil, shared.MarkKind(fmt.Errorf("vfs: open %q: only %q exists", name, v.name), shared.KindNotFound)
	}
	if opts.Kind != OpenMainDB {
		v.logger.Warn("open rejected", slog.String("name", name), slog.String("kind", opts.Kind.String()))
		return nil, shared.MarkKind(fmt.Errorf("vfs: open %q as %s: unsupported file kind", name, opts.Kind), shared.KindPermissionDenied)
	}

	c := newConn(v)
	open := v.conns.Add(1)
	v.logger.Debug("connection opened",
		slog.Bool("read_only", opts.ReadOnly),
		slog.Int64("open_conns", open),
	)
	return c, nil
}

// Delete is a no-op: the single resource outlives every connection.
func (v *VFS) Delete(name string) error {
	return nil
}

// Exists reports whether name is the database and the resource holds any pages.
func (v *VFS) Exists(name string) (bool, error) {
	return name == v.name && v.mem.Size() > 0, nil
}

// TemporaryName always returns the database name: no separate temp files exist.
func (v *VFS) TemporaryName() string {
	return v.name
}

// Random fills every byte of buf with pseudo-random data.
func (v *VFS) Random(buf []byte) {
	n := 0
	if v.random != nil {
		n, _ = io.ReadFull(v.random, buf)
	}
	for i := n; i < len(buf); i += 8 {
		word := rand.Uint64()
		for j := 0; j < 8 && i+j < len(buf); j++ {
			buf[i+j] = byte(word >> (8 * j))
		}
	}
}

// Sleep delegates to the configured SleepFunc.
func (v *VFS) Sleep(d time.Duration) time.Duration {
	return v.sleep(d)
}

// Stats is a point-in-time view of the resource and lock state.
type Stats struct {
	Pages       uint64      `json:"pages"`
	Capacity    uint64      `json:"capacity_bytes"`
	LogicalSize uint64      `json:"logical_size_bytes"`
	Readers     int         `json:"readers"`
	Intent      lock.Intent `json:"-"`
	IntentName  string      `json:"intent"`
	Connections int64       `json:"connections"`
}

// Stats returns the current Stats.
func (v *VFS) Stats() Stats {
	snap := v.state.Snapshot()
	pages := v.mem.Size()
	var logical uint64
	if pages > 0 {
		logical = readHeader(v.mem)
	}
	return Stats{
		Pages:       pages,
		Capacity:    pages * memory.PageSize,
		LogicalSize: logical,
		Readers:     snap.Readers,
		Intent:      snap.Intent,
		IntentName:  snap.Intent.String(),
		Connections: v.conns.Load(),
	}
}

// String renders s for logs and the CLI.
func (s Stats) String() string {
	return fmt.Sprintf("%s logical, %s capacity (%d pages), %d readers, intent %s, %d connections",
		humanize.IBytes(s.LogicalSize), humanize.IBytes(s.Capacity), s.Pages, s.Readers, s.IntentName, s.Connections)
}

// ErrClosed is returned by every operation on a closed Conn.
var ErrClosed = errors.New("vfs: connection closed")
