package vfs

import (
	"errors"
	"fmt"
	"io"

	"pagevfs/internal/lock"
	"pagevfs/internal/shared"
)

// SyncType is the flag set SQLite passes to xSync.
type SyncType int

const (
	SyncNormal   SyncType = 0x00002
	SyncFull     SyncType = 0x00003
	SyncDataOnly SyncType = 0x00010
)

// LockType is SQLite's numeric lock level.
type LockType int

const (
	LockNone      LockType = 0
	LockShared    LockType = 1
	LockReserved  LockType = 2
	LockPending   LockType = 3
	LockExclusive LockType = 4
)

func (lt LockType) String() string {
	if lt < LockNone || lt > LockExclusive {
		return fmt.Sprintf("LockTypeUnknown<%d>", int(lt))
	}
	return lock.Level(lt).String()
}

// DeviceCharacteristic is a bit set returned by xDeviceCharacteristics.
type DeviceCharacteristic int

const (
	IocapAtomic             DeviceCharacteristic = 0x00000001
	IocapSafeAppend         DeviceCharacteristic = 0x00000200
	IocapSequential         DeviceCharacteristic = 0x00000400
	IocapPowersafeOverwrite DeviceCharacteristic = 0x00001000
)

// sectorSize is reported to SQLite as the write unit of the resource.
const sectorSize = 4096

type busyError struct{}

func (busyError) Error() string { return "vfs: database is locked" }

// Busy marks the error as retryable for pkg/retry.
func (busyError) Busy() bool { return true }

func (busyError) Is(target error) bool { return target == shared.ErrConflict }

// ErrBusy is returned by File.Lock when the lock state refuses the request.
// It matches shared.ErrConflict.
var ErrBusy error = busyError{}

// File adapts a Conn to the handle contract of SQLite's VFS layer: signed
// offsets, io.ReaderAt/io.WriterAt semantics and numeric lock types.
type File struct {
	conn *Conn
}

// OpenFile opens name and wraps the connection as a File.
func (v *VFS) OpenFile(name string, opts OpenOptions) (*File, error) {
	c, err := v.Open(name, opts)
	if err != nil {
		return nil, err
	}
	return &File{conn: c}, nil
}

// Conn returns the underlying connection.
func (f *File) Conn() *Conn {
	return f.conn
}

func checkOffset(off int64) error {
	if off < 0 {
		return shared.MarkKind(fmt.Errorf("vfs: negative offset %d", off), shared.KindValidation)
	}
	return nil
}

// ReadAt implements io.ReaderAt. Bytes past the logical end read as zero and
// the read is reported short with io.EOF.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if err := checkOffset(off); err != nil {
		return 0, err
	}
	size, err := f.conn.Size()
	if err != nil {
		return 0, err
	}

	n := 0
	if uint64(off) < size {
		n = int(min(uint64(len(p)), size-uint64(off)))
		if err := f.conn.ReadExactAt(p[:n], uint64(off)); err != nil {
			return 0, err
		}
	}
	clear(p[n:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if err := checkOffset(off); err != nil {
		return 0, err
	}
	if err := f.conn.WriteAllAt(p, uint64(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Truncate grows the database to size bytes; it never shrinks it.
func (f *File) Truncate(size int64) error {
	if err := checkOffset(size); err != nil {
		return err
	}
	return f.conn.SetLen(uint64(size))
}

// Sync is a no-op.
func (f *File) Sync(flag SyncType) error {
	return f.conn.Sync(flag&SyncDataOnly != 0)
}

// FileSize returns the logical size.
func (f *File) FileSize() (int64, error) {
	size, err := f.conn.Size()
	return int64(size), err
}

// Lock raises the lock level. A refusal is returned as ErrBusy.
func (f *File) Lock(elock LockType) error {
	return f.transition(elock)
}

// Unlock lowers the lock level.
func (f *File) Unlock(elock LockType) error {
	return f.transition(elock)
}

func (f *File) transition(elock LockType) error {
	ok, err := f.conn.Lock(lock.Level(elock))
	if err != nil {
		return err
	}
	if !ok {
		return ErrBusy
	}
	return nil
}

// CheckReservedLock reports whether any connection holds writer intent.
func (f *File) CheckReservedLock() (bool, error) {
	return f.conn.Reserved()
}

// SectorSize returns the write unit reported to SQLite.
func (f *File) SectorSize() int64 {
	return sectorSize
}

// DeviceCharacteristics reports that appends never expose garbage and that
// overwrites leave neighbouring bytes intact.
func (f *File) DeviceCharacteristics() DeviceCharacteristic {
	return IocapSafeAppend | IocapPowersafeOverwrite
}

// SizeHint pre-allocates room for size bytes without changing the logical size.
func (f *File) SizeHint(size int64) error {
	if err := checkOffset(size); err != nil {
		return err
	}
	if err := f.conn.checkOpen(); err != nil {
		return err
	}
	return f.conn.reserve(uint64(size))
}

// Close releases the connection.
func (f *File) Close() error {
	err := f.conn.Close()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
