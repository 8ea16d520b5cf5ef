//go:build unix

package memory

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"pagevfs/internal/shared"
)

// FileLocking reports whether OpenFile guards the page file with an
// advisory lock on this platform.
const FileLocking = true

// lockFile takes an exclusive advisory lock on the page file. Each process
// keeps its own lock state and page count, so only one may hold the file.
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return shared.MarkKind(fmt.Errorf("memory: %s is already open elsewhere", f.Name()), shared.KindConflict)
	}
	if err != nil {
		return fmt.Errorf("memory: lock %s: %w", f.Name(), err)
	}
	return nil
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
