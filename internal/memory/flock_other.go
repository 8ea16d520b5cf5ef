//go:build !unix

package memory

import "os"

// FileLocking reports whether OpenFile guards the page file with an
// advisory lock on this platform.
const FileLocking = false

// Advisory locking is unix-only; elsewhere one process per page file is
// the operator's responsibility.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
