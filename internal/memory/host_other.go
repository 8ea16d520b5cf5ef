//go:build !wasip1

package memory

import (
	"errors"

	"pagevfs/internal/shared"
)

// HostAvailable reports whether this build carries the host primitive.
func HostAvailable() bool { return false }

// NewHost reports that the host primitive is missing from this build.
func NewHost() (Memory, error) {
	return nil, shared.MarkKind(errors.New("memory: host primitive requires a wasip1 build"), shared.KindNotFound)
}
