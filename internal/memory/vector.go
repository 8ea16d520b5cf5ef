package memory

import (
	"math"
	"sync"
)

// maxVectorPages bounds a Vector by the largest slice the runtime can index.
const maxVectorPages = uint64(math.MaxInt / PageSize)

// Vector is a Memory backed by an in-process byte slice. It is used when no
// host primitive is available, and in tests.
//
// The whole buffer sits behind one RWMutex: reads share it, writes and
// growth take it exclusively, so no access observes a resize in progress.
type Vector struct {
	mu    sync.RWMutex
	buf   []byte
	limit uint64
}

var _ Memory = (*Vector)(nil)

// NewVector returns an empty Vector (zero pages).
func NewVector(opts ...Option) *Vector {
	o := newOptions(opts)
	return &Vector{limit: min(o.pageLimit, maxVectorPages)}
}

// Size implements Memory.
func (v *Vector) Size() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return uint64(len(v.buf)) / PageSize
}

// Grow implements Memory.
func (v *Vector) Grow(pages uint64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	current := uint64(len(v.buf)) / PageSize
	next, ok := growTarget(current, pages, v.limit)
	if !ok {
		return GrowFailed
	}
	if next == current {
		return int64(current)
	}

	buf, ok := allocate(int(next * PageSize))
	if !ok {
		return GrowFailed
	}
	copy(buf, v.buf)
	v.buf = buf
	return int64(current)
}

// Read implements Memory.
func (v *Vector) Read(offset uint64, dst []byte) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	checkRange("read", offset, len(dst), uint64(len(v.buf)))
	copy(dst, v.buf[offset:])
}

// Write implements Memory.
func (v *Vector) Write(offset uint64, src []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	checkRange("write", offset, len(src), uint64(len(v.buf)))
	copy(v.buf[offset:], src)
}

// allocate turns the runtime's "len out of range" panic into a failed grow.
func allocate(n int) (buf []byte, ok bool) {
	defer func() {
		if recover() != nil {
			buf, ok = nil, false
		}
	}()
	return make([]byte, n), true
}
