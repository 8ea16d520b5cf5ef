//go:build wasip1

package memory

import (
	"runtime"
	"unsafe"
)

// The host's stable memory API. These four imports are the only place where
// raw addresses cross into the host.

//go:wasmimport ic0 stable64_size
func stable64Size() uint64

//go:wasmimport ic0 stable64_grow
func stable64Grow(pages uint64) int64

//go:wasmimport ic0 stable64_read
func stable64Read(dst, offset, size uint64)

//go:wasmimport ic0 stable64_write
func stable64Write(offset, src, size uint64)

// Host is a Memory backed by the host's growable stable memory.
type Host struct{}

var _ Memory = Host{}

// HostAvailable reports whether this build carries the host primitive.
func HostAvailable() bool { return true }

// NewHost returns the host-backed Memory.
func NewHost() (Memory, error) {
	return Host{}, nil
}

// Size implements Memory.
func (Host) Size() uint64 {
	return stable64Size()
}

// Grow implements Memory.
func (Host) Grow(pages uint64) int64 {
	if _, ok := growTarget(stable64Size(), pages, MaxPages); !ok {
		return GrowFailed
	}
	return stable64Grow(pages)
}

// Read implements Memory.
func (Host) Read(offset uint64, dst []byte) {
	checkRange("read", offset, len(dst), stable64Size()*PageSize)
	if len(dst) == 0 {
		return
	}
	stable64Read(uint64(uintptr(unsafe.Pointer(unsafe.SliceData(dst)))), offset, uint64(len(dst)))
	runtime.KeepAlive(dst)
}

// Write implements Memory.
func (Host) Write(offset uint64, src []byte) {
	checkRange("write", offset, len(src), stable64Size()*PageSize)
	if len(src) == 0 {
		return
	}
	stable64Write(offset, uint64(uintptr(unsafe.Pointer(unsafe.SliceData(src)))), uint64(len(src)))
	runtime.KeepAlive(src)
}
