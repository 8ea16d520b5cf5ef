// Package memory provides growable, page-addressed raw memory resources.
//
// A resource only ever grows in whole 64 KiB pages and exposes a flat byte
// address space on top of them. Reads and writes outside the current
// capacity are caller bugs: every implementation panics with an error
// wrapping shared.ErrInvariantViolated instead of truncating or wrapping.
package memory

import (
	"fmt"
	"math"

	"pagevfs/internal/shared"
)

const (
	// PageSize is the growth unit of every resource in bytes.
	PageSize = 64 * 1024

	// MaxPages is the largest number of pages a resource may address.
	MaxPages uint64 = math.MaxInt64 / PageSize

	// GrowFailed is returned by Grow when the request cannot be satisfied.
	GrowFailed int64 = -1
)

// Memory is a growable, page-granular raw memory resource.
type Memory interface {
	// Size returns the current size in pages.
	Size() uint64

	// Grow adds pages of zero-filled storage. It returns the size prior to
	// growth, or GrowFailed with the size unchanged.
	Grow(pages uint64) int64

	// Read copies len(dst) bytes starting at offset into dst.
	Read(offset uint64, dst []byte)

	// Write copies src into the resource starting at offset.
	Write(offset uint64, src []byte)
}

// Capacity returns the number of addressable bytes of m.
func Capacity(m Memory) uint64 {
	return m.Size() * PageSize
}

// PagesFor returns the number of whole pages needed to hold n bytes.
func PagesFor(n uint64) uint64 {
	pages := n / PageSize
	if n%PageSize != 0 {
		pages++
	}
	return pages
}

// Reserve grows m until it holds at least pages pages.
func Reserve(m Memory, pages uint64) error {
	current := m.Size()
	if current >= pages {
		return nil
	}
	if m.Grow(pages-current) == GrowFailed {
		return shared.MarkKind(fmt.Errorf("memory: reserve %d pages", pages), shared.KindOutOfMemory)
	}
	return nil
}

type options struct {
	pageLimit uint64
}

// Option configures a resource implementation.
type Option func(*options)

// WithPageLimit caps the size a resource may grow to. Zero means MaxPages.
func WithPageLimit(pages uint64) Option {
	return func(o *options) {
		o.pageLimit = pages
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.pageLimit == 0 || o.pageLimit > MaxPages {
		o.pageLimit = MaxPages
	}
	return o
}

// growTarget returns the size after adding pages to current, or false when
// the addition overflows or passes limit.
func growTarget(current, pages, limit uint64) (uint64, bool) {
	next := current + pages
	if next < current || next > limit {
		return 0, false
	}
	return next, true
}

func checkRange(op string, offset uint64, n int, capacity uint64) {
	end := offset + uint64(n)
	shared.MustHold(end >= offset && end <= capacity,
		"memory: %s [%d,%d) beyond %d bytes", op, offset, end, capacity)
}
