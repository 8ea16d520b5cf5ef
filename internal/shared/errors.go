// Package shared contains common error types and utilities.
package shared

import (
	"context"
	"errors"
	"fmt"
)

// Storage error taxonomy shared by the memory, lock and vfs layers.
var (
	// ErrNotFound indicates that a requested file or backend does not exist
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates a request for an unsupported file kind
	ErrPermissionDenied = errors.New("permission denied")

	// ErrOutOfMemory indicates that the paged memory resource refused to grow
	ErrOutOfMemory = errors.New("out of memory")

	// ErrConflict indicates that a lock is held by another handle
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates that input validation failed
	ErrValidation = errors.New("validation failed")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrInvariantViolated indicates a broken storage invariant; it travels by panic, never by return
	ErrInvariantViolated = errors.New("invariant violated")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindNotFound represents unknown file names and missing backends
	KindNotFound
	// KindPermissionDenied represents unsupported file kinds
	KindPermissionDenied
	// KindOutOfMemory represents refused growth
	KindOutOfMemory
	// KindConflict represents lock contention
	KindConflict
	// KindValidation represents input validation errors
	KindValidation
	// KindInternal represents internal errors
	KindInternal
	// KindTimeout represents timeout errors
	KindTimeout
	// KindInvariantViolated represents corrupted-range conditions
	KindInvariantViolated
	// KindCanceled represents context cancellation
	KindCanceled
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindConflict:
		return "Conflict"
	case KindValidation:
		return "Validation"
	case KindInternal:
		return "Internal"
	case KindTimeout:
		return "Timeout"
	case KindInvariantViolated:
		return "InvariantViolated"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

var kindToSentinel = map[Kind]error{
	KindNotFound:          ErrNotFound,
	KindPermissionDenied:  ErrPermissionDenied,
	KindOutOfMemory:       ErrOutOfMemory,
	KindConflict:          ErrConflict,
	KindValidation:        ErrValidation,
	KindInternal:          ErrInternal,
	KindTimeout:           ErrTimeout,
	KindInvariantViolated: ErrInvariantViolated,
}

// kindPriorities defines the deterministic order for error classification.
// Higher priority (lower index) kinds are checked first in KindOf.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},
	{KindTimeout, ErrTimeout},
	{KindInvariantViolated, ErrInvariantViolated}, // corruption outranks everything it is joined with
	{KindNotFound, ErrNotFound},
	{KindPermissionDenied, ErrPermissionDenied},
	{KindOutOfMemory, ErrOutOfMemory},
	{KindConflict, ErrConflict},
	{KindValidation, ErrValidation},
	{KindInternal, ErrInternal},
}

// KindOf returns the Kind of the given error by checking against known sentinel errors.
// It traverses the error chain using a deterministic priority order:
//  1. KindCanceled (context.Canceled)
//  2. KindTimeout (context.DeadlineExceeded, ErrTimeout)
//  3. KindInvariantViolated
//  4. KindNotFound, KindPermissionDenied, KindOutOfMemory, KindConflict, KindValidation
//  5. KindInternal
//
// For errors created with errors.Join, the first matching kind in priority order is returned.
// Returns KindUnknown for unrecognized errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if priority.err != nil && errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// HasKind reports whether the given error has the specified kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns the sentinel error for the given Kind.
// For KindUnknown and KindCanceled, it returns nil.
func SentinelOf(kind Kind) error {
	if sentinel, exists := kindToSentinel[kind]; exists {
		return sentinel
	}
	return nil
}

// MarkKind wraps an error with the sentinel error for the given kind,
// preserving the original error through error wrapping.
// If err is nil, returns the sentinel error for the kind (or nil for unsupported kinds).
// Marking an error with a kind it already has returns the error unchanged.
//
//	if n := mem.Grow(pages); n == memory.GrowFailed {
//	    return shared.MarkKind(fmt.Errorf("grow %d pages", pages), shared.KindOutOfMemory)
//	}
func MarkKind(err error, kind Kind) error {
	if err == nil {
		return SentinelOf(kind)
	}

	switch kind {
	case KindUnknown, KindCanceled:
		return err
	}

	sentinel := SentinelOf(kind)
	if sentinel == nil {
		return err
	}
	if KindOf(err) == kind {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap wraps an error with additional context.
// It returns a new error that formats as "context: err".
// If err is nil, Wrap returns nil. If context is empty, returns the original error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(format, args...)
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Invariant checks a condition and returns an error if it's false.
func Invariant(condition bool, message string) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvariantViolated, message)
}

// InvariantF checks a condition and returns a formatted error if it's false.
func InvariantF(condition bool, format string, args ...any) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvariantViolated, fmt.Sprintf(format, args...))
}

// MustHold panics with an ErrInvariantViolated error when condition is false.
// It is reserved for conditions that mean a caller bug and would corrupt
// storage if execution continued.
func MustHold(condition bool, format string, args ...any) {
	if condition {
		return
	}
	panic(InvariantF(false, format, args...))
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout)
}

// IsNotFound reports whether the error indicates an unknown file or backend.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermissionDenied reports whether the error indicates an unsupported file kind.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsOutOfMemory reports whether the error indicates refused growth.
func IsOutOfMemory(err error) bool {
	return errors.Is(err, ErrOutOfMemory)
}

// IsConflict reports whether the error indicates lock contention.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether the error indicates input validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInternal reports whether the error indicates an internal error.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

// IsInvariantViolated reports whether the error indicates a broken storage invariant.
func IsInvariantViolated(err error) bool {
	return errors.Is(err, ErrInvariantViolated)
}

// Cause returns the underlying cause of the error by repeatedly unwrapping it.
// For errors.Join, returns the first root cause found in breadth-first order.
// If err is nil, Cause returns nil.
func Cause(err error) error {
	if err == nil {
		return nil
	}

	all := UnwrapAll(err)
	for i := len(all) - 1; i >= 0; i-- {
		candidate := all[i]

		var hasNested bool
		if unwrapper, ok := candidate.(interface{ Unwrap() []error }); ok {
			hasNested = len(unwrapper.Unwrap()) > 0
		} else {
			hasNested = errors.Unwrap(candidate) != nil
		}
		if !hasNested {
			return candidate
		}
	}
	return err
}

// UnwrapAll returns all errors in the error chain, from outermost to innermost.
// For errors created with errors.Join, this flattens the entire error graph.
func UnwrapAll(err error) []error {
	if err == nil {
		return nil
	}

	var result []error
	seen := make(map[error]bool)
	queue := []error{err}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)

		if unwrapper, ok := current.(interface{ Unwrap() []error }); ok {
			queue = append(queue, unwrapper.Unwrap()...)
		} else if nested := errors.Unwrap(current); nested != nil {
			queue = append(queue, nested)
		}
	}

	return result
}
