// Package shared contains the error taxonomy used across the storage layers
// without domain-specific logic.
//
// # Error Types
//
//   - ErrNotFound: the requested file name is not the accepted database name
//   - ErrPermissionDenied: the requested file kind is not the main database
//   - ErrOutOfMemory: the paged memory resource refused to grow
//   - ErrConflict: a lock is held by another handle (busy)
//   - ErrValidation: configuration or request input is invalid
//   - ErrInternal: unexpected failure
//   - ErrTimeout: an operation timed out
//   - ErrInvariantViolated: a byte range fell outside the resource
//
// ErrInvariantViolated is never returned through an error value by the
// storage layers. Out-of-range access means the calling layer is broken, so
// the memory implementations panic via MustHold and nothing recovers from it:
//
//	shared.MustHold(end <= capacity, "read [%d,%d) beyond %d bytes", off, end, capacity)
//
// # Classification
//
// Use KindOf, HasKind or the predicates:
//
//	switch shared.KindOf(err) {
//	case shared.KindNotFound:
//	    // wrong database name
//	case shared.KindPermissionDenied:
//	    // journal, WAL or temp file requested
//	case shared.KindOutOfMemory:
//	    // growth refused
//	}
//
// # Kind Priority Table
//
// When multiple error kinds are present (e.g., with errors.Join), KindOf returns the highest priority kind:
//
//	Priority | Kind                  | Description
//	---------|-----------------------|--------------------
//	1        | KindCanceled          | Context cancellation (highest)
//	2        | KindTimeout           | Timeout/deadline errors
//	3        | KindInvariantViolated | Corrupted range
//	4        | KindNotFound          | Unknown file name
//	5        | KindPermissionDenied  | Unsupported file kind
//	6        | KindOutOfMemory       | Growth refused
//	7        | KindConflict          | Lock contention
//	8        | KindValidation        | Invalid input
//	9        | KindInternal          | Internal errors (lowest)
//
// # Wrapping
//
//	if err := conn.SetLen(n); err != nil {
//	    return shared.Wrapf(err, "set length %d", n)
//	}
//
// Map kinds to transport codes in adapter layers, not in this package.
package shared
