// Package errs defines the store's closed set of error kinds. Every
// failure returned across package boundaries wraps exactly one of these
// sentinels so callers can classify with errors.Is regardless of which
// component produced the error.
package errs

import "errors"

var (
	// ErrInvalidArgument covers null/empty key or data, duplicate keys,
	// declared length/hash mismatches, and streams that overrun their
	// declared length mid-transfer.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned by Get for an unknown key.
	ErrNotFound = errors.New("not found")

	// ErrIO covers file open/read/write failures, short reads of index
	// blocks, unqueryable source stream lengths, and out-of-range slice
	// windows.
	ErrIO = errors.New("io failure")

	// ErrCancelled wraps a context cancellation observed at an admission
	// checkpoint.
	ErrCancelled = errors.New("cancelled")

	// ErrCorruption is raised at open when the data file is shorter than
	// the index header's recorded storage length — unrecoverable by
	// truncation.
	ErrCorruption = errors.New("corruption")

	// ErrClosed is returned by Add when attempted after Close. Get and
	// Contains do not check for a closed store and do not return it.
	ErrClosed = errors.New("store closed")

	// ErrLocked is returned by Open when another session already holds
	// the working folder's advisory lock.
	ErrLocked = errors.New("working folder locked by another session")
)
