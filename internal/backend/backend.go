// Package backend defines the storage backend that file requests drive.
//
// Operations are asynchronous: the call returns once the work is accepted and
// the outcome is delivered later through a Callback. Implementations must be
// safe for concurrent use and must invoke the callback exactly once.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// Sentinel errors for backend operations.
var (
	// ErrNotFound indicates the path does not exist.
	ErrNotFound = errors.New("path not found")

	// ErrAccessDenied indicates the caller may not touch the path.
	ErrAccessDenied = errors.New("access denied")

	// ErrBusy indicates a transient condition; the operation may be retried.
	ErrBusy = errors.New("backend busy")

	// ErrExists indicates an upload target already exists.
	ErrExists = errors.New("path already exists")

	// ErrTooManyResults indicates a listing exceeded the configured cap.
	ErrTooManyResults = errors.New("too many results")
)

// Error wraps a backend failure with the operation and path.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Err }

// Result is the outcome of one asynchronous operation.
type Result struct {
	// TURL is the transfer URL handed to the client (pin, upload).
	TURL string

	// Size is the file size in bytes, when known.
	Size int64

	// Entries holds listing output.
	Entries []types.ListEntry

	// Err is non-nil when the operation failed.
	Err error
}

// Callback receives the outcome of an operation.
type Callback func(Result)

// ListOptions configures a listing.
type ListOptions struct {
	Depth  int
	Offset int
	Count  int
}

// Backend abstracts the storage system behind the request engine.
type Backend interface {
	// Pin makes path readable for lifetime and reports its transfer URL.
	Pin(ctx context.Context, path string, lifetime time.Duration, cb Callback) error

	// Unpin releases a pin taken by Pin.
	Unpin(ctx context.Context, path string) error

	// Stage brings path online without handing out a transfer URL.
	Stage(ctx context.Context, path string, cb Callback) error

	// PrepareUpload readies path to receive size bytes.
	PrepareUpload(ctx context.Context, path string, size int64, cb Callback) error

	// List describes path, descending up to opts.Depth levels.
	List(ctx context.Context, path string, opts ListOptions, cb Callback) error
}
