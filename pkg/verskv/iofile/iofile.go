// Package iofile is the process-level asynchronous-file driver that
// spec.md §1 lists as an external collaborator ("assumed to offer
// positional read/write and sync"). The pager consumes it through the
// AsyncFile interface; this package supplies the one concrete
// implementation the core ships, plus a deterministic fake used by
// tests that need to inject faults or control completion order
// (spec.md §9's "file layer should be mockable to a queue of pending
// operations").
package iofile

import (
	"context"

	"github.com/oda/verskv/pkg/verskv/future"
)

// AsyncFile is the positional read/write/sync/grow surface the pager
// needs. Every method submits work to the file layer's own submission
// queue (spec.md §5's "only true parallelism") and returns a Future
// rather than blocking, so many reads of distinct offsets can be in
// flight at once.
type AsyncFile interface {
	// ReadAt reads len(buf) bytes starting at off into buf.
	ReadAt(ctx context.Context, off int64, buf []byte) *future.Future[int]
	// WriteAt writes buf starting at off.
	WriteAt(ctx context.Context, off int64, buf []byte) *future.Future[int]
	// Sync durably flushes prior writes (fsync/fdatasync).
	Sync(ctx context.Context) *future.Future[struct{}]
	// Truncate grows (never shrinks) the file to size bytes.
	Truncate(ctx context.Context, size int64) *future.Future[struct{}]
	// Size returns the current file size.
	Size() (int64, error)
	// Close drains outstanding work and releases the file handle.
	Close() error
}
