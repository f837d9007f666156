package iofile

import (
	"context"
	"sync"

	"github.com/oda/verskv/pkg/verskv/future"
)

// FakeFile is an in-memory AsyncFile used by tests that need to inject
// faults (checksum corruption via direct buffer mutation, short reads,
// forced I/O errors) or observe recovery without a real filesystem.
// It settles every future synchronously, when the operation is called, matching
// spec.md §9's requirement that "tests must be able to inject completion
// order deterministically."
type FakeFile struct {
	mu   sync.Mutex
	data []byte

	// FailReads/FailWrites/FailSync, when non-nil, are returned instead
	// of performing the operation — used to exercise the pager's
	// deferred-write-error-to-commit-time path (spec.md §7).
	FailReads  error
	FailWrites error
	FailSync   error
}

// NewFakeFile returns an empty FakeFile.
func NewFakeFile() *FakeFile {
	return &FakeFile{}
}

func (ff *FakeFile) grow(to int64) {
	if int64(len(ff.data)) < to {
		grown := make([]byte, to)
		copy(grown, ff.data)
		ff.data = grown
	}
}

func (ff *FakeFile) ReadAt(ctx context.Context, off int64, buf []byte) *future.Future[int] {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.FailReads != nil {
		return future.Ready(0, ff.FailReads)
	}
	if off+int64(len(buf)) > int64(len(ff.data)) {
		return future.Ready(0, errShortRead)
	}
	n := copy(buf, ff.data[off:off+int64(len(buf))])
	return future.Ready(n, ctx.Err())
}

func (ff *FakeFile) WriteAt(ctx context.Context, off int64, buf []byte) *future.Future[int] {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.FailWrites != nil {
		return future.Ready(0, ff.FailWrites)
	}
	ff.grow(off + int64(len(buf)))
	n := copy(ff.data[off:], buf)
	return future.Ready(n, ctx.Err())
}

func (ff *FakeFile) Sync(ctx context.Context) *future.Future[struct{}] {
	if ff.FailSync != nil {
		return future.Ready(struct{}{}, ff.FailSync)
	}
	return future.Ready(struct{}{}, ctx.Err())
}

func (ff *FakeFile) Truncate(ctx context.Context, size int64) *future.Future[struct{}] {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.grow(size)
	return future.Ready(struct{}{}, ctx.Err())
}

func (ff *FakeFile) Size() (int64, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return int64(len(ff.data)), nil
}

func (ff *FakeFile) Close() error { return nil }

// Corrupt flips bits in the byte range [off, off+n) — used to simulate
// the bit-flip scenario in spec.md §8 scenario 3.
func (ff *FakeFile) Corrupt(off int64, n int) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	for i := off; i < off+int64(n) && i < int64(len(ff.data)); i++ {
		ff.data[i] ^= 0xFF
	}
}

var errShortRead = shortReadError{}

type shortReadError struct{}

func (shortReadError) Error() string { return "iofile: short read past end of file" }
