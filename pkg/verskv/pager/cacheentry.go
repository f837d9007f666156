package pager

import (
	"context"
	"sync"

	"github.com/oda/verskv/pkg/verskv/future"
	"github.com/oda/verskv/pkg/verskv/page"
)

// cacheEntry is the object cache's per-LPID value. It serializes
// read-after-write and write-after-read for its page (spec.md §5:
// "a write observed by a later read sees the new bytes; a read started
// before a write completes sees the old bytes") and reports itself
// non-evictable while I/O is in flight (spec.md §4.2).
type cacheEntry struct {
	mu sync.Mutex

	lpid page.LPID
	buf  *page.Buf // last known content; nil if never populated

	pendingRead  *future.Future[*page.Buf]
	pendingWrite *future.Future[struct{}]
}

func newCacheEntry(lpid page.LPID) *cacheEntry {
	return &cacheEntry{lpid: lpid}
}

// IsEvictable reports whether no read or write is currently in flight
// for this page.
func (e *cacheEntry) IsEvictable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingRead != nil && !e.pendingRead.Done() {
		return false
	}
	if e.pendingWrite != nil && !e.pendingWrite.Done() {
		return false
	}
	return true
}

// AwaitEvictable blocks until any in-flight I/O for this page settles.
func (e *cacheEntry) AwaitEvictable(ctx context.Context) error {
	e.mu.Lock()
	pr, pw := e.pendingRead, e.pendingWrite
	e.mu.Unlock()
	if pr != nil {
		if _, err := pr.Await(ctx); err != nil {
			return err
		}
	}
	if pw != nil {
		if _, err := pw.Await(ctx); err != nil {
			return err
		}
	}
	return nil
}

// content returns the last known bytes and whether any are cached.
func (e *cacheEntry) content() (*page.Buf, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf, e.buf != nil
}

// setContent replaces the cached bytes immediately, so subsequent reads
// observe the new content even before the physical write completes
// (spec.md §4.3 update_page: "the in-cache content is replaced
// immediately").
func (e *cacheEntry) setContent(buf *page.Buf) {
	e.mu.Lock()
	e.buf = buf
	e.mu.Unlock()
}
