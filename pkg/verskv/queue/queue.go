// Package queue implements the FIFO page-queue: an append-only linked
// list of pages used for the pager's own free list, delayed-free list
// and remap log, and reused by the B+tree for its lazy subtree deletion
// queue (spec.md §4.1).
//
// The teacher has nothing like this — 7thCode-BPTree's pager keeps a
// single intrusive free-list head inline in the meta page
// (pkg/bptree2/bpager/pager.go AllocatePage/FreePage). This package
// generalizes that idiom (page holds "next free page" in its first 8
// bytes) from a single linked page to a full FIFO with head and tail
// cursors, variable-length items, and the two-phase flush spec.md §4.1
// and §9 call for to break the cycle between a queue and the allocator
// it is built from.
package queue

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/oda/verskv/pkg/verskv/kverr"
	"github.com/oda/verskv/pkg/verskv/page"
)

// headerSize is next_lpid(8) + next_offset(2) + end_offset(2), per
// spec.md §4.1 "Page layout" / §6 "Queue page layout".
const headerSize = 8 + 2 + 2

// PageStore is the minimal page I/O surface the queue needs. The pager
// implements this for its own meta-queues and for the B+tree's
// lazy-delete queue; it is the "capability object" spec.md §9 describes
// to break the queue/pager cycle without the queue owning the pager.
type PageStore interface {
	ReadQueuePage(ctx context.Context, lpid page.LPID) (*page.Buf, error)
	WriteQueuePage(ctx context.Context, lpid page.LPID, buf *page.Buf) error
}

// Allocator is the other half of the capability object: new page ids and
// page frees, invoked re-entrantly (push_back may allocate, pop may
// free, and both of those may themselves be a push/pop of one of the
// pager's own queues).
type Allocator interface {
	NewPageID(ctx context.Context) (page.LPID, error)
	FreePage(ctx context.Context, lpid page.LPID, version int64) error
}

// Codec encodes and decodes one item. Decode must report how many bytes
// it consumed so the queue can pack items densely; it returns
// ok=false if buf does not hold a complete item, which Pop and PeekAll
// report as a corrupt entry.
type Codec[T any] struct {
	Encode func(T) []byte
	Decode func(buf []byte) (item T, consumed int, ok bool)
}

// State is the queue's persisted cursor, embedded in the pager header
// (spec.md §6).
type State struct {
	HeadLPID   page.LPID
	HeadOffset uint16
	TailLPID   page.LPID
	PageCount  int64
	EntryCount int64
}

// Queue is a typed FIFO backed by a linked list of pages.
type Queue[T any] struct {
	store     PageStore
	alloc     Allocator
	pageSize  int
	codec     Codec[T]
	st        State

	// tail is the in-memory mirror of the page at st.TailLPID, kept
	// resident across writes until it fills (spec.md §4.1 "Write
	// discipline": a page is never rewritten once it holds durable
	// data, so the writer accumulates into this buffer and only
	// persists it when full or at flush).
	tail      *page.Buf
	tailEnd   uint16 // next free offset within tail's data region
	tailDirty bool

	// preparedNextTail holds a page id allocated by PreFlush, ready to
	// be linked onto the current tail at FinishFlush.
	preparedNextTail page.LPID

	// frontChain holds items queued via PushFront before the next
	// flush; they are written as fresh page(s) and spliced in front of
	// the current head by FinishFlush.
	frontChain []T
}

// Create initializes a brand-new empty queue whose first page is
// firstPage (already allocated by the caller).
func Create[T any](store PageStore, alloc Allocator, pageSize int, codec Codec[T], firstPage page.LPID) *Queue[T] {
	buf := page.NewBuf(pageSize)
	writeQueueHeader(buf, page.Invalid, headerSize, headerSize)

	return &Queue[T]{
		store:    store,
		alloc:    alloc,
		pageSize: pageSize,
		codec:    codec,
		st: State{
			HeadLPID:   firstPage,
			HeadOffset: headerSize,
			TailLPID:   firstPage,
			PageCount:  1,
			EntryCount: 0,
		},
		tail:    buf,
		tailEnd: headerSize,
		// A brand-new queue's tail page has never been written to disk,
		// so it must be flushed at least once even if nothing is ever
		// pushed to it — otherwise recovery's first read of the tail
		// finds stale, unchecksummed bytes.
		tailDirty:        true,
		preparedNextTail: page.Invalid,
	}
}

// Recover reattaches a queue to its persisted state after a restart.
func Recover[T any](ctx context.Context, store PageStore, alloc Allocator, pageSize int, codec Codec[T], st State) (*Queue[T], error) {
	q := &Queue[T]{
		store:            store,
		alloc:            alloc,
		pageSize:         pageSize,
		codec:            codec,
		st:               st,
		preparedNextTail: page.Invalid,
	}
	buf, err := store.ReadQueuePage(ctx, st.TailLPID)
	if err != nil {
		return nil, fmt.Errorf("queue: recover tail %d: %w", st.TailLPID, err)
	}
	_, _, endOff := readQueueHeader(buf)
	q.tail = buf
	q.tailEnd = endOff
	return q, nil
}

// GetState returns the queue's current persisted cursor.
func (q *Queue[T]) GetState() State { return q.st }

func writeQueueHeader(buf *page.Buf, nextLPID page.LPID, nextOffset, endOffset uint16) {
	d := buf.Data()
	binary.LittleEndian.PutUint64(d[0:8], uint64(nextLPID))
	binary.LittleEndian.PutUint16(d[8:10], nextOffset)
	binary.LittleEndian.PutUint16(d[10:12], endOffset)
}

func readQueueHeader(buf *page.Buf) (nextLPID page.LPID, nextOffset, endOffset uint16) {
	d := buf.Data()
	nextLPID = page.LPID(binary.LittleEndian.Uint64(d[0:8]))
	nextOffset = binary.LittleEndian.Uint16(d[8:10])
	endOffset = binary.LittleEndian.Uint16(d[10:12])
	return
}

// PushBack appends x to the tail of the queue, allocating a fresh tail
// page if the current one has no room left.
func (q *Queue[T]) PushBack(ctx context.Context, x T) error {
	enc := q.codec.Encode(x)
	if err := q.ensureRoom(ctx, len(enc)); err != nil {
		return err
	}
	d := q.tail.Data()
	copy(d[q.tailEnd:], enc)
	q.tailEnd += uint16(len(enc))
	writeQueueHeader(q.tail, page.Invalid, q.tailEnd, q.tailEnd)
	q.tailDirty = true
	q.st.EntryCount++
	return nil
}

// ensureRoom rolls the tail page over to a freshly allocated page if enc
// would not fit, linking the old tail to the new one as the teacher's
// AllocatePage/FreePage free-list link does (bpager/pager.go).
func (q *Queue[T]) ensureRoom(ctx context.Context, need int) error {
	capacity := q.pageSize - page.ChecksumSize
	if int(q.tailEnd)+need <= capacity {
		return nil
	}
	if need > capacity-headerSize {
		return fmt.Errorf("queue: item of %d bytes exceeds page capacity", need)
	}

	newID := q.preparedNextTail
	q.preparedNextTail = page.Invalid
	var err error
	if newID == page.Invalid {
		newID, err = q.alloc.NewPageID(ctx)
		if err != nil {
			return err
		}
	}

	// Link the full tail to the new page, then persist it — once a page
	// holds durable data it is never rewritten (spec.md §4.1).
	writeQueueHeader(q.tail, newID, q.tailEnd, q.tailEnd)
	if err := q.store.WriteQueuePage(ctx, q.st.TailLPID, q.tail); err != nil {
		return err
	}

	next := page.NewBuf(q.pageSize)
	writeQueueHeader(next, page.Invalid, headerSize, headerSize)
	q.tail = next
	q.tailEnd = headerSize
	q.tailDirty = false
	q.st.TailLPID = newID
	q.st.PageCount++
	return nil
}

// PushFront stages x to be spliced in front of the current head at the
// next FinishFlush. Used by the free list to return a page for
// immediate reuse ahead of older entries (spec.md §4.1).
func (q *Queue[T]) PushFront(x T) {
	q.frontChain = append(q.frontChain, x)
	q.st.EntryCount++
}

// Pop removes and returns the item at the head of the queue. If
// upperBound is non-nil, Pop returns kverr.ErrNotPresent when the next
// item compares greater than *upperBound under less.
func (q *Queue[T]) Pop(ctx context.Context, upperBound *T, less func(a, b T) bool) (T, error) {
	var zero T
	if q.st.EntryCount == 0 {
		return zero, kverr.ErrNotPresent
	}

	// Front-chain items (pushed but not yet flushed) are logically at
	// the head once present, since PushFront is meant to be consumed
	// before older entries on the next round.
	if len(q.frontChain) > 0 {
		x := q.frontChain[0]
		if upperBound != nil && less(*upperBound, x) {
			return zero, kverr.ErrNotPresent
		}
		q.frontChain = q.frontChain[1:]
		q.st.EntryCount--
		return x, nil
	}

	buf, isTail, err := q.pageAt(ctx, q.st.HeadLPID)
	if err != nil {
		return zero, err
	}
	_, _, endOff := readQueueHeader(buf)
	if isTail {
		endOff = q.tailEnd
	}
	d := buf.Data()
	if int(q.st.HeadOffset) >= int(endOff) {
		// head page exhausted; advance to the linked next page.
		nextLPID, _, _ := readQueueHeader(buf)
		if !isTail && nextLPID != page.Invalid {
			if err := q.alloc.FreePage(ctx, q.st.HeadLPID, 0); err != nil {
				return zero, err
			}
			q.st.HeadLPID = nextLPID
			q.st.HeadOffset = headerSize
			q.st.PageCount--
			return q.Pop(ctx, upperBound, less)
		}
		return zero, kverr.ErrNotPresent
	}

	item, consumed, ok := q.codec.Decode(d[q.st.HeadOffset:endOff])
	if !ok {
		return zero, fmt.Errorf("queue: corrupt entry at lpid=%d offset=%d", q.st.HeadLPID, q.st.HeadOffset)
	}
	if upperBound != nil && less(*upperBound, item) {
		return zero, kverr.ErrNotPresent
	}
	q.st.HeadOffset += uint16(consumed)
	q.st.EntryCount--
	return item, nil
}

func (q *Queue[T]) pageAt(ctx context.Context, lpid page.LPID) (*page.Buf, bool, error) {
	if lpid == q.st.TailLPID {
		return q.tail, true, nil
	}
	buf, err := q.store.ReadQueuePage(ctx, lpid)
	if err != nil {
		return nil, false, err
	}
	return buf, false, nil
}

// PeekAll returns every item currently in the queue, head to tail,
// without consuming them. Used for rebuilding the in-memory remap table
// at recovery.
func (q *Queue[T]) PeekAll(ctx context.Context) ([]T, error) {
	out := append([]T(nil), q.frontChain...)
	lpid := q.st.HeadLPID
	offset := q.st.HeadOffset
	for {
		buf, isTail, err := q.pageAt(ctx, lpid)
		if err != nil {
			return nil, err
		}
		nextLPID, _, endOff := readQueueHeader(buf)
		if isTail {
			endOff = q.tailEnd
		}
		d := buf.Data()
		for int(offset) < int(endOff) {
			item, consumed, ok := q.codec.Decode(d[offset:endOff])
			if !ok {
				return nil, fmt.Errorf("queue: corrupt entry at lpid=%d offset=%d", lpid, offset)
			}
			out = append(out, item)
			offset += uint16(consumed)
		}
		if isTail || nextLPID == page.Invalid {
			break
		}
		lpid = nextLPID
		offset = headerSize
	}
	return out, nil
}

// PreFlush prepares any allocation needed to keep the tail chain intact
// across a restart, without yet writing durable pages. It returns true
// if it made progress (i.e. the caller should run another round, since
// the allocation it just performed may itself have pushed or popped one
// of the pager's own queues — spec.md §4.1's two-phase fixed point).
func (q *Queue[T]) PreFlush(ctx context.Context) (bool, error) {
	if q.tailDirty && q.preparedNextTail == page.Invalid {
		id, err := q.alloc.NewPageID(ctx)
		if err != nil {
			return false, err
		}
		q.preparedNextTail = id
		return true, nil
	}
	return false, nil
}

// FinishFlush writes the resident tail page, links a freshly prepared
// empty tail after it if PreFlush allocated one, and splices any
// PushFront chain onto the head. Must only be called once every queue's
// PreFlush has returned false in the same round.
func (q *Queue[T]) FinishFlush(ctx context.Context) error {
	if err := q.flushFrontChain(ctx); err != nil {
		return err
	}

	if !q.tailDirty && q.preparedNextTail == page.Invalid {
		return nil
	}

	newID := q.preparedNextTail
	if newID != page.Invalid {
		writeQueueHeader(q.tail, newID, q.tailEnd, q.tailEnd)
	}
	if err := q.store.WriteQueuePage(ctx, q.st.TailLPID, q.tail); err != nil {
		return err
	}

	if newID != page.Invalid {
		next := page.NewBuf(q.pageSize)
		writeQueueHeader(next, page.Invalid, headerSize, headerSize)
		// The new tail must itself be durable before this flush returns:
		// a crash right after this commit must still find a readable,
		// checksummed tail page rather than the zeroed bytes Truncate
		// left behind when the page was allocated.
		if err := q.store.WriteQueuePage(ctx, newID, next); err != nil {
			return err
		}
		q.tail = next
		q.tailEnd = headerSize
		q.st.TailLPID = newID
		q.st.PageCount++
		q.preparedNextTail = page.Invalid
	}
	q.tailDirty = false
	return nil
}

// flushFrontChain writes any PushFront'd items as a fresh page linked
// ahead of the current head, and rewinds HeadLPID/HeadOffset to it.
func (q *Queue[T]) flushFrontChain(ctx context.Context) error {
	if len(q.frontChain) == 0 {
		return nil
	}
	id, err := q.alloc.NewPageID(ctx)
	if err != nil {
		return err
	}
	buf := page.NewBuf(q.pageSize)
	writeQueueHeader(buf, q.st.HeadLPID, headerSize, headerSize)
	d := buf.Data()
	off := uint16(headerSize)
	capacity := uint16(q.pageSize - page.ChecksumSize)
	remaining := q.frontChain[:0]
	consumedAny := false
	for i, x := range q.frontChain {
		enc := q.codec.Encode(x)
		if off+uint16(len(enc)) > capacity {
			remaining = q.frontChain[i:]
			break
		}
		copy(d[off:], enc)
		off += uint16(len(enc))
		consumedAny = true
	}
	writeQueueHeader(buf, q.st.HeadLPID, off, off)
	if err := q.store.WriteQueuePage(ctx, id, buf); err != nil {
		return err
	}
	if consumedAny {
		q.st.HeadLPID = id
		q.st.HeadOffset = headerSize
		q.st.PageCount++
	}
	q.frontChain = remaining
	// Items that do not fit on this page stay staged in frontChain for
	// the next flush.
	return nil
}
