// Package pager implements the delayed-write-ahead-log page store:
// atomic page updates, per-version remapping for multi-version reads,
// free-list/delayed-free-list/remap-log bookkeeping, and the commit
// protocol that makes all of it durable in a fixed disk order
// (spec.md §4.3).
//
// The teacher's bpager.Pager (pkg/bptree2/bpager/pager.go) is a single
// mmap'd file with one intrusive free-list head. This package keeps its
// overall shape — Open/recover-or-create, AllocatePage/FreePage,
// checksum-on-read — but replaces the mmap with positional I/O
// (pkg/verskv/iofile), the single free-list head with three FIFO
// page-queues (pkg/verskv/queue), and adds the remap table, object
// cache and snapshot deque the teacher has no equivalent of.
package pager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oda/verskv/pkg/verskv/cache"
	"github.com/oda/verskv/pkg/verskv/future"
	"github.com/oda/verskv/pkg/verskv/iofile"
	"github.com/oda/verskv/pkg/verskv/kverr"
	"github.com/oda/verskv/pkg/verskv/page"
	"github.com/oda/verskv/pkg/verskv/queue"
	"github.com/oda/verskv/pkg/verskv/remap"
)

// DelayedFreeEntry records a page freed at Version that is not yet safe
// to reuse because some live snapshot may still read it (spec.md §3).
type DelayedFreeEntry struct {
	Version int64
	LPID    page.LPID
}

var lpidCodec = queue.Codec[page.LPID]{
	Encode: func(x page.LPID) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(x))
		return b
	},
	Decode: func(buf []byte) (page.LPID, int, bool) {
		if len(buf) < 8 {
			return 0, 0, false
		}
		return page.LPID(binary.LittleEndian.Uint64(buf[:8])), 8, true
	},
}

var delayedFreeCodec = queue.Codec[DelayedFreeEntry]{
	Encode: func(x DelayedFreeEntry) []byte {
		b := make([]byte, 16)
		binary.LittleEndian.PutUint64(b[0:8], uint64(x.Version))
		binary.LittleEndian.PutUint64(b[8:16], uint64(x.LPID))
		return b
	},
	Decode: func(buf []byte) (DelayedFreeEntry, int, bool) {
		if len(buf) < 16 {
			return DelayedFreeEntry{}, 0, false
		}
		return DelayedFreeEntry{
			Version: int64(binary.LittleEndian.Uint64(buf[0:8])),
			LPID:    page.LPID(binary.LittleEndian.Uint64(buf[8:16])),
		}, 16, true
	},
}

var remapEntryCodec = queue.Codec[remap.Entry]{
	Encode: func(x remap.Entry) []byte {
		b := make([]byte, 24)
		binary.LittleEndian.PutUint64(b[0:8], uint64(x.Version))
		binary.LittleEndian.PutUint64(b[8:16], uint64(x.Original))
		binary.LittleEndian.PutUint64(b[16:24], uint64(x.New))
		return b
	},
	Decode: func(buf []byte) (remap.Entry, int, bool) {
		if len(buf) < 24 {
			return remap.Entry{}, 0, false
		}
		return remap.Entry{
			Version:  int64(binary.LittleEndian.Uint64(buf[0:8])),
			Original: page.LPID(binary.LittleEndian.Uint64(buf[8:16])),
			New:      page.LPID(binary.LittleEndian.Uint64(buf[16:24])),
		}, 24, true
	},
}

// flusher is the non-generic half of queue.Queue[T] that the two-phase
// flush needs. Its methods don't mention T, so every Queue[T]
// instantiation satisfies it regardless of T, letting the three
// differently-typed meta-queues sit in one slice (spec.md §4.1, §9).
type flusher interface {
	PreFlush(ctx context.Context) (bool, error)
	FinishFlush(ctx context.Context) error
}

// Pager is a versioned, copy-on-write page store backed by one file.
type Pager struct {
	file     iofile.AsyncFile
	opts     Options
	pageSize int
	hooks    *Hooks

	mu sync.Mutex // guards pageSize, pageCount, pendingOldest, remapTable, durableHeader

	durableHeader *Header // exact contents of what's currently on page 0
	pageCount     int64
	pendingOldest int64
	remapTable    *remap.Table

	freeList        *queue.Queue[page.LPID]
	delayedFreeList *queue.Queue[DelayedFreeEntry]
	remapQueue      *queue.Queue[remap.Entry]

	cache     *cache.Cache[page.LPID, *cacheEntry]
	snapshots *snapshotDeque

	writeWG    sync.WaitGroup
	writeErrMu sync.Mutex
	writeErr   error

	undoerCancel context.CancelFunc
	undoerDone   chan struct{}

	commitMu sync.Mutex // "a second commit cannot start until the first resolves" (spec.md §5)
}

// Open opens an existing store or creates a new one, per the recovery
// procedure in spec.md §4.3.
func Open(ctx context.Context, file iofile.AsyncFile, hooks *Hooks, opts ...Option) (*Pager, error) {
	o := buildOptions(opts...)
	p := &Pager{
		file:          file,
		opts:          o,
		pageSize:      o.PageSize,
		hooks:         hooks,
		remapTable:    remap.New(),
		snapshots:     newSnapshotDeque(),
		pendingOldest: o.InitialOldest,
	}
	p.cache = cache.New[page.LPID, *cacheEntry](o.CacheCapacity)

	size, err := file.Size()
	if err != nil {
		return nil, fmt.Errorf("pager: stat: %w", err)
	}

	if size < 2*int64(SmallestPhysicalBlock) {
		if err := p.createFresh(ctx); err != nil {
			return nil, err
		}
	} else {
		if err := p.recover(ctx); err != nil {
			return nil, err
		}
	}
	p.startUndoer()
	return p, nil
}

func (p *Pager) createFresh(ctx context.Context) error {
	p.pageCount = int64(page.FirstDataLPID) + 3

	if _, err := p.file.Truncate(ctx, p.physicalOffset(page.LPID(p.pageCount))).Await(ctx); err != nil {
		return fmt.Errorf("pager: grow new file: %w", err)
	}

	p.freeList = queue.Create[page.LPID](p, p, p.pageSize, lpidCodec, page.FirstDataLPID)
	p.delayedFreeList = queue.Create[DelayedFreeEntry](p, p, p.pageSize, delayedFreeCodec, page.FirstDataLPID+1)
	p.remapQueue = queue.Create[remap.Entry](p, p, p.pageSize, remapEntryCodec, page.FirstDataLPID+2)

	h := &Header{
		FormatVersion:    FormatVersion,
		PageSize:         uint32(p.pageSize),
		PageCount:        p.pageCount,
		FreeList:         p.freeList.GetState(),
		DelayedFreeList:  p.delayedFreeList.GetState(),
		RemapQueue:       p.remapQueue.GetState(),
		CommittedVersion: 0,
		OldestVersion:    p.pendingOldest,
	}

	buf, err := headerToBuf(h, page.HeaderLPID)
	if err != nil {
		return err
	}
	if err := p.writePhysical(ctx, page.HeaderLPID, buf); err != nil {
		return err
	}
	backup, err := headerToBuf(h, page.HeaderBackupLPID)
	if err != nil {
		return err
	}
	if err := p.writePhysical(ctx, page.HeaderBackupLPID, backup); err != nil {
		return err
	}
	if _, err := p.file.Sync(ctx).Await(ctx); err != nil {
		return fmt.Errorf("pager: initial sync: %w", err)
	}

	p.durableHeader = h
	p.snapshots.pushBack(0, nil)
	return nil
}

func (p *Pager) recover(ctx context.Context) error {
	var h *Header
	recoveredFromBackup := false

	if primary, err := p.readPhysical(ctx, page.HeaderLPID); err == nil && primary.Verify(page.HeaderLPID) {
		if decoded, uerr := Unmarshal(primary.Data()); uerr == nil {
			h = decoded
		}
	}

	if h == nil {
		backup, err := p.readPhysical(ctx, page.HeaderBackupLPID)
		if err != nil || !backup.Verify(page.HeaderBackupLPID) {
			return kverr.WrapPage("header", uint64(page.HeaderLPID), kverr.ErrChecksum)
		}
		decoded, uerr := Unmarshal(backup.Data())
		if uerr != nil {
			return uerr
		}
		h = decoded
		if err := p.writePhysical(ctx, page.HeaderLPID, backup); err != nil {
			return err
		}
		if _, err := p.file.Sync(ctx).Await(ctx); err != nil {
			return fmt.Errorf("pager: header recovery sync: %w", err)
		}
		recoveredFromBackup = true
	}

	if h.FormatVersion != FormatVersion {
		return kverr.WrapPage("header", uint64(page.HeaderLPID), kverr.ErrFormatMismatch)
	}

	p.pageSize = int(h.PageSize)
	p.pageCount = h.PageCount
	p.pendingOldest = h.OldestVersion

	var err error
	p.freeList, err = queue.Recover[page.LPID](ctx, p, p, p.pageSize, lpidCodec, h.FreeList)
	if err != nil {
		return fmt.Errorf("pager: recover free list: %w", err)
	}
	p.delayedFreeList, err = queue.Recover[DelayedFreeEntry](ctx, p, p, p.pageSize, delayedFreeCodec, h.DelayedFreeList)
	if err != nil {
		return fmt.Errorf("pager: recover delayed free list: %w", err)
	}
	p.remapQueue, err = queue.Recover[remap.Entry](ctx, p, p, p.pageSize, remapEntryCodec, h.RemapQueue)
	if err != nil {
		return fmt.Errorf("pager: recover remap queue: %w", err)
	}

	entries, err := p.remapQueue.PeekAll(ctx)
	if err != nil {
		return fmt.Errorf("pager: replay remap log: %w", err)
	}
	p.remapTable = remap.Replay(entries)

	p.durableHeader = h
	p.snapshots.pushBack(h.CommittedVersion, h.Meta)

	if recoveredFromBackup {
		p.hooks.headerRecoveredFromBackup()
	}
	return nil
}

// headerToBuf marshals h into a page.Buf sized to leave room for the
// trailing checksum footer (see Header.Marshal's HeaderDataSize), and
// seals it for lpid.
func headerToBuf(h *Header, lpid page.LPID) (*page.Buf, error) {
	data, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	buf := page.NewBuf(SmallestPhysicalBlock)
	copy(buf.Data(), data)
	buf.Seal(lpid)
	return buf, nil
}

func (p *Pager) physicalOffset(lpid page.LPID) int64 {
	switch lpid {
	case page.HeaderLPID:
		return 0
	case page.HeaderBackupLPID:
		return int64(SmallestPhysicalBlock)
	default:
		return 2*int64(SmallestPhysicalBlock) + (int64(lpid)-int64(page.FirstDataLPID))*int64(p.pageSize)
	}
}

func (p *Pager) physicalPageSize(lpid page.LPID) int {
	if lpid == page.HeaderLPID || lpid == page.HeaderBackupLPID {
		return SmallestPhysicalBlock
	}
	return p.pageSize
}

func (p *Pager) readPhysical(ctx context.Context, lpid page.LPID) (*page.Buf, error) {
	raw := make([]byte, p.physicalPageSize(lpid))
	if _, err := p.file.ReadAt(ctx, p.physicalOffset(lpid), raw).Await(ctx); err != nil {
		return nil, fmt.Errorf("pager: read lpid=%d: %w", lpid, errors.Join(kverr.ErrIO, err))
	}
	return page.WrapBuf(raw), nil
}

func (p *Pager) writePhysical(ctx context.Context, lpid page.LPID, buf *page.Buf) error {
	p.writeWG.Add(1)
	defer p.writeWG.Done()
	if _, err := p.file.WriteAt(ctx, p.physicalOffset(lpid), buf.Raw()).Await(ctx); err != nil {
		return fmt.Errorf("pager: write lpid=%d: %w", lpid, errors.Join(kverr.ErrIO, err))
	}
	return nil
}

func (p *Pager) readUncachedVerified(ctx context.Context, lpid page.LPID) (*page.Buf, error) {
	buf, err := p.readPhysical(ctx, lpid)
	if err != nil {
		return nil, err
	}
	if err := buf.VerifyErr(lpid); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Pager) recordWriteErr(err error) {
	p.writeErrMu.Lock()
	if p.writeErr == nil {
		p.writeErr = err
	}
	p.writeErrMu.Unlock()
}

func (p *Pager) takeWriteErr() error {
	p.writeErrMu.Lock()
	defer p.writeErrMu.Unlock()
	err := p.writeErr
	p.writeErr = nil
	return err
}

// readResolvedCached fetches physLPID through the object cache,
// verifying the checksum on an actual disk load and serving cache hits
// (including content set by an in-flight UpdatePage) without reverification.
func (p *Pager) readResolvedCached(ctx context.Context, physLPID page.LPID, noHit bool) (*page.Buf, error) {
	entry := p.cache.Get(physLPID, !noHit, func() *cacheEntry { return newCacheEntry(physLPID) })
	if buf, ok := entry.content(); ok {
		return buf, nil
	}

	entry.mu.Lock()
	if entry.pendingRead != nil {
		pr := entry.pendingRead
		entry.mu.Unlock()
		return pr.Await(ctx)
	}
	f, prom := future.New[*page.Buf]()
	entry.pendingRead = f
	entry.mu.Unlock()

	go func() {
		buf, err := p.readPhysical(ctx, physLPID)
		if err == nil {
			if verr := buf.VerifyErr(physLPID); verr != nil {
				err = verr
			}
		}
		entry.mu.Lock()
		if err == nil {
			entry.buf = buf
		}
		entry.pendingRead = nil
		entry.mu.Unlock()
		prom.Settle(buf, err)
	}()
	return f.Await(ctx)
}

// PageSize returns the logical page size this pager was opened with.
func (p *Pager) PageSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageSize
}

func (p *Pager) readPageAt(ctx context.Context, physLPID page.LPID, cacheable, noHit bool) *future.Future[*page.Buf] {
	f, prom := future.New[*page.Buf]()
	go func() {
		if !cacheable {
			buf, err := p.readUncachedVerified(ctx, physLPID)
			prom.Settle(buf, err)
			return
		}
		buf, err := p.readResolvedCached(ctx, physLPID, noHit)
		prom.Settle(buf, err)
	}()
	return f
}

// ReadPage reads lpid as it stands in the latest (possibly uncommitted)
// state, resolving through the remap table at the greatest recorded
// version (spec.md §4.3 read_page).
func (p *Pager) ReadPage(ctx context.Context, lpid page.LPID, cacheable, noHit bool) *future.Future[*page.Buf] {
	p.mu.Lock()
	phys := p.remapTable.Resolve(lpid, math.MaxInt64)
	p.mu.Unlock()
	return p.readPageAt(ctx, phys, cacheable, noHit)
}

// ReadPageAtVersion reads lpid as a snapshot at version v would see it
// (spec.md §4.3 read_page_at_version).
func (p *Pager) ReadPageAtVersion(ctx context.Context, lpid page.LPID, v int64, cacheable, noHit bool) *future.Future[*page.Buf] {
	p.mu.Lock()
	phys := p.remapTable.Resolve(lpid, v)
	p.mu.Unlock()
	return p.readPageAt(ctx, phys, cacheable, noHit)
}

// UpdatePage writes buf to lpid in place, replacing the cached content
// immediately and deferring the physical write's error, if any, to the
// next commit (spec.md §4.3, §7).
func (p *Pager) UpdatePage(ctx context.Context, lpid page.LPID, buf *page.Buf) *future.Future[struct{}] {
	f, prom := future.New[struct{}]()
	entry := p.cache.Get(lpid, true, func() *cacheEntry { return newCacheEntry(lpid) })

	buf.Seal(lpid)

	entry.mu.Lock()
	waitRead := entry.pendingRead
	waitWrite := entry.pendingWrite
	entry.buf = buf
	wf, wprom := future.New[struct{}]()
	entry.pendingWrite = wf
	entry.mu.Unlock()

	go func() {
		if waitRead != nil {
			_, _ = waitRead.Await(ctx)
		}
		if waitWrite != nil {
			_, _ = waitWrite.Await(ctx)
		}
		err := p.writePhysical(ctx, lpid, buf)
		entry.mu.Lock()
		if entry.pendingWrite == wf {
			entry.pendingWrite = nil
		}
		entry.mu.Unlock()
		if err != nil {
			p.recordWriteErr(err)
		}
		wprom.Settle(struct{}{}, err)
		prom.Settle(struct{}{}, err)
	}()
	return f
}

// AtomicUpdatePage writes buf to a freshly allocated page and records a
// remap so that reads of lpid at version >= version are routed to it,
// returning the original lpid (spec.md §4.3 atomic_update_page).
func (p *Pager) AtomicUpdatePage(ctx context.Context, lpid page.LPID, buf *page.Buf, version int64) *future.Future[page.LPID] {
	f, prom := future.New[page.LPID]()
	go func() {
		newID, err := p.NewPageID(ctx)
		if err != nil {
			prom.Reject(err)
			return
		}
		buf.Seal(newID)
		if err := p.writePhysical(ctx, newID, buf); err != nil {
			p.recordWriteErr(err)
			prom.Reject(err)
			return
		}
		entry := p.cache.Get(newID, true, func() *cacheEntry { return newCacheEntry(newID) })
		entry.setContent(buf)

		rentry := remap.Entry{Version: version, Original: lpid, New: newID}
		p.mu.Lock()
		p.remapTable.Insert(rentry)
		p.mu.Unlock()
		if err := p.remapQueue.PushBack(ctx, rentry); err != nil {
			prom.Reject(err)
			return
		}
		prom.Resolve(lpid)
	}()
	return f
}

func (p *Pager) effectiveOldestLocked() int64 {
	if v, ok := p.snapshots.frontLiveVersion(); ok && v < p.pendingOldest {
		return v
	}
	return p.pendingOldest
}

func (p *Pager) effectiveOldest() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effectiveOldestLocked()
}

// FreePage frees lpid at version, routing through the remap log if
// original still has live remaps, else the free list or delayed-free
// list depending on whether version has already aged out of every live
// snapshot (spec.md §4.3 free_page). It also satisfies queue.Allocator
// for the three meta-queues' own page frees.
func (p *Pager) FreePage(ctx context.Context, lpid page.LPID, version int64) error {
	p.mu.Lock()
	hasRemaps := p.remapTable.HasLiveRemaps(lpid)
	oldest := p.effectiveOldestLocked()
	p.mu.Unlock()

	if hasRemaps {
		entry := remap.Entry{Version: version, Original: lpid, New: page.Invalid}
		p.mu.Lock()
		p.remapTable.Insert(entry)
		p.mu.Unlock()
		return p.remapQueue.PushBack(ctx, entry)
	}
	if version < oldest {
		p.freeList.PushFront(lpid)
		return nil
	}
	return p.delayedFreeList.PushBack(ctx, DelayedFreeEntry{Version: version, LPID: lpid})
}

// NewPageID returns the id at the head of the free list (not
// necessarily the smallest id on it), else the delayed-free id at the
// head of that list if its version is at or below the effective oldest
// version, else grows the file by one page (spec.md §4.3
// new_page_id). It also satisfies queue.Allocator.
func (p *Pager) NewPageID(ctx context.Context) (page.LPID, error) {
	if id, err := p.freeList.Pop(ctx, nil, nil); err == nil {
		return id, nil
	} else if !errors.Is(err, kverr.ErrNotPresent) {
		return page.Invalid, err
	}

	oldest := p.effectiveOldest()
	bound := DelayedFreeEntry{Version: oldest}
	less := func(a, b DelayedFreeEntry) bool { return a.Version < b.Version }
	if entry, err := p.delayedFreeList.Pop(ctx, &bound, less); err == nil {
		return entry.LPID, nil
	} else if !errors.Is(err, kverr.ErrNotPresent) {
		return page.Invalid, err
	}

	return p.growFile(ctx)
}

func (p *Pager) growFile(ctx context.Context) (page.LPID, error) {
	p.mu.Lock()
	newID := page.LPID(p.pageCount)
	p.pageCount++
	count := p.pageCount
	p.mu.Unlock()

	if _, err := p.file.Truncate(ctx, p.physicalOffset(page.LPID(count))).Await(ctx); err != nil {
		return page.Invalid, fmt.Errorf("pager: grow file: %w", err)
	}
	return newID, nil
}

// ReadQueuePage and WriteQueuePage satisfy queue.PageStore for the
// three pager-owned meta-queues.
func (p *Pager) ReadQueuePage(ctx context.Context, lpid page.LPID) (*page.Buf, error) {
	return p.readResolvedCached(ctx, lpid, false)
}

func (p *Pager) WriteQueuePage(ctx context.Context, lpid page.LPID, buf *page.Buf) error {
	buf.Seal(lpid)
	if err := p.writePhysical(ctx, lpid, buf); err != nil {
		p.recordWriteErr(err)
		return err
	}
	entry := p.cache.Get(lpid, true, func() *cacheEntry { return newCacheEntry(lpid) })
	entry.setContent(buf)
	return nil
}

func (p *Pager) twoPhaseFlush(ctx context.Context) error {
	flushers := []flusher{p.freeList, p.delayedFreeList, p.remapQueue}
	for {
		progress := false
		for _, fl := range flushers {
			made, err := fl.PreFlush(ctx)
			if err != nil {
				return err
			}
			progress = progress || made
		}
		if !progress {
			break
		}
	}
	for _, fl := range flushers {
		if err := fl.FinishFlush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Commit runs the nine-step commit protocol of spec.md §4.3: backup the
// previous header, stop the undoer, two-phase flush the meta-queues,
// stamp and durably write the new header, publish a new snapshot, and
// restart the undoer.
func (p *Pager) Commit(ctx context.Context, meta []byte) *future.Future[int64] {
	f, prom := future.New[int64]()
	go func() {
		p.commitMu.Lock()
		defer p.commitMu.Unlock()

		if err := p.takeWriteErr(); err != nil {
			prom.Reject(err)
			return
		}

		p.mu.Lock()
		prevHeader := p.durableHeader
		p.mu.Unlock()

		backupBuf, err := headerToBuf(prevHeader, page.HeaderBackupLPID)
		if err != nil {
			prom.Reject(err)
			return
		}
		if err := p.writePhysical(ctx, page.HeaderBackupLPID, backupBuf); err != nil {
			prom.Reject(err)
			return
		}

		p.stopUndoer(ctx)

		if err := p.twoPhaseFlush(ctx); err != nil {
			p.startUndoer()
			prom.Reject(err)
			return
		}

		p.mu.Lock()
		newVersion := prevHeader.CommittedVersion + 1
		newHeader := &Header{
			FormatVersion:    FormatVersion,
			PageSize:         uint32(p.pageSize),
			PageCount:        p.pageCount,
			FreeList:         p.freeList.GetState(),
			DelayedFreeList:  p.delayedFreeList.GetState(),
			RemapQueue:       p.remapQueue.GetState(),
			CommittedVersion: newVersion,
			OldestVersion:    p.pendingOldest,
			Meta:             meta,
		}
		p.mu.Unlock()

		p.writeWG.Wait()

		if _, err := p.file.Sync(ctx).Await(ctx); err != nil {
			p.startUndoer()
			prom.Reject(fmt.Errorf("pager: pre-header sync: %w", err))
			return
		}

		headerBuf, err := headerToBuf(newHeader, page.HeaderLPID)
		if err != nil {
			p.startUndoer()
			prom.Reject(err)
			return
		}
		if err := p.writePhysical(ctx, page.HeaderLPID, headerBuf); err != nil {
			p.startUndoer()
			prom.Reject(err)
			return
		}
		if _, err := p.file.Sync(ctx).Await(ctx); err != nil {
			p.startUndoer()
			prom.Reject(fmt.Errorf("pager: post-header sync: %w", err))
			return
		}

		p.mu.Lock()
		p.durableHeader = newHeader
		p.mu.Unlock()

		p.snapshots.pushBack(newVersion, meta)
		p.snapshots.expireUnreferencedBelow(p.effectiveOldest())
		p.startUndoer()
		p.hooks.commit(newVersion)

		prom.Resolve(newVersion)
	}()
	return f
}

// GetReadSnapshot returns the greatest published snapshot with version
// <= v, or kverr.ErrVersionTooOld if none qualifies (spec.md §4.3
// get_read_snapshot).
func (p *Pager) GetReadSnapshot(ctx context.Context, v int64) (*Snapshot, error) {
	slot := p.snapshots.findLE(v)
	if slot == nil {
		return nil, kverr.WrapVersion(kverr.ErrVersionTooOld, v)
	}
	slot.mu.Lock()
	slot.refcount++
	version, metaKey := slot.version, slot.metaKey
	slot.mu.Unlock()
	return &Snapshot{version: version, metaKey: metaKey, pager: p, slot: slot}, nil
}

func (p *Pager) releaseSnapshot(slot *snapshotSlot) {
	slot.mu.Lock()
	if slot.refcount > 0 {
		slot.refcount--
	}
	slot.mu.Unlock()
	p.snapshots.expireUnreferencedBelow(p.effectiveOldest())
}

// SetOldestVersion advances the pending oldest-retained version. Actual
// page reuse stays bounded by whatever snapshots are still live (spec.md
// §4.3 set_oldest_version).
func (p *Pager) SetOldestVersion(ctx context.Context, v int64) error {
	p.mu.Lock()
	if v > p.pendingOldest {
		p.pendingOldest = v
	}
	p.mu.Unlock()
	p.snapshots.expireUnreferencedBelow(p.effectiveOldest())
	return nil
}

func (p *Pager) startUndoer() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.undoerCancel = cancel
	p.undoerDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.undoOneRound(ctx)
			}
		}
	}()
}

func (p *Pager) stopUndoer(ctx context.Context) {
	if p.undoerCancel == nil {
		return
	}
	p.undoerCancel()
	select {
	case <-p.undoerDone:
	case <-ctx.Done():
	}
	p.undoerCancel = nil
	p.undoerDone = nil
}

// undoOneRound pops remap entries whose version has fallen behind the
// effective oldest version and undoes each, per spec.md §4.3's remap
// undoer. It runs a bounded batch per tick so a long backlog does not
// starve the commit path it shares queue access with.
func (p *Pager) undoOneRound(ctx context.Context) {
	for i := 0; i < 32; i++ {
		oldest := p.effectiveOldest()
		bound := remap.Entry{Version: oldest - 1}
		less := func(a, b remap.Entry) bool { return a.Version < b.Version }

		entry, err := p.remapQueue.Pop(ctx, &bound, less)
		if err != nil {
			return
		}

		if entry.New == page.Invalid {
			if ferr := p.FreePage(ctx, entry.Original, entry.Version); ferr != nil {
				p.recordWriteErr(ferr)
				return
			}
			p.mu.Lock()
			p.remapTable.Erase(entry.Original, entry.Version)
			p.mu.Unlock()
			continue
		}

		buf, rerr := p.readUncachedVerified(ctx, entry.New)
		if rerr != nil {
			p.recordWriteErr(rerr)
			return
		}
		target := buf.Clone()
		target.Seal(entry.Original)
		if werr := p.writePhysical(ctx, entry.Original, target); werr != nil {
			p.recordWriteErr(werr)
			return
		}
		restoredEntry := p.cache.Get(entry.Original, false, func() *cacheEntry { return newCacheEntry(entry.Original) })
		restoredEntry.setContent(target)

		p.mu.Lock()
		p.remapTable.Erase(entry.Original, entry.Version)
		p.mu.Unlock()

		if ferr := p.FreePage(ctx, entry.New, 0); ferr != nil {
			p.recordWriteErr(ferr)
			return
		}
		p.hooks.remapUndone(uint64(entry.Original), uint64(entry.New), entry.Version)
	}
}

// Close stops the undoer, waits for any writes still in flight, drains
// the object cache, and closes the underlying file (spec.md §5
// "cancelling the pager ... drains outstanding writes before releasing
// its file handle").
func (p *Pager) Close(ctx context.Context) error {
	p.stopUndoer(ctx)
	p.writeWG.Wait()
	if err := p.cache.Clear(ctx); err != nil {
		return err
	}
	return p.file.Close()
}
