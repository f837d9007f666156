package btree

import (
	"context"
	"fmt"

	"github.com/oda/verskv/pkg/verskv/deltatree"
	"github.com/oda/verskv/pkg/verskv/kverr"
	"github.com/oda/verskv/pkg/verskv/mutbuf"
	"github.com/oda/verskv/pkg/verskv/pager"
	"github.com/oda/verskv/pkg/verskv/queue"
)

// Tree is a versioned B+tree over a pager: reads go through a pager
// snapshot, writes accumulate in an in-memory mutation buffer until
// Commit reconciles it against the current root (spec.md §4.6).
type Tree struct {
	pager                *pager.Pager
	meta                 *Meta
	lazyDeleteQueue      *queue.Queue[LazyDeleteEntry]
	pageSize             int
	fillFraction         float64
	pending              *mutbuf.Buffer
	lastCommittedVersion int64
}

// Create initializes a fresh tree on p: a single empty height-1 root
// leaf, an empty lazy-delete queue, and meta written as p's first
// commit.
func Create(ctx context.Context, p *pager.Pager) (*Tree, error) {
	pageSize := p.PageSize()

	queueFirstPage, err := p.NewPageID(ctx)
	if err != nil {
		return nil, err
	}
	q := queue.Create[LazyDeleteEntry](p, p, pageSize, lazyDeleteCodec, queueFirstPage)

	rootID, err := p.NewPageID(ctx)
	if err != nil {
		return nil, err
	}
	emptyLeaf, ok := BuildPage(1, nil, deltatree.Record{Key: mutbuf.LowestPossibleKey}, deltatree.Record{Key: mutbuf.HighestPossibleKey}, pageSize)
	if !ok {
		return nil, fmt.Errorf("btree: could not build empty root leaf")
	}
	if _, err := p.UpdatePage(ctx, rootID, emptyLeaf).Await(ctx); err != nil {
		return nil, err
	}

	meta := &Meta{
		FormatVersion:   FormatVersion,
		Height:          1,
		LazyDeleteQueue: q.GetState(),
		Root:            BtreePageID{rootID},
	}

	t := &Tree{
		pager:           p,
		meta:            meta,
		lazyDeleteQueue: q,
		pageSize:        pageSize,
		fillFraction:    DefaultFillFraction,
		pending:         mutbuf.New(),
	}
	newVersion, err := t.Commit(ctx)
	if err != nil {
		return nil, err
	}
	t.lastCommittedVersion = newVersion
	return t, nil
}

// Open reconstructs a tree from the meta-key of the pager's latest
// snapshot at v.
func Open(ctx context.Context, p *pager.Pager, v int64) (*Tree, error) {
	snap, err := p.GetReadSnapshot(ctx, v)
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	meta, err := Unmarshal(snap.MetaKey())
	if err != nil {
		return nil, err
	}
	if meta.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("btree: %w: meta format %d, expected %d", kverr.ErrFormatMismatch, meta.FormatVersion, FormatVersion)
	}

	q, err := queue.Recover[LazyDeleteEntry](ctx, p, p, p.PageSize(), lazyDeleteCodec, meta.LazyDeleteQueue)
	if err != nil {
		return nil, err
	}

	return &Tree{
		pager:                p,
		meta:                 meta,
		lazyDeleteQueue:      q,
		pageSize:             p.PageSize(),
		fillFraction:         DefaultFillFraction,
		pending:              mutbuf.New(),
		lastCommittedVersion: snap.Version(),
	}, nil
}

func (t *Tree) rootLink() ChildLink {
	return ChildLink{Lower: mutbuf.LowestPossibleKey, Upper: mutbuf.HighestPossibleKey, LPID: t.meta.Root}
}

// Set stages a write of key=value, visible to later Get calls on this
// Tree (a Cursor reads committed versions only) but not durable until
// Commit.
func (t *Tree) Set(key, value []byte) {
	t.pending.Set(key, value)
}

// Clear stages a single-key delete.
func (t *Tree) Clear(key []byte) {
	t.pending.Clear(key)
}

// ClearRange stages a delete of every key in [begin, end).
func (t *Tree) ClearRange(begin, end []byte) {
	t.pending.ClearRange(begin, end)
}

// Get reads key as of the pager's latest snapshot, folding in any
// uncommitted Set/Clear staged on this Tree since the last Commit.
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	i := t.pending.UpperBound(key) - 1
	if i < 0 {
		i = 0
	}
	b := t.pending.At(i)
	if bytesEqualKey(b.Key, key) && b.BoundaryChanged {
		return b.BoundaryValue, b.BoundaryValuePresent, nil
	}
	if b.ClearAfterBoundary {
		return nil, false, nil
	}

	snap, err := t.pager.GetReadSnapshot(ctx, t.snapshotVersion())
	if err != nil {
		return nil, false, err
	}
	defer snap.Release()

	cur, err := NewCursor(ctx, t.pager, snap.Version())
	if err != nil {
		return nil, false, err
	}
	if err := cur.FindEqual(ctx, key); err != nil {
		return nil, false, err
	}
	if !cur.IsValid() {
		return nil, false, nil
	}
	return cur.GetValue(), true, nil
}

func (t *Tree) snapshotVersion() int64 {
	return t.lastCommittedVersion
}

// Commit reconciles every staged Set/Clear/ClearRange against the
// current root, rewriting pages bottom-up, and durably commits the
// result through the pager at a new version (spec.md §4.6).
func (t *Tree) Commit(ctx context.Context) (int64, error) {
	version := t.lastCommittedVersion + 1
	root := t.rootLink()

	outcome, err := t.commitSubtree(ctx, root, t.meta.Height, t.pending, version)
	if err != nil {
		return 0, err
	}

	if outcome.changed {
		links := outcome.links
		height := t.meta.Height
		for len(links) > 1 {
			height++
			records := BuildInternalRecords(links, mutbuf.HighestPossibleKey)
			pages, err := PackPages(height, records, deltatree.Record{Key: mutbuf.LowestPossibleKey}, deltatree.Record{Key: mutbuf.HighestPossibleKey}, t.pageSize, t.fillFraction)
			if err != nil {
				return 0, err
			}
			next := make([]ChildLink, 0, len(pages))
			for _, pg := range pages {
				id, err := writeBlocks(ctx, t.pager, pg.Bufs)
				if err != nil {
					return 0, err
				}
				next = append(next, ChildLink{Lower: pg.Lower.Key, Upper: pg.Upper.Key, LPID: id})
			}
			links = next
		}

		if len(links) == 0 {
			emptyLeaf, ok := BuildPage(1, nil, deltatree.Record{Key: mutbuf.LowestPossibleKey}, deltatree.Record{Key: mutbuf.HighestPossibleKey}, t.pageSize)
			if !ok {
				return 0, fmt.Errorf("btree: could not build empty root leaf")
			}
			id, err := t.pager.NewPageID(ctx)
			if err != nil {
				return 0, err
			}
			if _, err := t.pager.UpdatePage(ctx, id, emptyLeaf).Await(ctx); err != nil {
				return 0, err
			}
			t.meta.Height = 1
			t.meta.Root = BtreePageID{id}
		} else {
			t.meta.Height = height
			t.meta.Root = links[0].LPID
		}
	}

	// The lazy-delete queue is not one of the pager's own queues, so its
	// pages are flushed here before its state goes into the meta.
	for {
		more, err := t.lazyDeleteQueue.PreFlush(ctx)
		if err != nil {
			return 0, err
		}
		if !more {
			break
		}
	}
	if err := t.lazyDeleteQueue.FinishFlush(ctx); err != nil {
		return 0, err
	}
	t.meta.LazyDeleteQueue = t.lazyDeleteQueue.GetState()

	newVersion, err := t.pager.Commit(ctx, t.meta.Marshal()).Await(ctx)
	if err != nil {
		return 0, err
	}
	t.lastCommittedVersion = newVersion
	t.pending = mutbuf.New()
	return newVersion, nil
}

// RunLazyDelete drains up to budget pending subtree deletions, freeing
// their pages through the pager (spec.md §4.6 "Lazy subtree deletion").
func (t *Tree) RunLazyDelete(ctx context.Context, budget int) error {
	reader := func(ctx context.Context, id BtreePageID) ([]byte, error) {
		return readBtreePage(ctx, t.pager, id, 0, false)
	}
	freer := func(ctx context.Context, id BtreePageID, version int64) error {
		return freeBtreePage(ctx, t.pager, id, version)
	}
	return IncrementalSubtreeClear(ctx, t.lazyDeleteQueue, reader, freer, budget)
}

func bytesEqualKey(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
