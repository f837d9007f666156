package btree

import (
	"bytes"
	"context"
	"fmt"

	"github.com/oda/verskv/pkg/verskv/deltatree"
	"github.com/oda/verskv/pkg/verskv/kverr"
	"github.com/oda/verskv/pkg/verskv/mutbuf"
)

// subtreeOutcome is what commitSubtree returns for the link it was
// asked to reconcile: either "nothing changed, keep using the link the
// caller already has" or a replacement set of zero, one, or more
// sibling links (spec.md §4.6 "Commit").
type subtreeOutcome struct {
	changed bool
	links   []ChildLink
}

// commitSubtree recursively reconciles link (covering [link.Lower,
// link.Upper)) against mb, per spec.md §4.6's five numbered steps.
func (t *Tree) commitSubtree(ctx context.Context, link ChildLink, height uint8, mb *mutbuf.Buffer, version int64) (subtreeOutcome, error) {
	iMut := mb.UpperBound(link.Lower) - 1
	if iMut < 0 {
		iMut = 0
	}
	iEnd := mb.LowerBound(link.Upper)
	if link.Upper == nil {
		iEnd = mb.Len() - 1
	}

	if iEnd == iMut+1 {
		b := mb.At(iMut)
		atLower := bytes.Equal(b.Key, link.Lower)
		changedAtLower := atLower && b.BoundaryChanged
		if !b.ClearAfterBoundary && !changedAtLower {
			return subtreeOutcome{changed: false}, nil
		}
		if b.ClearAfterBoundary && !(changedAtLower && b.BoundaryValuePresent) {
			if height == 1 {
				if err := freeBtreePage(ctx, t.pager, link.LPID, version); err != nil {
					return subtreeOutcome{}, err
				}
			} else {
				if err := t.lazyDeleteQueue.PushBack(ctx, LazyDeleteEntry{Version: version, LPID: link.LPID}); err != nil {
					return subtreeOutcome{}, err
				}
			}
			return subtreeOutcome{changed: true, links: nil}, nil
		}
	}

	data, err := readBtreePage(ctx, t.pager, link.LPID, 0, false)
	if err != nil {
		return subtreeOutcome{}, err
	}
	decoded, err := DecodePageBytes(data, deltatree.Record{Key: link.Lower}, deltatree.Record{Key: link.Upper})
	if err != nil {
		return subtreeOutcome{}, err
	}
	if decoded.Height != height {
		return subtreeOutcome{}, fmt.Errorf("btree: %w: page %d has height %d, expected %d", kverr.ErrInvariant, link.LPID, decoded.Height, height)
	}

	if height == 1 {
		return t.commitLeaf(ctx, link, decoded, mb, iMut, iEnd, version)
	}
	return t.commitInternal(ctx, link, decoded, mb, version)
}

// commitLeaf implements spec.md §4.6 step 4.
func (t *Tree) commitLeaf(ctx context.Context, link ChildLink, decoded *DecodedPage, mb *mutbuf.Buffer, iMut, iEnd int, version int64) (subtreeOutcome, error) {
	mirror := deltatree.NewMirror(decoded.Tree)
	abandoned := false

	for idx := iMut; idx < iEnd && !abandoned; idx++ {
		b := mb.At(idx)
		if b.ClearAfterBoundary {
			next := mb.At(idx + 1)
			for _, rec := range mirror.Snapshot() {
				if afterKey(rec.Key, b.Key) && (next.Key == nil || bytes.Compare(rec.Key, next.Key) < 0) {
					mirror.Erase(rec.Key, rec.Version)
				}
			}
		}
		if b.BoundaryChanged && bytes.Compare(b.Key, link.Lower) >= 0 {
			for _, rec := range mirror.Snapshot() {
				if bytes.Equal(rec.Key, b.Key) {
					mirror.Erase(rec.Key, rec.Version)
				}
			}
			if b.BoundaryValuePresent {
				if !mirror.Insert(deltatree.Record{Key: b.Key, Version: version, Value: b.BoundaryValue, Present: true}) {
					abandoned = true
				}
			}
		}
	}

	var result []deltatree.Record
	if abandoned {
		result = linearMergeLeaf(decoded.Tree, mb, iMut, iEnd, version)
	} else {
		if !mirror.Dirty() {
			return subtreeOutcome{changed: false}, nil
		}
		result = mirror.Snapshot()
	}

	if len(result) == 0 {
		if err := freeBtreePage(ctx, t.pager, link.LPID, version); err != nil {
			return subtreeOutcome{}, err
		}
		return subtreeOutcome{changed: true, links: nil}, nil
	}

	pages, err := PackPages(1, result, deltatree.Record{Key: link.Lower}, deltatree.Record{Key: link.Upper}, t.pageSize, t.fillFraction)
	if err != nil {
		return subtreeOutcome{}, err
	}
	links, err := t.writePackedPages(ctx, link, pages, version)
	if err != nil {
		return subtreeOutcome{}, err
	}
	return subtreeOutcome{changed: true, links: links}, nil
}

// commitInternal implements spec.md §4.6 step 5.
func (t *Tree) commitInternal(ctx context.Context, link ChildLink, decoded *DecodedPage, mb *mutbuf.Buffer, version int64) (subtreeOutcome, error) {
	children, err := decoded.ChildLinks()
	if err != nil {
		return subtreeOutcome{}, err
	}

	anyChanged := false
	newLinks := make([]ChildLink, 0, len(children))
	for _, child := range children {
		outcome, err := t.commitSubtree(ctx, child, decoded.Height-1, mb, version)
		if err != nil {
			return subtreeOutcome{}, err
		}
		if !outcome.changed {
			newLinks = append(newLinks, child)
			continue
		}
		anyChanged = true
		newLinks = append(newLinks, outcome.links...)
	}

	if !anyChanged {
		return subtreeOutcome{changed: false}, nil
	}
	if len(newLinks) == 0 {
		// Every child already freed or enqueued itself while recursing
		// (a height-1 child frees its own leaf inline; a taller child
		// that cleared completely enqueues itself the same way this node
		// would). What's left is only this node's own now-stale page.
		if err := freeBtreePage(ctx, t.pager, link.LPID, version); err != nil {
			return subtreeOutcome{}, err
		}
		return subtreeOutcome{changed: true, links: nil}, nil
	}

	records := BuildInternalRecords(newLinks, link.Upper)
	pages, err := PackPages(decoded.Height, records, deltatree.Record{Key: link.Lower}, deltatree.Record{Key: link.Upper}, t.pageSize, t.fillFraction)
	if err != nil {
		return subtreeOutcome{}, err
	}
	out, err := t.writePackedPages(ctx, link, pages, version)
	if err != nil {
		return subtreeOutcome{}, err
	}
	return subtreeOutcome{changed: true, links: out}, nil
}

// writePackedPages writes pages, the replacement for the logical page
// previously at link, and returns the resulting child links. Where the
// original page had exactly one physical block and pages holds exactly
// one single-block result, it reuses the original LPID via
// AtomicUpdatePage; otherwise it frees the original's blocks and
// allocates fresh ones for every resulting page (spec.md §4.6 "Where
// the original leaf had the same number of physical blocks, the writer
// calls atomic_update_page to reuse original LPIDs; otherwise it frees
// the old LPIDs and allocates new ones").
func (t *Tree) writePackedPages(ctx context.Context, link ChildLink, pages []PackedPage, version int64) ([]ChildLink, error) {
	if len(pages) == 1 && len(pages[0].Bufs) == 1 && len(link.LPID) == 1 {
		newLPID, err := t.pager.AtomicUpdatePage(ctx, link.LPID[0], pages[0].Bufs[0], version).Await(ctx)
		if err != nil {
			return nil, err
		}
		pg := pages[0]
		return []ChildLink{{Lower: pg.Lower.Key, Upper: pg.Upper.Key, LPID: BtreePageID{newLPID}}}, nil
	}

	if err := freeBtreePage(ctx, t.pager, link.LPID, version); err != nil {
		return nil, err
	}
	out := make([]ChildLink, 0, len(pages))
	for _, pg := range pages {
		id, err := writeBlocks(ctx, t.pager, pg.Bufs)
		if err != nil {
			return nil, err
		}
		out = append(out, ChildLink{Lower: pg.Lower.Key, Upper: pg.Upper.Key, LPID: id})
	}
	return out, nil
}

// linearMergeLeaf rebuilds a leaf's full record stream from scratch when
// an in-place mirror update was abandoned, merging the page's original
// records with the mutation boundaries covering it.
func linearMergeLeaf(tree *deltatree.Page, mb *mutbuf.Buffer, iMut, iEnd int, version int64) []deltatree.Record {
	live := make(map[string]deltatree.Record, tree.Len())
	order := make([]string, 0, tree.Len())
	for i := 0; i < tree.Len(); i++ {
		r := tree.At(i)
		k := string(r.Key)
		if _, ok := live[k]; !ok {
			order = append(order, k)
		}
		live[k] = r
	}

	for idx := iMut; idx < iEnd; idx++ {
		b := mb.At(idx)
		if b.ClearAfterBoundary {
			next := mb.At(idx + 1)
			for _, k := range order {
				if afterKey([]byte(k), b.Key) && (next.Key == nil || bytes.Compare([]byte(k), next.Key) < 0) {
					delete(live, k)
				}
			}
		}
		if b.BoundaryChanged && bytes.Compare(b.Key, tree.Lower().Key) >= 0 {
			k := string(b.Key)
			if _, existed := live[k]; !existed {
				order = append(order, k)
			}
			if b.BoundaryValuePresent {
				live[k] = deltatree.Record{Key: b.Key, Version: version, Value: b.BoundaryValue, Present: true}
			} else {
				delete(live, k)
			}
		}
	}

	out := make([]deltatree.Record, 0, len(live))
	for _, k := range order {
		if r, ok := live[k]; ok {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []deltatree.Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && deltatree.Less(recs[j], recs[j-1]); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func afterKey(key, boundary []byte) bool {
	return bytes.Compare(key, boundary) > 0
}
