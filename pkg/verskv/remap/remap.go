// Package remap implements the pager's in-memory remap table: a map
// from original logical page id to a version-ordered history of the
// physical ids that have served reads of it since (spec.md §3 "Remap
// table").
//
// Nothing in the teacher or the rest of the pack has a remap table — a
// single mmap'd file has no notion of "this logical page now lives at a
// different physical offset for old readers." This package is built
// straight from spec.md's invariant: "a read of original_lpid at
// version v returns the new_lpid of the greatest entry whose version
// <= v; if none, returns a read of original_lpid itself," using the
// same sort.Search binary-search idiom the teacher uses throughout
// pkg/bptree2/bnode for key lookup.
package remap

import (
	"sort"

	"github.com/oda/verskv/pkg/verskv/page"
)

// Entry is one (version, original, new) remap record, per spec.md §3.
// New == page.Invalid means "free Original once all prior remaps of
// it are undone."
type Entry struct {
	Version  int64
	Original page.LPID
	New      page.LPID
}

type versionedTarget struct {
	version int64
	target  page.LPID
}

// Table is the in-memory original_lpid -> sorted_map<version, new_lpid>
// structure, rebuilt at recovery by replaying the remap queue head to
// tail.
type Table struct {
	byOriginal map[page.LPID][]versionedTarget
}

// New returns an empty remap table.
func New() *Table {
	return &Table{byOriginal: make(map[page.LPID][]versionedTarget)}
}

// Insert records that reads of original at versions >= entry.Version
// should be served from entry.New, until undone.
func (t *Table) Insert(e Entry) {
	hist := t.byOriginal[e.Original]
	idx := sort.Search(len(hist), func(i int) bool { return hist[i].version >= e.Version })
	vt := versionedTarget{version: e.Version, target: e.New}
	if idx < len(hist) && hist[idx].version == e.Version {
		hist[idx] = vt
	} else {
		hist = append(hist, versionedTarget{})
		copy(hist[idx+1:], hist[idx:])
		hist[idx] = vt
	}
	t.byOriginal[e.Original] = hist
}

// Resolve returns the lpid that should actually be read for original at
// version v: the target of the greatest entry whose version <= v, or
// original itself if there is none.
func (t *Table) Resolve(original page.LPID, v int64) page.LPID {
	hist, ok := t.byOriginal[original]
	if !ok {
		return original
	}
	// last entry with version <= v
	idx := sort.Search(len(hist), func(i int) bool { return hist[i].version > v }) - 1
	if idx < 0 {
		return original
	}
	return hist[idx].target
}

// Oldest returns the (version, new) pair with the smallest version
// recorded for original, or ok=false if there are none.
func (t *Table) Oldest(original page.LPID) (version int64, new page.LPID, ok bool) {
	hist, exists := t.byOriginal[original]
	if !exists || len(hist) == 0 {
		return 0, 0, false
	}
	return hist[0].version, hist[0].target, true
}

// Erase removes the (original, version) mapping, and reports whether the
// outer entry for original became empty (so the caller can drop it from
// any index it keeps, per spec.md §4.3's remap undoer).
func (t *Table) Erase(original page.LPID, version int64) (emptied bool) {
	hist, ok := t.byOriginal[original]
	if !ok {
		return true
	}
	idx := sort.Search(len(hist), func(i int) bool { return hist[i].version >= version })
	if idx >= len(hist) || hist[idx].version != version {
		return len(hist) == 0
	}
	hist = append(hist[:idx], hist[idx+1:]...)
	if len(hist) == 0 {
		delete(t.byOriginal, original)
		return true
	}
	t.byOriginal[original] = hist
	return false
}

// HasLiveRemaps reports whether original currently has any remap
// history at all — used by FreePage to decide whether a freed page must
// go through the remap log instead of a free list (spec.md §4.3).
func (t *Table) HasLiveRemaps(original page.LPID) bool {
	return len(t.byOriginal[original]) > 0
}

// Replay rebuilds the table from scratch by inserting every entry from
// the remap queue, head to tail, per spec.md §8's invariant that the
// in-memory table equals the replay of the remap queue.
func Replay(entries []Entry) *Table {
	t := New()
	for _, e := range entries {
		t.Insert(e)
	}
	return t
}
