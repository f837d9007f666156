// Package mutbuf implements the mutation buffer: the sorted,
// range-segmented record of pending writes the B+tree accumulates for
// the version currently being written (spec.md §3, §4.5).
//
// There is no third-party ordered-map library anywhere in the example
// pack (grep turns up nothing resembling btree/skiplist/rbtree), so this
// is a plain sorted slice with binary-search insert/erase — the
// teacher's own style for small in-memory indexes (see
// pkg/bptree2/bnode/leaf.go's slot search). See DESIGN.md.
package mutbuf

import (
	"bytes"
	"sort"
)

// Boundary is one anchor key in the buffer. It describes the mutation
// at the boundary key itself (BoundaryChanged/BoundaryValue/Present)
// and whether the open interval immediately following the boundary,
// up to the next boundary, is a clear (ClearAfterBoundary).
type Boundary struct {
	Key                  []byte
	BoundaryChanged      bool
	BoundaryValue        []byte
	BoundaryValuePresent bool
	ClearAfterBoundary   bool
}

// LowestPossibleKey and HighestPossibleKey bracket the buffer; they are
// never removed.
var (
	LowestPossibleKey  = []byte{}
	HighestPossibleKey = []byte(nil)
)

// Buffer is an ordered mapping from key to Boundary, always containing
// at least the tree's lowest and highest possible boundaries (spec.md
// §4.5 "Initialization").
type Buffer struct {
	boundaries []Boundary
}

// New returns an empty buffer seeded with the lowest and highest
// boundaries. The highest boundary starts as "clear at boundary" so a
// range clear up to the highest key needs no special-case handling.
func New() *Buffer {
	return &Buffer{
		boundaries: []Boundary{
			{Key: LowestPossibleKey},
			{Key: HighestPossibleKey, BoundaryChanged: true, ClearAfterBoundary: false},
		},
	}
}

func keyLess(a, b []byte) bool {
	if a == nil {
		return false // nil represents the highest possible key
	}
	if b == nil {
		return true
	}
	return bytes.Compare(a, b) < 0
}

// search returns the index of the first boundary whose key is >= key
// (lower_bound).
func (b *Buffer) search(key []byte) int {
	return sort.Search(len(b.boundaries), func(i int) bool {
		return !keyLess(b.boundaries[i].Key, key)
	})
}

// Len returns the number of boundaries currently in the buffer.
func (b *Buffer) Len() int { return len(b.boundaries) }

// At returns the i'th boundary in key order.
func (b *Buffer) At(i int) Boundary { return b.boundaries[i] }

// LowerBound returns the index of the first boundary whose key is >= key.
func (b *Buffer) LowerBound(key []byte) int { return b.search(key) }

// UpperBound returns the index of the first boundary whose key is > key.
func (b *Buffer) UpperBound(key []byte) int {
	i := b.search(key)
	if i < len(b.boundaries) && bytes.Equal(b.boundaries[i].Key, key) {
		i++
	}
	return i
}

// insert finds or creates a boundary at key, returning its index. A
// newly created boundary inherits ClearAfterBoundary from the boundary
// immediately preceding it, preserving the covering-range semantics
// (spec.md §4.5 "insert").
func (b *Buffer) insert(key []byte) int {
	i := b.search(key)
	if i < len(b.boundaries) && bytes.Equal(b.boundaries[i].Key, key) {
		return i
	}
	inherited := false
	if i > 0 {
		inherited = b.boundaries[i-1].ClearAfterBoundary
	}
	nb := Boundary{Key: append([]byte(nil), key...), ClearAfterBoundary: inherited}
	b.boundaries = append(b.boundaries, Boundary{})
	copy(b.boundaries[i+1:], b.boundaries[i:])
	b.boundaries[i] = nb
	return i
}

// eraseRange removes boundaries [from, to), never touching index 0 or
// the final (highest) boundary.
func (b *Buffer) eraseRange(from, to int) {
	if from >= to {
		return
	}
	if from == 0 {
		from = 1
	}
	if to > len(b.boundaries)-1 {
		to = len(b.boundaries) - 1
	}
	if from >= to {
		return
	}
	b.boundaries = append(b.boundaries[:from], b.boundaries[to:]...)
}

// Set applies a single-key set at key.
func (b *Buffer) Set(key, value []byte) {
	i := b.insert(key)
	b.boundaries[i].BoundaryChanged = true
	b.boundaries[i].BoundaryValue = value
	b.boundaries[i].BoundaryValuePresent = true
}

// Clear applies a single-key clear at key: one boundary marked changed
// with no value and ClearAfterBoundary left untouched, per spec.md
// §4.5's "applying a single-key clear is an optimization."
func (b *Buffer) Clear(key []byte) {
	i := b.insert(key)
	b.boundaries[i].BoundaryChanged = true
	b.boundaries[i].BoundaryValue = nil
	b.boundaries[i].BoundaryValuePresent = false
}

// ClearRange applies a range clear over [begin, end): inserts begin and
// end boundaries, marks begin changed + cleared + ClearAfterBoundary,
// and discards every boundary strictly between them (spec.md §4.5
// "applying a range clear").
func (b *Buffer) ClearRange(begin, end []byte) {
	bi := b.insert(begin)
	ei := b.insert(end)
	b.boundaries[bi].BoundaryChanged = true
	b.boundaries[bi].BoundaryValue = nil
	b.boundaries[bi].BoundaryValuePresent = false
	b.boundaries[bi].ClearAfterBoundary = true
	ei = b.search(end)
	b.eraseRange(bi+1, ei)
}
