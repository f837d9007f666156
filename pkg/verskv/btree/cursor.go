package btree

import (
	"bytes"
	"context"

	"github.com/oda/verskv/pkg/verskv/deltatree"
	"github.com/oda/verskv/pkg/verskv/mutbuf"
	"github.com/oda/verskv/pkg/verskv/pager"
)

// cursorLevel is one level of the path from root to leaf a Cursor is
// currently positioned at. Internal levels hold decoded child links;
// the deepest level holds the decoded leaf's delta-tree page.
type cursorLevel struct {
	height uint8
	lower  []byte
	upper  []byte
	links  []ChildLink
	leaf   *deltatree.Page
	index  int
}

// Cursor is a forward/backward read cursor over a tree snapshot,
// addressing a committed version only — it never observes a Tree's
// staged, uncommitted mutations (spec.md §4.7 "Read cursor").
//
// The original ties two raw bnode positions (cur1/cur2) together to
// disambiguate identical keys carrying more than one live version. This
// implementation's committed leaf pages never hold more than one live
// version per key (the current writer always resolves a key's pending
// versions down to one before a page is written, per commit.go's leaf
// reconciliation), so a single position per level already disambiguates
// every case this writer can produce. See DESIGN.md.
type Cursor struct {
	pager   *pager.Pager
	version int64
	root    BtreePageID
	levels  []cursorLevel
}

// NewCursor opens a cursor against the tree rooted wherever the pager's
// snapshot at version says it is.
func NewCursor(ctx context.Context, p *pager.Pager, version int64) (*Cursor, error) {
	snap, err := p.GetReadSnapshot(ctx, version)
	if err != nil {
		return nil, err
	}
	meta, err := Unmarshal(snap.MetaKey())
	snap.Release()
	if err != nil {
		return nil, err
	}
	return &Cursor{pager: p, version: version, root: meta.Root}, nil
}

func (c *Cursor) loadLevel(ctx context.Context, id BtreePageID, lower, upper []byte) (cursorLevel, error) {
	data, err := readBtreePage(ctx, c.pager, id, c.version, true)
	if err != nil {
		return cursorLevel{}, err
	}
	decoded, err := DecodePageBytes(data, deltatree.Record{Key: lower}, deltatree.Record{Key: upper})
	if err != nil {
		return cursorLevel{}, err
	}
	lvl := cursorLevel{height: decoded.Height, lower: lower, upper: upper}
	if decoded.Height == 1 {
		lvl.leaf = decoded.Tree
	} else {
		links, err := decoded.ChildLinks()
		if err != nil {
			return cursorLevel{}, err
		}
		lvl.links = links
	}
	return lvl, nil
}

// childIndexFor returns the index of the last link whose Lower <= key.
func childIndexFor(links []ChildLink, key []byte) int {
	lo, hi := 0, len(links)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if !keyGreater(links[mid].Lower, key) {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

func keyGreater(a, key []byte) bool {
	if a == nil {
		return key != nil
	}
	if key == nil {
		return false
	}
	return bytes.Compare(a, key) > 0
}

func (c *Cursor) descendTo(ctx context.Context, key []byte, prefetchBytes int) error {
	levels := make([]cursorLevel, 0, 4)
	lpid := c.root
	lower, upper := []byte(mutbuf.LowestPossibleKey), []byte(mutbuf.HighestPossibleKey)
	for {
		lvl, err := c.loadLevel(ctx, lpid, lower, upper)
		if err != nil {
			return err
		}
		if lvl.height == 1 {
			levels = append(levels, lvl)
			c.levels = levels
			return nil
		}
		idx := childIndexFor(lvl.links, key)
		lvl.index = idx
		if lvl.height == 2 && prefetchBytes > 0 {
			prefetchBytes = c.prefetchSiblings(ctx, lvl.links, idx, prefetchBytes)
		}
		levels = append(levels, lvl)
		lpid, lower, upper = lvl.links[idx].LPID, lvl.links[idx].Lower, lvl.links[idx].Upper
	}
}

// prefetchSiblings speculatively warms the pager's cache with the
// height-2 ancestor's siblings nearest idx, in alternating outward
// order, spending from budget (bytes) as each block is launched and
// stopping once it runs out (spec.md §4.7 "Prefetch-bytes, if > 0,
// requests the pager to load siblings of ancestors at height 2
// speculatively, charged against the budget as each is read"). Reads
// are launched but never awaited here — ReadPageAtVersion starts its
// I/O before returning, so this is a genuine fire-and-forget prefetch
// that simply warms whatever cache backs later awaited reads.
func (c *Cursor) prefetchSiblings(ctx context.Context, links []ChildLink, idx, budget int) int {
	pageSize := c.pager.PageSize()
	offsets := []int{idx + 1, idx - 1, idx + 2, idx - 2}
	for _, j := range offsets {
		if budget <= 0 {
			break
		}
		if j < 0 || j >= len(links) || j == idx {
			continue
		}
		for _, lpid := range links[j].LPID {
			if budget <= 0 {
				break
			}
			c.pager.ReadPageAtVersion(ctx, lpid, c.version, true, false)
			budget -= pageSize
		}
	}
	return budget
}

// descendEdge replaces everything below levelIdx with a fresh path down
// to the leftmost (leftmost=true) or rightmost leaf record under the
// child link[idx] chosen at levels[levelIdx].
func (c *Cursor) descendEdge(ctx context.Context, levelIdx int, leftmost bool) (bool, error) {
	parent := &c.levels[levelIdx]
	link := parent.links[parent.index]
	c.levels = c.levels[:levelIdx+1]
	lpid, lower, upper := link.LPID, link.Lower, link.Upper
	for {
		lvl, err := c.loadLevel(ctx, lpid, lower, upper)
		if err != nil {
			return false, err
		}
		if lvl.height == 1 {
			if leftmost {
				lvl.index = 0
			} else {
				lvl.index = lvl.leaf.Len() - 1
			}
			c.levels = append(c.levels, lvl)
			return lvl.index >= 0 && lvl.index < lvl.leaf.Len(), nil
		}
		idx := 0
		if !leftmost {
			idx = len(lvl.links) - 1
		}
		lvl.index = idx
		c.levels = append(c.levels, lvl)
		lpid, lower, upper = lvl.links[idx].LPID, lvl.links[idx].Lower, lvl.links[idx].Upper
	}
}

// FindFirstEqualOrGreater positions the cursor at the least key >= key,
// or invalidates it if none exists. prefetchBytes, if > 0, speculatively
// warms the cache with height-2 siblings along the descent (spec.md
// §4.7); pass 0 to skip prefetching.
func (c *Cursor) FindFirstEqualOrGreater(ctx context.Context, key []byte, prefetchBytes int) error {
	if err := c.descendTo(ctx, key, prefetchBytes); err != nil {
		return err
	}
	leaf := &c.levels[len(c.levels)-1]
	leaf.index = leaf.leaf.Search(key)
	if leaf.index >= leaf.leaf.Len() {
		return c.step(ctx, +1)
	}
	return nil
}

// FindLastLessOrEqual positions the cursor at the greatest key <= key,
// or invalidates it if none exists. prefetchBytes behaves as in
// FindFirstEqualOrGreater.
func (c *Cursor) FindLastLessOrEqual(ctx context.Context, key []byte, prefetchBytes int) error {
	if err := c.descendTo(ctx, key, prefetchBytes); err != nil {
		return err
	}
	leaf := &c.levels[len(c.levels)-1]
	idx := leaf.leaf.Search(key)
	if idx >= leaf.leaf.Len() || !bytes.Equal(leaf.leaf.At(idx).Key, key) {
		idx--
	}
	leaf.index = idx
	if leaf.index < 0 {
		return c.step(ctx, -1)
	}
	return nil
}

// FindEqual positions the cursor exactly at key, or invalidates it.
func (c *Cursor) FindEqual(ctx context.Context, key []byte) error {
	if err := c.FindFirstEqualOrGreater(ctx, key, 0); err != nil {
		return err
	}
	if !c.IsValid() || !bytes.Equal(c.GetKey(), key) {
		c.levels = nil
	}
	return nil
}

// Next advances the cursor to the next greater key.
func (c *Cursor) Next(ctx context.Context) error {
	return c.step(ctx, +1)
}

// Prev moves the cursor to the next lesser key.
func (c *Cursor) Prev(ctx context.Context) error {
	return c.step(ctx, -1)
}

// step advances (dir=+1) or retreats (dir=-1) the cursor by one leaf
// record, crossing page boundaries by walking back up to the first
// ancestor with room to move and redescending to the new edge leaf.
func (c *Cursor) step(ctx context.Context, dir int) error {
	if len(c.levels) == 0 {
		return nil
	}
	leaf := &c.levels[len(c.levels)-1]
	leaf.index += dir
	if leaf.index >= 0 && leaf.index < leaf.leaf.Len() {
		return nil
	}

	for i := len(c.levels) - 2; i >= 0; i-- {
		lvl := &c.levels[i]
		lvl.index += dir
		if lvl.index >= 0 && lvl.index < len(lvl.links) {
			ok, err := c.descendEdge(ctx, i, dir > 0)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			c.levels = nil
			return nil
		}
	}
	c.levels = nil
	return nil
}

// IsValid reports whether the cursor currently addresses a live record.
func (c *Cursor) IsValid() bool {
	if len(c.levels) == 0 {
		return false
	}
	leaf := c.levels[len(c.levels)-1]
	return leaf.index >= 0 && leaf.index < leaf.leaf.Len()
}

// GetKey returns the current record's key. Panics if !IsValid.
func (c *Cursor) GetKey() []byte {
	leaf := c.levels[len(c.levels)-1]
	return leaf.leaf.At(leaf.index).Key
}

// GetValue returns the current record's value. Panics if !IsValid.
func (c *Cursor) GetValue() []byte {
	leaf := c.levels[len(c.levels)-1]
	return leaf.leaf.At(leaf.index).Value
}
