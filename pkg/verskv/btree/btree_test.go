package btree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/verskv/pkg/verskv/deltatree"
	"github.com/oda/verskv/pkg/verskv/iofile"
	"github.com/oda/verskv/pkg/verskv/mutbuf"
	"github.com/oda/verskv/pkg/verskv/pager"
)

func mustOpenPager(t *testing.T, ctx context.Context) (*pager.Pager, *iofile.FakeFile) {
	t.Helper()
	file := iofile.NewFakeFile()
	p, err := pager.Open(ctx, file, nil, pager.WithPageSize(pager.SmallestPhysicalBlock))
	require.NoError(t, err)
	return p, file
}

func TestCreateSetCommitGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, _ := mustOpenPager(t, ctx)
	defer p.Close(ctx)

	tr, err := Create(ctx, p)
	require.NoError(t, err)

	tr.Set([]byte("apple"), []byte("red"))
	tr.Set([]byte("banana"), []byte("yellow"))
	tr.Set([]byte("cherry"), []byte("dark red"))

	_, err = tr.Commit(ctx)
	require.NoError(t, err)

	for _, kv := range []struct{ k, v string }{
		{"apple", "red"}, {"banana", "yellow"}, {"cherry", "dark red"},
	} {
		val, ok, err := tr.Get(ctx, []byte(kv.k))
		require.NoError(t, err)
		assert.True(t, ok, "Get(%q)", kv.k)
		assert.Equal(t, kv.v, string(val), "Get(%q)", kv.k)
	}

	_, ok, err := tr.Get(ctx, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetOverwriteAndClear(t *testing.T) {
	ctx := context.Background()
	p, _ := mustOpenPager(t, ctx)
	defer p.Close(ctx)

	tr, err := Create(ctx, p)
	require.NoError(t, err)

	tr.Set([]byte("k"), []byte("v1"))
	_, err = tr.Commit(ctx)
	require.NoError(t, err)

	tr.Set([]byte("k"), []byte("v2"))
	_, err = tr.Commit(ctx)
	require.NoError(t, err)

	val, ok, err := tr.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(val))

	tr.Clear([]byte("k"))
	_, err = tr.Commit(ctx)
	require.NoError(t, err)

	_, ok, err = tr.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearRangeRemovesCoveredKeys(t *testing.T) {
	ctx := context.Background()
	p, _ := mustOpenPager(t, ctx)
	defer p.Close(ctx)

	tr, err := Create(ctx, p)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		tr.Set([]byte(k), []byte(k+"-value"))
	}
	_, err = tr.Commit(ctx)
	require.NoError(t, err)

	tr.ClearRange([]byte("b"), []byte("d"))
	_, err = tr.Commit(ctx)
	require.NoError(t, err)

	for _, k := range []string{"b", "c"} {
		_, ok, err := tr.Get(ctx, []byte(k))
		require.NoError(t, err)
		assert.False(t, ok, "Get(%q)", k)
	}
	for _, k := range []string{"a", "d", "e"} {
		val, ok, err := tr.Get(ctx, []byte(k))
		require.NoError(t, err)
		require.True(t, ok, "Get(%q)", k)
		assert.Equal(t, k+"-value", string(val), "Get(%q)", k)
	}
}

func TestCursorForwardIteration(t *testing.T) {
	ctx := context.Background()
	p, _ := mustOpenPager(t, ctx)
	defer p.Close(ctx)

	tr, err := Create(ctx, p)
	require.NoError(t, err)

	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		tr.Set([]byte(k), []byte(k))
	}
	version, err := tr.Commit(ctx)
	require.NoError(t, err)

	cur, err := NewCursor(ctx, p, version)
	require.NoError(t, err)
	require.NoError(t, cur.FindFirstEqualOrGreater(ctx, []byte(""), 0))

	var got []string
	for cur.IsValid() {
		got = append(got, string(cur.GetKey()))
		require.NoError(t, cur.Next(ctx))
	}
	assert.Equal(t, keys, got)
}

func TestReopenPreservesCommittedState(t *testing.T) {
	ctx := context.Background()
	p, file := mustOpenPager(t, ctx)

	tr, err := Create(ctx, p)
	require.NoError(t, err)

	tr.Set([]byte("k1"), []byte("v1"))
	version, err := tr.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))

	p2, err := pager.Open(ctx, file, nil)
	require.NoError(t, err)
	defer p2.Close(ctx)

	tr2, err := Open(ctx, p2, version)
	require.NoError(t, err)

	val, ok, err := tr2.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(val))
}

// subtreePageCount walks a subtree counting every physical block of
// every logical page under it, using the same (lower, upper) threading
// a real descent uses so delta-tree decode sees the bounds each page
// was actually built against.
func subtreePageCount(t *testing.T, ctx context.Context, tr *Tree, id BtreePageID, lower, upper []byte) int {
	t.Helper()
	data, err := readBtreePage(ctx, tr.pager, id, 0, false)
	require.NoError(t, err)
	decoded, err := DecodePageBytes(data, deltatree.Record{Key: lower}, deltatree.Record{Key: upper})
	require.NoError(t, err)
	count := len(id)
	if decoded.Height > 1 {
		children, err := decoded.ChildLinks()
		require.NoError(t, err)
		for _, c := range children {
			count += subtreePageCount(t, ctx, tr, c.LPID, c.Lower, c.Upper)
		}
	}
	return count
}

// TestLazyDeleteDrainsEntireSubtree forces a tree deep enough to need
// more than one round of recursion through the lazy-delete queue (a
// height-2 page's children are leaves and get freed directly; anything
// deeper gets re-enqueued), then verifies a full drain frees exactly as
// many physical pages as the original subtree held (spec.md §8 scenario
// 6 "cumulative freed pages equals the original tree's page count").
func TestLazyDeleteDrainsEntireSubtree(t *testing.T) {
	ctx := context.Background()
	p, _ := mustOpenPager(t, ctx)
	defer p.Close(ctx)

	tr, err := Create(ctx, p)
	require.NoError(t, err)
	// Shrink the fill fraction so a handful of keys already produces a
	// multi-level tree instead of needing a true 100k-key bulk insert.
	tr.fillFraction = 0.02

	const n = 400
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		value := []byte(fmt.Sprintf("value-%06d", i))
		tr.Set(key, value)
	}
	_, err = tr.Commit(ctx)
	require.NoError(t, err)
	require.Greater(t, int(tr.meta.Height), 2, "fixture tree should span more than 2 levels")

	oldRoot := tr.meta.Root
	wantFreed := subtreePageCount(t, ctx, tr, oldRoot, mutbuf.LowestPossibleKey, mutbuf.HighestPossibleKey)

	tr.ClearRange(mutbuf.LowestPossibleKey, mutbuf.HighestPossibleKey)
	_, err = tr.Commit(ctx)
	require.NoError(t, err)

	// The clear covered everything in one boundary, so commitSubtree's
	// top-level branch pushed the whole old root straight onto the
	// lazy-delete queue rather than walking it; the tree itself already
	// shows a fresh, single-page empty root.
	assert.EqualValues(t, 1, tr.meta.Height)
	assert.Len(t, tr.meta.Root, 1)
	assert.Greater(t, tr.lazyDeleteQueue.GetState().EntryCount, int64(0))

	freedBlocks := 0
	reader := func(ctx context.Context, id BtreePageID) ([]byte, error) {
		return readBtreePage(ctx, tr.pager, id, 0, false)
	}
	freer := func(ctx context.Context, id BtreePageID, version int64) error {
		freedBlocks += len(id)
		return freeBtreePage(ctx, tr.pager, id, version)
	}
	for i := 0; i < 1000 && tr.lazyDeleteQueue.GetState().EntryCount > 0; i++ {
		require.NoError(t, IncrementalSubtreeClear(ctx, tr.lazyDeleteQueue, reader, freer, 8))
	}

	assert.EqualValues(t, 0, tr.lazyDeleteQueue.GetState().EntryCount)
	assert.Equal(t, wantFreed, freedBlocks)

	_, ok, err := tr.Get(ctx, []byte("key-000000"))
	require.NoError(t, err)
	assert.False(t, ok)
}
