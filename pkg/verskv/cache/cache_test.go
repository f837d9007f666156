package cache

import (
	"context"
	"testing"
)

type fakeEntry struct {
	id        int
	evictable bool
}

func (e *fakeEntry) IsEvictable() bool { return e.evictable }
func (e *fakeEntry) AwaitEvictable(ctx context.Context) error { return nil }

func TestGetCreatesAndHits(t *testing.T) {
	c := New[int, *fakeEntry](2)

	created := 0
	newEntry := func() *fakeEntry {
		created++
		return &fakeEntry{id: created, evictable: true}
	}

	v1 := c.Get(1, true, newEntry)
	v1b := c.Get(1, true, newEntry)
	if v1 != v1b {
		t.Fatalf("expected same entry on second Get, got distinct instances")
	}
	if created != 1 {
		t.Fatalf("expected exactly one creation, got %d", created)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int, *fakeEntry](2)
	mk := func(id int) func() *fakeEntry {
		return func() *fakeEntry { return &fakeEntry{id: id, evictable: true} }
	}

	c.Get(1, true, mk(1))
	c.Get(2, true, mk(2))
	// touch 1 so 2 becomes the LRU victim
	c.Get(1, true, mk(1))
	c.Get(3, true, mk(3))

	if _, ok := c.GetIfExists(2); ok {
		t.Fatalf("expected key 2 to have been evicted")
	}
	if _, ok := c.GetIfExists(1); !ok {
		t.Fatalf("expected key 1 to survive eviction")
	}
	if _, ok := c.GetIfExists(3); !ok {
		t.Fatalf("expected key 3 present")
	}
}

func TestPinnedEntryBlocksEviction(t *testing.T) {
	c := New[int, *fakeEntry](1)
	pinned := &fakeEntry{id: 1, evictable: false}

	c.Get(1, true, func() *fakeEntry { return pinned })
	c.Get(2, true, func() *fakeEntry { return &fakeEntry{id: 2, evictable: true} })

	if _, ok := c.GetIfExists(1); !ok {
		t.Fatalf("pinned entry should not have been evicted")
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache to grow past capacity while entry is pinned, got len %d", c.Len())
	}
}

func TestClearAwaitsEvictable(t *testing.T) {
	c := New[int, *fakeEntry](4)
	c.Get(1, true, func() *fakeEntry { return &fakeEntry{id: 1, evictable: false} })

	if err := c.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after Clear, got len %d", c.Len())
	}
}
