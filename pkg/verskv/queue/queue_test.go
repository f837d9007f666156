package queue

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/oda/verskv/pkg/verskv/page"
)

// memStore is a trivial in-memory PageStore + Allocator used only to
// exercise the queue's own logic in isolation, the way
// pkg/bptree2/bpager/pager_test.go drives bpager.Pager directly against
// a real temp file without involving the B+tree layer.
type memStore struct {
	pages map[page.LPID]*page.Buf
	next  uint64
	freed []page.LPID
}

func newMemStore() *memStore {
	return &memStore{pages: make(map[page.LPID]*page.Buf), next: 2}
}

func (m *memStore) ReadQueuePage(ctx context.Context, lpid page.LPID) (*page.Buf, error) {
	return m.pages[lpid], nil
}

func (m *memStore) WriteQueuePage(ctx context.Context, lpid page.LPID, buf *page.Buf) error {
	m.pages[lpid] = buf
	return nil
}

func (m *memStore) NewPageID(ctx context.Context) (page.LPID, error) {
	id := page.LPID(m.next)
	m.next++
	return id, nil
}

func (m *memStore) FreePage(ctx context.Context, lpid page.LPID, version int64) error {
	m.freed = append(m.freed, lpid)
	return nil
}

var u64Codec = Codec[uint64]{
	Encode: func(v uint64) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		return b
	},
	Decode: func(buf []byte) (uint64, int, bool) {
		if len(buf) < 8 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(buf[:8]), 8, true
	},
}

func TestPushPopOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	first, _ := store.NewPageID(ctx)
	q := Create[uint64](store, store, 256, u64Codec, first)

	for _, v := range []uint64{1, 2, 3} {
		if err := q.PushBack(ctx, v); err != nil {
			t.Fatalf("PushBack: %v", err)
		}
	}

	for _, want := range []uint64{1, 2, 3} {
		got, err := q.Pop(ctx, nil, func(a, b uint64) bool { return a < b })
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got != want {
			t.Fatalf("Pop: got %d want %d", got, want)
		}
	}

	if _, err := q.Pop(ctx, nil, func(a, b uint64) bool { return a < b }); err == nil {
		t.Fatalf("expected empty queue error")
	}
}

func TestPushFrontThenFlush(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	first, _ := store.NewPageID(ctx)
	q := Create[uint64](store, store, 256, u64Codec, first)

	if err := q.PushBack(ctx, 5); err != nil {
		t.Fatalf("PushBack: %v", err)
	}
	q.PushFront(9)

	for progress, err := q.PreFlush(ctx); progress; progress, err = q.PreFlush(ctx) {
		if err != nil {
			t.Fatalf("PreFlush: %v", err)
		}
	}
	if err := q.FinishFlush(ctx); err != nil {
		t.Fatalf("FinishFlush: %v", err)
	}

	got, err := q.Pop(ctx, nil, func(a, b uint64) bool { return a < b })
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got != 9 {
		t.Fatalf("expected front-pushed item first, got %d", got)
	}
}

func TestOverflowRollsTailPage(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	first, _ := store.NewPageID(ctx)
	q := Create[uint64](store, store, 32, u64Codec, first) // tiny page forces rollover

	for i := uint64(0); i < 10; i++ {
		if err := q.PushBack(ctx, i); err != nil {
			t.Fatalf("PushBack(%d): %v", i, err)
		}
	}
	for progress, err := q.PreFlush(ctx); progress; progress, err = q.PreFlush(ctx) {
		if err != nil {
			t.Fatalf("PreFlush: %v", err)
		}
	}
	if err := q.FinishFlush(ctx); err != nil {
		t.Fatalf("FinishFlush: %v", err)
	}

	for i := uint64(0); i < 10; i++ {
		got, err := q.Pop(ctx, nil, func(a, b uint64) bool { return a < b })
		if err != nil {
			t.Fatalf("Pop(%d): %v", i, err)
		}
		if got != i {
			t.Fatalf("Pop(%d): got %d", i, got)
		}
	}
}
