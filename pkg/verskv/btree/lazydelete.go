package btree

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/oda/verskv/pkg/verskv/deltatree"
	"github.com/oda/verskv/pkg/verskv/kverr"
	"github.com/oda/verskv/pkg/verskv/queue"
)

// LazyDeleteEntry is one (version, page) pending subtree deletion
// (spec.md §4.6 "Lazy subtree deletion"). LPID is the full BtreePageID
// of the pending page, not just its first block.
type LazyDeleteEntry struct {
	Version int64
	LPID    BtreePageID
}

// lazyDeleteEntryHeaderSize is version(8) + block count(2); the block
// ids themselves follow, 8 bytes each.
const lazyDeleteEntryHeaderSize = 8 + 2

var lazyDeleteCodec = queue.Codec[LazyDeleteEntry]{
	Encode: func(x LazyDeleteEntry) []byte {
		b := make([]byte, lazyDeleteEntryHeaderSize+ChildLPIDSize*len(x.LPID))
		binary.LittleEndian.PutUint64(b[0:8], uint64(x.Version))
		binary.LittleEndian.PutUint16(b[8:10], uint16(len(x.LPID)))
		copy(b[lazyDeleteEntryHeaderSize:], EncodeChildLPID(x.LPID))
		return b
	},
	Decode: func(buf []byte) (LazyDeleteEntry, int, bool) {
		if len(buf) < lazyDeleteEntryHeaderSize {
			return LazyDeleteEntry{}, 0, false
		}
		version := int64(binary.LittleEndian.Uint64(buf[0:8]))
		count := int(binary.LittleEndian.Uint16(buf[8:10]))
		n := lazyDeleteEntryHeaderSize + ChildLPIDSize*count
		if len(buf) < n {
			return LazyDeleteEntry{}, 0, false
		}
		id, err := DecodeChildLPID(buf[lazyDeleteEntryHeaderSize:n])
		if err != nil {
			return LazyDeleteEntry{}, 0, false
		}
		return LazyDeleteEntry{Version: version, LPID: id}, n, true
	},
}

// IncrementalSubtreeClear pops up to budget entries from q, in order,
// and frees each subtree rooted at the popped page. A height-2 page (one
// level above the leaves) has its children freed directly since they
// are leaves; any deeper internal page has its children re-enqueued for
// a later round instead, bounding the work done per call (spec.md §4.6).
//
// Running this from a background task during commit keeps a bulk
// delete's page-freeing work off the commit's own critical path.
func IncrementalSubtreeClear(ctx context.Context, q *queue.Queue[LazyDeleteEntry], reader func(ctx context.Context, id BtreePageID) ([]byte, error), freer func(ctx context.Context, id BtreePageID, version int64) error, budget int) error {
	for i := 0; i < budget; i++ {
		entry, err := q.Pop(ctx, nil, nil)
		if err != nil {
			if errors.Is(err, kverr.ErrNotPresent) {
				return nil
			}
			return err
		}

		data, err := reader(ctx, entry.LPID)
		if err != nil {
			return err
		}
		height := data[0]
		if height < 2 {
			return fmt.Errorf("btree: %w: height-%d page reached the lazy-delete queue", kverr.ErrInvariant, height)
		}

		kvBytes := binary.LittleEndian.Uint32(data[1:5])
		values, err := deltatree.ValueOnly(data[pageHeaderSize : pageHeaderSize+int(kvBytes)])
		if err != nil {
			return fmt.Errorf("btree: value-only decode during lazy delete: %w", err)
		}

		for _, v := range values {
			if len(v) == 0 {
				// The trailing value-less placeholder record carries no child.
				continue
			}
			childID, err := DecodeChildLPID(v)
			if err != nil {
				return err
			}
			if height == 2 {
				if err := freer(ctx, childID, entry.Version); err != nil {
					return err
				}
			} else {
				if err := q.PushBack(ctx, LazyDeleteEntry{Version: entry.Version, LPID: childID}); err != nil {
					return err
				}
			}
		}

		if err := freer(ctx, entry.LPID, entry.Version); err != nil {
			return err
		}
	}
	return nil
}
