package btree

import (
	"context"

	"github.com/oda/verskv/pkg/verskv/page"
	"github.com/oda/verskv/pkg/verskv/pager"
)

// readBtreePage reads every physical block backing id, in block order,
// and concatenates their data regions into the bytes a logical tree
// page decodes from. The common case is one block (one read); a page
// whose block count grew past one reads each block in turn (spec.md §3
// "a logical tree page may span multiple physical pages
// (concatenated)"). versioned selects ReadPageAtVersion over ReadPage.
func readBtreePage(ctx context.Context, p *pager.Pager, id BtreePageID, version int64, versioned bool) ([]byte, error) {
	if len(id) == 1 && !versioned {
		buf, err := p.ReadPage(ctx, id[0], true, false).Await(ctx)
		if err != nil {
			return nil, err
		}
		return buf.Data(), nil
	}
	var data []byte
	for _, lpid := range id {
		var buf *page.Buf
		var err error
		if versioned {
			buf, err = p.ReadPageAtVersion(ctx, lpid, version, true, false).Await(ctx)
		} else {
			buf, err = p.ReadPage(ctx, lpid, true, false).Await(ctx)
		}
		if err != nil {
			return nil, err
		}
		data = append(data, buf.Data()...)
	}
	return data, nil
}

// freeBtreePage frees every block of id.
func freeBtreePage(ctx context.Context, p *pager.Pager, id BtreePageID, version int64) error {
	for _, lpid := range id {
		if err := p.FreePage(ctx, lpid, version); err != nil {
			return err
		}
	}
	return nil
}

// writeBlocks allocates a fresh LPID for each buf and writes it,
// returning the resulting BtreePageID in block order.
func writeBlocks(ctx context.Context, p *pager.Pager, bufs []*page.Buf) (BtreePageID, error) {
	ids := make(BtreePageID, 0, len(bufs))
	for _, buf := range bufs {
		id, err := p.NewPageID(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := p.UpdatePage(ctx, id, buf).Await(ctx); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
