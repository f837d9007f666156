package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/oda/verskv/pkg/verskv/deltatree"
	"github.com/oda/verskv/pkg/verskv/page"
)

// pageHeaderSize is height(1) + kvBytes(4), per spec.md §6 "B+tree page".
const pageHeaderSize = 1 + 4

// ChildLPIDSize is the width in bytes of one LPID within an
// internal-node record's value.
const ChildLPIDSize = 8

// BtreePageID is a logical tree page's id: a vector of LPIDs, one per
// physical block it occupies. A single LPID is the common case; a page
// grows past one block only when a single record does not fit (spec.md
// §3 "B+tree page id", §4.6 "Page writer"). An internal node's value
// stores its child's BtreePageID as the raw bytes of its contiguous
// LPIDs (spec.md §4.4 "B+tree record").
type BtreePageID []page.LPID

// EncodeChildLPID packs a child's page id as a delta-tree record value.
func EncodeChildLPID(id BtreePageID) []byte {
	b := make([]byte, ChildLPIDSize*len(id))
	for i, lpid := range id {
		binary.LittleEndian.PutUint64(b[ChildLPIDSize*i:], uint64(lpid))
	}
	return b
}

// DecodeChildLPID unpacks a child page id previously packed by
// EncodeChildLPID.
func DecodeChildLPID(buf []byte) (BtreePageID, error) {
	if len(buf) < ChildLPIDSize || len(buf)%ChildLPIDSize != 0 {
		return nil, fmt.Errorf("btree: malformed child lpid value (%d bytes)", len(buf))
	}
	id := make(BtreePageID, len(buf)/ChildLPIDSize)
	for i := range id {
		id[i] = page.LPID(binary.LittleEndian.Uint64(buf[ChildLPIDSize*i:]))
	}
	return id, nil
}

// BuildPage packs height and records (already sorted, bracketed by
// lower/upper) into a page.Buf of pageSize, per spec.md §6's `u8
// height, u32 kvBytes, <delta tree>`. ok is false if the delta tree
// build overflowed the available space.
func BuildPage(height uint8, records []deltatree.Record, lower, upper deltatree.Record, pageSize int) (buf *page.Buf, ok bool) {
	buf = page.NewBuf(pageSize)
	data := buf.Data()
	if len(data) < pageHeaderSize {
		return buf, false
	}
	kvBuf := data[pageHeaderSize:]
	n, built := deltatree.Build(kvBuf, records, lower, upper)
	if !built {
		return buf, false
	}
	data[0] = height
	binary.LittleEndian.PutUint32(data[1:5], uint32(n))
	return buf, true
}

// DecodedPage is a B+tree page read back from the pager, paired with the
// bounds its traversal context supplied.
type DecodedPage struct {
	Height uint8
	Tree   *deltatree.Page
	Lower  deltatree.Record
	Upper  deltatree.Record
}

// DecodePage reverses BuildPage, given the (lower, upper) bounds the
// caller's traversal context holds for this page (the page format
// itself does not store them, per spec.md §4.4). buf must already be
// the full logical page's bytes — for a page spanning more than one
// physical block, that means every block's Data() concatenated in
// block order; see DecodePageBytes.
func DecodePage(buf *page.Buf, lower, upper deltatree.Record) (*DecodedPage, error) {
	return DecodePageBytes(buf.Data(), lower, upper)
}

// DecodePageBytes is DecodePage over already-assembled logical page
// bytes, used directly by readers that concatenate more than one
// physical block before decoding (spec.md §3 "a logical tree page may
// span multiple physical pages (concatenated)").
func DecodePageBytes(data []byte, lower, upper deltatree.Record) (*DecodedPage, error) {
	if len(data) < pageHeaderSize {
		return nil, fmt.Errorf("btree: page too short for header")
	}
	height := data[0]
	kvBytes := binary.LittleEndian.Uint32(data[1:5])
	kvBuf := data[pageHeaderSize:]
	if uint32(len(kvBuf)) < kvBytes {
		return nil, fmt.Errorf("btree: page kvBytes %d exceeds buffer", kvBytes)
	}
	tree, err := deltatree.DecodePage(kvBuf[:kvBytes], lower, upper)
	if err != nil {
		return nil, fmt.Errorf("btree: decode page: %w", err)
	}
	return &DecodedPage{Height: height, Tree: tree, Lower: lower, Upper: upper}, nil
}

// ChildLinks returns the (lowerBound, lpid) pairs for every real child
// of an internal page, skipping the trailing value-less placeholder
// record spec.md §4.6 inserts so the last child's upper bound can be
// recovered.
func (d *DecodedPage) ChildLinks() ([]ChildLink, error) {
	links := make([]ChildLink, 0, d.Tree.Len())
	for i := 0; i < d.Tree.Len(); i++ {
		r := d.Tree.At(i)
		if !r.Present {
			continue
		}
		id, err := DecodeChildLPID(r.Value)
		if err != nil {
			return nil, err
		}
		// The placeholder one slot past the last real child carries the
		// page's own upper bound re-encoded; decoding an unbounded (nil)
		// key back through the delta-tree wire format yields a distinct,
		// non-nil empty slice (DecodeRecord always allocates a key of
		// length prefixLen+suffixLen, never nil), which would corrupt
		// every "is this unbounded" check downstream. Use the caller
		//-supplied d.Upper directly for the last child instead of
		// trusting the round-tripped placeholder key.
		var upperKey []byte
		if i+1 < d.Tree.Len() && d.Tree.At(i+1).Present {
			upperKey = d.Tree.At(i + 1).Key
		} else {
			upperKey = d.Upper.Key
		}
		links = append(links, ChildLink{Lower: r.Key, Upper: upperKey, LPID: id})
	}
	return links, nil
}

// ChildLink is one (lower, upper, lpid) entry decoded from an internal
// page.
type ChildLink struct {
	Lower []byte
	Upper []byte
	LPID  BtreePageID
}
