package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/oda/verskv/pkg/verskv/deltatree"
	"github.com/oda/verskv/pkg/verskv/page"
)

// DefaultFillFraction targets filling roughly this much of a page's
// capacity before starting a new one (spec.md §4.6 "Page writer").
const DefaultFillFraction = 0.8

// PackedPage is one logical page produced by PackPages: its bounds, the
// records it holds, and the built physical blocks (in block order)
// ready to write through the pager. Bufs has more than one element only
// when this page's block count grew to fit an oversize record.
type PackedPage struct {
	Lower, Upper deltatree.Record
	Records      []deltatree.Record
	Bufs         []*page.Buf
}

// PackPages splits records (sorted, bracketed by lower/upper) into one
// or more logical pages of height, each built up to roughly
// fillFraction of one physical block's capacity. If even a single
// record does not fit one block once a chunk has been shrunk down to
// just that record, the chunk's block count grows instead of failing
// (spec.md §4.6 "Each page's block count may grow if a single record
// would not fit", §3 "a logical tree page may span multiple physical
// pages (concatenated)").
//
// This implementation always uses the next record's key (or the run's
// own upper bound, at the final page) as a page's upper bound exactly,
// rather than shortening a leaf page's upper bound to the minimal key
// that still separates it from its successor — a real compression
// optimization the original affords that does not affect correctness
// here (every bound comparison in DecodePage / Search still holds for
// an exact upper bound, just with one byte to spare for compression).
// See DESIGN.md.
func PackPages(height uint8, records []deltatree.Record, lower, upper deltatree.Record, pageSize int, fillFraction float64) ([]PackedPage, error) {
	if fillFraction <= 0 || fillFraction > 1 {
		fillFraction = DefaultFillFraction
	}
	capacity := pageSize - page.ChecksumSize - pageHeaderSize
	target := int(float64(capacity) * fillFraction)

	var pages []PackedPage
	i := 0
	curLower := lower
	for i < len(records) {
		end := i
		size := 0
		for end < len(records) {
			enc := deltatree.EncodeRecord(records[end], curLower, false)
			if size+len(enc) > target && end > i {
				break
			}
			size += len(enc)
			end++
		}

		chunkUpper := boundAt(records, end, upper)
		buf, ok := BuildPage(height, records[i:end], curLower, chunkUpper, pageSize)
		for !ok && end > i+1 {
			end--
			chunkUpper = boundAt(records, end, upper)
			buf, ok = BuildPage(height, records[i:end], curLower, chunkUpper, pageSize)
		}

		var bufs []*page.Buf
		if ok {
			bufs = []*page.Buf{buf}
		} else {
			grown, grownOK := buildGrownPage(height, records[i:end], curLower, chunkUpper, pageSize)
			if !grownOK {
				return nil, fmt.Errorf("btree: record at index %d does not fit any number of concatenated pages of size %d", i, pageSize)
			}
			bufs = grown
		}

		pages = append(pages, PackedPage{Lower: curLower, Upper: chunkUpper, Records: records[i:end], Bufs: bufs})
		curLower = chunkUpper
		i = end
	}
	return pages, nil
}

// buildGrownPage builds records (already narrowed, by the caller, to
// whatever does not fit one physical block) across as many concatenated
// physical blocks as its encoded size needs. Capacity is doubled each
// attempt until the delta tree build succeeds or maxGrownPageCapacity is
// exceeded, at which point the record is treated as un-storable.
func buildGrownPage(height uint8, records []deltatree.Record, lower, upper deltatree.Record, pageSize int) ([]*page.Buf, bool) {
	perBlock := pageSize - page.ChecksumSize
	cap := perBlock - pageHeaderSize
	if cap < 1 {
		cap = 1
	}
	for cap <= maxGrownPageCapacity {
		kvBuf := make([]byte, cap)
		n, ok := deltatree.Build(kvBuf, records, lower, upper)
		if ok {
			return splitIntoBlocks(height, kvBuf[:n], pageSize), true
		}
		cap *= 2
	}
	return nil, false
}

// maxGrownPageCapacity bounds how large a single grown logical page's
// kv payload may become before PackPages gives up.
const maxGrownPageCapacity = 1 << 28

// splitIntoBlocks lays out height + len(kv) + kv across as many
// physical blocks of pageSize as needed, one block's Data() at a time.
func splitIntoBlocks(height uint8, kv []byte, pageSize int) []*page.Buf {
	full := make([]byte, pageHeaderSize+len(kv))
	full[0] = height
	binary.LittleEndian.PutUint32(full[1:5], uint32(len(kv)))
	copy(full[pageHeaderSize:], kv)

	perBlock := pageSize - page.ChecksumSize
	blocks := (len(full) + perBlock - 1) / perBlock
	if blocks < 1 {
		blocks = 1
	}
	bufs := make([]*page.Buf, blocks)
	off := 0
	for b := 0; b < blocks; b++ {
		buf := page.NewBuf(pageSize)
		data := buf.Data()
		end := off + len(data)
		if end > len(full) {
			end = len(full)
		}
		copy(data, full[off:end])
		bufs[b] = buf
		off = end
	}
	return bufs
}

func boundAt(records []deltatree.Record, i int, upper deltatree.Record) deltatree.Record {
	if i < len(records) {
		return records[i]
	}
	return upper
}

// BuildInternalRecords turns a slice of child links into the record
// stream an internal page is built from: one record per child anchored
// at its lower bound carrying the child's lpid as value, plus a
// trailing value-less placeholder at upper so the last child's upper
// bound can still be recovered by ChildLinks (spec.md §4.6).
func BuildInternalRecords(links []ChildLink, upper []byte) []deltatree.Record {
	recs := make([]deltatree.Record, 0, len(links)+1)
	for _, l := range links {
		recs = append(recs, deltatree.Record{Key: l.Lower, Value: EncodeChildLPID(l.LPID), Present: true})
	}
	recs = append(recs, deltatree.Record{Key: upper, Present: false})
	return recs
}
