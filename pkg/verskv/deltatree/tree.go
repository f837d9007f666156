package deltatree

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	errShortPage     = errors.New("deltatree: page buffer too short")
	errCorruptRecord = errors.New("deltatree: corrupt record")
)

const pageHeaderSize = 2 // u16 record count

// Page is a decoded delta-tree page: a prefix-compressed, sorted run of
// records bracketed by lower/upper sentinel bounds (spec.md §3, §4.4).
//
// Every record is encoded against the page's lower sentinel rather than
// against a tree-structured predecessor, trading some prefix-compression
// ratio for O(1) random-record access through a small offset index. See
// DESIGN.md for why this page is a flat indexed array rather than a
// packed binary search tree of chained deltas.
type Page struct {
	lower, upper Record
	records      []Record
}

// Build packs records (already sorted, lower <= records <= upper) into
// buf. ok is false if buf is too small, in which case the caller must
// split the input across multiple pages (spec.md §4.4 build overflow).
func Build(buf []byte, records []Record, lower, upper Record) (written int, ok bool) {
	body := make([]byte, 0, len(buf))
	offsets := make([]int, 0, len(records)+1)
	for _, r := range records {
		offsets = append(offsets, len(body))
		body = append(body, EncodeRecord(r, lower, false)...)
	}
	offsets = append(offsets, len(body))

	need := pageHeaderSize + 4*len(offsets) + len(body)
	if need > len(buf) {
		return 0, false
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(records)))
	off := pageHeaderSize
	for _, o := range offsets {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(o))
		off += 4
	}
	copy(buf[off:], body)
	return off + len(body), true
}

// DecodePage reads a page previously written by Build.
func DecodePage(buf []byte, lower, upper Record) (*Page, error) {
	if len(buf) < pageHeaderSize {
		return nil, errShortPage
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := pageHeaderSize
	if len(buf) < off+4*(count+1) {
		return nil, errShortPage
	}
	offsets := make([]int, count+1)
	for i := range offsets {
		offsets[i] = int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	body := buf[off:]

	records := make([]Record, count)
	for i := 0; i < count; i++ {
		start, end := offsets[i], offsets[i+1]
		if end > len(body) || start > end {
			return nil, errShortPage
		}
		rec, _, ok := DecodeRecord(body[start:end], lower)
		if !ok {
			return nil, errCorruptRecord
		}
		records[i] = rec
	}
	return &Page{lower: lower, upper: upper, records: records}, nil
}

// Len returns the number of records in the page.
func (p *Page) Len() int { return len(p.records) }

// At returns the i'th record in sorted order.
func (p *Page) At(i int) Record { return p.records[i] }

// Lower returns the page's lower sentinel bound.
func (p *Page) Lower() Record { return p.lower }

// Upper returns the page's upper sentinel bound.
func (p *Page) Upper() Record { return p.upper }

// Search returns the index of the first record >= key (lower_bound).
func (p *Page) Search(key []byte) int {
	lo, hi := 0, len(p.records)
	for lo < hi {
		mid := (lo + hi) / 2
		if lessKeyRecord(p.records[mid], key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func lessKeyRecord(r Record, key []byte) bool {
	return bytes.Compare(r.Key, key) < 0
}
