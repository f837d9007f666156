package deltatree

import "sort"

// MaxMirrorInserts bounds how many entries the mutable mirror tolerates
// as a direct overlay before Insert starts failing (spec.md §4.4, "the
// mirror's auxiliary structure has reached a configured maximum-height
// bound"). Past this, the in-place update path stops paying off and
// callers fall back to a full page rewrite.
var MaxMirrorInserts = 32

// Mirror is a mutable, in-memory view over an immutable on-page record
// run, supporting point insert/erase and bidirectional iteration without
// mutating the page's bytes (spec.md §4.4 "mutable mirror"). Erased
// on-page records are tracked as a tombstone overlay rather than by
// flipping a deleted bit in the page itself, and inserted records sit in
// a small sorted overlay slice capped at MaxMirrorInserts — modeling the
// "maximum-height bound" as a cap on overlay size rather than a literal
// skip-list height, while keeping the insert-fails-past-the-cap contract
// identical.
type Mirror struct {
	page    *Page
	erased  map[int]bool
	inserts []Record
}

// NewMirror wraps page for mutation.
func NewMirror(page *Page) *Mirror {
	return &Mirror{page: page, erased: make(map[int]bool)}
}

// Insert adds r. It reports false if r is already present, or if the
// overlay has reached MaxMirrorInserts.
func (m *Mirror) Insert(r Record) bool {
	if m.findInsertIndex(r.Key, r.Version) >= 0 {
		return false
	}
	if idx := m.findPageIndex(r.Key, r.Version); idx >= 0 && !m.erased[idx] {
		return false
	}
	if len(m.inserts) >= MaxMirrorInserts {
		return false
	}
	idx := sort.Search(len(m.inserts), func(i int) bool { return !Less(m.inserts[i], r) })
	m.inserts = append(m.inserts, Record{})
	copy(m.inserts[idx+1:], m.inserts[idx:])
	m.inserts[idx] = r
	return true
}

// Erase removes the record at (key, version). It reports false if
// absent.
func (m *Mirror) Erase(key []byte, version int64) bool {
	if idx := m.findInsertIndex(key, version); idx >= 0 {
		m.inserts = append(m.inserts[:idx], m.inserts[idx+1:]...)
		return true
	}
	if idx := m.findPageIndex(key, version); idx >= 0 && !m.erased[idx] {
		m.erased[idx] = true
		return true
	}
	return false
}

// Seek returns the live record at (key, version) and whether it exists.
func (m *Mirror) Seek(key []byte, version int64) (Record, bool) {
	if idx := m.findInsertIndex(key, version); idx >= 0 {
		return m.inserts[idx], true
	}
	if idx := m.findPageIndex(key, version); idx >= 0 && !m.erased[idx] {
		return m.page.At(idx), true
	}
	return Record{}, false
}

// Snapshot returns every live record — on-page records not erased, plus
// overlay inserts — in sorted order.
func (m *Mirror) Snapshot() []Record {
	out := make([]Record, 0, m.page.Len()+len(m.inserts))
	for i := 0; i < m.page.Len(); i++ {
		if !m.erased[i] {
			out = append(out, m.page.At(i))
		}
	}
	out = append(out, m.inserts...)
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Dirty reports whether the mirror has any overlay changes at all.
func (m *Mirror) Dirty() bool {
	return len(m.erased) > 0 || len(m.inserts) > 0
}

func (m *Mirror) findPageIndex(key []byte, version int64) int {
	i := m.page.Search(key)
	for i < m.page.Len() && bytesHaveSameKey(m.page.At(i).Key, key) {
		if m.page.At(i).Version == version {
			return i
		}
		i++
	}
	return -1
}

func (m *Mirror) findInsertIndex(key []byte, version int64) int {
	for i, r := range m.inserts {
		if sameKeyVersion(r, key, version) {
			return i
		}
	}
	return -1
}

func bytesHaveSameKey(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
