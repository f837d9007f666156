package deltatree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestPage(t *testing.T, recs []Record) *Page {
	t.Helper()
	buf := make([]byte, 16*1024)
	n, ok := Build(buf, recs, Record{}, Record{})
	require.True(t, ok, "Build failed")
	page, err := DecodePage(buf[:n], Record{}, Record{})
	require.NoError(t, err)
	return page
}

func TestMirrorInsertAndSeek(t *testing.T) {
	page := buildTestPage(t, sampleRecords(5))
	m := NewMirror(page)

	require.True(t, m.Insert(Record{Key: []byte("key/00002a"), Version: 1, Value: []byte("new"), Present: true}))

	got, ok := m.Seek([]byte("key/00002a"), 1)
	require.True(t, ok)
	assert.Equal(t, "new", string(got.Value))

	assert.False(t, m.Insert(Record{Key: []byte("key/00002a"), Version: 1, Value: []byte("dup")}), "duplicate insert should fail")
}

func TestMirrorEraseOnPageRecord(t *testing.T) {
	recs := sampleRecords(5)
	page := buildTestPage(t, recs)
	m := NewMirror(page)

	target := recs[2]
	require.True(t, m.Erase(target.Key, target.Version))

	_, ok := m.Seek(target.Key, target.Version)
	assert.False(t, ok, "erased record should be gone")
	assert.False(t, m.Erase(target.Key, target.Version), "second erase of the same record should fail")
}

func TestMirrorSnapshotMergesOverlayAndPage(t *testing.T) {
	recs := sampleRecords(3)
	page := buildTestPage(t, recs)
	m := NewMirror(page)

	m.Erase(recs[1].Key, recs[1].Version)
	m.Insert(Record{Key: []byte("key/00000a"), Version: 0, Value: []byte("between"), Present: true})

	snap := m.Snapshot()
	require.Len(t, snap, 3) // 3 original - 1 erased + 1 inserted
	assert.Equal(t, string(recs[0].Key), string(snap[0].Key))
	assert.Equal(t, "key/00000a", string(snap[1].Key))
}

func TestMirrorInsertCapsAtMaxHeight(t *testing.T) {
	page := buildTestPage(t, sampleRecords(1))
	m := NewMirror(page)

	saved := MaxMirrorInserts
	MaxMirrorInserts = 2
	defer func() { MaxMirrorInserts = saved }()

	assert.True(t, m.Insert(Record{Key: []byte("a"), Version: 1, Present: true}))
	assert.True(t, m.Insert(Record{Key: []byte("b"), Version: 1, Present: true}))
	assert.False(t, m.Insert(Record{Key: []byte("c"), Version: 1, Present: true}), "insert past MaxMirrorInserts should fail")
}
