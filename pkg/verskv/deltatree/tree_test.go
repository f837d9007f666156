package deltatree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords(n int) []Record {
	recs := make([]Record, n)
	for i := 0; i < n; i++ {
		recs[i] = Record{
			Key:     []byte(fmt.Sprintf("key/%05d", i)),
			Version: int64(i),
			Value:   []byte(fmt.Sprintf("value-%d", i)),
			Present: true,
		}
	}
	return recs
}

func TestBuildDecodeRoundTrip(t *testing.T) {
	recs := sampleRecords(50)
	lower := Record{Key: []byte("key/00000")}
	upper := Record{Key: []byte("key/99999")}

	buf := make([]byte, 64*1024)
	n, ok := Build(buf, recs, lower, upper)
	require.True(t, ok, "Build failed for a buffer large enough to hold %d records", len(recs))

	page, err := DecodePage(buf[:n], lower, upper)
	require.NoError(t, err)
	require.Equal(t, len(recs), page.Len())
	for i, want := range recs {
		got := page.At(i)
		assert.Equal(t, string(want.Key), string(got.Key), "record %d key", i)
		assert.Equal(t, want.Version, got.Version, "record %d version", i)
		assert.Equal(t, string(want.Value), string(got.Value), "record %d value", i)
	}
}

func TestBuildReportsOverflow(t *testing.T) {
	recs := sampleRecords(50)
	tiny := make([]byte, 8)
	_, ok := Build(tiny, recs, Record{}, Record{})
	assert.False(t, ok, "expected Build to report overflow on a too-small buffer")
}

func TestPageSearch(t *testing.T) {
	recs := sampleRecords(20)
	lower, upper := Record{}, Record{}
	buf := make([]byte, 16*1024)
	n, ok := Build(buf, recs, lower, upper)
	require.True(t, ok)
	page, err := DecodePage(buf[:n], lower, upper)
	require.NoError(t, err)

	assert.Equal(t, 10, page.Search([]byte("key/00010")))
	assert.Equal(t, 11, page.Search([]byte("key/000105")))
	assert.Equal(t, 0, page.Search([]byte("")))
}

func TestValueOnlyMatchesFullDecode(t *testing.T) {
	recs := sampleRecords(30)
	lower, upper := Record{}, Record{}
	buf := make([]byte, 32*1024)
	n, ok := Build(buf, recs, lower, upper)
	require.True(t, ok)
	values, err := ValueOnly(buf[:n])
	require.NoError(t, err)
	require.Len(t, values, len(recs))
	for i, want := range recs {
		assert.Equal(t, string(want.Value), string(values[i]), "value %d", i)
	}
}
