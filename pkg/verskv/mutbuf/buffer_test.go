package mutbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBufferHasLowAndHighBoundaries(t *testing.T) {
	b := New()
	require.Equal(t, 2, b.Len())
	assert.Equal(t, "", string(b.At(0).Key))
	assert.Nil(t, b.At(1).Key)
}

func TestSetInsertsBoundary(t *testing.T) {
	b := New()
	b.Set([]byte("k1"), []byte("v1"))
	require.Equal(t, 3, b.Len())

	got := b.At(b.LowerBound([]byte("k1")))
	assert.True(t, got.BoundaryChanged)
	assert.True(t, got.BoundaryValuePresent)
	assert.Equal(t, "v1", string(got.BoundaryValue))
}

func TestClearSingleKey(t *testing.T) {
	b := New()
	b.Set([]byte("k1"), []byte("v1"))
	b.Clear([]byte("k1"))

	got := b.At(b.LowerBound([]byte("k1")))
	assert.True(t, got.BoundaryChanged)
	assert.False(t, got.BoundaryValuePresent)
}

func TestClearRangeInsertsEndpointsAndDropsInterior(t *testing.T) {
	b := New()
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte("b"), []byte("2"))
	b.Set([]byte("c"), []byte("3"))
	b.Set([]byte("d"), []byte("4"))

	b.ClearRange([]byte("b"), []byte("d"))

	begin := b.At(b.LowerBound([]byte("b")))
	assert.True(t, begin.BoundaryChanged)
	assert.False(t, begin.BoundaryValuePresent)
	assert.True(t, begin.ClearAfterBoundary)

	j := b.LowerBound([]byte("c"))
	if j < b.Len() {
		assert.NotEqual(t, "c", string(b.At(j).Key), "interior boundary 'c' should be dropped by the range clear")
	}

	k := b.LowerBound([]byte("d"))
	require.Less(t, k, b.Len())
	assert.Equal(t, "d", string(b.At(k).Key))
}

func TestInsertInheritsClearAfterBoundaryFromPredecessor(t *testing.T) {
	b := New()
	b.ClearRange([]byte("a"), []byte("z"))

	// 'm' falls inside the cleared range; a fresh boundary created
	// there by Set must first have observed ClearAfterBoundary from
	// its predecessor before Set overwrites its own fields.
	b.Set([]byte("m"), []byte("v"))
	assert.True(t, b.At(b.LowerBound([]byte("m"))).BoundaryChanged)
	assert.True(t, b.At(b.LowerBound([]byte("m"))).ClearAfterBoundary)
}
