package deltatree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	base := Record{Key: []byte("user/00000"), Version: 100}
	cases := []Record{
		{Key: []byte("user/00000"), Version: 100, Value: []byte("a"), Present: true},
		{Key: []byte("user/00042"), Version: 105, Value: []byte("hello world"), Present: true},
		{Key: []byte("user/00042"), Version: 100, Present: false},
		{Key: []byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"), Version: -5, Value: bytes.Repeat([]byte("x"), 300), Present: true},
		{Key: []byte(""), Version: 1 << 40, Value: []byte("big delta"), Present: true},
	}
	for _, r := range cases {
		enc := EncodeRecord(r, base, false)
		got, n, ok := DecodeRecord(enc, base)
		require.True(t, ok, "DecodeRecord failed for %+v", r)
		assert.Equal(t, len(enc), n)
		assert.True(t, bytes.Equal(got.Key, r.Key))
		assert.Equal(t, r.Version, got.Version)
		assert.True(t, bytes.Equal(got.Value, r.Value))
		assert.Equal(t, r.Present, got.Present)
	}
}

func TestLenFormatChoosesNarrowestEncoding(t *testing.T) {
	assert.Equal(t, uint8(0), lenFormat(10, 10, 10))
	assert.Equal(t, uint8(1), lenFormat(10, 10, 1000))
	assert.Equal(t, uint8(2), lenFormat(1000, 10, 10))
	assert.Equal(t, uint8(3), lenFormat(10, 10, 1<<17))
}

func TestVersionDeltaWidthSelection(t *testing.T) {
	cases := []struct {
		delta int64
		width int
	}{
		{0, 0},
		{1, 4},
		{-1, 4},
		{1 << 40, 6},
		{-(1 << 40), 6},
		{1 << 50, 8},
	}
	for _, c := range cases {
		assert.Equal(t, c.width, versionDeltaSize(c.delta), "versionDeltaSize(%d)", c.delta)
	}
}

func TestLess(t *testing.T) {
	a := Record{Key: []byte("a"), Version: 5}
	b := Record{Key: []byte("a"), Version: 6}
	c := Record{Key: []byte("b"), Version: 1}
	assert.True(t, Less(a, b), "expected a < b by version")
	assert.True(t, Less(b, c), "expected b < c by key")
	assert.False(t, Less(a, a), "expected a == a, not less")
}
