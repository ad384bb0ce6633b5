package store

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	return lines
}

func TestPageCountBoundaries(t *testing.T) {
	tests := []struct {
		lines     int
		pageSize  int
		pageCount int
	}{
		{0, 500, 1}, // an empty list still has one empty page
		{1, 500, 1},
		{500, 500, 1},
		{501, 500, 2},
		{1000, 500, 2},
		{1001, 500, 3},
	}
	for _, tt := range tests {
		dir := filepath.Join(t.TempDir(), "pages")
		paged, err := WritePagedLines(dir, makeLines(tt.lines), tt.pageSize, Gzip, 2)
		require.NoError(t, err)
		assert.Equal(t, tt.pageCount, paged.PageCount(), "%d lines", tt.lines)
		assert.Equal(t, tt.lines, paged.Len())
	}
}

func TestPagedRandomAccess(t *testing.T) {
	lines := makeLines(1234)
	dir := filepath.Join(t.TempDir(), "pages")
	paged, err := WritePagedLines(dir, lines, 100, Gzip, 2)
	require.NoError(t, err)

	for _, i := range []int{0, 1, 99, 100, 101, 1233} {
		got, err := paged.Line(i)
		require.NoError(t, err)
		assert.Equal(t, lines[i], got)
	}
	_, err = paged.Line(-1)
	assert.Error(t, err)
	_, err = paged.Line(1234)
	assert.Error(t, err)
}

func TestPagedSlicesMatchOriginal(t *testing.T) {
	lines := makeLines(1050)
	dir := filepath.Join(t.TempDir(), "pages")
	paged, err := WritePagedLines(dir, lines, 100, NoCompression, 2)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		a := rng.Intn(len(lines))
		b := a + rng.Intn(len(lines)-a) + 1
		got, err := paged.Slice(a, b)
		require.NoError(t, err)
		assert.Equal(t, lines[a:b], got, "slice [%d:%d]", a, b)
	}

	// Boundary-straddling and degenerate slices.
	got, err := paged.Slice(99, 101)
	require.NoError(t, err)
	assert.Equal(t, lines[99:101], got)
	got, err = paged.Slice(0, len(lines))
	require.NoError(t, err)
	assert.Equal(t, lines, got)
	got, err = paged.Slice(50, 50)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = paged.Slice(-10, 5)
	require.NoError(t, err)
	assert.Equal(t, lines[0:5], got)
	got, err = paged.Slice(1000, 99999)
	require.NoError(t, err)
	assert.Equal(t, lines[1000:], got)
}

func TestPagedReplacesExistingList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pages")
	_, err := WritePagedLines(dir, makeLines(300), 100, Gzip, 2)
	require.NoError(t, err)

	paged, err := WritePagedLines(dir, makeLines(50), 100, Gzip, 2)
	require.NoError(t, err)
	assert.Equal(t, 50, paged.Len())
	assert.Equal(t, 1, paged.PageCount())
	got, err := paged.Line(49)
	require.NoError(t, err)
	assert.Equal(t, "line 49", got)
}

func TestPageCacheEviction(t *testing.T) {
	cache := newPageCache(2)
	cache.put(0, []string{"a"})
	cache.put(1, []string{"b"})
	_, ok := cache.get(0) // touch 0, making 1 the eviction candidate
	assert.True(t, ok)
	cache.put(2, []string{"c"})
	_, ok = cache.get(1)
	assert.False(t, ok)
	_, ok = cache.get(0)
	assert.True(t, ok)
	_, ok = cache.get(2)
	assert.True(t, ok)
}
